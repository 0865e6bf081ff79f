package contracts

// Action identifies the unit-of-work type carried by an envelope
type Action string

const (
	ActionUpdateTask        Action = "update-task"
	ActionNotifyUser        Action = "notify-user"
	ActionGenerateSentences Action = "generate-sentences"
	ActionPing              Action = "ping"

	// ActionCallback marks reply envelopes consumed by an invoker
	ActionCallback Action = "callback"
)

var knownActions = map[Action]struct{}{
	ActionUpdateTask:        {},
	ActionNotifyUser:        {},
	ActionGenerateSentences: {},
	ActionPing:              {},
	ActionCallback:          {},
}

// KnownActions returns every work action a router may be asked to handle.
// ActionCallback is excluded; it is only consumed by invokers.
func KnownActions() []Action {
	return []Action{
		ActionUpdateTask,
		ActionNotifyUser,
		ActionGenerateSentences,
		ActionPing,
	}
}

// Valid reports whether the action belongs to the enumeration
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

func (a Action) String() string {
	return string(a)
}
