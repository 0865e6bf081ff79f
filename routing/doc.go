// Package routing carries reply addresses for asynchronous call chains.
//
// A reply address (CallbackHeader) travels on the wire as two transport
// metadata keys and, inside a process, as a context value. Every context
// derived from an inbound message or request sees only its own address, so
// concurrent operations never observe each other's header and nested sends
// cannot alter the outer operation's value.
//
//	ctx = routing.WithCallback(ctx, routing.CallbackHeader{
//		ReplyQueue:  "lesson-service.replies",
//		ReplyMethod: "OnSentencesGenerated",
//	})
//	err := dispatcher.Send(ctx, "ai-service", env) // carries the reply address
package routing
