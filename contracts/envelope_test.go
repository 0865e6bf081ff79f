package contracts

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentenceRequest struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

func TestNewEnvelope(t *testing.T) {
	t.Run("NewEnvelope creates valid envelope", func(t *testing.T) {
		env, err := NewEnvelope(ActionGenerateSentences, sentenceRequest{Word: "cat", Count: 3})
		require.NoError(t, err)

		assert.Equal(t, ActionGenerateSentences, env.Action)
		assert.NotZero(t, env.Timestamp)
		assert.JSONEq(t, `{"word":"cat","count":3}`, string(env.Payload))
		assert.Empty(t, env.Metadata)

		_, err = uuid.Parse(env.ID)
		assert.NoError(t, err)
	})

	t.Run("NewEnvelope keeps raw payload untouched", func(t *testing.T) {
		raw := json.RawMessage(`{"already":"encoded"}`)
		env, err := NewEnvelope(ActionNotifyUser, raw)
		require.NoError(t, err)
		assert.Equal(t, raw, env.Payload)
	})

	t.Run("NewEnvelope applies metadata options", func(t *testing.T) {
		env, err := NewEnvelope(ActionNotifyUser, map[string]string{"userId": "u1"},
			WithEnvelopeID("msg-1"),
			WithMetadata(map[string]any{MetadataRequestID: "req-1"}),
			WithMetadataField(MetadataCorrelationID, "corr-1"),
		)
		require.NoError(t, err)

		assert.Equal(t, "msg-1", env.ID)
		assert.Equal(t, "req-1", env.MetadataString(MetadataRequestID))
		assert.Equal(t, "corr-1", env.CorrelationID())
	})

	t.Run("NewEnvelope rejects empty action", func(t *testing.T) {
		_, err := NewEnvelope("", nil)
		assert.Error(t, err)
	})
}

func TestDecodeEnvelope(t *testing.T) {
	t.Run("round trips through the wire format", func(t *testing.T) {
		env, err := NewEnvelope(ActionUpdateTask, map[string]int{"taskId": 7},
			WithMetadataField(MetadataCallerID, "svc-a"))
		require.NoError(t, err)

		body, err := env.Encode()
		require.NoError(t, err)

		decoded, err := DecodeEnvelope(body)
		require.NoError(t, err)
		assert.Equal(t, env.ID, decoded.ID)
		assert.Equal(t, env.Action, decoded.Action)
		assert.JSONEq(t, string(env.Payload), string(decoded.Payload))
		assert.Equal(t, "svc-a", decoded.MetadataString(MetadataCallerID))
	})

	t.Run("invalid JSON is fatal", func(t *testing.T) {
		_, err := DecodeEnvelope([]byte("{not json"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
		assert.True(t, IsFatal(err))
	})

	t.Run("missing action is fatal", func(t *testing.T) {
		_, err := DecodeEnvelope([]byte(`{"id":"1","payload":{}}`))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
		assert.True(t, IsFatal(err))
	})

	t.Run("absent metadata is legal", func(t *testing.T) {
		env, err := DecodeEnvelope([]byte(`{"id":"1","action":"ping","payload":{}}`))
		require.NoError(t, err)
		assert.Empty(t, env.CorrelationID())
	})
}

func TestAs(t *testing.T) {
	t.Run("returns typed payload", func(t *testing.T) {
		env := &Envelope{Action: ActionGenerateSentences, Payload: json.RawMessage(`{"word":"dog","count":2}`)}

		req, err := As[sentenceRequest](env)
		require.NoError(t, err)
		assert.Equal(t, sentenceRequest{Word: "dog", Count: 2}, req)
	})

	t.Run("null payload is fatal empty payload", func(t *testing.T) {
		for _, payload := range []string{"", "null", "  null  "} {
			env := &Envelope{Action: ActionGenerateSentences, Payload: json.RawMessage(payload)}

			_, err := As[sentenceRequest](env)
			require.Error(t, err, "payload %q", payload)
			assert.ErrorIs(t, err, ErrEmptyPayload)
			assert.True(t, IsFatal(err))
		}
	})

	t.Run("shape mismatch is fatal malformed payload", func(t *testing.T) {
		env := &Envelope{Action: ActionGenerateSentences, Payload: json.RawMessage(`{"count":"three"}`)}

		_, err := As[sentenceRequest](env)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMalformedPayload)
		assert.True(t, IsFatal(err))
	})
}

func TestWithMetadataValue(t *testing.T) {
	env, err := NewEnvelope(ActionPing, struct{}{}, WithMetadataField(MetadataCorrelationID, "c-1"))
	require.NoError(t, err)

	updated, err := env.WithMetadataValue(MetadataReplyMethod, "OnPong")
	require.NoError(t, err)

	assert.Equal(t, "OnPong", updated.MetadataString(MetadataReplyMethod))
	assert.Equal(t, "c-1", updated.CorrelationID())
	assert.Empty(t, env.MetadataString(MetadataReplyMethod), "original must not change")
}

func TestAction(t *testing.T) {
	for _, a := range KnownActions() {
		assert.True(t, a.Valid(), a)
	}
	assert.True(t, ActionCallback.Valid())
	assert.NotContains(t, KnownActions(), ActionCallback)
	assert.False(t, Action("delete-everything").Valid())
}
