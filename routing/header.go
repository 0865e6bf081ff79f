package routing

import (
	"errors"
	"strings"
)

// Transport metadata keys carrying the reply address.
const (
	HeaderReplyQueue  = "x-reply-queue"
	HeaderReplyMethod = "x-reply-method"
)

var ErrInvalidCallbackHeader = errors.New("callback header requires both reply queue and reply method")

// CallbackHeader is the reply address attached to an outgoing message
type CallbackHeader struct {
	ReplyQueue  string
	ReplyMethod string
}

// Valid reports whether both fields are present and non-blank
func (h CallbackHeader) Valid() bool {
	return strings.TrimSpace(h.ReplyQueue) != "" && strings.TrimSpace(h.ReplyMethod) != ""
}

// Encode projects a reply address onto transport metadata.
// Blank values are a configuration error.
func Encode(replyQueue, replyMethod string) (map[string]string, error) {
	h := CallbackHeader{ReplyQueue: replyQueue, ReplyMethod: replyMethod}
	if !h.Valid() {
		return nil, ErrInvalidCallbackHeader
	}
	return h.Metadata(), nil
}

// Metadata returns the header as transport metadata without validation
func (h CallbackHeader) Metadata() map[string]string {
	return map[string]string{
		HeaderReplyQueue:  h.ReplyQueue,
		HeaderReplyMethod: h.ReplyMethod,
	}
}

// Decode extracts a reply address from transport metadata.
// Partial or blank headers mean no callback was requested.
func Decode(metadata map[string]string) (CallbackHeader, bool) {
	if metadata == nil {
		return CallbackHeader{}, false
	}

	h := CallbackHeader{
		ReplyQueue:  metadata[HeaderReplyQueue],
		ReplyMethod: metadata[HeaderReplyMethod],
	}
	if !h.Valid() {
		return CallbackHeader{}, false
	}
	return h, true
}
