// Package httpapi is the HTTP ingress: it turns requests into envelopes and
// hands them to the outbound dispatcher.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/correlation"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/glimte/mmate-relay/routing"
)

// Request headers understood by the ingress
const (
	HeaderReplyQueue  = "X-Reply-Queue"
	HeaderReplyMethod = "X-Reply-Method"
	HeaderMetaPrefix  = "X-Meta-"
)

// Sender publishes an envelope to a queue
type Sender interface {
	Send(ctx context.Context, queue string, env *contracts.Envelope, options ...messaging.SendOption) error
}

type publishRequest struct {
	Action   string          `json:"action" binding:"required"`
	Payload  json.RawMessage `json:"payload"`
	Metadata map[string]any  `json:"metadata"`
}

type publishResponse struct {
	MessageID     string `json:"messageId"`
	CorrelationID string `json:"correlationId,omitempty"`
	Queue         string `json:"queue"`
}

type MessageHandler struct {
	sender Sender
}

func NewMessageHandler(sender Sender) *MessageHandler {
	return &MessageHandler{sender: sender}
}

// Publish handles POST /v1/queues/:queue/messages
func (h *MessageHandler) Publish(c *gin.Context) {
	queue := c.Param("queue")

	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "request body must be an object with an action"})
		return
	}

	// callback envelopes are produced by routers only, never by clients
	action := contracts.Action(req.Action)
	if !slices.Contains(contracts.KnownActions(), action) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "unknown action " + req.Action})
		return
	}

	ctx, err := callbackContext(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	corrID := correlation.FromContext(ctx)
	opts := []contracts.EnvelopeOption{contracts.WithMetadata(req.Metadata)}
	if corrID != "" {
		opts = append(opts, contracts.WithMetadataField(contracts.MetadataCorrelationID, corrID))
	}

	env, err := contracts.NewEnvelope(action, req.Payload, opts...)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	var sendOpts []messaging.SendOption
	if meta := explicitMetadata(c.Request.Header); len(meta) > 0 {
		sendOpts = append(sendOpts, messaging.WithMetadata(meta))
	}

	if err := h.sender.Send(ctx, queue, env, sendOpts...); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"message": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, publishResponse{
		MessageID:     env.ID,
		CorrelationID: corrID,
		Queue:         queue,
	})
}

// callbackContext scopes the request's reply address to its context.
// Supplying only one of the two headers is an error.
func callbackContext(c *gin.Context) (context.Context, error) {
	ctx := c.Request.Context()

	replyQueue := c.GetHeader(HeaderReplyQueue)
	replyMethod := c.GetHeader(HeaderReplyMethod)
	if replyQueue == "" && replyMethod == "" {
		return ctx, nil
	}

	if _, err := routing.Encode(replyQueue, replyMethod); err != nil {
		if errors.Is(err, routing.ErrInvalidCallbackHeader) {
			return nil, errors.New(HeaderReplyQueue + " and " + HeaderReplyMethod + " must both be set")
		}
		return nil, err
	}

	return routing.WithCallback(ctx, routing.CallbackHeader{
		ReplyQueue:  replyQueue,
		ReplyMethod: replyMethod,
	}), nil
}

// explicitMetadata maps X-Meta-<Key> headers to lower-case transport keys
func explicitMetadata(header http.Header) map[string]string {
	meta := make(map[string]string)
	for name, values := range header {
		if len(values) == 0 || !strings.HasPrefix(name, HeaderMetaPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, HeaderMetaPrefix))
		if key == "" {
			continue
		}
		meta[key] = values[0]
	}
	return meta
}
