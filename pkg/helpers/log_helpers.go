package helpers

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/lithammer/shortuuid/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WatermillZerologAdapter routes watermill's logging through zerolog.
type WatermillZerologAdapter struct {
	logger zerolog.Logger
}

func (w *WatermillZerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error().Fields(map[string]interface{}(fields)).Err(err).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) Info(msg string, fields watermill.LogFields) {
	// watermill logs every subscription at info level
	w.logger.Debug().Fields(map[string]interface{}(fields)).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(map[string]interface{}(fields)).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	l := w.logger.With().Fields(map[string]interface{}(fields)).Logger()
	return &WatermillZerologAdapter{logger: l}
}

func NewWatermill(logger zerolog.Logger) *WatermillZerologAdapter {
	return &WatermillZerologAdapter{logger: logger.With().Str("component", "watermill").Logger()}
}

var _ watermill.LoggerAdapter = &WatermillZerologAdapter{}

// ConversationIDMetadataKey is the message metadata key carrying the conversation
// a published message belongs to.
const ConversationIDMetadataKey = "conversation_id"

type conversationIDKeyType string

const conversationIDKey conversationIDKeyType = "conversation_id"

func ContextWithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationIDKey, conversationID)
}

// ConversationIDFromContext returns the conversation id stored in ctx. Without
// one it returns a generated id prefixed with "gen_", so messages published
// outside a conversation are still correlatable.
func ConversationIDFromContext(ctx context.Context) string {
	v, ok := ctx.Value(conversationIDKey).(string)
	if ok && v != "" {
		return v
	}
	log.Ctx(ctx).Trace().Msg("conversation ID not found in context")
	return "gen_" + shortuuid.New()
}

// ConversationPublisherDecorator stamps every published message with the
// conversation id of its context, unless the message already carries one.
type ConversationPublisherDecorator struct {
	message.Publisher
}

func (c ConversationPublisherDecorator) Publish(topic string, messages ...*message.Message) error {
	for i := range messages {
		if messages[i].Metadata.Get(ConversationIDMetadataKey) != "" {
			continue
		}
		messages[i].Metadata.Set(ConversationIDMetadataKey, ConversationIDFromContext(messages[i].Context()))
	}
	return c.Publisher.Publish(topic, messages...)
}
