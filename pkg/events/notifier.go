package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/confab/pkg/helpers"
)

// RouterNotifier publishes notifications as JSON on TopicNotifications.
type RouterNotifier struct {
	publisher message.Publisher
}

var _ Notifier = (*RouterNotifier)(nil)

func NewRouterNotifier(router *EventRouter) *RouterNotifier {
	return &RouterNotifier{publisher: router.Publisher}
}

func (r *RouterNotifier) Notify(ctx context.Context, n Notification) {
	b, err := json.Marshal(n)
	if err != nil {
		log.Error().Err(err).Str("kind", string(n.Kind)).Msg("Failed to encode notification")
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), b)
	if n.ConversationID != "" {
		ctx = helpers.ContextWithConversationID(ctx, n.ConversationID)
	}
	msg.SetContext(ctx)

	if err := r.publisher.Publish(TopicNotifications, msg); err != nil {
		log.Warn().Err(err).Str("kind", string(n.Kind)).Msg("Failed to publish notification")
	}
}

// NotificationHandler adapts fn into a router handler for TopicNotifications.
// Undecodable payloads are logged and acked.
func NotificationHandler(fn func(ctx context.Context, n Notification) error) func(msg *message.Message) error {
	return func(msg *message.Message) error {
		var n Notification
		if err := json.Unmarshal(msg.Payload, &n); err != nil {
			log.Error().Err(err).Str("message_id", msg.UUID).Msg("Failed to parse notification")
			return nil
		}
		if n.ConversationID == "" {
			n.ConversationID = msg.Metadata.Get(helpers.ConversationIDMetadataKey)
		}
		return errors.Wrap(fn(msg.Context(), n), "notification handler failed")
	}
}

// RecordingNotifier keeps every notification in memory.
type RecordingNotifier struct {
	mu  sync.Mutex
	all []Notification
}

var _ Notifier = (*RecordingNotifier)(nil)

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

func (r *RecordingNotifier) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, n)
}

func (r *RecordingNotifier) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.all...)
}

// Kinds returns the kinds of all recorded notifications, in order.
func (r *RecordingNotifier) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]Kind, 0, len(r.all))
	for _, n := range r.all {
		ret = append(ret, n.Kind)
	}
	return ret
}

func (r *RecordingNotifier) Last() (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.all) == 0 {
		return Notification{}, false
	}
	return r.all[len(r.all)-1], true
}
