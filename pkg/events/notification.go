package events

import (
	"context"
	"time"
)

// TopicNotifications is the topic RouterNotifier publishes on.
const TopicNotifications = "notifications"

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Kind says what happened, independently of how it is worded.
type Kind string

const (
	KindExchangeCancelled  Kind = "exchange_cancelled"
	KindExchangeFailed     Kind = "exchange_failed"
	KindPersistenceFailed  Kind = "persistence_failed"
	KindPreferencesFailed  Kind = "preferences_failed"
	KindConversationSaved  Kind = "conversation_saved"
	KindConversationDelete Kind = "conversation_deleted"
	KindImported           Kind = "conversation_imported"
	KindChannelState       Kind = "channel_state"
)

// Notification is a user-visible message about something that happened
// outside the normal flow of a conversation.
type Notification struct {
	Level          Level     `json:"level"`
	Kind           Kind      `json:"kind"`
	Message        string    `json:"message"`
	ConversationID string    `json:"conversationId,omitempty"`
	Time           time.Time `json:"time"`
}

func newNotification(level Level, kind Kind, conversationID string, msg string) Notification {
	return Notification{
		Level:          level,
		Kind:           kind,
		Message:        msg,
		ConversationID: conversationID,
		Time:           time.Now(),
	}
}

func Info(kind Kind, conversationID string, msg string) Notification {
	return newNotification(LevelInfo, kind, conversationID, msg)
}

func Success(kind Kind, conversationID string, msg string) Notification {
	return newNotification(LevelSuccess, kind, conversationID, msg)
}

func Warning(kind Kind, conversationID string, msg string) Notification {
	return newNotification(LevelWarning, kind, conversationID, msg)
}

func Error(kind Kind, conversationID string, err error) Notification {
	return newNotification(LevelError, kind, conversationID, err.Error())
}

// Notifier delivers notifications. Notify must not block on the receiver for
// long and never fails the caller; delivery problems are logged.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) {}

// NopNotifier drops everything.
var NopNotifier Notifier = nopNotifier{}
