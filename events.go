package chatsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// Events emitted by the Engine.
const (
	EventChatroomsChanged  = "chatrooms.changed"
	EventMessagesChanged   = "messages.changed"
	EventRoomSelected      = "room.selected"
	EventSubscriptionError = "subscription.error"
	EventRecordDropped     = "record.dropped"
	EventMigrationComplete = "migration.complete"
	EventMigrationFailed   = "migration.failed"
	EventMessageSent       = "message.sent"
	EventMessageFailed     = "message.failed"
	EventMessageSkipped    = "message.skipped"
	EventRoomRead          = "room.read"
	EventRoomCreated       = "room.created"
)

// EventHandler receives engine events. Payload types are documented on the
// emitting operation.
type EventHandler func(event string, payload any)

// emitter is usable as its zero value. Recovered handler panics are logged
// to log when it is set.
type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	log       *zerolog.Logger
}

// On registers handler for event. Handlers run synchronously on the goroutine
// that produced the event; a panic in one handler is logged and does not
// stop the others.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]EventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := append([]EventHandler(nil), e.listeners[event]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil && e.log != nil {
					e.log.Debug().Str("event", event).Interface("panic", r).Msg("event handler panicked")
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = nil
}
