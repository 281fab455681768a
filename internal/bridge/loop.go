package bridge

import (
	"context"
	"errors"

	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/event"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/policy"
	"github.com/gdbrns/go-whatsapp-discord-bridge/pkg/log"
)

// Dispatcher relays one normalized event toward its target platform.
type Dispatcher interface {
	Dispatch(ctx context.Context, e *event.Event) error
}

type queued struct {
	event     *event.Event
	direction policy.Direction
}

// Loop serializes relay work. Events from both platforms funnel into one
// buffered queue drained by a single goroutine, which preserves per-source
// arrival order end to end.
type Loop struct {
	toDiscord  Dispatcher
	toWhatsApp Dispatcher
	queue      chan queued

	// OnRejected, when set, is called for filter rejections that deserve a
	// user-visible notice.
	OnRejected func(e *event.Event, direction policy.Direction, err error)

	// Announce, when set, surfaces terminal relay failures to the control
	// channel. Best effort.
	Announce func(text string)
}

func NewLoop(toDiscord Dispatcher, toWhatsApp Dispatcher, size int) *Loop {
	if size <= 0 {
		size = 256
	}
	return &Loop{
		toDiscord:  toDiscord,
		toWhatsApp: toWhatsApp,
		queue:      make(chan queued, size),
	}
}

// SetDispatchers installs the relay targets. It exists because the WhatsApp
// client and its dispatcher each need the other half wired first; call it
// before Run.
func (l *Loop) SetDispatchers(toDiscord Dispatcher, toWhatsApp Dispatcher) {
	l.toDiscord = toDiscord
	l.toWhatsApp = toWhatsApp
}

// EnqueueToDiscord queues a WhatsApp-origin event for relay.
func (l *Loop) EnqueueToDiscord(e *event.Event) {
	l.queue <- queued{event: e, direction: policy.ToDiscord}
}

// EnqueueToWhatsApp queues a Discord-origin event for relay.
func (l *Loop) EnqueueToWhatsApp(e *event.Event) {
	l.queue <- queued{event: e, direction: policy.ToWhatsApp}
}

// Run drains the queue until ctx is cancelled. A failing event is logged and
// never stops the loop.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-l.queue:
			l.relay(ctx, item)
		}
	}
}

func (l *Loop) relay(ctx context.Context, item queued) {
	dispatcher := l.toDiscord
	if item.direction == policy.ToWhatsApp {
		dispatcher = l.toWhatsApp
	}

	err := dispatcher.Dispatch(ctx, item.event)
	switch {
	case err == nil:
	case errors.Is(err, policy.ErrNotWhitelisted),
		errors.Is(err, policy.ErrBeforeStartup),
		errors.Is(err, policy.ErrDirectionDisabled):
		log.Print("bridge").WithError(err).Debug("Dropped " + item.event.Kind.String() + " event")
	case errors.Is(err, policy.ErrUnknownReference):
		if l.OnRejected != nil {
			l.OnRejected(item.event, item.direction, err)
		}
	default:
		log.Print("bridge").WithError(err).Error("Failed to relay " + item.event.Kind.String() + " event")
		if l.Announce != nil {
			l.Announce("Failed to relay a " + item.event.Kind.String() + " event: " + err.Error())
		}
	}
}
