package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Notifier is what the engines hold. It stamps the event time, bounds
// delivery with a timeout and logs failures instead of returning them.
type Notifier struct {
	emitter Emitter
	now     func() time.Time
	timeout time.Duration
	log     zerolog.Logger
}

// NewNotifier wraps emitter. A nil emitter yields a Notifier that drops
// everything.
func NewNotifier(emitter Emitter, now func() time.Time, log zerolog.Logger) Notifier {
	if emitter == nil {
		emitter = Nop
	}
	if now == nil {
		now = time.Now
	}
	return Notifier{emitter: emitter, now: now, timeout: 2 * time.Second, log: log}
}

// Notify delivers ev. The caller's cancellation does not abort delivery
// of an event describing a change that has already been committed.
func (n Notifier) Notify(ctx context.Context, ev Event) {
	if n.emitter == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = n.now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	if err := n.emitter.Emit(ctx, ev); err != nil {
		n.log.Warn().Err(err).Str("type", string(ev.Type)).Str("station", ev.StationID).Msg("event delivery failed")
	}
}
