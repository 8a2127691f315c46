package events

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recorder struct{ got []Event }

func (r *recorder) Emit(_ context.Context, ev Event) error {
	r.got = append(r.got, ev)
	return nil
}

func TestFanoutDeliversToAllAndJoinsErrors(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	boom := errors.New("broker down")
	f := Fanout{a, EmitterFunc(func(context.Context, Event) error { return boom }), b}

	err := f.Emit(context.Background(), Event{Type: TypeEntered})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("expected both healthy sinks to receive the event")
	}
}

func TestNotifierStampsAndSwallows(t *testing.T) {
	at := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	rec := &recorder{}
	n := NewNotifier(Fanout{rec, EmitterFunc(func(context.Context, Event) error { return errors.New("x") })},
		func() time.Time { return at }, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // delivery must survive a cancelled request context
	n.Notify(ctx, Event{Type: TypeCalled, StationID: "lab"})

	if len(rec.got) != 1 {
		t.Fatalf("expected one delivered event, got %d", len(rec.got))
	}
	if !rec.got[0].Timestamp.Equal(at) {
		t.Fatalf("expected timestamp %s, got %s", at, rec.got[0].Timestamp)
	}
}

func TestConsumerHandleRelaysToSink(t *testing.T) {
	rec := &recorder{}
	c := NewConsumer("amqp://unused", "", rec, zerolog.Nop())
	if err := c.handle(context.Background(), []byte(`{"type":"CALLED","station_id":"lab","ticket_number":4}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(rec.got) != 1 || rec.got[0].StationID != "lab" || rec.got[0].TicketNumber != 4 {
		t.Fatalf("unexpected relayed event: %+v", rec.got)
	}
	if err := c.handle(context.Background(), []byte(`{"station_id":"lab"}`)); err == nil {
		t.Fatalf("expected error for event without type")
	}
	if err := c.handle(context.Background(), []byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed body")
	}
}

func TestSleepHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleep(ctx, time.Hour) {
		t.Fatalf("expected sleep to stop on cancelled context")
	}
}

// blackhole accepts TCP connections and never answers, like a broker
// behind a dropped route.
func blackhole(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return "amqp://guest:guest@" + ln.Addr().String() + "/"
}

func TestPublisherNeverBlocksOnUnreachableBroker(t *testing.T) {
	p := newPublisher(blackhole(t), "", 2, 300*time.Millisecond, zerolog.Nop())

	start := time.Now()
	dropped := 0
	for i := 0; i < 6; i++ {
		err := p.Emit(context.Background(), Event{Type: TypeCalled, StationID: "lab"})
		if errors.Is(err, ErrDropped) {
			dropped++
		} else if err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("expected emits to return at once, took %s", elapsed)
	}
	if dropped < 3 {
		t.Fatalf("expected overflow to be dropped, got %d drops", dropped)
	}

	closed := make(chan struct{})
	go func() {
		_ = p.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("close did not return")
	}
	if err := p.Emit(context.Background(), Event{Type: TypeCalled}); !errors.Is(err, ErrDropped) {
		t.Fatalf("expected ErrDropped after close, got %v", err)
	}
}

func TestPublisherAndConsumerShareTheExchange(t *testing.T) {
	c := NewConsumer("amqp://unused", "", &recorder{}, zerolog.Nop())
	p := NewPublisher("amqp://unused", "", zerolog.Nop())
	defer func() { _ = p.Close() }()
	if c.exchange != DefaultExchange || p.exchange != DefaultExchange {
		t.Fatalf("expected both on %q, got %q and %q", DefaultExchange, c.exchange, p.exchange)
	}
}
