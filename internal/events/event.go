// Package events defines the notifications emitted after every state
// change and the sinks that deliver them: the RabbitMQ publisher, the
// websocket hub (see package ws) and a log sink. Delivery is
// best-effort; a failing sink never fails the operation that emitted.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Type is the event topic.
type Type string

const (
	TypeEntered       Type = "ENTERED"
	TypeCalled        Type = "CALLED"
	TypeCompleted     Type = "COMPLETED"
	TypeCancelled     Type = "CANCELLED"
	TypeStationStatus Type = "STATION_STATUS"
	TypePinIssued     Type = "PIN_ISSUED"
	TypePinRotated    Type = "PIN_ROTATED"
	TypeRouteAssigned Type = "ROUTE_ASSIGNED"
	TypeRouteAdvanced Type = "ROUTE_ADVANCED"
)

// Event is the payload delivered to every sink. Pin codes are never
// included.
type Event struct {
	Type         Type           `json:"type"`
	StationID    string         `json:"station_id,omitempty"`
	PatientID    string         `json:"patient_id,omitempty"`
	EntryID      string         `json:"entry_id,omitempty"`
	TicketNumber int            `json:"ticket_number,omitempty"`
	Position     int            `json:"position,omitempty"` // 1-based among WAITING entries
	DayKey       string         `json:"day_key,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Data         map[string]any `json:"data,omitempty"`
}

// Emitter delivers an event to one sink.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop discards events.
var Nop Emitter = EmitterFunc(func(context.Context, Event) error { return nil })

// Fanout delivers to every emitter and joins their errors.
type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, e := range f {
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes each event at debug level.
type Log struct{ Logger zerolog.Logger }

func (l Log) Emit(_ context.Context, ev Event) error {
	l.Logger.Debug().
		Str("type", string(ev.Type)).
		Str("station", ev.StationID).
		Str("patient", ev.PatientID).
		Int("ticket", ev.TicketNumber).
		Int("position", ev.Position).
		Msg("event")
	return nil
}
