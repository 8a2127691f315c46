// Package service composes the engines into the visit workflow used by
// the HTTP layer: assign a route, queue the patient at each station in
// turn and move them on as staff complete each examination.
package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/iliyamo/clinic-flow/internal/apperr"
	"github.com/iliyamo/clinic-flow/internal/model"
	"github.com/iliyamo/clinic-flow/internal/pin"
	"github.com/iliyamo/clinic-flow/internal/queue"
	"github.com/iliyamo/clinic-flow/internal/routing"
)

// Stations is the catalogue view the facility needs.
type Stations interface {
	Station(id string) (model.Station, bool)
}

// Facility is safe for concurrent use.
type Facility struct {
	stations Stations
	pins     *pin.Engine
	queues   *queue.Engine
	router   *routing.Router
	log      zerolog.Logger
}

// NewFacility wires the engines together.
func NewFacility(stations Stations, pins *pin.Engine, queues *queue.Engine, router *routing.Router, log zerolog.Logger) *Facility {
	return &Facility{
		stations: stations,
		pins:     pins,
		queues:   queues,
		router:   router,
		log:      log.With().Str("component", "facility").Logger(),
	}
}

// Visit is a patient's route together with their current queue entry.
type Visit struct {
	Route model.PatientRoute `json:"route"`
	Entry *model.QueueEntry  `json:"entry,omitempty"` // nil once the route is finished
}

// Completion is returned when staff finish with a patient.
type Completion struct {
	Entry model.QueueEntry    `json:"entry"`
	Route *model.PatientRoute `json:"route,omitempty"` // nil for patients without a route
	Next  *model.QueueEntry   `json:"next,omitempty"`  // entry at the next station
	Done  bool                `json:"done"`
}

// StartVisit assigns the route and queues the patient at its first
// station. It is idempotent: a returning patient gets their existing
// route and entry.
func (f *Facility) StartVisit(ctx context.Context, patientID, examType, gender string) (Visit, error) {
	route, err := f.router.Assign(ctx, patientID, examType, gender)
	if err != nil {
		return Visit{}, err
	}
	cur, ok := route.Current()
	if !ok {
		return Visit{Route: route}, nil
	}
	entry, err := f.queues.Enter(ctx, cur, patientID)
	if err != nil {
		return Visit{}, err
	}
	return Visit{Route: route, Entry: &entry}, nil
}

// Visit returns the patient's route and, if they are queued at their
// current station today, that entry.
func (f *Facility) Visit(ctx context.Context, patientID string) (Visit, error) {
	route, err := f.router.Get(ctx, patientID)
	if err != nil {
		return Visit{}, err
	}
	v := Visit{Route: route}
	if cur, ok := route.Current(); ok {
		entry, err := f.queues.Entry(ctx, cur, patientID)
		switch {
		case err == nil:
			v.Entry = &entry
		case !apperr.IsCode(err, apperr.NotFound):
			return Visit{}, err
		}
	}
	return v, nil
}

// Enter queues a patient at a station. Patients with a route may only
// join the station their route expects unless override is set; patients
// without a route need override. Gender constraints always apply.
func (f *Facility) Enter(ctx context.Context, stationID, patientID string, override bool) (model.QueueEntry, error) {
	route, err := f.router.Get(ctx, patientID)
	switch {
	case err == nil:
		if cur, ok := route.Current(); !override && (!ok || cur != stationID) {
			return model.QueueEntry{}, apperr.New(apperr.SequenceViolation, apperr.ReasonNotOnRoute,
				"patient %s is expected at %q, not %s", patientID, cur, stationID)
		}
	case apperr.IsCode(err, apperr.NotFound):
		if !override {
			return model.QueueEntry{}, apperr.New(apperr.SequenceViolation, apperr.ReasonNotOnRoute,
				"patient %s has no route", patientID)
		}
	default:
		return model.QueueEntry{}, err
	}
	if route.Gender != "" {
		if err := f.checkGender(stationID, route.Gender); err != nil {
			return model.QueueEntry{}, err
		}
	}
	return f.queues.Enter(ctx, stationID, patientID)
}

func (f *Facility) checkGender(stationID string, g model.Gender) error {
	st, ok := f.stations.Station(stationID)
	if !ok {
		return apperr.New(apperr.NotFound, apperr.ReasonNotFound, "station %s", stationID)
	}
	if !st.Accepts(g) {
		return apperr.New(apperr.Validation, apperr.ReasonGenderMismatch, "station %s does not accept %s patients", stationID, g)
	}
	return nil
}

// Call is returned by CallNext. Moved holds, for every patient the call
// closed out, the route step that followed.
type Call struct {
	queue.CallResult
	Moved []Completion `json:"moved,omitempty"`
}

// CallNext authorizes the pin and advances the station's queue. Patients
// closed out because the next one was called move on along their route
// exactly as if staff had completed them.
func (f *Facility) CallNext(ctx context.Context, stationID, code string) (Call, error) {
	if err := f.pins.Authorize(ctx, stationID, code); err != nil {
		return Call{}, err
	}
	res, err := f.queues.CallNext(ctx, stationID)
	if err != nil {
		return Call{}, err
	}
	out := Call{CallResult: res}
	for _, entry := range res.Completed {
		done, err := f.moveOn(ctx, stationID, entry)
		if err != nil {
			// The entry is closed already; Enter with override recovers the patient.
			f.log.Warn().Err(err).Str("patient", entry.PatientID).Str("station", stationID).Msg("route advance after call failed")
			continue
		}
		out.Moved = append(out.Moved, done)
	}
	return out, nil
}

// Complete authorizes the pin, closes the patient's SERVING entry and,
// when the station was the one their route expected, advances the route
// and queues them at the next station.
func (f *Facility) Complete(ctx context.Context, stationID, patientID, code string) (Completion, error) {
	if err := f.pins.Authorize(ctx, stationID, code); err != nil {
		return Completion{}, err
	}
	entry, err := f.queues.Complete(ctx, stationID, patientID)
	if err != nil {
		return Completion{}, err
	}
	return f.moveOn(ctx, stationID, entry)
}

// moveOn advances the route of a patient whose entry at stationID just
// closed, when that station was the one their route expected, and queues
// them at the next station.
func (f *Facility) moveOn(ctx context.Context, stationID string, entry model.QueueEntry) (Completion, error) {
	patientID := entry.PatientID
	out := Completion{Entry: entry}

	route, err := f.router.Get(ctx, patientID)
	if apperr.IsCode(err, apperr.NotFound) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	if cur, ok := route.Current(); !ok || cur != stationID {
		// Off-route visit (override); the route does not move.
		out.Route = &route
		out.Done = route.Done()
		return out, nil
	}

	adv, err := f.router.Advance(ctx, patientID, stationID)
	if err != nil {
		return out, err
	}
	out.Route = &adv.Route
	out.Done = adv.Done
	if adv.Done {
		f.log.Info().Str("patient", patientID).Msg("route finished")
		return out, nil
	}
	next, err := f.queues.Enter(ctx, adv.Next, patientID)
	if err != nil {
		// The route has moved; the patient can still join adv.Next via Enter.
		f.log.Warn().Err(err).Str("patient", patientID).Str("station", adv.Next).Msg("auto-enter next station failed")
		return out, nil
	}
	out.Next = &next
	return out, nil
}

// Cancel authorizes the pin and withdraws the patient from the station.
func (f *Facility) Cancel(ctx context.Context, stationID, patientID, code string) (model.QueueEntry, error) {
	if err := f.pins.Authorize(ctx, stationID, code); err != nil {
		return model.QueueEntry{}, err
	}
	return f.queues.Cancel(ctx, stationID, patientID)
}

// Status returns a station's queue snapshot.
func (f *Facility) Status(ctx context.Context, stationID string) (queue.StationStatus, error) {
	return f.queues.Status(ctx, stationID)
}
