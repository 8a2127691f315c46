package routing

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/iliyamo/clinic-flow/internal/apperr"
	"github.com/iliyamo/clinic-flow/internal/clock"
	"github.com/iliyamo/clinic-flow/internal/events"
	"github.com/iliyamo/clinic-flow/internal/model"
	"github.com/iliyamo/clinic-flow/internal/storage"
)

// Catalog is the static data the router reads.
type Catalog interface {
	Station(id string) (model.Station, bool)
	Route(examType string, g model.Gender) ([]string, bool)
}

// LoadSource supplies live station loads; the queue engine implements it.
type LoadSource interface {
	Loads(ctx context.Context, stationIDs []string) (map[string]model.StationLoad, error)
}

// Config tunes scoring and route storage.
type Config struct {
	Weights  Weights
	RouteTTL time.Duration // lifetime of a stored patient route
	Optimize bool          // reorder a new route by live score
}

// Router is safe for concurrent use. A patient's route is only ever
// mutated by that patient's own requests, so it is stored without a lock.
type Router struct {
	store   storage.Store
	catalog Catalog
	loads   LoadSource
	clock   clock.Clock
	notify  events.Notifier
	cfg     Config
	log     zerolog.Logger
}

// DefaultConfig uses DefaultWeights, a 24h route lifetime and no
// optimisation.
func DefaultConfig() Config {
	return Config{Weights: DefaultWeights(), RouteTTL: 24 * time.Hour}
}

// NewRouter wires a Router. cfg.Weights is used as given, so all-zero
// weights rank by base weight alone.
func NewRouter(store storage.Store, catalog Catalog, loads LoadSource, clk clock.Clock, notify events.Notifier, cfg Config, log zerolog.Logger) *Router {
	if cfg.RouteTTL <= 0 {
		cfg.RouteTTL = 24 * time.Hour
	}
	return &Router{
		store:   store,
		catalog: catalog,
		loads:   loads,
		clock:   clk,
		notify:  notify,
		cfg:     cfg,
		log:     log.With().Str("component", "router").Logger(),
	}
}

// Advance is the result of completing a station on a route.
type Advance struct {
	Route model.PatientRoute `json:"route"`
	Next  string             `json:"next,omitempty"` // empty when Done
	Done  bool               `json:"done"`
}

// ParseGender normalizes a gender or fails with VALIDATION.
func ParseGender(s string) (model.Gender, error) {
	g, ok := model.NormalizeGender(s)
	if !ok {
		return "", apperr.New(apperr.Validation, apperr.ReasonInvalidInput, "gender must be male or female, got %q", s)
	}
	return g, nil
}

// ResolveRoute returns the fixed station sequence for an exam type and
// gender, or VALIDATION/INVALID_ROUTE.
func (r *Router) ResolveRoute(examType, gender string) ([]string, error) {
	g, err := ParseGender(gender)
	if err != nil {
		return nil, err
	}
	ids, ok := r.catalog.Route(examType, g)
	if !ok {
		return nil, apperr.New(apperr.Validation, apperr.ReasonInvalidRoute, "no route for exam %q and gender %s", examType, g)
	}
	return ids, nil
}

// Score applies the configured weights.
func (r *Router) Score(st model.Station, load model.StationLoad) float64 {
	return Score(st, load, r.cfg.Weights)
}

func (r *Router) stationsFor(ids []string) ([]model.Station, error) {
	out := make([]model.Station, 0, len(ids))
	for _, id := range ids {
		st, ok := r.catalog.Station(id)
		if !ok {
			return nil, apperr.New(apperr.NotFound, apperr.ReasonNotFound, "station %s", id)
		}
		out = append(out, st)
	}
	return out, nil
}

// RankStations ranks candidates against the given loads without
// touching storage.
func (r *Router) RankStations(candidateIDs []string, loads map[string]model.StationLoad) ([]Ranked, error) {
	sts, err := r.stationsFor(candidateIDs)
	if err != nil {
		return nil, err
	}
	return Rank(sts, loads, r.cfg.Weights), nil
}

// Rank ranks candidates against live loads.
func (r *Router) Rank(ctx context.Context, candidateIDs []string) ([]Ranked, error) {
	loads, err := r.loads.Loads(ctx, candidateIDs)
	if err != nil {
		return nil, err
	}
	return r.RankStations(candidateIDs, loads)
}

// Best picks the highest ranked active station among candidates that
// accepts the gender.
func (r *Router) Best(ctx context.Context, candidateIDs []string, gender string) (Ranked, error) {
	g, err := ParseGender(gender)
	if err != nil {
		return Ranked{}, err
	}
	var eligible []string
	for _, id := range candidateIDs {
		st, ok := r.catalog.Station(id)
		if ok && st.IsActive && st.Accepts(g) {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		return Ranked{}, apperr.New(apperr.NotFound, apperr.ReasonNotFound, "no eligible station")
	}
	ranked, err := r.Rank(ctx, eligible)
	if err != nil {
		return Ranked{}, err
	}
	return ranked[0], nil
}

// Assign creates the patient's route. Calling it again for the same
// exam type returns the stored route. Inactive stations and stations
// that do not accept the patient's gender are left out; with Optimize
// the remaining stations are ordered by live score.
func (r *Router) Assign(ctx context.Context, patientID, examType, gender string) (model.PatientRoute, error) {
	if patientID == "" {
		return model.PatientRoute{}, apperr.New(apperr.Validation, apperr.ReasonInvalidInput, "patient id is required")
	}
	ids, err := r.ResolveRoute(examType, gender)
	if err != nil {
		return model.PatientRoute{}, err
	}
	g, _ := model.NormalizeGender(gender)
	examType = strings.ToLower(strings.TrimSpace(examType))

	existing, err := r.Get(ctx, patientID)
	switch {
	case err == nil && existing.ExamType == examType:
		return existing, nil
	case err != nil && !apperr.IsCode(err, apperr.NotFound):
		return model.PatientRoute{}, err
	}

	var ordered []string
	for _, id := range ids {
		st, ok := r.catalog.Station(id)
		if !ok || !st.IsActive || !st.Accepts(g) {
			r.log.Warn().Str("station", id).Str("exam", examType).Msg("station skipped on route")
			continue
		}
		ordered = append(ordered, id)
	}
	if len(ordered) == 0 {
		return model.PatientRoute{}, apperr.New(apperr.Validation, apperr.ReasonInvalidRoute, "no open station on route %s", examType)
	}
	if r.cfg.Optimize {
		ranked, err := r.Rank(ctx, ordered)
		if err != nil {
			return model.PatientRoute{}, err
		}
		ordered = ordered[:0]
		for _, rk := range ranked {
			ordered = append(ordered, rk.StationID)
		}
	}

	now := r.clock.Now()
	route := model.PatientRoute{
		PatientID:           patientID,
		ExamType:            examType,
		Gender:              g,
		OrderedStationIDs:   ordered,
		CompletedStationIDs: []string{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := r.save(ctx, route); err != nil {
		return model.PatientRoute{}, err
	}
	r.log.Info().Str("patient", patientID).Str("exam", examType).Int("stations", len(ordered)).Msg("route assigned")
	r.notify.Notify(ctx, events.Event{
		Type: events.TypeRouteAssigned, PatientID: patientID, StationID: ordered[0],
		Data: map[string]any{"exam_type": examType, "stations": ordered},
	})
	return route, nil
}

// Get loads the patient's route.
func (r *Router) Get(ctx context.Context, patientID string) (model.PatientRoute, error) {
	route, err := storage.GetJSON[model.PatientRoute](ctx, r.store, storage.RouteKey(patientID))
	if errors.Is(err, storage.ErrNotFound) {
		return model.PatientRoute{}, apperr.New(apperr.NotFound, apperr.ReasonNotFound, "no route for patient %s", patientID)
	}
	if err != nil {
		return model.PatientRoute{}, apperr.Storage(err, "load route")
	}
	return route, nil
}

func (r *Router) save(ctx context.Context, route model.PatientRoute) error {
	return apperr.Storage(storage.PutJSON(ctx, r.store, storage.RouteKey(route.PatientID), route, r.cfg.RouteTTL), "save route")
}

// Advance records that completedStationID is done. Only the station at
// the current index may be completed; anything else is a
// SEQUENCE_VIOLATION and leaves the route unchanged.
func (r *Router) Advance(ctx context.Context, patientID, completedStationID string) (Advance, error) {
	route, err := r.Get(ctx, patientID)
	if err != nil {
		return Advance{}, err
	}
	cur, ok := route.Current()
	if !ok {
		return Advance{}, apperr.New(apperr.SequenceViolation, apperr.ReasonWrongSequence, "route for %s is already complete", patientID)
	}
	if cur != completedStationID {
		return Advance{}, apperr.New(apperr.SequenceViolation, apperr.ReasonWrongSequence,
			"patient %s must complete %s before %s", patientID, cur, completedStationID)
	}

	route.CurrentIndex++
	route.CompletedStationIDs = append(slices.Clone(route.CompletedStationIDs), completedStationID)
	route.UpdatedAt = r.clock.Now()
	if err := r.save(ctx, route); err != nil {
		return Advance{}, err
	}

	res := Advance{Route: route, Done: route.Done()}
	if next, ok := route.Current(); ok {
		res.Next = next
	}
	r.notify.Notify(ctx, events.Event{
		Type: events.TypeRouteAdvanced, PatientID: patientID, StationID: completedStationID,
		Data: map[string]any{"next": res.Next, "done": res.Done, "current_index": route.CurrentIndex},
	})
	return res, nil
}
