// Package queue runs the per-station, per-day patient queues. Each
// station-day is one document in the store, read-modified-written under
// the station's named lock, so ticket numbers stay unique and strictly
// increasing and at most one caller can move a given entry forward.
package queue

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iliyamo/clinic-flow/internal/apperr"
	"github.com/iliyamo/clinic-flow/internal/clock"
	"github.com/iliyamo/clinic-flow/internal/events"
	"github.com/iliyamo/clinic-flow/internal/lock"
	"github.com/iliyamo/clinic-flow/internal/model"
	"github.com/iliyamo/clinic-flow/internal/storage"
)

// Stations is the catalogue view the engine needs.
type Stations interface {
	Station(id string) (model.Station, bool)
}

// Config tunes locking and retention.
type Config struct {
	LockTTL    time.Duration // lifetime of the station lock
	Retries    int           // outer attempts when the lock stays busy
	RetryDelay time.Duration // pause between outer attempts
	Timeout    time.Duration // overall bound on one mutating call
	Retention  time.Duration // TTL of a station-day document, 0 keeps it
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{LockTTL: 5 * time.Second, Retries: 3, RetryDelay: 100 * time.Millisecond, Timeout: 5 * time.Second}
}

// Engine is safe for concurrent use.
type Engine struct {
	store    storage.Store
	mutex    *lock.Mutex
	clock    clock.Clock
	stations Stations
	notify   events.Notifier
	cfg      Config
	log      zerolog.Logger
}

// New wires an Engine.
func New(store storage.Store, mutex *lock.Mutex, clk clock.Clock, stations Stations, notify events.Notifier, cfg Config, log zerolog.Logger) *Engine {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Engine{
		store:    store,
		mutex:    mutex,
		clock:    clk,
		stations: stations,
		notify:   notify,
		cfg:      cfg,
		log:      log.With().Str("component", "queue").Logger(),
	}
}

// CallResult is returned by CallNext. Called is nil when nobody was
// waiting; Completed lists entries that were SERVING and have been
// closed by this call.
type CallResult struct {
	Called    *model.QueueEntry  `json:"called"`
	Completed []model.QueueEntry `json:"completed"`
	Waiting   int                `json:"waiting"`
}

// StationStatus is a read-only snapshot of one station's queue today.
type StationStatus struct {
	StationID  string             `json:"station_id"`
	DayKey     string             `json:"day_key"`
	Serving    []model.QueueEntry `json:"serving"`
	Waiting    []model.QueueEntry `json:"waiting"` // ordered by enteredAt, then ticket
	Done       int                `json:"done"`
	Cancelled  int                `json:"cancelled"`
	NextTicket int                `json:"next_ticket"`
}

// ---- storage helpers ----------------------------------------------------

func (e *Engine) load(ctx context.Context, stationID, day string) ([]model.QueueEntry, error) {
	entries, err := storage.GetJSON[[]model.QueueEntry](ctx, e.store, storage.QueueKey(stationID, day))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return entries, err
}

func (e *Engine) save(ctx context.Context, stationID, day string, entries []model.QueueEntry) error {
	return storage.PutJSON(ctx, e.store, storage.QueueKey(stationID, day), entries, e.cfg.Retention)
}

// mutate runs fn under the station lock, retrying the whole acquisition
// a few times before reporting CONTENTION.
func (e *Engine) mutate(ctx context.Context, stationID string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	name := "queue:" + stationID
	for attempt := 1; attempt <= e.cfg.Retries; attempt++ {
		err := e.mutex.WithLock(ctx, name, e.cfg.LockTTL, fn)
		if !errors.Is(err, lock.ErrBusy) {
			return err
		}
		e.log.Debug().Str("station", stationID).Int("attempt", attempt).Msg("station lock busy")
		if ctx.Err() != nil || attempt == e.cfg.Retries {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(e.cfg.RetryDelay * time.Duration(attempt)):
		}
	}
	return apperr.New(apperr.Contention, apperr.ReasonLockBusy, "station %s is busy, retry", stationID)
}

// station validates that id names an existing, active station.
func (e *Engine) station(id string) (model.Station, error) {
	if id == "" {
		return model.Station{}, apperr.New(apperr.Validation, apperr.ReasonInvalidInput, "station id is required")
	}
	st, ok := e.stations.Station(id)
	if !ok {
		return model.Station{}, apperr.New(apperr.NotFound, apperr.ReasonNotFound, "station %s", id)
	}
	if !st.IsActive {
		return model.Station{}, apperr.New(apperr.Validation, apperr.ReasonStationInactive, "station %s is not active", id)
	}
	return st, nil
}

// ---- ordering -----------------------------------------------------------

// waitingOrder sorts by enteredAt then ticket number.
func waitingOrder(a, b model.QueueEntry) int {
	if c := a.EnteredAt.Compare(b.EnteredAt); c != 0 {
		return c
	}
	return a.TicketNumber - b.TicketNumber
}

func waiting(entries []model.QueueEntry) []model.QueueEntry {
	var out []model.QueueEntry
	for _, en := range entries {
		if en.Status == model.StatusWaiting {
			out = append(out, en)
		}
	}
	slices.SortFunc(out, waitingOrder)
	return out
}

// position is the 1-based rank of entryID among WAITING entries, 0 if
// it is not waiting.
func position(entries []model.QueueEntry, entryID string) int {
	for i, en := range waiting(entries) {
		if en.ID == entryID {
			return i + 1
		}
	}
	return 0
}

func maxTicket(entries []model.QueueEntry) int {
	n := 0
	for _, en := range entries {
		n = max(n, en.TicketNumber)
	}
	return n
}

func activeIndex(entries []model.QueueEntry, patientID string) int {
	return slices.IndexFunc(entries, func(en model.QueueEntry) bool {
		return en.PatientID == patientID && en.Status.Active()
	})
}

// ---- operations ---------------------------------------------------------

// Enter appends the patient to today's queue at stationID. A patient
// who already holds a WAITING or SERVING entry there gets that entry
// back unchanged and no event is emitted.
func (e *Engine) Enter(ctx context.Context, stationID, patientID string) (model.QueueEntry, error) {
	if patientID == "" {
		return model.QueueEntry{}, apperr.New(apperr.Validation, apperr.ReasonInvalidInput, "patient id is required")
	}
	if _, err := e.station(stationID); err != nil {
		return model.QueueEntry{}, err
	}

	var (
		out     model.QueueEntry
		pos     int
		created bool
	)
	err := e.mutate(ctx, stationID, func(ctx context.Context) error {
		now := e.clock.Now()
		day := e.clock.DayKey(now)
		entries, err := e.load(ctx, stationID, day)
		if err != nil {
			return apperr.Storage(err, "load queue")
		}
		if i := activeIndex(entries, patientID); i >= 0 {
			out = entries[i]
			pos = position(entries, out.ID)
			return nil
		}

		out = model.QueueEntry{
			ID:           uuid.NewString(),
			StationID:    stationID,
			PatientID:    patientID,
			DayKey:       day,
			TicketNumber: maxTicket(entries) + 1,
			Status:       model.StatusWaiting,
			EnteredAt:    now,
		}
		entries = append(entries, out)
		if err := e.save(ctx, stationID, day, entries); err != nil {
			return apperr.Storage(err, "save queue")
		}
		pos = position(entries, out.ID)
		created = true
		return nil
	})
	if err != nil {
		return model.QueueEntry{}, err
	}

	if created {
		e.log.Info().Str("station", stationID).Str("patient", patientID).Int("ticket", out.TicketNumber).Msg("patient entered queue")
		e.notify.Notify(ctx, events.Event{
			Type:         events.TypeEntered,
			StationID:    stationID,
			PatientID:    patientID,
			EntryID:      out.ID,
			TicketNumber: out.TicketNumber,
			Position:     pos,
			DayKey:       out.DayKey,
		})
	}
	return out, nil
}

// CallNext closes every SERVING entry at the station (→DONE) and then
// moves the longest-waiting WAITING entry to SERVING. An empty queue is
// not an error: Called is nil.
func (e *Engine) CallNext(ctx context.Context, stationID string) (CallResult, error) {
	if _, err := e.station(stationID); err != nil {
		return CallResult{}, err
	}

	var res CallResult
	var day string
	err := e.mutate(ctx, stationID, func(ctx context.Context) error {
		res = CallResult{}
		now := e.clock.Now()
		day = e.clock.DayKey(now)
		entries, err := e.load(ctx, stationID, day)
		if err != nil {
			return apperr.Storage(err, "load queue")
		}

		changed := false
		for i := range entries {
			if entries[i].Status == model.StatusServing {
				entries[i].Status = model.StatusDone
				entries[i].CompletedAt = &now
				res.Completed = append(res.Completed, entries[i])
				changed = true
			}
		}

		next := -1
		for i, en := range entries {
			if en.Status != model.StatusWaiting {
				continue
			}
			if next < 0 || waitingOrder(en, entries[next]) < 0 {
				next = i
			}
		}
		if next >= 0 {
			entries[next].Status = model.StatusServing
			entries[next].CalledAt = &now
			called := entries[next]
			res.Called = &called
			changed = true
		}
		res.Waiting = len(waiting(entries))

		if !changed {
			return nil
		}
		if err := e.save(ctx, stationID, day, entries); err != nil {
			return apperr.Storage(err, "save queue")
		}
		return nil
	})
	if err != nil {
		return CallResult{}, err
	}

	for _, done := range res.Completed {
		e.notify.Notify(ctx, events.Event{
			Type:         events.TypeCompleted,
			StationID:    stationID,
			PatientID:    done.PatientID,
			EntryID:      done.ID,
			TicketNumber: done.TicketNumber,
			DayKey:       day,
		})
	}
	if res.Called != nil {
		e.log.Info().Str("station", stationID).Int("ticket", res.Called.TicketNumber).Msg("patient called")
		e.notify.Notify(ctx, events.Event{
			Type:         events.TypeCalled,
			StationID:    stationID,
			PatientID:    res.Called.PatientID,
			EntryID:      res.Called.ID,
			TicketNumber: res.Called.TicketNumber,
			DayKey:       day,
		})
	}
	e.notify.Notify(ctx, events.Event{
		Type:      events.TypeStationStatus,
		StationID: stationID,
		DayKey:    day,
		Data:      map[string]any{"waiting": res.Waiting, "serving": res.Called != nil},
	})
	return res, nil
}

// Complete marks the patient's SERVING entry at the station as DONE. A
// WAITING entry cannot be completed.
func (e *Engine) Complete(ctx context.Context, stationID, patientID string) (model.QueueEntry, error) {
	return e.finish(ctx, stationID, patientID, model.StatusDone)
}

// Cancel withdraws the patient's active entry at the station.
func (e *Engine) Cancel(ctx context.Context, stationID, patientID string) (model.QueueEntry, error) {
	return e.finish(ctx, stationID, patientID, model.StatusCancelled)
}

func (e *Engine) finish(ctx context.Context, stationID, patientID string, to model.EntryStatus) (model.QueueEntry, error) {
	if patientID == "" {
		return model.QueueEntry{}, apperr.New(apperr.Validation, apperr.ReasonInvalidInput, "patient id is required")
	}
	if _, ok := e.stations.Station(stationID); !ok {
		return model.QueueEntry{}, apperr.New(apperr.NotFound, apperr.ReasonNotFound, "station %s", stationID)
	}

	var out model.QueueEntry
	err := e.mutate(ctx, stationID, func(ctx context.Context) error {
		now := e.clock.Now()
		day := e.clock.DayKey(now)
		entries, err := e.load(ctx, stationID, day)
		if err != nil {
			return apperr.Storage(err, "load queue")
		}
		i := activeIndex(entries, patientID)
		if i < 0 {
			return apperr.New(apperr.NotFound, apperr.ReasonNotFound, "patient %s has no active entry at %s", patientID, stationID)
		}
		if !entries[i].Status.CanTransition(to) {
			return apperr.New(apperr.Validation, apperr.ReasonNotServing, "patient %s is %s at %s", patientID, entries[i].Status, stationID)
		}
		entries[i].Status = to
		if to == model.StatusDone {
			entries[i].CompletedAt = &now
		} else {
			entries[i].CancelledAt = &now
		}
		if err := e.save(ctx, stationID, day, entries); err != nil {
			return apperr.Storage(err, "save queue")
		}
		out = entries[i]
		return nil
	})
	if err != nil {
		return model.QueueEntry{}, err
	}

	typ := events.TypeCompleted
	if to == model.StatusCancelled {
		typ = events.TypeCancelled
	}
	e.notify.Notify(ctx, events.Event{
		Type:         typ,
		StationID:    stationID,
		PatientID:    patientID,
		EntryID:      out.ID,
		TicketNumber: out.TicketNumber,
		DayKey:       out.DayKey,
	})
	return out, nil
}

// Status returns today's snapshot without taking the lock; it may be
// momentarily stale but never fails on contention.
func (e *Engine) Status(ctx context.Context, stationID string) (StationStatus, error) {
	if _, ok := e.stations.Station(stationID); !ok {
		return StationStatus{}, apperr.New(apperr.NotFound, apperr.ReasonNotFound, "station %s", stationID)
	}
	day := e.clock.DayKey(e.clock.Now())
	entries, err := e.load(ctx, stationID, day)
	if err != nil {
		return StationStatus{}, apperr.Storage(err, "load queue")
	}

	st := StationStatus{StationID: stationID, DayKey: day, Waiting: waiting(entries), NextTicket: maxTicket(entries) + 1}
	for _, en := range entries {
		switch en.Status {
		case model.StatusServing:
			st.Serving = append(st.Serving, en)
		case model.StatusDone:
			st.Done++
		case model.StatusCancelled:
			st.Cancelled++
		}
	}
	slices.SortStableFunc(st.Serving, func(a, b model.QueueEntry) int { return a.CalledAt.Compare(*b.CalledAt) })
	return st, nil
}

// Entry returns the patient's most recent entry at the station today.
func (e *Engine) Entry(ctx context.Context, stationID, patientID string) (model.QueueEntry, error) {
	day := e.clock.DayKey(e.clock.Now())
	entries, err := e.load(ctx, stationID, day)
	if err != nil {
		return model.QueueEntry{}, apperr.Storage(err, "load queue")
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].PatientID == patientID {
			return entries[i], nil
		}
	}
	return model.QueueEntry{}, apperr.New(apperr.NotFound, apperr.ReasonNotFound, "patient %s has no entry at %s today", patientID, stationID)
}

// Loads computes today's load for each station. It is the router's live
// input and reads without locking.
func (e *Engine) Loads(ctx context.Context, stationIDs []string) (map[string]model.StationLoad, error) {
	day := e.clock.DayKey(e.clock.Now())
	out := make(map[string]model.StationLoad, len(stationIDs))
	for _, id := range stationIDs {
		entries, err := e.load(ctx, id, day)
		if err != nil {
			return nil, apperr.Storage(err, "load queue")
		}
		out[id] = loadOf(id, entries)
	}
	return out, nil
}

func loadOf(stationID string, entries []model.QueueEntry) model.StationLoad {
	l := model.StationLoad{StationID: stationID}
	var total float64
	var called int
	for _, en := range entries {
		switch en.Status {
		case model.StatusWaiting:
			l.QueueLength++
		case model.StatusServing:
			l.InService++
		}
		if w, ok := en.WaitSeconds(); ok {
			total += w
			called++
		}
	}
	if called > 0 {
		l.AvgWaitSeconds = total / float64(called)
	}
	return l
}

// CancelStale cancels entries left WAITING or SERVING on previous days
// and returns how many were cancelled. Today's queue is never touched.
func (e *Engine) CancelStale(ctx context.Context, stationID string) (int, error) {
	today := e.clock.DayKey(e.clock.Now())
	keys, err := e.store.List(ctx, storage.QueuePrefix(stationID))
	if err != nil {
		return 0, apperr.Storage(err, "list queues")
	}

	total := 0
	for _, key := range keys {
		day := storage.DayFromQueueKey(key)
		if day == "" || day >= today {
			continue
		}
		var cancelled []model.QueueEntry
		err := e.mutate(ctx, stationID, func(ctx context.Context) error {
			cancelled = nil
			entries, err := e.load(ctx, stationID, day)
			if err != nil {
				return apperr.Storage(err, "load queue")
			}
			now := e.clock.Now()
			for i := range entries {
				if entries[i].Status.Active() {
					entries[i].Status = model.StatusCancelled
					entries[i].CancelledAt = &now
					cancelled = append(cancelled, entries[i])
				}
			}
			if len(cancelled) == 0 {
				return nil
			}
			return apperr.Storage(e.save(ctx, stationID, day, entries), "save queue")
		})
		if err != nil {
			return total, err
		}
		for _, en := range cancelled {
			e.notify.Notify(ctx, events.Event{
				Type:         events.TypeCancelled,
				StationID:    stationID,
				PatientID:    en.PatientID,
				EntryID:      en.ID,
				TicketNumber: en.TicketNumber,
				DayKey:       day,
				Data:         map[string]any{"reason": "stale"},
			})
		}
		total += len(cancelled)
	}
	if total > 0 {
		e.log.Info().Str("station", stationID).Int("cancelled", total).Msg("cancelled stale entries")
	}
	return total, nil
}
