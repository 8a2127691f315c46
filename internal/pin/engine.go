// Package pin issues, rotates and validates the daily numeric codes
// that authorize staff actions at a station. A pin is derived from a
// server secret with HMAC-SHA256 so it is unpredictable without the
// secret yet reproducible for a given (station, day, generation).
package pin

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/iliyamo/clinic-flow/internal/apperr"
	"github.com/iliyamo/clinic-flow/internal/clock"
	"github.com/iliyamo/clinic-flow/internal/events"
	"github.com/iliyamo/clinic-flow/internal/lock"
	"github.com/iliyamo/clinic-flow/internal/model"
	"github.com/iliyamo/clinic-flow/internal/storage"
)

// maxGenerations bounds the search for a code that no other station
// holds on the same day.
const maxGenerations = 64

// Stations is the catalogue view the engine needs.
type Stations interface {
	Station(id string) (model.Station, bool)
	ActiveStationIDs() []string
}

// Config holds the pin secret and sizing.
type Config struct {
	Secret   []byte        // HMAC key, required
	Width    int           // number of digits, default 6
	CacheTTL time.Duration // lifetime of cached lookups, 0 disables the cache
	LockTTL  time.Duration
}

// Validation is the outcome of Validate. Reason is empty when Valid.
type Validation struct {
	Valid          bool   `json:"valid"`
	Reason         string `json:"reason,omitempty"`
	StationID      string `json:"station_id"`
	MatchedStation string `json:"matched_station,omitempty"` // set for WRONG_STATION
}

// Engine is safe for concurrent use.
type Engine struct {
	store    storage.Store
	mutex    *lock.Mutex
	clock    clock.Clock
	stations Stations
	notify   events.Notifier
	cfg      Config
	cache    *expirable.LRU[string, model.DailyPin]
	log      zerolog.Logger
}

// New wires an Engine.
func New(store storage.Store, mutex *lock.Mutex, clk clock.Clock, stations Stations, notify events.Notifier, cfg Config, log zerolog.Logger) (*Engine, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("pin: secret is required")
	}
	if cfg.Width <= 0 {
		cfg.Width = 6
	}
	if cfg.Width > 9 {
		return nil, fmt.Errorf("pin: width %d exceeds 9 digits", cfg.Width)
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Second
	}
	e := &Engine{
		store:    store,
		mutex:    mutex,
		clock:    clk,
		stations: stations,
		notify:   notify,
		cfg:      cfg,
		log:      log.With().Str("component", "pin").Logger(),
	}
	if cfg.CacheTTL > 0 {
		e.cache = expirable.NewLRU[string, model.DailyPin](1024, nil, cfg.CacheTTL)
	}
	return e, nil
}

// derive computes the code for a (station, day, generation) triple.
func (e *Engine) derive(stationID, day string, gen int) string {
	mac := hmac.New(sha256.New, e.cfg.Secret)
	mac.Write([]byte(stationID + "|" + day + "|" + strconv.Itoa(gen)))
	sum := mac.Sum(nil)
	mod := uint64(1)
	for i := 0; i < e.cfg.Width; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", e.cfg.Width, binary.BigEndian.Uint64(sum[:8])%mod)
}

func cacheKey(stationID, day string) string { return day + "|" + stationID }

// lookup reads the stored pin, going through the cache when enabled.
func (e *Engine) lookup(ctx context.Context, stationID, day string) (model.DailyPin, error) {
	if e.cache != nil {
		if p, ok := e.cache.Get(cacheKey(stationID, day)); ok {
			return p, nil
		}
	}
	p, err := storage.GetJSON[model.DailyPin](ctx, e.store, storage.PinKey(day, stationID))
	if err != nil {
		return model.DailyPin{}, err
	}
	if e.cache != nil {
		e.cache.Add(cacheKey(stationID, day), p)
	}
	return p, nil
}

func (e *Engine) forget(stationID, day string) {
	if e.cache != nil {
		e.cache.Remove(cacheKey(stationID, day))
	}
}

// resolveDay defaults an empty day to today and rejects malformed keys.
func (e *Engine) resolveDay(day string) (string, error) {
	if day == "" {
		return e.clock.DayKey(e.clock.Now()), nil
	}
	if !clock.ValidDayKey(day) {
		return "", apperr.New(apperr.Validation, apperr.ReasonInvalidInput, "invalid day %q", day)
	}
	return day, nil
}

// issuableDay is resolveDay plus a refusal of days already over.
func (e *Engine) issuableDay(day string) (string, error) {
	day, err := e.resolveDay(day)
	if err != nil {
		return "", err
	}
	if day < e.clock.DayKey(e.clock.Now()) {
		return "", apperr.New(apperr.Validation, apperr.ReasonExpired, "day %s is over", day)
	}
	return day, nil
}

func (e *Engine) station(id string) error {
	if _, ok := e.stations.Station(id); !ok {
		return apperr.New(apperr.NotFound, apperr.ReasonNotFound, "station %s", id)
	}
	return nil
}

// taken collects the codes other stations hold on day.
func (e *Engine) taken(ctx context.Context, stationID, day string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, id := range e.stations.ActiveStationIDs() {
		if id == stationID {
			continue
		}
		p, err := storage.GetJSON[model.DailyPin](ctx, e.store, storage.PinKey(day, id))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[p.Code] = true
	}
	return out, nil
}

// mint builds the next pin for station/day starting at generation gen,
// skipping generations whose code collides with another station.
func (e *Engine) mint(ctx context.Context, stationID, day string, gen int) (model.DailyPin, error) {
	expires, err := e.clock.EndOfDay(day)
	if err != nil {
		return model.DailyPin{}, apperr.Wrap(err, apperr.Validation, apperr.ReasonInvalidInput, "day %s", day)
	}
	taken, err := e.taken(ctx, stationID, day)
	if err != nil {
		return model.DailyPin{}, apperr.Storage(err, "load pins")
	}
	for g := gen; g < gen+maxGenerations; g++ {
		code := e.derive(stationID, day, g)
		if taken[code] {
			continue
		}
		return model.DailyPin{
			StationID:  stationID,
			DayKey:     day,
			Code:       code,
			Generation: g,
			IssuedAt:   e.clock.Now(),
			ExpiresAt:  expires,
		}, nil
	}
	return model.DailyPin{}, apperr.New(apperr.Internal, "", "no free pin for %s on %s", stationID, day)
}

// ttl keeps a pin record until the end of its day.
func (e *Engine) ttl(p model.DailyPin) time.Duration {
	d := p.ExpiresAt.Sub(e.clock.Now())
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Issue returns the live pin for station/day, creating it if none
// exists. Repeated calls return the same pin.
func (e *Engine) Issue(ctx context.Context, stationID, day string) (model.DailyPin, error) {
	if err := e.station(stationID); err != nil {
		return model.DailyPin{}, err
	}
	day, err := e.issuableDay(day)
	if err != nil {
		return model.DailyPin{}, err
	}
	if p, err := e.lookup(ctx, stationID, day); err == nil && !p.Expired(e.clock.Now()) {
		return p, nil
	}

	created := false
	p, err := lock.Do(ctx, e.mutex, "pin:"+stationID, e.cfg.LockTTL, func(ctx context.Context) (model.DailyPin, error) {
		cur, err := storage.GetJSON[model.DailyPin](ctx, e.store, storage.PinKey(day, stationID))
		switch {
		case err == nil && !cur.Expired(e.clock.Now()):
			return cur, nil
		case err == nil:
			// Expired record the backend has not evicted yet: replace it.
			p, err := e.mint(ctx, stationID, day, cur.Generation+1)
			if err != nil {
				return model.DailyPin{}, err
			}
			if err := storage.PutJSON(ctx, e.store, storage.PinKey(day, stationID), p, e.ttl(p)); err != nil {
				return model.DailyPin{}, apperr.Storage(err, "save pin")
			}
			created = true
			return p, nil
		case !errors.Is(err, storage.ErrNotFound):
			return model.DailyPin{}, apperr.Storage(err, "load pin")
		}
		p, err := e.mint(ctx, stationID, day, 0)
		if err != nil {
			return model.DailyPin{}, err
		}
		raw, err := storage.EncodeJSON(p)
		if err != nil {
			return model.DailyPin{}, err
		}
		ok, err := e.store.PutIfAbsent(ctx, storage.PinKey(day, stationID), raw, e.ttl(p))
		if err != nil {
			return model.DailyPin{}, apperr.Storage(err, "save pin")
		}
		if !ok {
			// Another writer got there first; theirs is authoritative.
			winner, err := storage.GetJSON[model.DailyPin](ctx, e.store, storage.PinKey(day, stationID))
			return winner, apperr.Storage(err, "load pin")
		}
		created = true
		return p, nil
	})
	if errors.Is(err, lock.ErrBusy) {
		return model.DailyPin{}, apperr.New(apperr.Contention, apperr.ReasonLockBusy, "pin for %s is being issued, retry", stationID)
	}
	if err != nil {
		return model.DailyPin{}, err
	}
	e.forget(stationID, day)
	if created {
		e.log.Info().Str("station", stationID).Str("day", day).Msg("pin issued")
		e.notify.Notify(ctx, events.Event{
			Type: events.TypePinIssued, StationID: stationID, DayKey: day,
			Data: map[string]any{"generation": p.Generation, "expires_at": p.ExpiresAt},
		})
	}
	return p, nil
}

// IssueAll issues today's (or day's) pin for every active station. It
// keeps going past failures and returns them joined.
func (e *Engine) IssueAll(ctx context.Context, day string) ([]model.DailyPin, error) {
	var (
		pins []model.DailyPin
		errs []error
	)
	for _, id := range e.stations.ActiveStationIDs() {
		p, err := e.Issue(ctx, id, day)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		pins = append(pins, p)
	}
	return pins, errors.Join(errs...)
}

// Rotate replaces the station's pin for day with a new generation. The
// previous code stops validating immediately on this node and within
// CacheTTL on others.
func (e *Engine) Rotate(ctx context.Context, stationID, day string) (model.DailyPin, error) {
	if err := e.station(stationID); err != nil {
		return model.DailyPin{}, err
	}
	day, err := e.issuableDay(day)
	if err != nil {
		return model.DailyPin{}, err
	}

	p, err := lock.Do(ctx, e.mutex, "pin:"+stationID, e.cfg.LockTTL, func(ctx context.Context) (model.DailyPin, error) {
		next := 0
		cur, err := storage.GetJSON[model.DailyPin](ctx, e.store, storage.PinKey(day, stationID))
		switch {
		case err == nil:
			next = cur.Generation + 1
		case !errors.Is(err, storage.ErrNotFound):
			return model.DailyPin{}, apperr.Storage(err, "load pin")
		}
		p, err := e.mint(ctx, stationID, day, next)
		if err != nil {
			return model.DailyPin{}, err
		}
		if err := storage.PutJSON(ctx, e.store, storage.PinKey(day, stationID), p, e.ttl(p)); err != nil {
			return model.DailyPin{}, apperr.Storage(err, "save pin")
		}
		return p, nil
	})
	if errors.Is(err, lock.ErrBusy) {
		return model.DailyPin{}, apperr.New(apperr.Contention, apperr.ReasonLockBusy, "pin for %s is being rotated, retry", stationID)
	}
	if err != nil {
		return model.DailyPin{}, err
	}
	e.forget(stationID, day)
	e.log.Info().Str("station", stationID).Str("day", day).Int("generation", p.Generation).Msg("pin rotated")
	e.notify.Notify(ctx, events.Event{
		Type: events.TypePinRotated, StationID: stationID, DayKey: day,
		Data: map[string]any{"generation": p.Generation},
	})
	return p, nil
}

// Current returns the pin for station/day. Today's pin is created on the
// first request for it, so terminals work from midnight on without
// waiting for the scheduled issuance; other days are only read.
func (e *Engine) Current(ctx context.Context, stationID, day string) (model.DailyPin, error) {
	if err := e.station(stationID); err != nil {
		return model.DailyPin{}, err
	}
	day, err := e.resolveDay(day)
	if err != nil {
		return model.DailyPin{}, err
	}
	p, err := e.lookup(ctx, stationID, day)
	switch {
	case err == nil && !p.Expired(e.clock.Now()):
		return p, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return model.DailyPin{}, apperr.Storage(err, "load pin")
	case day == e.clock.DayKey(e.clock.Now()):
		return e.Issue(ctx, stationID, day)
	case err == nil:
		return p, nil
	}
	return model.DailyPin{}, apperr.New(apperr.NotFound, apperr.ReasonNotFound, "no pin for %s on %s", stationID, day)
}

// Validate checks code against station's pin for day. Failures are
// reported in the result, not as errors: NOT_FOUND when no pin exists,
// EXPIRED after end of day, WRONG_STATION when the code belongs to
// another station today and INCORRECT otherwise.
func (e *Engine) Validate(ctx context.Context, stationID, code, day string) (Validation, error) {
	if err := e.station(stationID); err != nil {
		return Validation{}, err
	}
	day, err := e.resolveDay(day)
	if err != nil {
		return Validation{}, err
	}
	res := Validation{StationID: stationID}

	p, err := e.lookup(ctx, stationID, day)
	if errors.Is(err, storage.ErrNotFound) {
		res.Reason = apperr.ReasonNotFound
		return res, nil
	}
	if err != nil {
		return Validation{}, apperr.Storage(err, "load pin")
	}
	if p.Expired(e.clock.Now()) {
		res.Reason = apperr.ReasonExpired
		return res, nil
	}
	if hmac.Equal([]byte(code), []byte(p.Code)) {
		res.Valid = true
		return res, nil
	}

	for _, other := range e.stations.ActiveStationIDs() {
		if other == stationID {
			continue
		}
		op, err := e.lookup(ctx, other, day)
		if err != nil {
			continue
		}
		if !op.Expired(e.clock.Now()) && hmac.Equal([]byte(code), []byte(op.Code)) {
			res.Reason = apperr.ReasonWrongStation
			res.MatchedStation = other
			return res, nil
		}
	}
	res.Reason = apperr.ReasonIncorrect
	return res, nil
}

// Authorize validates code against today's pin and turns a failed
// validation into an UNAUTHORIZED error carrying the reason.
func (e *Engine) Authorize(ctx context.Context, stationID, code string) error {
	if code == "" {
		return apperr.New(apperr.Unauthorized, apperr.ReasonIncorrect, "pin is required")
	}
	v, err := e.Validate(ctx, stationID, code, "")
	if err != nil {
		return err
	}
	if !v.Valid {
		e.log.Warn().Str("station", stationID).Str("reason", v.Reason).Msg("pin rejected")
		return apperr.New(apperr.Unauthorized, v.Reason, "pin rejected for %s", stationID)
	}
	return nil
}
