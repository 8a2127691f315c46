package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/clinic-flow/internal/catalog"
	"github.com/iliyamo/clinic-flow/internal/clock"
	"github.com/iliyamo/clinic-flow/internal/events"
	"github.com/iliyamo/clinic-flow/internal/handler"
	"github.com/iliyamo/clinic-flow/internal/lock"
	"github.com/iliyamo/clinic-flow/internal/pin"
	"github.com/iliyamo/clinic-flow/internal/queue"
	"github.com/iliyamo/clinic-flow/internal/router"
	"github.com/iliyamo/clinic-flow/internal/routing"
	"github.com/iliyamo/clinic-flow/internal/service"
	"github.com/iliyamo/clinic-flow/internal/storage"
	"github.com/iliyamo/clinic-flow/internal/utils"
)

const jwtSecret = "test-jwt-secret"

type server struct {
	e    *echo.Echo
	pins *pin.Engine
}

func newServer(t *testing.T) *server {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	src := clock.NewManual(time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC))
	cal := clock.New(time.UTC, src.Now)
	store := storage.NewMemory(src.Now)
	mutex := lock.New(store, lock.Options{Retries: 50, RetryDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Now: src.Now}, zerolog.Nop())
	notify := events.NewNotifier(nil, src.Now, zerolog.Nop())

	pins, err := pin.New(store, mutex, cal, cat, notify, pin.Config{Secret: []byte("s3cret"), Width: 6}, zerolog.Nop())
	if err != nil {
		t.Fatalf("pins: %v", err)
	}
	queues := queue.New(store, mutex, cal, cat, notify, queue.DefaultConfig(), zerolog.Nop())
	rt := routing.NewRouter(store, cat, queues, cal, notify, routing.Config{Weights: routing.DefaultWeights(), RouteTTL: time.Hour}, zerolog.Nop())
	facility := service.NewFacility(cat, pins, queues, rt, zerolog.Nop())

	e := echo.New()
	router.RegisterRoutes(e, &handler.HealthHandler{Driver: "memory"})
	router.RegisterPublic(e, router.Handlers{
		Visits:  handler.NewVisitHandler(facility),
		Queue:   handler.NewQueueHandler(facility),
		Station: handler.NewStationHandler(cat, rt, queues),
	}, router.Limits{})
	router.RegisterAdmin(e, handler.NewPinHandler(pins), jwtSecret)
	return &server{e: e, pins: pins}
}

func (s *server) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *server) pin(t *testing.T, station string) string {
	t.Helper()
	p, err := s.pins.Issue(context.Background(), station, "")
	if err != nil {
		t.Fatalf("issue pin for %s: %v", station, err)
	}
	return p.Code
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := utils.NewAccessToken(jwtSecret, "tester", role, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return tok.Token
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"error"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// ---- visits ----

func TestStartVisitCreatesThenReturnsExisting(t *testing.T) {
	s := newServer(t)
	body := `{"patient_id":"p1","exam_type":"renewal","gender":"m"}`

	rec := s.do(t, http.MethodPost, "/v1/visits", body, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	v := decode[service.Visit](t, rec)
	if got := strings.Join(v.Route.OrderedStationIDs, ","); got != "vitals,lab,internal" {
		t.Fatalf("expected vitals,lab,internal, got %s", got)
	}
	if v.Entry == nil || v.Entry.StationID != "vitals" || v.Entry.TicketNumber != 1 {
		t.Fatalf("expected ticket 1 at vitals, got %+v", v.Entry)
	}

	rec = s.do(t, http.MethodPost, "/v1/visits", body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat, got %d", rec.Code)
	}
	again := decode[service.Visit](t, rec)
	if again.Entry == nil || again.Entry.ID != v.Entry.ID {
		t.Fatalf("expected the same entry, got %+v", again.Entry)
	}

	rec = s.do(t, http.MethodGet, "/v1/visits/p1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStartVisitRejectsBadInput(t *testing.T) {
	s := newServer(t)
	tests := []struct {
		name   string
		body   string
		status int
		code   string
		reason string
	}{
		{"missing fields", `{"patient_id":"p1"}`, http.StatusBadRequest, "VALIDATION", "INVALID_INPUT"},
		{"malformed json", `{"patient_id":`, http.StatusBadRequest, "VALIDATION", "INVALID_INPUT"},
		{"bad gender", `{"patient_id":"p1","exam_type":"renewal","gender":"x"}`, http.StatusBadRequest, "VALIDATION", "INVALID_INPUT"},
		{"unknown exam", `{"patient_id":"p1","exam_type":"tourism","gender":"f"}`, http.StatusUnprocessableEntity, "VALIDATION", "INVALID_ROUTE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/v1/visits", tt.body, "")
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			eb := decode[errorBody](t, rec)
			if eb.Error.Code != tt.code || eb.Error.Reason != tt.reason {
				t.Fatalf("expected %s/%s, got %s/%s", tt.code, tt.reason, eb.Error.Code, eb.Error.Reason)
			}
		})
	}
}

func TestGetUnknownVisitIs404(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodGet, "/v1/visits/ghost", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// ---- station terminals ----

func TestTerminalFlow(t *testing.T) {
	s := newServer(t)
	if rec := s.do(t, http.MethodPost, "/v1/visits", `{"patient_id":"p1","exam_type":"renewal","gender":"f"}`, ""); rec.Code != http.StatusCreated {
		t.Fatalf("start visit: %d %s", rec.Code, rec.Body.String())
	}

	// No pin issued yet.
	rec := s.do(t, http.MethodPost, "/v1/stations/vitals/call", `{"pin":"123456"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a pin, got %d", rec.Code)
	}
	if eb := decode[errorBody](t, rec); eb.Error.Reason != "NOT_FOUND" {
		t.Fatalf("expected reason NOT_FOUND, got %s", eb.Error.Reason)
	}

	code := s.pin(t, "vitals")
	labCode := s.pin(t, "lab")

	rec = s.do(t, http.MethodPost, "/v1/stations/vitals/call", `{"pin":"`+labCode+`"}`, "")
	if eb := decode[errorBody](t, rec); rec.Code != http.StatusUnauthorized || eb.Error.Reason != "WRONG_STATION" {
		t.Fatalf("expected 401 WRONG_STATION, got %d %s", rec.Code, eb.Error.Reason)
	}

	rec = s.do(t, http.MethodPost, "/v1/stations/vitals/call", `{"pin":"`+code+`"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[queue.CallResult](t, rec)
	if res.Called == nil || res.Called.PatientID != "p1" {
		t.Fatalf("expected p1 called, got %+v", res.Called)
	}

	rec = s.do(t, http.MethodPost, "/v1/stations/vitals/complete", `{"patient_id":"p1","pin":"`+code+`"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	done := decode[service.Completion](t, rec)
	if done.Next == nil || done.Next.StationID != "lab" {
		t.Fatalf("expected next entry at lab, got %+v", done.Next)
	}

	rec = s.do(t, http.MethodGet, "/v1/stations/lab/status", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	st := decode[queue.StationStatus](t, rec)
	if len(st.Waiting) != 1 || st.Waiting[0].PatientID != "p1" {
		t.Fatalf("expected p1 waiting at lab, got %+v", st.Waiting)
	}
}

func TestEnterOffRouteNeedsOverride(t *testing.T) {
	s := newServer(t)
	s.do(t, http.MethodPost, "/v1/visits", `{"patient_id":"p1","exam_type":"renewal","gender":"m"}`, "")

	rec := s.do(t, http.MethodPost, "/v1/stations/xray/queue", `{"patient_id":"p1"}`, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if eb := decode[errorBody](t, rec); eb.Error.Reason != "NOT_ON_ROUTE" {
		t.Fatalf("expected NOT_ON_ROUTE, got %s", eb.Error.Reason)
	}

	rec = s.do(t, http.MethodPost, "/v1/stations/xray/queue", `{"patient_id":"p1","override":true}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 with override, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCompleteWaitingPatientIs422(t *testing.T) {
	s := newServer(t)
	s.do(t, http.MethodPost, "/v1/visits", `{"patient_id":"p1","exam_type":"renewal","gender":"m"}`, "")
	code := s.pin(t, "vitals")

	rec := s.do(t, http.MethodPost, "/v1/stations/vitals/complete", `{"patient_id":"p1","pin":"`+code+`"}`, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if eb := decode[errorBody](t, rec); eb.Error.Reason != "NOT_SERVING" {
		t.Fatalf("expected NOT_SERVING, got %s", eb.Error.Reason)
	}
}

// ---- catalogue and ranking ----

func TestRouteLookup(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodGet, "/v1/routes/renewal/male", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode[struct {
		Stations []string `json:"stations"`
	}](t, rec)
	if strings.Join(body.Stations, ",") != "vitals,lab,internal" {
		t.Fatalf("expected vitals,lab,internal, got %v", body.Stations)
	}

	if rec := s.do(t, http.MethodGet, "/v1/routes/tourism/male", "", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown exam, got %d", rec.Code)
	}
}

func TestRankPrefersIdleHeavierStation(t *testing.T) {
	s := newServer(t)
	// Put a patient at lab so xray (idle) wins.
	s.do(t, http.MethodPost, "/v1/stations/lab/queue", `{"patient_id":"p9","override":true}`, "")

	rec := s.do(t, http.MethodGet, "/v1/stations/rank?ids=lab,xray", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode[struct {
		Items []routing.Ranked `json:"items"`
	}](t, rec)
	if len(body.Items) != 2 || body.Items[0].StationID != "xray" {
		t.Fatalf("expected xray first, got %+v", body.Items)
	}

	rec = s.do(t, http.MethodGet, "/v1/stations/best?ids=lab,xray,bones&gender=female", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if best := decode[routing.Ranked](t, rec); best.StationID != "xray" {
		t.Fatalf("expected xray, got %s", best.StationID)
	}

	if rec := s.do(t, http.MethodGet, "/v1/stations/best?ids=lab", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without gender, got %d", rec.Code)
	}
}

func TestListStations(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodGet, "/v1/stations", "", "")
	body := decode[struct {
		Items []json.RawMessage `json:"items"`
	}](t, rec)
	if rec.Code != http.StatusOK || len(body.Items) != 13 {
		t.Fatalf("expected 13 stations, got %d (status %d)", len(body.Items), rec.Code)
	}
}

// ---- admin ----

func TestAdminPinsRequireToken(t *testing.T) {
	s := newServer(t)

	if rec := s.do(t, http.MethodPost, "/v1/admin/pins", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/v1/admin/pins", "", "not-a-jwt"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", rec.Code)
	}
	staff := token(t, utils.RoleStaff)
	if rec := s.do(t, http.MethodPost, "/v1/admin/pins", "", staff); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff, got %d", rec.Code)
	}

	admin := token(t, utils.RoleAdmin)
	rec := s.do(t, http.MethodPost, "/v1/admin/pins", "", admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	issued := decode[struct {
		Items []struct {
			StationID string `json:"station_id"`
			Code      string `json:"code"`
		} `json:"items"`
	}](t, rec)
	if len(issued.Items) != 13 {
		t.Fatalf("expected 13 pins, got %d", len(issued.Items))
	}

	// Staff can read and validate.
	rec = s.do(t, http.MethodGet, "/v1/admin/pins/lab", "", staff)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/v1/admin/pins/validate", `{"station_id":"lab","code":"000000x"}`, staff)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if v := decode[pin.Validation](t, rec); v.Valid || v.Reason != "INCORRECT" {
		t.Fatalf("expected INCORRECT, got %+v", v)
	}
}

func TestAdminRotateChangesCode(t *testing.T) {
	s := newServer(t)
	admin := token(t, utils.RoleAdmin)
	old := s.pin(t, "ecg")

	rec := s.do(t, http.MethodPost, "/v1/admin/pins/ecg/rotate", "", admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	p := decode[struct {
		Code       string `json:"code"`
		Generation int    `json:"generation"`
	}](t, rec)
	if p.Code == old || p.Generation < 1 {
		t.Fatalf("expected a new generation, got %+v (old %s)", p, old)
	}

	rec = s.do(t, http.MethodPost, "/v1/stations/ecg/call", `{"pin":"`+old+`"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected the old pin to be rejected, got %d", rec.Code)
	}
}

// ---- health ----

func TestHealthProbes(t *testing.T) {
	s := newServer(t)
	if rec := s.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("expected ok, got %d %q", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodGet, "/readyz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
