package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/clinic-flow/internal/model"
	"github.com/iliyamo/clinic-flow/internal/queue"
	"github.com/iliyamo/clinic-flow/internal/routing"
)

// Catalog is the read-only station table.
type Catalog interface {
	Stations() []model.Station
	ActiveStationIDs() []string
	ExamTypes() []string
}

// StationHandler exposes the catalogue, live loads and rankings used by
// the hall displays and by reception when a patient asks where to go.
type StationHandler struct {
	Catalog Catalog
	Router  *routing.Router
	Queues  *queue.Engine
}

// NewStationHandler panics on nil dependencies.
func NewStationHandler(cat Catalog, router *routing.Router, queues *queue.Engine) *StationHandler {
	if cat == nil || router == nil || queues == nil {
		panic("nil dependency passed to NewStationHandler")
	}
	return &StationHandler{Catalog: cat, Router: router, Queues: queues}
}

// candidates returns ?ids= or every active station.
func (h *StationHandler) candidates(c echo.Context) []string {
	if ids := splitIDs(c.QueryParam("ids")); len(ids) > 0 {
		return ids
	}
	return h.Catalog.ActiveStationIDs()
}

// List handles GET /v1/stations.
func (h *StationHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"items": h.Catalog.Stations()})
}

// ExamTypes handles GET /v1/exams.
func (h *StationHandler) ExamTypes(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"items": h.Catalog.ExamTypes()})
}

// Loads handles GET /v1/stations/loads?ids=a,b.
func (h *StationHandler) Loads(c echo.Context) error {
	ids := h.candidates(c)
	loads, err := h.Queues.Loads(c.Request().Context(), ids)
	if err != nil {
		return fail(c, err)
	}
	items := make([]model.StationLoad, 0, len(loads))
	for _, id := range ids {
		if l, ok := loads[id]; ok {
			items = append(items, l)
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}

// Rank handles GET /v1/stations/rank?ids=a,b.
func (h *StationHandler) Rank(c echo.Context) error {
	ranked, err := h.Router.Rank(c.Request().Context(), h.candidates(c))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": ranked})
}

// Best handles GET /v1/stations/best?gender=male&ids=a,b.
func (h *StationHandler) Best(c echo.Context) error {
	best, err := h.Router.Best(c.Request().Context(), h.candidates(c), c.QueryParam("gender"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, best)
}

// Route handles GET /v1/routes/:exam/:gender and returns the station
// order a new patient would be given, before availability filtering.
func (h *StationHandler) Route(c echo.Context) error {
	ids, err := h.Router.ResolveRoute(c.Param("exam"), c.Param("gender"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"exam_type": c.Param("exam"),
		"gender":    c.Param("gender"),
		"stations":  ids,
	})
}
