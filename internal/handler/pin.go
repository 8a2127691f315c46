package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/clinic-flow/internal/model"
	"github.com/iliyamo/clinic-flow/internal/pin"
)

// PinHandler serves the supervisor console.  All routes sit behind
// JWTAuth; issuing and rotating also require the ADMIN role.
type PinHandler struct {
	Pins *pin.Engine
}

// NewPinHandler panics on a nil engine.
func NewPinHandler(p *pin.Engine) *PinHandler {
	if p == nil {
		panic("nil pin engine passed to NewPinHandler")
	}
	return &PinHandler{Pins: p}
}

type validateRequest struct {
	StationID string `json:"station_id"`
	Code      string `json:"code"`
	Day       string `json:"day"`
}

// IssueAll handles POST /v1/admin/pins?day=YYYY-MM-DD.  Stations that
// failed are reported next to the issued pins with status 207.
func (h *PinHandler) IssueAll(c echo.Context) error {
	pins, err := h.Pins.IssueAll(c.Request().Context(), c.QueryParam("day"))
	if pins == nil {
		pins = []model.DailyPin{}
	}
	if err != nil {
		if len(pins) == 0 {
			return fail(c, err)
		}
		c.Set("error", err)
		return c.JSON(http.StatusMultiStatus, echo.Map{"items": pins, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"items": pins})
}

// Issue handles POST /v1/admin/pins/:station?day=.
func (h *PinHandler) Issue(c echo.Context) error {
	p, err := h.Pins.Issue(c.Request().Context(), c.Param("station"), c.QueryParam("day"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// Rotate handles POST /v1/admin/pins/:station/rotate?day=.
func (h *PinHandler) Rotate(c echo.Context) error {
	p, err := h.Pins.Rotate(c.Request().Context(), c.Param("station"), c.QueryParam("day"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// Current handles GET /v1/admin/pins/:station?day=.
func (h *PinHandler) Current(c echo.Context) error {
	p, err := h.Pins.Current(c.Request().Context(), c.Param("station"), c.QueryParam("day"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// Validate handles POST /v1/admin/pins/validate.  A rejected code is a
// normal 200 response with valid=false and the reason.
func (h *PinHandler) Validate(c echo.Context) error {
	var req validateRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	if req.StationID == "" || req.Code == "" {
		return badRequest(c, "station_id and code are required")
	}
	v, err := h.Pins.Validate(c.Request().Context(), req.StationID, req.Code, req.Day)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, v)
}
