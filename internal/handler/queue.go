package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/clinic-flow/internal/service"
)

// QueueHandler serves the station terminals.  Mutating calls other than
// Enter carry the station's daily PIN in the body.
type QueueHandler struct {
	Facility *service.Facility
}

// NewQueueHandler panics on a nil facility.
func NewQueueHandler(f *service.Facility) *QueueHandler {
	if f == nil {
		panic("nil facility passed to NewQueueHandler")
	}
	return &QueueHandler{Facility: f}
}

type enterRequest struct {
	PatientID string `json:"patient_id"`
	Override  bool   `json:"override"`
}

type pinRequest struct {
	PatientID string `json:"patient_id"`
	Pin       string `json:"pin"`
}

// Enter handles POST /v1/stations/:id/queue.
func (h *QueueHandler) Enter(c echo.Context) error {
	var req enterRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	if req.PatientID == "" {
		return badRequest(c, "patient_id is required")
	}
	entry, err := h.Facility.Enter(c.Request().Context(), c.Param("id"), req.PatientID, req.Override)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, entry)
}

// CallNext handles POST /v1/stations/:id/call.  The serving patient, if
// any, is completed and the next waiting patient is called.
func (h *QueueHandler) CallNext(c echo.Context) error {
	var req pinRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	res, err := h.Facility.CallNext(c.Request().Context(), c.Param("id"), req.Pin)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Complete handles POST /v1/stations/:id/complete.
func (h *QueueHandler) Complete(c echo.Context) error {
	var req pinRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	if req.PatientID == "" {
		return badRequest(c, "patient_id is required")
	}
	out, err := h.Facility.Complete(c.Request().Context(), c.Param("id"), req.PatientID, req.Pin)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// Cancel handles POST /v1/stations/:id/cancel.
func (h *QueueHandler) Cancel(c echo.Context) error {
	var req pinRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	if req.PatientID == "" {
		return badRequest(c, "patient_id is required")
	}
	entry, err := h.Facility.Cancel(c.Request().Context(), c.Param("id"), req.PatientID, req.Pin)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}

// Status handles GET /v1/stations/:id/status.
func (h *QueueHandler) Status(c echo.Context) error {
	st, err := h.Facility.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, st)
}
