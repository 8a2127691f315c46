package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/clinic-flow/internal/service"
)

// VisitHandler serves the reception kiosk: registering a patient for an
// examination and looking up where they should go next.
type VisitHandler struct {
	Facility *service.Facility
}

// NewVisitHandler panics on a nil facility, like the other constructors.
func NewVisitHandler(f *service.Facility) *VisitHandler {
	if f == nil {
		panic("nil facility passed to NewVisitHandler")
	}
	return &VisitHandler{Facility: f}
}

type startVisitRequest struct {
	PatientID string `json:"patient_id"`
	ExamType  string `json:"exam_type"`
	Gender    string `json:"gender"`
}

// Start handles POST /v1/visits.  It assigns the patient's route and
// queues them at the first station.  Repeating the call returns the same
// visit with 200 instead of 201.
func (h *VisitHandler) Start(c echo.Context) error {
	var req startVisitRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	if missing := required(
		[2]string{"patient_id", req.PatientID},
		[2]string{"exam_type", req.ExamType},
		[2]string{"gender", req.Gender},
	); len(missing) > 0 {
		return badRequest(c, "missing fields: "+strings.Join(missing, ", "))
	}

	ctx := c.Request().Context()
	existed := false
	if prev, err := h.Facility.Visit(ctx, req.PatientID); err == nil && strings.EqualFold(prev.Route.ExamType, strings.TrimSpace(req.ExamType)) {
		existed = true
	}
	visit, err := h.Facility.StartVisit(ctx, req.PatientID, req.ExamType, req.Gender)
	if err != nil {
		return fail(c, err)
	}
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	return c.JSON(status, visit)
}

// Get handles GET /v1/visits/:patient.
func (h *VisitHandler) Get(c echo.Context) error {
	visit, err := h.Facility.Visit(c.Request().Context(), c.Param("patient"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, visit)
}
