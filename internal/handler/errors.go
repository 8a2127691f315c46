// Package handler exposes the facility engines over HTTP.  Handlers are
// thin: they bind and validate the request, call one engine or facility
// method and translate the result.  Every failure is rendered as
//
//	{"error": {"code": "...", "reason": "...", "message": "..."}}
//
// with the status chosen from the error code.
package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/clinic-flow/internal/apperr"
	"github.com/iliyamo/clinic-flow/internal/storage"
)

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	if errors.Is(err, storage.ErrUnavailable) {
		return http.StatusServiceUnavailable
	}
	switch apperr.CodeOf(err) {
	case apperr.Validation:
		if apperr.ReasonOf(err) == apperr.ReasonInvalidInput {
			return http.StatusBadRequest
		}
		return http.StatusUnprocessableEntity
	case apperr.Unauthorized:
		return http.StatusUnauthorized
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.SequenceViolation, apperr.Contention:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail renders err.  Internal details never leave the process; they are
// logged by the request logger through the returned error chain instead.
func fail(c echo.Context, err error) error {
	status := statusOf(err)
	body := echo.Map{
		"code":    string(apperr.CodeOf(err)),
		"reason":  apperr.ReasonOf(err),
		"message": "",
	}
	if e, ok := apperr.As(err); ok {
		body["message"] = e.Message
	}
	if status >= http.StatusInternalServerError {
		body["message"] = "internal error"
		if status == http.StatusServiceUnavailable {
			body["message"] = "storage unavailable"
		}
		c.Set("error", err)
	}
	return c.JSON(status, echo.Map{"error": body})
}

// badRequest renders a VALIDATION/INVALID_INPUT error.
func badRequest(c echo.Context, msg string) error {
	return fail(c, apperr.New(apperr.Validation, apperr.ReasonInvalidInput, "%s", msg))
}

// bind decodes the JSON body into v.
func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.Wrap(err, apperr.Validation, apperr.ReasonInvalidInput, "invalid request body")
	}
	return nil
}

// required returns the names of the empty fields, in order.
func required(fields ...[2]string) []string {
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(f[1]) == "" {
			missing = append(missing, f[0])
		}
	}
	return missing
}

// splitIDs parses a comma separated query parameter.
func splitIDs(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
