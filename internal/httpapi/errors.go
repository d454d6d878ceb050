package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/bizportal/flowd/pkg/schema"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	StepID  string         `json:"step_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeAlreadyResolved, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := render(err)
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(c.Request().Context(), "request failed",
				slog.String("path", c.Path()), slog.String("error", err.Error()))
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, body)
	}
}

func render(err error) (int, errorBody) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok {
			msg = s
		}
		code := schema.ErrCodeExecution
		switch {
		case he.Code == http.StatusNotFound:
			code = schema.ErrCodeNotFound
		case he.Code < http.StatusInternalServerError:
			code = schema.ErrCodeValidation
		}
		return he.Code, errorBody{Code: code, Message: msg}
	}
	fe := schema.AsFlowError(err, schema.ErrCodeExecution)
	return StatusFor(fe.Code), errorBody{Code: fe.Code, Message: fe.Message, StepID: fe.StepID, Details: fe.Details}
}
