// Package handler implements the HTTP surface: buyer basket and
// checkout, provider webhooks, admin banking and scheduling operations.
// Authentication happens upstream; authenticated requests arrive with
// the user id in the X-User-ID header.
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fieldworks/festops/internal/model"
	"github.com/fieldworks/festops/internal/repository"
)

// userID extracts the authenticated user from the request. Returns nil
// for anonymous requests.
func userID(c echo.Context) *int64 {
	raw := c.Request().Header.Get("X-User-ID")
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil
	}
	return &id
}

// httpError maps the error taxonomy onto status codes: not found and
// ownership failures are 404, conflicts 409, unknown provider states
// 501, everything user-caused 400.
func httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	case errors.Is(err, model.ErrUpdateConflict),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, repository.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, model.ErrUpdateUnexpected):
		return c.JSON(http.StatusNotImplemented, echo.Map{"error": err.Error()})
	case errors.Is(err, model.ErrInvalidWebhookSignature):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid signature"})
	case errors.Is(err, model.ErrOutOfCapacity),
		errors.Is(err, model.ErrExpired),
		errors.Is(err, model.ErrTransferNotAllowed),
		errors.Is(err, model.ErrManualRefundRequired),
		errors.Is(err, model.ErrUnsatisfiable):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, model.ErrRefundFailed):
		return c.JSON(http.StatusBadGateway, echo.Map{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}

// Health is the load balancer liveness endpoint.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}
