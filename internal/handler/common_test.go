package handler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/fieldworks/festops/internal/model"
	"github.com/fieldworks/festops/internal/repository"
)

func testContext(t *testing.T, headers map[string]string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	return echo.New().NewContext(req, rec), rec
}

func TestUserID(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   *int64
	}{
		{"missing", "", nil},
		{"valid", "42", func() *int64 { v := int64(42); return &v }()},
		{"garbage", "fortytwo", nil},
		{"zero", "0", nil},
		{"negative", "-3", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			headers := map[string]string{}
			if tc.header != "" {
				headers["X-User-ID"] = tc.header
			}
			c, _ := testContext(t, headers)
			got := userID(c)
			switch {
			case tc.want == nil && got != nil:
				t.Fatalf("userID = %d, want nil", *got)
			case tc.want != nil && (got == nil || *got != *tc.want):
				t.Fatalf("userID = %v, want %d", got, *tc.want)
			}
		})
	}
}

func TestHTTPErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{repository.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("payment 7: %w", repository.ErrNotFound), http.StatusNotFound},
		{model.ErrUpdateConflict, http.StatusConflict},
		{model.ErrInvalidTransition, http.StatusConflict},
		{repository.ErrConflict, http.StatusConflict},
		{model.ErrUpdateUnexpected, http.StatusNotImplemented},
		{model.ErrInvalidWebhookSignature, http.StatusBadRequest},
		{model.ErrOutOfCapacity, http.StatusBadRequest},
		{model.ErrExpired, http.StatusBadRequest},
		{model.ErrTransferNotAllowed, http.StatusBadRequest},
		{model.ErrUnsatisfiable, http.StatusBadRequest},
		{model.ErrManualRefundRequired, http.StatusBadRequest},
		{model.ErrRefundFailed, http.StatusBadGateway},
		{fmt.Errorf("broken pipe"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			c, rec := testContext(t, nil)
			if err := httpError(c, tc.err); err != nil {
				t.Fatalf("httpError returned %v", err)
			}
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	c, rec := testContext(t, nil)
	if err := Health(c); err != nil {
		t.Fatalf("Health returned %v", err)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}
