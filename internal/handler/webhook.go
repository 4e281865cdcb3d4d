package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/fieldworks/festops/internal/banking"
	"github.com/fieldworks/festops/internal/model"
	"github.com/fieldworks/festops/internal/payments"
	"github.com/fieldworks/festops/internal/reconcile"
)

// signatureHeader carries the HMAC of the raw webhook body.
const signatureHeader = "X-Webhook-Signature"

// WebhookHandler receives provider callbacks: card processor events and
// bank "new transaction" pings. Both endpoints are unauthenticated and
// rely on body signatures instead.
type WebhookHandler struct {
	Payments   *payments.Service
	Importer   *banking.Importer
	Statements *banking.StatementClient
	Reconciler *reconcile.Reconciler

	CardSecret string // card webhook HMAC key
	BankSecret string // bank webhook HMAC key
	Livemode   bool   // which provider mode this deployment expects
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(svc *payments.Service, importer *banking.Importer, statements *banking.StatementClient, reconciler *reconcile.Reconciler, cardSecret, bankSecret string, livemode bool) *WebhookHandler {
	if svc == nil || importer == nil || reconciler == nil {
		panic("nil dependency passed to NewWebhookHandler")
	}
	return &WebhookHandler{
		Payments:   svc,
		Importer:   importer,
		Statements: statements,
		Reconciler: reconciler,
		CardSecret: cardSecret,
		BankSecret: bankSecret,
		Livemode:   livemode,
	}
}

// readSigned reads the raw body and checks its HMAC.
func readSigned(c echo.Context, secret string) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	if err := banking.VerifyWebhook(secret, body, c.Request().Header.Get(signatureHeader)); err != nil {
		return nil, err
	}
	return body, nil
}

// Card handles POST /webhooks/card. Events from the wrong mode (test
// events on a live deployment or vice versa) are rejected with 409 so
// the provider retries them against the right environment. Event types
// we do not model are acknowledged and dropped.
func (h *WebhookHandler) Card(c echo.Context) error {
	body, err := readSigned(c, h.CardSecret)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid signature"})
	}
	var event struct {
		Type     string `json:"type"`
		Livemode bool   `json:"livemode"`
		Data     struct {
			IntentID string `json:"intent_id"`
			ChargeID string `json:"charge_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid event body"})
	}
	if event.Livemode != h.Livemode {
		return c.JSON(http.StatusConflict, echo.Map{"error": "livemode mismatch"})
	}
	if err := h.Payments.HandleCardWebhook(c.Request().Context(), event.Type, event.Data.IntentID, event.Data.ChargeID); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"received": true})
}

// Bank handles POST /webhooks/bank. The bank pings when new
// transactions land; we pull the statement window and run the matcher
// before acknowledging so a failed sync is retried by the bank. Pings
// naming the credited balance sync just that account, anything else
// falls back to a full pull.
func (h *WebhookHandler) Bank(c echo.Context) error {
	body, err := readSigned(c, h.BankSecret)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid signature"})
	}
	var ping struct {
		Data struct {
			Resource struct {
				ID int64 `json:"id"`
			} `json:"resource"`
			Currency string `json:"currency"`
		} `json:"data"`
	}
	_ = json.Unmarshal(body, &ping)

	ctx := c.Request().Context()
	imported := 0
	if h.Statements != nil {
		var n int
		var err error
		if ping.Data.Resource.ID > 0 && ping.Data.Currency != "" {
			n, err = h.Importer.SyncBalance(ctx, h.Statements, ping.Data.Resource.ID, model.Currency(ping.Data.Currency))
		} else {
			n, err = h.Importer.SyncStatements(ctx, h.Statements)
		}
		if err != nil {
			logrus.WithError(err).Warn("statement sync failed")
			return c.JSON(http.StatusBadGateway, echo.Map{"error": "statement sync failed"})
		}
		imported = n
	}
	matched, err := h.Reconciler.Run(ctx)
	if err != nil {
		logrus.WithError(err).Warn("reconciliation run failed")
	}
	return c.JSON(http.StatusOK, echo.Map{"imported": imported, "matched": matched})
}
