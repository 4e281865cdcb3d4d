package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fieldworks/festops/internal/flags"
	"github.com/fieldworks/festops/internal/model"
	"github.com/fieldworks/festops/internal/payments"
	"github.com/fieldworks/festops/internal/repository"
)

// PaymentHandler serves the buyer-facing payment flow: starting a bank
// transfer or card payment on a created payment, viewing it, filing
// refund requests and transferring paid items between users.
type PaymentHandler struct {
	Payments  *payments.Service       // payment state transitions
	PayRepo   *repository.PaymentRepo // reads and refund request storage
	Purchases *repository.PurchaseRepo
	Catalog   *repository.CatalogRepo
	Users     *repository.UserRepo
	Flags     *flags.Store
	EventYear int
}

// NewPaymentHandler constructs a PaymentHandler. All dependencies must
// be non-nil.
func NewPaymentHandler(svc *payments.Service, payRepo *repository.PaymentRepo, purchases *repository.PurchaseRepo, catalog *repository.CatalogRepo, users *repository.UserRepo, fl *flags.Store, eventYear int) *PaymentHandler {
	if svc == nil || payRepo == nil || purchases == nil || catalog == nil || users == nil || fl == nil {
		panic("nil dependency passed to NewPaymentHandler")
	}
	return &PaymentHandler{
		Payments:  svc,
		PayRepo:   payRepo,
		Purchases: purchases,
		Catalog:   catalog,
		Users:     users,
		Flags:     fl,
		EventYear: eventYear,
	}
}

// owned loads a payment and checks the caller owns it. Foreign payments
// read as 404 so ids cannot be probed.
func (h *PaymentHandler) owned(c echo.Context) (*model.Payment, error) {
	uid := userID(c)
	if uid == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "sign in required")
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid payment id")
	}
	payment, err := h.PayRepo.Get(c.Request().Context(), id)
	if err != nil {
		return nil, err
	}
	if payment.UserID != *uid {
		return nil, repository.ErrNotFound
	}
	return payment, nil
}

func paymentView(p *model.Payment, eventYear int) echo.Map {
	view := echo.Map{
		"id":       p.ID,
		"provider": p.Provider,
		"state":    p.State,
		"amount":   p.Amount.String(),
		"currency": p.Currency,
		"order":    p.OrderNumber(eventYear),
	}
	if p.Expires != nil {
		view["expires"] = p.Expires.Format(time.RFC3339)
	}
	if ref, err := p.CustomerReference(); err == nil {
		view["reference"] = ref
	}
	return view
}

// Get handles GET /v1/payments/:id.
func (h *PaymentHandler) Get(c echo.Context) error {
	payment, err := h.owned(c)
	if err != nil {
		if he, ok := err.(*echo.HTTPError); ok {
			return he
		}
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, paymentView(payment, h.EventYear))
}

// StartBankTransfer handles POST /v1/payments/:id/bank-transfer. It
// mints the bank reference the buyer must quote and starts the payment
// expiry clock.
func (h *PaymentHandler) StartBankTransfer(c echo.Context) error {
	payment, err := h.owned(c)
	if err != nil {
		if he, ok := err.(*echo.HTTPError); ok {
			return he
		}
		return httpError(c, err)
	}
	started, err := h.Payments.StartBankTransfer(c.Request().Context(), payment.ID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, paymentView(started, h.EventYear))
}

// StartCardPayment handles POST /v1/payments/:id/card. The client has
// already created the provider intent; we record its id and wait for
// the webhook.
func (h *PaymentHandler) StartCardPayment(c echo.Context) error {
	payment, err := h.owned(c)
	if err != nil {
		if he, ok := err.(*echo.HTTPError); ok {
			return he
		}
		return httpError(c, err)
	}
	var body struct {
		IntentID string `json:"intent_id"`
	}
	if err := c.Bind(&body); err != nil || body.IntentID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "intent_id is required"})
	}
	started, err := h.Payments.StartCardPayment(c.Request().Context(), payment.ID, body.IntentID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, paymentView(started, h.EventYear))
}

// RequestRefund handles POST /v1/payments/:id/refund-request. The
// request is queued for the refund engine; bank transfer payments also
// need payout details since there is nothing to reverse automatically.
func (h *PaymentHandler) RequestRefund(c echo.Context) error {
	if !h.Flags.Enabled(c.Request().Context(), flags.FlagRefundsOpen) {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "refunds are closed"})
	}
	payment, err := h.owned(c)
	if err != nil {
		if he, ok := err.(*echo.HTTPError); ok {
			return he
		}
		return httpError(c, err)
	}
	if !payment.IsRefundable() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "payment is not refundable"})
	}
	var body struct {
		Donation  int64  `json:"donation"`
		SortCode  string `json:"sort_code"`
		Account   string `json:"account"`
		SwiftBIC  string `json:"swift_bic"`
		IBAN      string `json:"iban"`
		PayeeName string `json:"payee_name"`
		Note      string `json:"note"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.Donation < 0 || model.Money(body.Donation) > payment.Amount {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "donation must be between zero and the payment amount"})
	}
	if payment.Provider == model.ProviderBankTransfer && body.Account == "" && body.IBAN == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "bank refunds need payout details"})
	}
	req := &model.RefundRequest{
		PaymentID: payment.ID,
		Donation:  model.Money(body.Donation),
		Currency:  payment.Currency,
		SortCode:  body.SortCode,
		Account:   body.Account,
		SwiftBIC:  body.SwiftBIC,
		IBAN:      body.IBAN,
		PayeeName: body.PayeeName,
		Note:      body.Note,
	}
	if err := h.PayRepo.InsertRefundRequest(c.Request().Context(), req); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"request_id": req.ID})
}

// TransferPurchase handles POST /v1/purchases/:id/transfer. It moves a
// paid item to another user, identified by email, and voids any issued
// ticket.
func (h *PaymentHandler) TransferPurchase(c echo.Context) error {
	uid := userID(c)
	if uid == nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "sign in required"})
	}
	purchaseID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || purchaseID <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid purchase id"})
	}
	var body struct {
		ToEmail string `json:"to_email"`
	}
	if err := c.Bind(&body); err != nil || body.ToEmail == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "to_email is required"})
	}
	ctx := c.Request().Context()
	recipient, err := h.Users.GetByEmail(ctx, body.ToEmail)
	if err != nil {
		return httpError(c, err)
	}

	ctx = repository.WithAuditTxn(ctx)
	tx, err := h.PayRepo.DB().BeginTx(ctx, nil)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to start transaction"})
	}
	defer tx.Rollback()

	purchase, err := h.Purchases.GetTx(ctx, tx, h.Catalog, purchaseID)
	if err != nil {
		return httpError(c, err)
	}
	now := time.Now().UTC()
	if err := purchase.Transfer(*uid, recipient.ID, now); err != nil {
		return httpError(c, err)
	}
	if err := h.Purchases.UpdateStateTx(ctx, tx, purchase); err != nil {
		return httpError(c, err)
	}
	transfer := purchase.Transfers[len(purchase.Transfers)-1]
	if err := h.Purchases.InsertTransferTx(ctx, tx, transfer); err != nil {
		return httpError(c, err)
	}
	if err := tx.Commit(); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "commit failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"purchase_id": purchase.ID,
		"to_user":     recipient.ID,
		"transferred": transfer.Timestamp.Format(time.RFC3339),
	})
}

// TransferHistory handles GET /v1/purchases/:id/transfers. Only a party
// to a transfer can read the log; everyone else sees 404.
func (h *PaymentHandler) TransferHistory(c echo.Context) error {
	uid := userID(c)
	if uid == nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "sign in required"})
	}
	purchaseID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || purchaseID <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid purchase id"})
	}
	transfers, err := h.Purchases.Transfers(c.Request().Context(), purchaseID)
	if err != nil {
		return httpError(c, err)
	}
	party := false
	for _, t := range transfers {
		if t.FromUser == *uid || t.ToUser == *uid {
			party = true
			break
		}
	}
	if !party {
		return httpError(c, repository.ErrNotFound)
	}
	out := make([]echo.Map, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, echo.Map{
			"from_user": t.FromUser,
			"to_user":   t.ToUser,
			"timestamp": t.Timestamp.Format(time.RFC3339),
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"purchase_id": purchaseID, "transfers": out})
}
