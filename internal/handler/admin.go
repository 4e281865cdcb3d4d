package handler

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fieldworks/festops/internal/banking"
	"github.com/fieldworks/festops/internal/export"
	"github.com/fieldworks/festops/internal/flags"
	"github.com/fieldworks/festops/internal/model"
	"github.com/fieldworks/festops/internal/payments"
	"github.com/fieldworks/festops/internal/reconcile"
	"github.com/fieldworks/festops/internal/repository"
	"github.com/fieldworks/festops/internal/scheduler"
)

// AdminHandler groups the operator endpoints: statement import,
// reconciliation, refund processing, voucher minting, feature flags and
// the dataset export. Admin authorisation happens upstream; these
// routes must only be exposed on the internal listener.
type AdminHandler struct {
	Payments   *payments.Service
	Refunds    *payments.RefundEngine
	Importer   *banking.Importer
	Reconciler *reconcile.Reconciler
	Bank       *repository.BankRepo
	Catalog    *repository.CatalogRepo
	Vouchers   *repository.VoucherRepo
	Versions   *repository.VersionRepo
	Flags      *flags.Store
	Exporter   *export.Exporter
	Rng        *rand.Rand
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(svc *payments.Service, refunds *payments.RefundEngine, importer *banking.Importer, reconciler *reconcile.Reconciler, bank *repository.BankRepo, catalog *repository.CatalogRepo, vouchers *repository.VoucherRepo, versions *repository.VersionRepo, fl *flags.Store, exporter *export.Exporter, rng *rand.Rand) *AdminHandler {
	if svc == nil || refunds == nil || importer == nil || reconciler == nil || bank == nil {
		panic("nil dependency passed to NewAdminHandler")
	}
	return &AdminHandler{
		Payments:   svc,
		Refunds:    refunds,
		Importer:   importer,
		Reconciler: reconciler,
		Bank:       bank,
		Catalog:    catalog,
		Vouchers:   vouchers,
		Versions:   versions,
		Flags:      fl,
		Exporter:   exporter,
		Rng:        rng,
	}
}

func pathID(c echo.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}

// UploadOFX handles POST /v1/admin/banking/ofx. The multipart "file"
// field carries an OFX download from online banking.
func (h *AdminHandler) UploadOFX(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "file is required"})
	}
	f, err := fh.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "cannot read upload"})
	}
	defer f.Close()
	imported, err := h.Importer.ImportOFX(c.Request().Context(), f)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	matched, err := h.Reconciler.Run(c.Request().Context())
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"imported": imported, "matched": matched})
}

// OutstandingTransactions handles GET /v1/admin/banking/transactions:
// the queue of unmatched, unsuppressed transactions.
func (h *AdminHandler) OutstandingTransactions(c echo.Context) error {
	txns, err := h.Bank.OutstandingTransactions(c.Request().Context())
	if err != nil {
		return httpError(c, err)
	}
	out := make([]echo.Map, 0, len(txns))
	for _, t := range txns {
		out = append(out, echo.Map{
			"id":       t.ID,
			"posted":   t.Posted.Format(time.RFC3339),
			"amount":   t.Amount.String(),
			"currency": t.Currency,
			"payee":    t.Payee,
			"sweep":    reconcile.IsSettlementSweep(t.Payee),
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"transactions": out})
}

// SuggestMatches handles GET /v1/admin/banking/transactions/:id/suggest.
func (h *AdminHandler) SuggestMatches(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid transaction id"})
	}
	ctx := c.Request().Context()
	txn, err := h.Bank.GetTransaction(ctx, id)
	if err != nil {
		return httpError(c, err)
	}
	candidates, err := h.Reconciler.SuggestFor(ctx, txn)
	if err != nil {
		return httpError(c, err)
	}
	out := make([]echo.Map, 0, len(candidates))
	for _, cand := range candidates {
		out = append(out, echo.Map{
			"payment_id": cand.Payment.ID,
			"bankref":    model.FormatBankref(cand.Payment.Bankref),
			"amount":     cand.Payment.Amount.String(),
			"currency":   cand.Payment.Currency,
			"score":      cand.Score,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"suggestions": out})
}

// LinkTransaction handles POST /v1/admin/banking/transactions/:id/link.
// The operator picked a payment from the suggestion list.
func (h *AdminHandler) LinkTransaction(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid transaction id"})
	}
	var body struct {
		PaymentID int64 `json:"payment_id"`
	}
	if err := c.Bind(&body); err != nil || body.PaymentID <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "payment_id is required"})
	}
	if err := h.Reconciler.LinkManual(c.Request().Context(), id, body.PaymentID); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"linked": true})
}

// SuppressTransaction handles POST /v1/admin/banking/transactions/:id/suppress.
// Suppressed rows stop appearing in the outstanding queue; used for
// settlement sweeps and other non-customer movements.
func (h *AdminHandler) SuppressTransaction(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid transaction id"})
	}
	if err := h.Bank.Suppress(c.Request().Context(), id); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"suppressed": true})
}

// ProcessRefundRequest handles POST /v1/admin/refund-requests/:id/process.
func (h *AdminHandler) ProcessRefundRequest(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request id"})
	}
	if err := h.Refunds.HandleRefundRequest(c.Request().Context(), id); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"refunded": true})
}

// RefundPurchases handles POST /v1/admin/payments/:id/refund-purchases:
// a partial refund of selected items on a card payment.
func (h *AdminHandler) RefundPurchases(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payment id"})
	}
	var body struct {
		PurchaseIDs []int64 `json:"purchase_ids"`
	}
	if err := c.Bind(&body); err != nil || len(body.PurchaseIDs) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "purchase_ids is required"})
	}
	if err := h.Refunds.RefundPurchases(c.Request().Context(), id, body.PurchaseIDs); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"refunded": true})
}

// ManualRefund handles POST /v1/admin/payments/:id/manual-refund: the
// operator has already returned the money by bank transfer and records
// the fact here.
func (h *AdminHandler) ManualRefund(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payment id"})
	}
	if err := h.Payments.ManualRefund(c.Request().Context(), id); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"refunded": true})
}

// CancelPayment handles POST /v1/admin/payments/:id/cancel.
func (h *AdminHandler) CancelPayment(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payment id"})
	}
	if err := h.Payments.Cancel(c.Request().Context(), id); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"cancelled": true})
}

// CreateVoucher handles POST /v1/admin/vouchers. An empty code draws a
// random one.
func (h *AdminHandler) CreateVoucher(c echo.Context) error {
	var body struct {
		Code          string `json:"code"`
		Email         string `json:"email"`
		ProductViewID *int64 `json:"product_view_id"`
		Expiry        string `json:"expiry"`
		Purchases     int    `json:"purchases"`
		Tickets       int    `json:"tickets"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.Purchases <= 0 || body.Tickets < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "purchases must be positive"})
	}
	v := &model.Voucher{
		Code:               body.Code,
		Email:              body.Email,
		ProductViewID:      body.ProductViewID,
		PurchasesRemaining: body.Purchases,
		TicketsRemaining:   body.Tickets,
	}
	if v.Code == "" {
		v.Code = model.RandomVoucherCode(h.Rng)
	}
	if body.Expiry != "" {
		t, err := time.Parse("2006-01-02", body.Expiry)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "expiry must be YYYY-MM-DD"})
		}
		v.Expiry = &t
	}
	if err := h.Vouchers.Insert(c.Request().Context(), v); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"code": v.Code})
}

// SetFlag handles PUT /v1/admin/flags/:name.
func (h *AdminHandler) SetFlag(c echo.Context) error {
	name := c.Param("name")
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.Bind(&body); err != nil || name == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if err := h.Flags.SetFlag(c.Request().Context(), name, body.Enabled); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"name": name, "enabled": body.Enabled})
}

// SetTierCapacity handles PUT /v1/admin/tiers/:id/capacity. A null
// capacity_max lifts the ceiling entirely.
func (h *AdminHandler) SetTierCapacity(c echo.Context) error {
	id, ok := pathID(c)
	var body struct {
		CapacityMax *int `json:"capacity_max"`
	}
	if err := c.Bind(&body); err != nil || !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if body.CapacityMax != nil && *body.CapacityMax < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "capacity_max must not be negative"})
	}
	if err := h.Catalog.SetTierCapacity(c.Request().Context(), id, body.CapacityMax); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"tier_id": id, "capacity_max": body.CapacityMax})
}

// RowHistory handles GET /v1/admin/history/:table/:id: the recorded
// changes for one row, grouped by the transaction that made them.
func (h *AdminHandler) RowHistory(c echo.Context) error {
	table := c.Param("table")
	id, ok := pathID(c)
	if table == "" || !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	changes, err := h.Versions.History(c.Request().Context(), table, id)
	if err != nil {
		return httpError(c, err)
	}
	out := make([]echo.Map, 0, len(changes))
	for _, v := range changes {
		out = append(out, echo.Map{
			"txn_id":    v.TxnID.String(),
			"operation": v.Operation,
			"values":    v.NewValues,
			"recorded":  v.Recorded.Format(time.RFC3339),
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"table": table, "row_id": id, "changes": out})
}

// SetSiteState handles PUT /v1/admin/states/:name: moves a named site
// phase, for example sales between closed, open and event.
func (h *AdminHandler) SetSiteState(c echo.Context) error {
	name := c.Param("name")
	var body struct {
		State string `json:"state"`
	}
	if err := c.Bind(&body); err != nil || name == "" || body.State == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if err := h.Flags.SetState(c.Request().Context(), name, body.State); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"name": name, "state": body.State})
}

// SiteState handles GET /v1/states/:name. Unset states read as closed.
func (h *AdminHandler) SiteState(c echo.Context) error {
	name := c.Param("name")
	if name == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	state := h.Flags.State(c.Request().Context(), name, "closed")
	return c.JSON(http.StatusOK, echo.Map{"name": name, "state": state})
}

// RunExport handles POST /v1/admin/export: writes the public and
// private dataset snapshots to the export directory.
func (h *AdminHandler) RunExport(c echo.Context) error {
	if err := h.Exporter.Run(c.Request().Context()); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"exported": true})
}

// RunSweeps handles POST /v1/admin/sweeps: expires overdue payments and
// stale reservations on demand, outside the ticker.
func (h *AdminHandler) RunSweeps(c echo.Context) error {
	if err := h.Payments.ExpireSweep(c.Request().Context()); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"swept": true})
}

// RunSchedule handles POST /v1/admin/schedule. The body carries the
// proposal set, with any previous assignments inline; the response is
// the same set with times and venues filled in.
func (h *AdminHandler) RunSchedule(c echo.Context) error {
	var body struct {
		Proposals []*model.Proposal `json:"proposals"`
	}
	if err := c.Bind(&body); err != nil || len(body.Proposals) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "proposals are required"})
	}
	if err := scheduler.Schedule(body.Proposals); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"proposals": body.Proposals})
}
