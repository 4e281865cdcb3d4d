package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fieldworks/festops/internal/basket"
	"github.com/fieldworks/festops/internal/flags"
	"github.com/fieldworks/festops/internal/model"
	"github.com/fieldworks/festops/internal/repository"
)

// basketToken is the header carrying the signed basket session both ways.
const basketToken = "X-Basket-Token"

// BasketHandler serves the buyer-facing basket endpoints. The basket
// itself is stateless on the server: every request rehydrates it from
// the signed token, applies one change and hands back a fresh token.
type BasketHandler struct {
	Baskets  *basket.Service         // reservation and checkout transactions
	Catalog  *repository.CatalogRepo // tier lookups by name
	Vouchers *repository.VoucherRepo // voucher attachment
	Flags    *flags.Store            // sales-open gate
	Secret   string                  // basket token signing key
}

// NewBasketHandler constructs a BasketHandler. All dependencies must be
// non-nil.
func NewBasketHandler(baskets *basket.Service, catalog *repository.CatalogRepo, vouchers *repository.VoucherRepo, fl *flags.Store, secret string) *BasketHandler {
	if baskets == nil || catalog == nil || vouchers == nil || fl == nil || secret == "" {
		panic("nil dependency passed to NewBasketHandler")
	}
	return &BasketHandler{Baskets: baskets, Catalog: catalog, Vouchers: vouchers, Flags: fl, Secret: secret}
}

// load rebuilds the basket from the request's token. A missing, expired
// or tampered token yields an empty basket rather than an error.
func (h *BasketHandler) load(c echo.Context) (*basket.Basket, error) {
	currency := model.GBP
	var ids []int64
	if token := c.Request().Header.Get(basketToken); token != "" {
		if s, err := basket.DecodeSession(h.Secret, token); err == nil {
			ids = s.PurchaseIDs
			if s.Currency == model.GBP || s.Currency == model.EUR {
				currency = s.Currency
			}
		}
	}
	return h.Baskets.FromSession(c.Request().Context(), userID(c), currency, ids)
}

// respond renders the basket with a fresh token.
func (h *BasketHandler) respond(c echo.Context, status int, b *basket.Basket, extra echo.Map) error {
	token, err := basket.EncodeSession(h.Secret, basket.SessionFromBasket(b))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "token signing failed"})
	}
	c.Response().Header().Set(basketToken, token)

	lines := make([]echo.Map, 0, len(b.Lines))
	for _, l := range b.Lines {
		if l.Count == 0 && len(l.Purchases) == 0 {
			continue
		}
		entry := echo.Map{
			"product": l.Tier.Product.Name,
			"tier":    l.Tier.Name,
			"count":   l.Count,
		}
		if price := l.Tier.GetPrice(b.Currency); price != nil {
			entry["each"] = price.Value.String()
		}
		lines = append(lines, entry)
	}
	body := echo.Map{
		"token":    token,
		"currency": b.Currency,
		"lines":    lines,
	}
	if total, err := b.Total(); err == nil {
		body["total"] = total.String()
	}
	if b.Voucher != nil {
		body["voucher"] = b.Voucher.Code
	}
	for k, v := range extra {
		body[k] = v
	}
	return c.JSON(status, body)
}

// View handles GET /v1/basket.
func (h *BasketHandler) View(c echo.Context) error {
	b, err := h.load(c)
	if err != nil {
		return httpError(c, err)
	}
	return h.respond(c, http.StatusOK, b, nil)
}

// Products handles GET /v1/views/:name: the catalog listing for one
// named sale page. Voucher-locked views read as 404 unless the request
// carries a valid voucher code attached to the view, so restricted
// stock stays invisible rather than teasing a locked door.
func (h *BasketHandler) Products(c echo.Context) error {
	ctx := c.Request().Context()
	view, err := h.Catalog.GetViewByName(ctx, c.Param("name"))
	if err != nil {
		return httpError(c, err)
	}
	if view.VouchersOnly {
		voucher, err := h.Vouchers.Get(ctx, c.QueryParam("voucher"))
		if err != nil {
			return httpError(c, repository.ErrNotFound)
		}
		now := time.Now().UTC()
		if voucher.ProductViewID == nil || *voucher.ProductViewID != view.ID ||
			voucher.IsExpired(now) || voucher.IsUsed() {
			return httpError(c, repository.ErrNotFound)
		}
	}

	products := make([]echo.Map, 0, len(view.Products))
	for _, p := range view.Products {
		tiers := make([]echo.Map, 0, len(p.Tiers))
		for _, t := range p.Tiers {
			prices := echo.Map{}
			for _, price := range t.Prices {
				prices[string(price.Currency)] = price.Value.String()
			}
			tiers = append(tiers, echo.Map{
				"name":           t.Name,
				"personal_limit": t.PersonalLimit,
				"prices":         prices,
			})
		}
		name := p.DisplayName
		if name == "" {
			name = p.Name
		}
		products = append(products, echo.Map{
			"name":        p.Name,
			"display":     name,
			"description": p.Description,
			"tiers":       tiers,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"view":     view.Name,
		"type":     view.Type,
		"products": products,
	})
}

// Clear handles DELETE /v1/basket: cancels every reservation in the
// basket and hands back an empty one.
func (h *BasketHandler) Clear(c echo.Context) error {
	b, err := h.load(c)
	if err != nil {
		return httpError(c, err)
	}
	for _, l := range b.Lines {
		l.Count = 0
	}
	if err := h.Baskets.CancelSurplus(c.Request().Context(), b); err != nil {
		return httpError(c, err)
	}
	return h.respond(c, http.StatusOK, b, nil)
}

// SetLine handles POST /v1/basket. The body names a tier by its
// group/product/tier path and the desired count; the reservation is
// adjusted to match before the response is built. Count zero removes
// the line.
func (h *BasketHandler) SetLine(c echo.Context) error {
	ctx := c.Request().Context()
	if !h.Flags.Enabled(ctx, flags.FlagSalesOpen) {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "sales are closed"})
	}
	var body struct {
		Group   string `json:"group"`
		Product string `json:"product"`
		Tier    string `json:"tier"`
		Count   int    `json:"count"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.Product == "" || body.Tier == "" || body.Count < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "product, tier and a non-negative count are required"})
	}
	tier, err := h.Catalog.GetTierByName(ctx, body.Group, body.Product, body.Tier)
	if err != nil {
		return httpError(c, err)
	}
	b, err := h.load(c)
	if err != nil {
		return httpError(c, err)
	}
	b.Set(tier, body.Count)
	if err := h.Baskets.Reserve(ctx, b); err != nil {
		return httpError(c, err)
	}
	return h.respond(c, http.StatusOK, b, nil)
}

// SetCurrency handles POST /v1/basket/currency. Switching is only
// possible while every purchase is still reserved.
func (h *BasketHandler) SetCurrency(c echo.Context) error {
	var body struct {
		Currency string `json:"currency"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	currency := model.Currency(body.Currency)
	if currency != model.GBP && currency != model.EUR {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "currency must be GBP or EUR"})
	}
	b, err := h.load(c)
	if err != nil {
		return httpError(c, err)
	}
	if err := h.Baskets.SetCurrency(c.Request().Context(), b, currency); err != nil {
		return httpError(c, err)
	}
	return h.respond(c, http.StatusOK, b, nil)
}

// voucherAttachable screens a voucher before it joins a basket holding
// adultTickets adult tickets. Checkout still consumes capacity under a
// row lock; this only stops dead vouchers up front.
func voucherAttachable(v *model.Voucher, adultTickets int, now time.Time) error {
	if v.IsExpired(now) {
		return fmt.Errorf("voucher %s has expired", v.Code)
	}
	if v.IsUsed() {
		return fmt.Errorf("voucher %s has been used up", v.Code)
	}
	if !v.CheckCapacity(adultTickets) {
		return fmt.Errorf("voucher %s cannot cover %d adult tickets", v.Code, adultTickets)
	}
	return nil
}

// AttachVoucher handles POST /v1/basket/voucher. The voucher must still
// be live and able to cover the basket; its capacity is consumed at
// checkout under a row lock.
func (h *BasketHandler) AttachVoucher(c echo.Context) error {
	var body struct {
		Code string `json:"code"`
	}
	if err := c.Bind(&body); err != nil || body.Code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "code is required"})
	}
	ctx := c.Request().Context()
	voucher, err := h.Vouchers.Get(ctx, body.Code)
	if err != nil {
		return httpError(c, err)
	}
	b, err := h.load(c)
	if err != nil {
		return httpError(c, err)
	}
	if err := voucherAttachable(voucher, b.AdultTickets(), time.Now().UTC()); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	b.Voucher = voucher
	return h.respond(c, http.StatusOK, b, nil)
}

// Checkout handles POST /v1/checkout. A zero-total basket settles
// immediately; otherwise a payment is created in the requested provider
// and its id returned for the payment flow to pick up.
func (h *BasketHandler) Checkout(c echo.Context) error {
	uid := userID(c)
	if uid == nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "sign in to check out"})
	}
	var body struct {
		Provider string `json:"provider"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	ctx := c.Request().Context()
	b, err := h.load(c)
	if err != nil {
		return httpError(c, err)
	}
	if len(b.Reservation()) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "basket is empty"})
	}

	total, err := b.Total()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	if total == 0 && b.Voucher == nil {
		if err := h.Baskets.CheckOutFree(ctx, b); err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusOK, echo.Map{"state": "paid", "total": total.String()})
	}

	switch body.Provider {
	case model.ProviderBankTransfer:
		if !h.Flags.Enabled(ctx, flags.FlagBankTransfer) {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "bank transfer is not available"})
		}
	case model.ProviderCard:
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "provider must be banktransfer or card"})
	}
	payment, err := h.Baskets.CreatePayment(ctx, b, body.Provider)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"payment_id": payment.ID,
		"provider":   payment.Provider,
		"amount":     payment.Amount.String(),
		"currency":   payment.Currency,
	})
}
