// Package router wires the HTTP routes onto an Echo instance.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/fieldworks/festops/internal/handler"
)

// RegisterRoutes mounts every endpoint. The /v1/admin group must only be
// reachable on the internal listener; authorisation itself happens in
// the proxy in front.
func RegisterRoutes(e *echo.Echo, baskets *handler.BasketHandler, pay *handler.PaymentHandler, hooks *handler.WebhookHandler, admin *handler.AdminHandler) {
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.GET("/healthz", handler.Health)

	// Provider callbacks, authenticated by body signature.
	e.POST("/webhooks/card", hooks.Card)
	e.POST("/webhooks/bank", hooks.Bank)

	v1 := e.Group("/v1")

	v1.GET("/basket", baskets.View)
	v1.POST("/basket", baskets.SetLine)
	v1.DELETE("/basket", baskets.Clear)
	v1.POST("/basket/currency", baskets.SetCurrency)
	v1.POST("/basket/voucher", baskets.AttachVoucher)
	v1.POST("/checkout", baskets.Checkout)

	v1.GET("/states/:name", admin.SiteState)
	v1.GET("/views/:name", baskets.Products)

	v1.GET("/payments/:id", pay.Get)
	v1.POST("/payments/:id/bank-transfer", pay.StartBankTransfer)
	v1.POST("/payments/:id/card", pay.StartCardPayment)
	v1.POST("/payments/:id/refund-request", pay.RequestRefund)
	v1.POST("/purchases/:id/transfer", pay.TransferPurchase)
	v1.GET("/purchases/:id/transfers", pay.TransferHistory)

	adm := v1.Group("/admin")
	adm.POST("/banking/ofx", admin.UploadOFX)
	adm.GET("/banking/transactions", admin.OutstandingTransactions)
	adm.GET("/banking/transactions/:id/suggest", admin.SuggestMatches)
	adm.POST("/banking/transactions/:id/link", admin.LinkTransaction)
	adm.POST("/banking/transactions/:id/suppress", admin.SuppressTransaction)
	adm.POST("/refund-requests/:id/process", admin.ProcessRefundRequest)
	adm.POST("/payments/:id/refund-purchases", admin.RefundPurchases)
	adm.POST("/payments/:id/manual-refund", admin.ManualRefund)
	adm.POST("/payments/:id/cancel", admin.CancelPayment)
	adm.POST("/vouchers", admin.CreateVoucher)
	adm.PUT("/flags/:name", admin.SetFlag)
	adm.PUT("/tiers/:id/capacity", admin.SetTierCapacity)
	adm.PUT("/states/:name", admin.SetSiteState)
	adm.GET("/history/:table/:id", admin.RowHistory)
	adm.POST("/export", admin.RunExport)
	adm.POST("/sweeps", admin.RunSweeps)
	adm.POST("/schedule", admin.RunSchedule)
}
