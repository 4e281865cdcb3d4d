package main

import (
	"context"
	"math/rand"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/fieldworks/festops/internal/banking"
	"github.com/fieldworks/festops/internal/basket"
	"github.com/fieldworks/festops/internal/config"
	"github.com/fieldworks/festops/internal/database"
	"github.com/fieldworks/festops/internal/export"
	"github.com/fieldworks/festops/internal/flags"
	"github.com/fieldworks/festops/internal/handler"
	"github.com/fieldworks/festops/internal/mail"
	"github.com/fieldworks/festops/internal/payments"
	"github.com/fieldworks/festops/internal/reconcile"
	"github.com/fieldworks/festops/internal/repository"
	"github.com/fieldworks/festops/internal/router"
	"github.com/fieldworks/festops/internal/service"
	"github.com/fieldworks/festops/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("configuration")
	}
	if cfg.Env == "prod" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	db, err := database.Open(cfg.DSN)
	if err != nil {
		logrus.WithError(err).Fatal("database")
	}
	defer db.Close()
	if err := database.Migrate(cfg.DSN); err != nil {
		logrus.WithError(err).Fatal("migrations")
	}

	catalogRepo := repository.NewCatalogRepo(db)
	purchaseRepo := repository.NewPurchaseRepo(db)
	paymentRepo := repository.NewPaymentRepo(db)
	voucherRepo := repository.NewVoucherRepo(db)
	userRepo := repository.NewUserRepo(db)
	bankRepo := repository.NewBankRepo(db)
	versionRepo := repository.NewVersionRepo(db)

	var mailer mail.Sender
	if cfg.SMTPHost != "" {
		mailer = mail.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.MailFrom)
	}
	publisher := service.NewQueuePublisher(cfg.AMQPURL, cfg.EventYear)
	card := payments.NewRESTCardProvider(cfg.CardAPIBase, cfg.CardAPIToken)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	basketSvc := basket.NewService(db, catalogRepo, purchaseRepo, paymentRepo, voucherRepo)
	paymentSvc := payments.NewService(db, catalogRepo, purchaseRepo, paymentRepo, voucherRepo,
		publisher, card, rng, cfg.EventYear)
	refunds := payments.NewRefundEngine(paymentSvc, userRepo, mailer)

	importer := banking.NewImporter(bankRepo)
	var statements *banking.StatementClient
	if cfg.TransferAPIBase != "" {
		statements = banking.NewStatementClient(cfg.TransferAPIBase, cfg.TransferAPIToken)
	}
	reconciler := reconcile.NewReconciler(bankRepo, paymentRepo, userRepo, paymentSvc)

	flagStore := flags.NewStore(db, config.NewRedisClient(cfg))
	exporter := export.NewExporter(db, versionRepo, cfg.ExportDir, cfg.EventYear)

	runner := tasks.NewRunner(paymentSvc, userRepo, mailer, importer, statements, reconciler)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	runner.Start(ctx)

	e := echo.New()
	e.HideBanner = true
	router.RegisterRoutes(e,
		handler.NewBasketHandler(basketSvc, catalogRepo, voucherRepo, flagStore, cfg.BasketSecret),
		handler.NewPaymentHandler(paymentSvc, paymentRepo, purchaseRepo, catalogRepo, userRepo, flagStore, cfg.EventYear),
		handler.NewWebhookHandler(paymentSvc, importer, statements, reconciler,
			cfg.CardWebhookSecret, cfg.BankWebhookSecret, cfg.CardLivemode),
		handler.NewAdminHandler(paymentSvc, refunds, importer, reconciler, bankRepo,
			catalogRepo, voucherRepo, versionRepo, flagStore, exporter, rng),
	)

	addr := ":" + cfg.Port
	logrus.WithFields(logrus.Fields{"addr": addr, "env": cfg.Env}).Info("listening")
	if err := e.Start(addr); err != nil {
		logrus.WithError(err).Fatal("server stopped")
	}
}
