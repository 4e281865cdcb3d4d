// Package tasks runs the periodic jobs: payment expiry, payment
// reminders and bank statement sync plus reconciliation. Each job runs
// on its own ticker so a slow statement fetch never delays expiry.
package tasks

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fieldworks/festops/internal/banking"
	"github.com/fieldworks/festops/internal/mail"
	"github.com/fieldworks/festops/internal/payments"
	"github.com/fieldworks/festops/internal/reconcile"
	"github.com/fieldworks/festops/internal/repository"
)

// Tick intervals. Expiry is cheap and frequent; statements are pulled
// on the bank's cadence.
const (
	ExpireInterval    = 5 * time.Minute
	ReminderInterval  = 1 * time.Hour
	StatementInterval = 30 * time.Minute
)

// Runner owns the background loops.
type Runner struct {
	Payments   *payments.Service
	Users      *repository.UserRepo
	Mailer     mail.Sender
	Importer   *banking.Importer
	Statements *banking.StatementClient
	Reconciler *reconcile.Reconciler

	log *logrus.Entry
}

// NewRunner constructs a Runner. Statements may be nil when no transfer
// provider is configured; the statement loop is then skipped.
func NewRunner(svc *payments.Service, users *repository.UserRepo, mailer mail.Sender,
	importer *banking.Importer, statements *banking.StatementClient,
	reconciler *reconcile.Reconciler) *Runner {
	return &Runner{
		Payments:   svc,
		Users:      users,
		Mailer:     mailer,
		Importer:   importer,
		Statements: statements,
		Reconciler: reconciler,
		log:        logrus.WithField("component", "tasks"),
	}
}

// Start launches every loop. The loops stop when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	go r.loop(ctx, "expire", ExpireInterval, r.expire)
	go r.loop(ctx, "remind", ReminderInterval, r.remind)
	if r.Statements != nil {
		go r.loop(ctx, "statements", StatementInterval, r.statements)
	}
}

func (r *Runner) loop(ctx context.Context, name string, interval time.Duration, job func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job(ctx); err != nil {
				r.log.WithError(err).WithField("job", name).Warn("job failed")
			}
		}
	}
}

func (r *Runner) expire(ctx context.Context) error {
	return r.Payments.ExpireSweep(ctx)
}

func (r *Runner) remind(ctx context.Context) error {
	if r.Mailer == nil {
		return nil
	}
	return r.Payments.ReminderSweep(ctx, r.Users, r.Mailer)
}

func (r *Runner) statements(ctx context.Context) error {
	if _, err := r.Importer.SyncStatements(ctx, r.Statements); err != nil {
		return err
	}
	_, err := r.Reconciler.Run(ctx)
	return err
}
