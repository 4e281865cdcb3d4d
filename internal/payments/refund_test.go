package payments

import (
	"context"
	"database/sql"
	"math/rand"
	"testing"

	_ "github.com/go-sql-driver/mysql"

	"github.com/fieldworks/festops/internal/model"
	"github.com/fieldworks/festops/internal/repository"
)

// countingCard records refund calls so tests can assert the provider is
// never reached before local state has been committed.
type countingCard struct {
	calls int
}

func (c *countingCard) CreateRefund(ctx context.Context, chargeID string, amount model.Money, currency model.Currency) (string, error) {
	c.calls++
	return "re_test", nil
}

// unreachableEngine wires a refund engine over a database handle that
// dials a closed port, so the first ledger access fails.
func unreachableEngine(t *testing.T) (*RefundEngine, *countingCard) {
	t.Helper()
	db, err := sql.Open("mysql", "festops:festops@tcp(127.0.0.1:1)/festops")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	card := &countingCard{}
	svc := NewService(db, repository.NewCatalogRepo(db), repository.NewPurchaseRepo(db),
		repository.NewPaymentRepo(db), repository.NewVoucherRepo(db),
		nil, card, rand.New(rand.NewSource(1)), 2026)
	return NewRefundEngine(svc, repository.NewUserRepo(db), nil), card
}

func TestRefundPurchasesProviderUntouchedUntilBooked(t *testing.T) {
	e, card := unreachableEngine(t)
	if err := e.RefundPurchases(context.Background(), 1, []int64{1}); err == nil {
		t.Fatal("expected error from unreachable database")
	}
	if card.calls != 0 {
		t.Fatalf("provider called %d times before the refund row was committed", card.calls)
	}
}

func TestHandleRefundRequestProviderUntouchedOnFailure(t *testing.T) {
	e, card := unreachableEngine(t)
	if err := e.HandleRefundRequest(context.Background(), 1); err == nil {
		t.Fatal("expected error from unreachable database")
	}
	if card.calls != 0 {
		t.Fatalf("provider called %d times before the state change was committed", card.calls)
	}
}
