package banking

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"testing"

	_ "github.com/go-sql-driver/mysql"

	"github.com/fieldworks/festops/internal/model"
	"github.com/fieldworks/festops/internal/repository"
)

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		name    string
		num     int64
		den     int64
		want    model.Money
		wantErr bool
	}{
		{"whole pounds", 125, 1, 12500, false},
		{"pence", 11550, 100, 11550, false},
		{"one penny", 1, 100, 1, false},
		{"negative", -250, 100, -250, false},
		{"sub-penny", 1, 1000, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := minorUnits(big.NewRat(tt.num, tt.den))
			if tt.wantErr {
				if err == nil {
					t.Fatal("want error for sub-minor precision")
				}
				return
			}
			if err != nil {
				t.Fatalf("minorUnits: %v", err)
			}
			if got != tt.want {
				t.Fatalf("minorUnits = %d, want %d", got, tt.want)
			}
		})
	}
}

// unreachableImporter is backed by a database handle that dials a closed
// port, so any ledger access fails loudly. Rows the filter skips must
// return without touching it.
func unreachableImporter(t *testing.T) *Importer {
	t.Helper()
	db, err := sql.Open("mysql", "festops:festops@tcp(127.0.0.1:1)/festops")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewImporter(repository.NewBankRepo(db))
}

func statementRow(txnType, detailsType string) statementTxn {
	var txn statementTxn
	txn.Type = txnType
	txn.Details.Type = detailsType
	txn.Amount.Value = 25
	txn.Amount.Currency = "EUR"
	txn.Details.SenderName = "A Sender"
	return txn
}

func TestAppendCreditsSkipsNonDeposits(t *testing.T) {
	imp := unreachableImporter(t)
	account := &model.BankAccount{ID: 1, Currency: model.EUR}

	rows := []statementTxn{
		statementRow("CREDIT", "CONVERSION"),
		statementRow("CREDIT", "MONEY_ADDED"),
		statementRow("DEBIT", "DEPOSIT"),
		statementRow("DEBIT", "CARD"),
	}
	added, err := imp.appendCredits(context.Background(), account, rows)
	if err != nil {
		t.Fatalf("appendCredits reached the ledger for a filtered row: %v", err)
	}
	if added != 0 {
		t.Fatalf("added = %d, want 0", added)
	}
}

func TestAppendCreditsKeepsUnreferencedDeposits(t *testing.T) {
	imp := unreachableImporter(t)
	account := &model.BankAccount{ID: 1, Currency: model.EUR}

	// A deposit without a reference number must skip the reference fast
	// path and go to the ledger insert, which here fails to connect.
	row := statementRow("CREDIT", "DEPOSIT")
	if _, err := imp.appendCredits(context.Background(), account, []statementTxn{row}); err == nil {
		t.Fatal("deposit row never reached the ledger")
	}
}

func TestWebhookSignature(t *testing.T) {
	body := []byte(`{"balance_id":42}`)
	sig := SignWebhook("topsecret", body)

	if err := VerifyWebhook("topsecret", body, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifyWebhook("topsecret", []byte(`{"balance_id":43}`), sig); err == nil {
		t.Fatal("tampered body accepted")
	}
	err := VerifyWebhook("wrongsecret", body, sig)
	if err == nil {
		t.Fatal("wrong secret accepted")
	}
	if !errors.Is(err, model.ErrInvalidWebhookSignature) {
		t.Fatalf("error = %v, want InvalidWebhookSignature", err)
	}
}
