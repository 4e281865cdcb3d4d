package model

import "time"

// BankAccount is one of our receiving accounts. GBP accounts are located by
// (sort code, account id); international balance accounts by their external
// balance id and currency.
type BankAccount struct {
	ID          int64
	SortCode    string
	AcctID      string
	Currency    Currency
	Active      bool
	PayeeName   string
	Institution string
	Address     string
	Swift       string
	IBAN        string

	// BalanceID is the provider-side balance account id for accounts synced
	// over the international-transfer REST API.
	BalanceID *int64
}

// BankTransaction is a normalised ledger row from a statement feed. Rows
// are unique on (account, posted, type, amount, payee, fit id); fit ids
// allegedly never change, but we have seen them reassigned, so the full
// tuple is the dedup key.
type BankTransaction struct {
	ID        int64
	AccountID int64
	Posted    time.Time
	Type      string
	Amount    Money
	Currency  Currency

	// Payee is what OFX calls it; it is really the free-text description the
	// payer's bank forwarded, and it is where bank references hide.
	Payee string

	// FitID is the OFX financial institution transaction id, if present.
	FitID string

	// StatementID is the id assigned by the international-transfer provider,
	// if this row came from a REST statement sync.
	StatementID string

	// PaymentID is set once the transaction has been reconciled.
	PaymentID *int64

	// Suppressed marks rows an operator has tombstoned out of matching
	// (settlement sweeps, internal transfers).
	Suppressed bool
}
