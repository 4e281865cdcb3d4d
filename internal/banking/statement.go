package banking

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fieldworks/festops/internal/model"
)

// statementWindow is how far back each REST pull reaches. Pulls overlap
// run to run; the ledger dedup absorbs the repeats.
const statementWindow = 7 * 24 * time.Hour

// StatementClient talks to the international transfer provider's
// balance statement API.
type StatementClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewStatementClient returns a client for the given API base and token.
func NewStatementClient(baseURL, token string) *StatementClient {
	return &StatementClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// statementResponse mirrors the provider's balance statement payload,
// reduced to the fields we read.
type statementResponse struct {
	Transactions []statementTxn `json:"transactions"`
}

type statementTxn struct {
	Type            string    `json:"type"`
	Date            time.Time `json:"date"`
	ReferenceNumber string    `json:"referenceNumber"`
	Amount          struct {
		Value    float64 `json:"value"`
		Currency string  `json:"currency"`
	} `json:"amount"`
	Details struct {
		Type             string `json:"type"`
		PaymentReference string `json:"paymentReference"`
		SenderName       string `json:"senderName"`
	} `json:"details"`
}

// FetchStatement pulls the last week of statement rows for one balance
// account.
func (c *StatementClient) FetchStatement(ctx context.Context, balanceID int64, currency model.Currency, now time.Time) ([]statementTxn, error) {
	q := url.Values{}
	q.Set("currency", string(currency))
	q.Set("intervalStart", now.Add(-statementWindow).Format(time.RFC3339))
	q.Set("intervalEnd", now.Format(time.RFC3339))
	u := fmt.Sprintf("%s/balance-statements/%d/statement.json?%s", c.baseURL, balanceID, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("statement API returned %s", resp.Status)
	}
	var body statementResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode statement: %w", err)
	}
	return body.Transactions, nil
}

// SyncStatements pulls statements for every active balance account and
// appends DEPOSIT credits to the ledger. Idempotent on re-import via
// the ledger's dedup key. Returns the number of new rows.
func (i *Importer) SyncStatements(ctx context.Context, client *StatementClient) (int, error) {
	accounts, err := i.bank.ActiveAccounts(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	added := 0
	for _, account := range accounts {
		if account.BalanceID == nil {
			continue
		}
		txns, err := client.FetchStatement(ctx, *account.BalanceID, account.Currency, now)
		if err != nil {
			i.log.WithError(err).WithField("account_id", account.ID).Warn("statement pull failed")
			continue
		}
		n, err := i.appendCredits(ctx, account, txns)
		added += n
		if err != nil {
			return added, err
		}
	}
	i.log.WithField("added", added).Info("statement sync complete")
	return added, nil
}

// SyncBalance pulls the statement for one balance, named by the
// provider's webhook, and appends its DEPOSIT credits to the ledger.
func (i *Importer) SyncBalance(ctx context.Context, client *StatementClient, balanceID int64, currency model.Currency) (int, error) {
	account, err := i.bank.GetAccountByBalanceID(ctx, balanceID, currency)
	if err != nil {
		return 0, err
	}
	txns, err := client.FetchStatement(ctx, balanceID, currency, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	added, err := i.appendCredits(ctx, account, txns)
	if err != nil {
		return added, err
	}
	i.log.WithFields(logrus.Fields{"balance_id": balanceID, "added": added}).Info("balance sync complete")
	return added, nil
}

func (i *Importer) appendCredits(ctx context.Context, account *model.BankAccount, txns []statementTxn) (int, error) {
	added := 0
	for _, txn := range txns {
		// Only incoming customer money. A CREDIT that is a conversion or
		// fee reversal is not a deposit; a DEPOSIT-typed debit is the
		// provider clawing one back.
		if txn.Type != "CREDIT" || txn.Details.Type != "DEPOSIT" {
			continue
		}
		// Reference numbers are a per-account fast path only; providers
		// have been seen to omit or reuse them. InsertTransaction's
		// natural-key dedup is the backstop.
		if txn.ReferenceNumber != "" {
			seen, err := i.bank.HasStatementTransaction(ctx, account.ID, txn.ReferenceNumber)
			if err != nil {
				return added, err
			}
			if seen {
				continue
			}
		}
		payee := txn.Details.PaymentReference
		if payee == "" {
			payee = txn.Details.SenderName
		}
		row := &model.BankTransaction{
			AccountID:   account.ID,
			Posted:      txn.Date.UTC(),
			Type:        "DEPOSIT",
			Amount:      model.Money(math.Round(txn.Amount.Value * 100)),
			Currency:    model.Currency(txn.Amount.Currency),
			Payee:       payee,
			StatementID: txn.ReferenceNumber,
		}
		inserted, err := i.bank.InsertTransaction(ctx, row)
		if err != nil {
			return added, err
		}
		if inserted {
			added++
		}
	}
	return added, nil
}
