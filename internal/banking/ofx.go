// Package banking ingests bank statement feeds into the transaction
// ledger: OFX file uploads for the domestic accounts and a REST
// statement pull for the international balance accounts.
package banking

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/aclindsa/ofxgo"
	"github.com/sirupsen/logrus"

	"github.com/fieldworks/festops/internal/model"
	"github.com/fieldworks/festops/internal/repository"
)

// ofxEpoch cuts off ancient statement rows some banks replay on full
// exports.
var ofxEpoch = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

// Importer loads statement rows into the ledger.
type Importer struct {
	bank *repository.BankRepo
	log  *logrus.Entry
}

// NewImporter returns an Importer over the bank repository.
func NewImporter(bank *repository.BankRepo) *Importer {
	return &Importer{bank: bank, log: logrus.WithField("component", "banking")}
}

// ImportOFX parses an uploaded OFX file and appends its credits to the
// ledger. The receiving account is located by the file's (sort code,
// account id); an upload for an unknown account is rejected outright.
// Re-uploads are idempotent through the ledger's dedup key. Returns the
// number of new rows.
func (i *Importer) ImportOFX(ctx context.Context, r io.Reader) (int, error) {
	resp, err := ofxgo.ParseResponse(r)
	if err != nil {
		return 0, fmt.Errorf("parse OFX: %w", err)
	}
	added := 0
	for _, msg := range resp.Bank {
		stmt, ok := msg.(*ofxgo.StatementResponse)
		if !ok || stmt.BankTranList == nil {
			continue
		}
		account, err := i.bank.GetAccount(ctx,
			stmt.BankAcctFrom.BankID.String(), stmt.BankAcctFrom.AcctID.String())
		if err != nil {
			return added, err
		}
		currency := model.Currency(stmt.CurDef.String())
		for _, txn := range stmt.BankTranList.Transactions {
			n, err := i.importOFXTransaction(ctx, account, currency, &txn)
			if err != nil {
				i.log.WithError(err).WithField("fitid", txn.FiTID.String()).Warn("OFX row skipped")
				continue
			}
			added += n
		}
	}
	i.log.WithField("added", added).Info("OFX import complete")
	return added, nil
}

func (i *Importer) importOFXTransaction(ctx context.Context, account *model.BankAccount,
	currency model.Currency, txn *ofxgo.Transaction) (int, error) {
	if !strings.EqualFold(txn.TrnType.String(), "CREDIT") {
		return 0, nil
	}
	posted := txn.DtPosted.Time.UTC()
	if posted.Before(ofxEpoch) {
		return 0, nil
	}
	fitID := txn.FiTID.String()
	// Uncleared rows get a placeholder id and reappear with a real one
	// later; importing them now would duplicate.
	if fitID == "" || strings.Contains(strings.ToLower(fitID), "uncleared") {
		return 0, nil
	}
	amount, err := minorUnits(&txn.TrnAmt.Rat)
	if err != nil {
		return 0, err
	}
	payee := txn.Name.String()
	if payee == "" {
		payee = txn.Memo.String()
	}
	row := &model.BankTransaction{
		AccountID: account.ID,
		Posted:    posted,
		Type:      strings.ToUpper(txn.TrnType.String()),
		Amount:    amount,
		Currency:  currency,
		Payee:     payee,
		FitID:     fitID,
	}
	inserted, err := i.bank.InsertTransaction(ctx, row)
	if err != nil {
		return 0, err
	}
	if inserted {
		return 1, nil
	}
	return 0, nil
}

// minorUnits converts an exact OFX decimal into integer minor units.
// Anything finer than two decimal places means a parse went wrong.
func minorUnits(amount *big.Rat) (model.Money, error) {
	scaled := new(big.Rat).Mul(amount, big.NewRat(100, 1))
	if !scaled.IsInt() {
		return 0, fmt.Errorf("amount %s has sub-minor precision", amount.FloatString(4))
	}
	return model.Money(scaled.Num().Int64()), nil
}
