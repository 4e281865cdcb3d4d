package reconcile

import (
	"testing"

	"github.com/fieldworks/festops/internal/model"
)

func bankPayment(id int64, userID int64, bankref string, amount model.Money, currency model.Currency) *model.Payment {
	return &model.Payment{
		ID:       id,
		UserID:   userID,
		Provider: model.ProviderBankTransfer,
		Currency: currency,
		Amount:   amount,
		State:    model.PaymentInProgress,
		Bankref:  bankref,
	}
}

func TestScoreOrdersCandidates(t *testing.T) {
	txn := &model.BankTransaction{
		Payee:    "J DOE M87X-CJ3Q BGC",
		Amount:   12500,
		Currency: model.GBP,
	}
	exact := bankPayment(1, 1, "M87XCJ3Q", 12500, model.GBP)
	wrongAmount := bankPayment(2, 2, "M87XCJ3Q", 9900, model.GBP)
	unrelated := bankPayment(3, 3, "TKWQBRVG", 12500, model.GBP)

	names := map[int64]string{1: "J Doe", 2: "J Doe", 3: "A Stranger"}

	sExact := Score(txn, exact, names[1])
	sWrongAmount := Score(txn, wrongAmount, names[2])
	sUnrelated := Score(txn, unrelated, names[3])

	if sExact <= sWrongAmount {
		t.Fatalf("amount match should raise score: exact %v <= wrong amount %v", sExact, sWrongAmount)
	}
	if sExact <= sUnrelated {
		t.Fatalf("reference match should raise score: exact %v <= unrelated %v", sExact, sUnrelated)
	}
	// Both halves present verbatim: reference term maxes at 2, plus 0.4
	// amount and 0.6 currency.
	if sExact < 3.0 {
		t.Fatalf("exact score = %v, want >= 3.0", sExact)
	}
}

func TestScoreEmptyPayee(t *testing.T) {
	txn := &model.BankTransaction{Payee: "", Amount: 12500, Currency: model.EUR}
	p := bankPayment(1, 1, "M87XCJ3Q", 12500, model.EUR)
	got := Score(txn, p, "")
	// No words, no name: only the amount and currency terms apply.
	if got != 1.0 {
		t.Fatalf("score = %v, want 1.0", got)
	}
}

func TestSuggestTruncatesAndSorts(t *testing.T) {
	txn := &model.BankTransaction{
		Payee:    "J DOE M87X-CJ3Q BGC",
		Amount:   12500,
		Currency: model.GBP,
	}
	var pool []*model.Payment
	names := map[int64]string{}
	for i := int64(1); i <= 25; i++ {
		pool = append(pool, bankPayment(i, i, "TKWQBRVG", 9900, model.GBP))
		names[i] = "A Stranger"
	}
	target := bankPayment(99, 99, "M87XCJ3Q", 12500, model.GBP)
	pool = append(pool, target)
	names[99] = "J Doe"

	got := Suggest(txn, pool, names)
	if len(got) != maxSuggestions {
		t.Fatalf("suggestions = %d, want %d", len(got), maxSuggestions)
	}
	if got[0].Payment.ID != 99 {
		t.Fatalf("top suggestion = payment %d, want 99", got[0].Payment.ID)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Fatalf("suggestions not sorted at %d", i)
		}
	}
}
