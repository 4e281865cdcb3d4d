package reconcile

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/xrash/smetrics"

	"github.com/fieldworks/festops/internal/model"
)

// Candidate pairs a payment with its match score against one
// transaction, for the admin suggestion list.
type Candidate struct {
	Payment *model.Payment
	Score   float64
}

// editSimilarity is a 0..1 similarity from edit distance.
func editSimilarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

// Score rates how well a transaction fits a payment. The reference term
// compares every payee word against both bankref halves and keeps the
// best two, so a reference split or mangled by the payer's bank still
// scores. Name similarity, amount and currency each add a bounded term.
func Score(txn *model.BankTransaction, payment *model.Payment, payerName string) float64 {
	payee := strings.ToUpper(txn.Payee)
	halves := []string{payment.Bankref[:4], payment.Bankref[4:]}

	var sims []float64
	for _, word := range strings.FieldsFunc(payee, func(r rune) bool {
		return r == ' ' || r == '-' || r == '/'
	}) {
		for _, half := range halves {
			sims = append(sims, editSimilarity(word, half))
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(sims)))
	score := 0.0
	for i := 0; i < 2 && i < len(sims); i++ {
		score += sims[i]
	}

	if payee != "" && payerName != "" {
		score += smetrics.Jaro(payee, strings.ToUpper(payerName))
	}
	if txn.Amount == payment.Amount {
		score += 0.4
	}
	if txn.Currency == payment.Currency {
		score += 0.6
	}
	return score
}

// maxSuggestions bounds the admin suggestion list.
const maxSuggestions = 20

// Suggest scores a transaction against every candidate payment and
// returns the best matches, highest first. names maps user id to payer
// name; missing entries score with an empty name.
func Suggest(txn *model.BankTransaction, payments []*model.Payment, names map[int64]string) []Candidate {
	out := make([]Candidate, 0, len(payments))
	for _, p := range payments {
		out = append(out, Candidate{Payment: p, Score: Score(txn, p, names[p.UserID])})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > maxSuggestions {
		out = out[:maxSuggestions]
	}
	return out
}
