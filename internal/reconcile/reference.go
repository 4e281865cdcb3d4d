// Package reconcile matches incoming bank transactions to outstanding
// bank transfer payments. Matching is two-stage: deterministic reference
// extraction from the payee text, then fuzzy scoring for the admin
// suggestion list. Only extraction matches with equal amount and
// currency are acted on automatically.
package reconcile

import (
	"regexp"
	"strings"

	"github.com/fieldworks/festops/internal/model"
)

// Patterns over the bankref alphabet. Statement payee fields mangle
// references freely: hyphens or spaces between halves, and short fields
// that drop the final character.
var (
	bankrefPattern       = regexp.MustCompile(`[` + model.BankrefAlphabet + `]{4}[- ]?[` + model.BankrefAlphabet + `]{4}`)
	bankrefPrefixPattern = regexp.MustCompile(`[` + model.BankrefAlphabet + `]{4}[- ]?[` + model.BankrefAlphabet + `]{3}`)
	iso11649Pattern      = regexp.MustCompile(`RF[0-9]{2}[` + model.BankrefAlphabet + `]{8}`)
)

// Reference is the outcome of extraction. Exact references resolve a
// single payment; prefixes tolerate one trailing deletion and need a
// prefix lookup.
type Reference struct {
	Ref   string
	Exact bool
}

// ExtractReference pulls a bank reference out of free-text payee data.
// The ISO 11649 wrapper is unwrapped first, then the plain 8-character
// form, then the 7-character prefix fallback. Euro transfers often carry
// no usable payee at all; those fall through to scoring.
func ExtractReference(payee string) (Reference, bool) {
	cleaned := strings.ToUpper(payee)

	// The structured form arrives space-grouped ("RF68 M87X CJ3Q");
	// collapse before matching.
	collapsed := strings.ReplaceAll(strings.ReplaceAll(cleaned, " ", ""), "-", "")
	if m := iso11649Pattern.FindString(collapsed); m != "" {
		if model.ValidISO11649(m) {
			return Reference{Ref: m[4:], Exact: true}, true
		}
	}
	if m := bankrefPattern.FindString(cleaned); m != "" {
		return Reference{Ref: normalise(m), Exact: true}, true
	}
	if m := bankrefPrefixPattern.FindString(cleaned); m != "" {
		return Reference{Ref: normalise(m), Exact: false}, true
	}
	return Reference{}, false
}

func normalise(ref string) string {
	ref = strings.ReplaceAll(ref, "-", "")
	return strings.ReplaceAll(ref, " ", "")
}
