package banking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fieldworks/festops/internal/model"
)

// SignWebhook computes the hex HMAC-SHA256 of a webhook body. Exposed
// for tests and for signing our own outbound callbacks.
func SignWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks a statement-feed callback signature in constant
// time. A mismatch is reported as InvalidWebhookSignature, which the
// HTTP layer maps to 400.
func VerifyWebhook(secret string, body []byte, signature string) error {
	want := SignWebhook(secret, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return fmt.Errorf("%w: statement webhook", model.ErrInvalidWebhookSignature)
	}
	return nil
}
