package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fieldworks/festops/internal/model"
)

// RESTCardProvider talks to the card processor's refund API. Intent and
// charge lifecycles are driven by the processor's own checkout widget
// and webhooks; the only call we originate is the refund.
type RESTCardProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRESTCardProvider builds a provider client against the given API
// base.
func NewRESTCardProvider(baseURL, token string) *RESTCardProvider {
	return &RESTCardProvider{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateRefund asks the processor to reverse part of a charge. It
// returns the processor's refund id.
func (p *RESTCardProvider) CreateRefund(ctx context.Context, chargeID string, amount model.Money, currency model.Currency) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"charge":   chargeID,
		"amount":   int64(amount),
		"currency": string(currency),
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/refunds", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("card api: refund for charge %s returned %s", chargeID, resp.Status)
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.ID, nil
}
