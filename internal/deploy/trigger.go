package deploy

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/loykin/redeployr/internal/webhook"
)

// Trigger is the input to Handle. Push triggers carry the raw request body
// exactly as received.
type Trigger struct {
	Kind       TriggerKind
	Body       []byte
	Signature  string
	Event      string
	DeliveryID string
	Token      string
	Actor      string
}

type manualBody struct {
	RestartToken string `json:"restart_token"`
}

// TriggerFromRequest classifies a webhook request. A request without a
// signature header whose JSON body carries restart_token is a manual-token
// trigger; everything else is a push that must pass signature checks.
func TriggerFromRequest(h http.Header, body []byte) Trigger {
	sig := strings.TrimSpace(h.Get(webhook.HeaderSignature))
	if sig == "" {
		var mb manualBody
		if json.Unmarshal(body, &mb) == nil && mb.RestartToken != "" {
			return Trigger{Kind: TriggerManualToken, Token: mb.RestartToken}
		}
	}
	return Trigger{
		Kind:       TriggerPush,
		Body:       body,
		Signature:  sig,
		Event:      strings.TrimSpace(h.Get(webhook.HeaderEvent)),
		DeliveryID: strings.TrimSpace(h.Get(webhook.HeaderDelivery)),
	}
}
