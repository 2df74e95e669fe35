package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnrecognizedFormat signals a payload shape the normalizer does not know.
// Callers acknowledge the delivery but never apply it to the ledger.
var ErrUnrecognizedFormat = errors.New("unrecognized webhook payload format")

// Event is the single canonical shape all gateway notifications are reduced
// to before they reach the reconciliation service.
type Event struct {
	MerchantOrderID      string `json:"merchant_order_id"`
	GatewayCorrelationID string `json:"gateway_correlation_id"`
	AmountCents          int64  `json:"amount_cents"`
	Status               string `json:"status"`
}

// Normalize maps a raw gateway payload into an Event. Three historically seen
// shapes are accepted:
//
//  1. type+payload envelope: {"type":"...","payload":{...}}
//  2. response envelope:     {"response":{...},"status":"..."}
//  3. flat key fields:       {"merchantTransactionId":...,"amount":...}
//
// Anything else returns ErrUnrecognizedFormat.
func Normalize(raw []byte) (Event, error) {
	var envelope struct {
		Type     string          `json:"type"`
		Payload  json.RawMessage `json:"payload"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrUnrecognizedFormat, err)
	}

	switch {
	case envelope.Type != "" && len(envelope.Payload) > 0:
		return normalizeBody(envelope.Payload, envelope.Type)
	case len(envelope.Response) > 0:
		return normalizeBody(envelope.Response, "")
	default:
		return normalizeBody(raw, "")
	}
}

type rawBody struct {
	MerchantOrderID string      `json:"merchantOrderId"`
	MerchantTxnID   string      `json:"merchantTransactionId"`
	GatewayTxnID    string      `json:"transactionId"`
	ProviderRef     string      `json:"providerReferenceId"`
	Status          string      `json:"status"`
	State           string      `json:"state"`
	Code            string      `json:"code"`
	Amount          json.Number `json:"amount"`
}

func normalizeBody(raw []byte, envelopeType string) (Event, error) {
	var body rawBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrUnrecognizedFormat, err)
	}

	ev := Event{
		MerchantOrderID:      firstNonEmpty(body.MerchantOrderID, body.MerchantTxnID),
		GatewayCorrelationID: firstNonEmpty(body.GatewayTxnID, body.ProviderRef),
		Status:               firstNonEmpty(body.Status, body.State, body.Code, statusFromType(envelopeType)),
	}

	amount, err := parseAmount(body.Amount)
	if err != nil {
		return Event{}, err
	}
	ev.AmountCents = amount

	if ev.MerchantOrderID == "" || ev.Status == "" {
		return Event{}, ErrUnrecognizedFormat
	}
	return ev, nil
}

// statusFromType extracts a status class from envelope types such as
// "PAYMENT_SUCCESS" or "checkout.order.completed".
func statusFromType(envelopeType string) string {
	if envelopeType == "" {
		return ""
	}
	t := strings.ToUpper(envelopeType)
	if idx := strings.LastIndexAny(t, "._"); idx >= 0 && idx+1 < len(t) {
		return t[idx+1:]
	}
	return t
}

func parseAmount(n json.Number) (int64, error) {
	s := n.String()
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q", ErrUnrecognizedFormat, s)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: negative amount %d", ErrUnrecognizedFormat, v)
	}
	return v, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
