package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apierrors "github.com/CedrosPay/facilitator/internal/errors"
	"github.com/CedrosPay/facilitator/pkg/x402"
)

// maxRequestBytes caps /verify and /settle bodies.
const maxRequestBytes = 64 << 10

// paymentRequest is the body of /verify and /settle. Both the short field names
// and the x402 facilitator names are accepted.
type paymentRequest struct {
	X402Version         int             `json:"x402Version,omitempty"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	PaymentPayload      json.RawMessage `json:"paymentPayload,omitempty"`
	Requirements        json.RawMessage `json:"requirements,omitempty"`
	PaymentRequirements json.RawMessage `json:"paymentRequirements,omitempty"`
}

// requestError is a request-level failure that maps to a non-200 response.
type requestError struct {
	code    apierrors.ErrorCode
	message string
}

func (e *requestError) Error() string { return e.message }

func (e *requestError) write(w http.ResponseWriter) {
	apierrors.WriteSimpleError(w, e.code, e.message)
}

// decodeJSON decodes a JSON request body into the destination struct.
// The reader will be closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(io.LimitReader(r, maxRequestBytes))
	return decoder.Decode(dest)
}

// parsePaymentRequest extracts the raw payment payload and the decoded
// requirements. The payload may be a JSON string (base64 or JSON text), a JSON
// object, or absent from the body and carried in the X-PAYMENT header. An
// undecodable payload is not a request error: it is returned raw so
// verification can report MalformedPayload.
func parsePaymentRequest(r *http.Request) (string, x402.PaymentRequirements, error) {
	var body paymentRequest
	if err := decodeJSON(r.Body, &body); err != nil {
		return "", x402.PaymentRequirements{}, &requestError{apierrors.ErrCodeInvalidJSON, fmt.Sprintf("invalid request body: %v", err)}
	}

	rawReq := firstPresent(body.Requirements, body.PaymentRequirements)
	if rawReq == nil {
		return "", x402.PaymentRequirements{}, &requestError{apierrors.ErrCodeMissingField, "requirements are required"}
	}
	req, err := x402.DecodeRequirements(rawReq)
	if err != nil {
		return "", x402.PaymentRequirements{}, &requestError{apierrors.ErrCodeInvalidField, err.Error()}
	}

	raw, err := payloadText(firstPresent(body.Payload, body.PaymentPayload))
	if err != nil {
		return "", x402.PaymentRequirements{}, &requestError{apierrors.ErrCodeInvalidField, err.Error()}
	}
	if raw == "" {
		raw = r.Header.Get(x402.PaymentHeader)
	}
	return raw, req, nil
}

// payloadText turns the payload field into the text form DecodePayment accepts.
func payloadText(field json.RawMessage) (string, error) {
	if field == nil {
		return "", nil
	}
	switch trimmed := bytes.TrimSpace(field); {
	case len(trimmed) == 0:
		return "", nil
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", fmt.Errorf("payload: %w", err)
		}
		return s, nil
	case trimmed[0] == '{':
		return string(trimmed), nil
	default:
		return "", errors.New("payload must be a string or an object")
	}
}

// payerFromRequest peeks the payment payload for its payer so rate limiting can
// key on it. The body is restored for the handler. Any decode failure yields "".
func payerFromRequest(r *http.Request) string {
	var raw string
	if r.Body != nil && r.Body != http.NoBody {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(data))
		if err != nil {
			return ""
		}
		var body paymentRequest
		if json.Unmarshal(data, &body) == nil {
			raw, _ = payloadText(firstPresent(body.Payload, body.PaymentPayload))
		}
	}
	if raw == "" {
		raw = r.Header.Get(x402.PaymentHeader)
	}
	if raw == "" {
		return ""
	}
	payload, err := x402.DecodePayment(raw)
	if err != nil {
		return ""
	}
	return payload.Payer.Hex()
}

func firstPresent(fields ...json.RawMessage) json.RawMessage {
	for _, f := range fields {
		if len(f) > 0 && !bytes.Equal(bytes.TrimSpace(f), []byte("null")) {
			return f
		}
	}
	return nil
}
