package x402

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	// ErrMalformedPayload is wrapped by every payload decode failure.
	ErrMalformedPayload = errors.New("malformed payment payload")
	// ErrInvalidRequirements is wrapped by every requirements decode failure.
	ErrInvalidRequirements = errors.New("invalid payment requirements")
)

// Wire shape of the X-PAYMENT payload for the exact scheme.
type payloadWire struct {
	X402Version int         `json:"x402Version"`
	Scheme      string      `json:"scheme"`
	Network     string      `json:"network,omitempty"`
	ChainID     json.Number `json:"chainId,omitempty"`
	Payload     *exactWire  `json:"payload"`
}

type exactWire struct {
	Signature     string             `json:"signature"`
	Authorization *authorizationWire `json:"authorization"`
}

type authorizationWire struct {
	From        string      `json:"from"`
	To          string      `json:"to,omitempty"`
	Token       string      `json:"token"`
	Value       json.Number `json:"value"`
	ValidAfter  json.Number `json:"validAfter"`
	ValidBefore json.Number `json:"validBefore"`
	Nonce       string      `json:"nonce"`
}

// DecodePayment decodes a base64 (standard or raw) or raw JSON payment payload.
// Every failure carries ReasonMalformedPayload.
func DecodePayment(raw string) (PaymentPayload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PaymentPayload{}, malformed("empty payload")
	}

	var data []byte
	if strings.HasPrefix(raw, "{") {
		data = []byte(raw)
	} else {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(raw)
			if err != nil {
				return PaymentPayload{}, malformed("decode base64: %v", err)
			}
		}
		data = decoded
	}
	return DecodePaymentJSON(data)
}

// DecodePaymentJSON strictly decodes a JSON payment payload and coerces its fields.
func DecodePaymentJSON(data []byte) (PaymentPayload, error) {
	var w payloadWire
	if err := strictUnmarshal(data, &w); err != nil {
		return PaymentPayload{}, malformed("parse payload: %v", err)
	}
	if w.X402Version != Version {
		return PaymentPayload{}, malformed("unsupported x402Version %d", w.X402Version)
	}
	if w.Payload == nil {
		return PaymentPayload{}, malformed("missing payload")
	}
	auth := w.Payload.Authorization
	if auth == nil {
		return PaymentPayload{}, malformed("missing payload.authorization")
	}

	p := PaymentPayload{X402Version: w.X402Version, Scheme: w.Scheme}
	var err error

	if w.ChainID != "" {
		if p.ChainID, err = parseUint64("chainId", w.ChainID); err != nil {
			return PaymentPayload{}, malformed("%v", err)
		}
	}
	if p.Payer, err = parseAddress("from", auth.From); err != nil {
		return PaymentPayload{}, malformed("%v", err)
	}
	if p.Token, err = parseAddress("token", auth.Token); err != nil {
		return PaymentPayload{}, malformed("%v", err)
	}
	if auth.To != "" {
		to, err := parseAddress("to", auth.To)
		if err != nil {
			return PaymentPayload{}, malformed("%v", err)
		}
		p.To = &to
	}
	if p.Amount, err = parseUint256("value", auth.Value); err != nil {
		return PaymentPayload{}, malformed("%v", err)
	}
	if p.ValidAfter, err = parseUint64("validAfter", auth.ValidAfter); err != nil {
		return PaymentPayload{}, malformed("%v", err)
	}
	if p.ValidBefore, err = parseUint64("validBefore", auth.ValidBefore); err != nil {
		return PaymentPayload{}, malformed("%v", err)
	}
	if p.Nonce, err = ParseNonce(auth.Nonce); err != nil {
		return PaymentPayload{}, malformed("%v", err)
	}
	if p.Signature, err = parseSignature(w.Payload.Signature); err != nil {
		return PaymentPayload{}, malformed("%v", err)
	}
	return p, nil
}

// EncodePayment renders a payload as the base64 wire string accepted by DecodePayment.
func EncodePayment(p PaymentPayload) (string, error) {
	w := payloadWire{
		X402Version: Version,
		Scheme:      p.Scheme,
		Payload: &exactWire{
			Signature: hexutil.Encode(p.Signature),
			Authorization: &authorizationWire{
				From:        p.Payer.Hex(),
				Token:       p.Token.Hex(),
				Value:       json.Number(bigString(p.Amount)),
				ValidAfter:  json.Number(strconv.FormatUint(p.ValidAfter, 10)),
				ValidBefore: json.Number(strconv.FormatUint(p.ValidBefore, 10)),
				Nonce:       p.Nonce.Hex(),
			},
		},
	}
	if w.Scheme == "" {
		w.Scheme = SchemeExact
	}
	if p.ChainID != 0 {
		w.ChainID = json.Number(strconv.FormatUint(p.ChainID, 10))
	}
	if p.To != nil {
		w.Payload.Authorization.To = p.To.Hex()
	}
	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("x402: marshal payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeRequirements strictly parses JSON requirements. Amounts and ids may be
// JSON numbers or decimal strings.
func DecodeRequirements(data []byte) (PaymentRequirements, error) {
	var w requirementsWire
	if err := strictUnmarshal(data, &w); err != nil {
		return PaymentRequirements{}, fmt.Errorf("%w: %v", ErrInvalidRequirements, err)
	}

	var (
		r   = PaymentRequirements{Scheme: w.Scheme, Resource: w.Resource, Description: w.Description}
		err error
	)
	if r.ChainID, err = parseUint64("chainId", w.ChainID); err != nil {
		return PaymentRequirements{}, fmt.Errorf("%w: %v", ErrInvalidRequirements, err)
	}
	if r.Token, err = parseAddress("token", w.Token); err != nil {
		return PaymentRequirements{}, fmt.Errorf("%w: %v", ErrInvalidRequirements, err)
	}
	if r.Recipient, err = parseAddress("recipient", w.Recipient); err != nil {
		return PaymentRequirements{}, fmt.Errorf("%w: %v", ErrInvalidRequirements, err)
	}
	if r.MinAmount, err = parseUint256("minAmount", w.MinAmount); err != nil {
		return PaymentRequirements{}, fmt.Errorf("%w: %v", ErrInvalidRequirements, err)
	}
	if w.MaxPaymentAge != "" {
		if r.MaxPaymentAge, err = parseUint64("maxPaymentAge", w.MaxPaymentAge); err != nil {
			return PaymentRequirements{}, fmt.Errorf("%w: %v", ErrInvalidRequirements, err)
		}
	}
	return r, nil
}

// PaymentRequired is the challenge a resource server returns with HTTP 402.
type PaymentRequired struct {
	X402Version int             `json:"x402Version"`
	Error       string          `json:"error,omitempty"`
	Accepts     []PaymentOption `json:"accepts"`
}

// PaymentOption is one acceptable way to pay inside a challenge.
type PaymentOption struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	ChainID           uint64            `json:"chainId"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Asset             string            `json:"asset"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds uint64            `json:"maxTimeoutSeconds"`
	Resource          string            `json:"resource,omitempty"`
	Description       string            `json:"description,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// EncodeRequirements emits the base64 payment-required challenge for req on a
// network whose authorizations are signed under domain.
func EncodeRequirements(req PaymentRequirements, network string, domain Domain) (string, error) {
	scheme := req.Scheme
	if scheme == "" {
		scheme = SchemeExact
	}
	challenge := PaymentRequired{
		X402Version: Version,
		Accepts: []PaymentOption{{
			Scheme:            scheme,
			Network:           network,
			ChainID:           req.ChainID,
			MaxAmountRequired: bigString(req.MinAmount),
			Asset:             req.Token.Hex(),
			PayTo:             req.Recipient.Hex(),
			MaxTimeoutSeconds: req.MaxPaymentAge,
			Resource:          req.Resource,
			Description:       req.Description,
			Extra: map[string]string{
				"name":              domain.Name,
				"version":           domain.Version,
				"verifyingContract": domain.VerifyingContract.Hex(),
			},
		}},
	}
	data, err := json.Marshal(challenge)
	if err != nil {
		return "", fmt.Errorf("x402: marshal challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeChallenge parses a base64 payment-required challenge.
func DecodeChallenge(raw string) (PaymentRequired, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return PaymentRequired{}, fmt.Errorf("x402: decode challenge: %w", err)
	}
	var challenge PaymentRequired
	if err := json.Unmarshal(data, &challenge); err != nil {
		return PaymentRequired{}, fmt.Errorf("x402: parse challenge: %w", err)
	}
	return challenge, nil
}

func malformed(format string, args ...any) error {
	return NewError(ReasonMalformedPayload, fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...)))
}

// strictUnmarshal rejects unknown fields and trailing data.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected data after JSON object")
	}
	return nil
}

func parseAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, fmt.Errorf("%s is required", field)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: %q is not a 20-byte hex address", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseUint256(field string, n json.Number) (*big.Int, error) {
	if n == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	v, ok := new(big.Int).SetString(string(n), 10)
	if !ok {
		return nil, fmt.Errorf("%s: %q is not a decimal integer", field, string(n))
	}
	if v.Sign() < 0 || v.BitLen() > 256 {
		return nil, fmt.Errorf("%s: %q is out of uint256 range", field, string(n))
	}
	return v, nil
}

func parseUint64(field string, n json.Number) (uint64, error) {
	v, err := parseUint256(field, n)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("%s: %q is out of range", field, string(n))
	}
	return v.Uint64(), nil
}

// ParseNonce accepts up to 32 bytes of 0x-prefixed hex and left-pads to bytes32.
func ParseNonce(s string) (common.Hash, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Hash{}, fmt.Errorf("nonce: %q must be 0x-prefixed hex", s)
	}
	digits := s[2:]
	if digits == "" {
		return common.Hash{}, errors.New("nonce is empty")
	}
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	b, err := hex.DecodeString(digits)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %v", err)
	}
	if len(b) > NonceLength {
		return common.Hash{}, fmt.Errorf("nonce: %d bytes exceeds %d", len(b), NonceLength)
	}
	return common.BytesToHash(b), nil
}

func parseSignature(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("signature is required")
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("signature: %v", err)
	}
	if len(b) != SignatureLength {
		return nil, fmt.Errorf("signature: got %d bytes, want %d", len(b), SignatureLength)
	}
	return b, nil
}
