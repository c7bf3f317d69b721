package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/CedrosPay/facilitator/internal/circuitbreaker"
	"github.com/CedrosPay/facilitator/internal/httputil"
	"github.com/CedrosPay/facilitator/internal/logger"
	"github.com/CedrosPay/facilitator/internal/metrics"
	"github.com/CedrosPay/facilitator/pkg/x402"
)

// maxResponseBytes caps how much of a signer response is read.
const maxResponseBytes = 64 << 10

// ErrSignerRejected is returned when the signing service answers with a non-2xx status.
var ErrSignerRejected = errors.New("signer: request rejected")

// RemoteSigner delegates signing to an external KMS service over HTTP.
//
//	POST {url}/v1/sign              {"serviceId","digest"} -> {"signature"}
//	GET  {url}/v1/keys/{serviceId}  -> {"address"}
//	GET  {url}/health               -> 2xx when ready
type RemoteSigner struct {
	baseURL   string
	apiKey    string
	client    *http.Client
	metrics   *metrics.Metrics
	breakers  *circuitbreaker.Manager
	healthTTL time.Duration
	now       func() time.Time

	mu        sync.Mutex
	health    x402.SignerHealth
	checkedAt time.Time
	addresses map[string]common.Address
}

// RemoteOption customizes a RemoteSigner.
type RemoteOption func(*RemoteSigner)

// WithHTTPClient replaces the pooled default client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(s *RemoteSigner) { s.client = c }
}

// WithMetrics records signer call metrics and availability.
func WithMetrics(m *metrics.Metrics) RemoteOption {
	return func(s *RemoteSigner) { s.metrics = m }
}

// WithBreakers routes calls through the signer circuit breaker.
func WithBreakers(b *circuitbreaker.Manager) RemoteOption {
	return func(s *RemoteSigner) { s.breakers = b }
}

// WithHealthTTL reuses a health probe result for ttl.
func WithHealthTTL(ttl time.Duration) RemoteOption {
	return func(s *RemoteSigner) { s.healthTTL = ttl }
}

// NewRemoteSigner creates a client for the signing service at baseURL.
func NewRemoteSigner(baseURL, apiKey string, timeout time.Duration, opts ...RemoteOption) (*RemoteSigner, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("signer: invalid url %q", baseURL)
	}

	s := &RemoteSigner{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		client:    httputil.NewClient(timeout),
		now:       time.Now,
		addresses: make(map[string]common.Address),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type signRequest struct {
	ServiceID string `json:"serviceId"`
	Digest    string `json:"digest"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

type keyResponse struct {
	Address string `json:"address"`
}

// Sign asks the service to sign a 32-byte digest with the key behind serviceID.
func (s *RemoteSigner) Sign(ctx context.Context, serviceID string, digest []byte) ([]byte, error) {
	if len(digest) != common.HashLength {
		return nil, fmt.Errorf("signer: digest must be %d bytes, got %d", common.HashLength, len(digest))
	}

	start := s.now()
	sig, err := circuitbreaker.Do(s.breakers, circuitbreaker.ServiceSigner, func() ([]byte, error) {
		var resp signResponse
		if err := s.do(ctx, http.MethodPost, "/v1/sign", signRequest{
			ServiceID: serviceID,
			Digest:    hexutil.Encode(digest),
		}, &resp); err != nil {
			return nil, err
		}
		sig, err := hexutil.Decode(resp.Signature)
		if err != nil {
			return nil, fmt.Errorf("signer: decode signature: %w", err)
		}
		if len(sig) != x402.SignatureLength {
			return nil, fmt.Errorf("signer: signature is %d bytes, want %d", len(sig), x402.SignatureLength)
		}
		return sig, nil
	})
	s.metrics.ObserveSignerCall("sign", s.now().Sub(start), err)
	if err != nil {
		s.invalidateHealth()
		return nil, err
	}
	return sig, nil
}

// Address resolves the account behind serviceID. Results are cached for the life of the signer.
func (s *RemoteSigner) Address(ctx context.Context, serviceID string) (common.Address, error) {
	s.mu.Lock()
	addr, ok := s.addresses[serviceID]
	s.mu.Unlock()
	if ok {
		return addr, nil
	}

	start := s.now()
	addr, err := circuitbreaker.Do(s.breakers, circuitbreaker.ServiceSigner, func() (common.Address, error) {
		var resp keyResponse
		if err := s.do(ctx, http.MethodGet, "/v1/keys/"+url.PathEscape(serviceID), nil, &resp); err != nil {
			return common.Address{}, err
		}
		if !common.IsHexAddress(resp.Address) {
			return common.Address{}, fmt.Errorf("signer: invalid address %q", resp.Address)
		}
		return common.HexToAddress(resp.Address), nil
	})
	s.metrics.ObserveSignerCall("address", s.now().Sub(start), err)
	if err != nil {
		return common.Address{}, err
	}

	s.mu.Lock()
	s.addresses[serviceID] = addr
	s.mu.Unlock()
	return addr, nil
}

// CheckHealth probes the service, reusing a result younger than the health TTL.
func (s *RemoteSigner) CheckHealth(ctx context.Context) x402.SignerHealth {
	s.mu.Lock()
	if s.healthTTL > 0 && !s.checkedAt.IsZero() && s.now().Sub(s.checkedAt) < s.healthTTL {
		h := s.health
		s.mu.Unlock()
		return h
	}
	s.mu.Unlock()

	start := s.now()
	_, err := circuitbreaker.Do(s.breakers, circuitbreaker.ServiceSigner, func() (struct{}, error) {
		return struct{}{}, s.do(ctx, http.MethodGet, "/health", nil, nil)
	})
	s.metrics.ObserveSignerCall("health", s.now().Sub(start), err)

	h := x402.SignerHealth{Available: err == nil, Mode: "remote"}
	if err != nil {
		h.Error = err.Error()
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("signer.health_check_failed")
	}
	s.metrics.SetSignerAvailable(h.Available)

	s.mu.Lock()
	s.health = h
	s.checkedAt = s.now()
	s.mu.Unlock()
	return h
}

// Close releases pooled connections.
func (s *RemoteSigner) Close() error {
	httputil.CloseIdle(s.client)
	return nil
}

func (s *RemoteSigner) invalidateHealth() {
	s.mu.Lock()
	s.checkedAt = time.Time{}
	s.mu.Unlock()
}

func (s *RemoteSigner) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("signer: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("signer: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	if requestID := logger.GetRequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("signer: send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("signer: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s returned %d", ErrSignerRejected, method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("signer: decode response: %w", err)
	}
	return nil
}
