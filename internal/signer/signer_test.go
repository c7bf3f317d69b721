package signer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/CedrosPay/facilitator/internal/config"
)

const testAPIKey = "kms-secret"

// kmsServer is a minimal stand-in for the signing service backed by a real key.
type kmsServer struct {
	t           *testing.T
	healthy     atomic.Bool
	healthCalls atomic.Int32
	keyCalls    atomic.Int32
	badSig      bool
}

func newKMS(t *testing.T) (*kmsServer, *httptest.Server) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	k := &kmsServer{t: t}
	k.healthy.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		k.healthCalls.Add(1)
		if !k.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/keys/", func(w http.ResponseWriter, r *http.Request) {
		k.keyCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+testAPIKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(keyResponse{Address: crypto.PubkeyToAddress(key.PublicKey).Hex()})
	})
	mux.HandleFunc("/v1/sign", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Authorization") != "Bearer "+testAPIKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req signRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.ServiceID != "settlement" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if k.badSig {
			_ = json.NewEncoder(w).Encode(signResponse{Signature: "0x1234"})
			return
		}
		digest, err := hexutil.Decode(req.Digest)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		sig, err := crypto.Sign(digest, key)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		sig[64] += 27
		_ = json.NewEncoder(w).Encode(signResponse{Signature: hexutil.Encode(sig)})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return k, srv
}

func TestRemoteSigner_Sign(t *testing.T) {
	_, srv := newKMS(t)
	s, err := NewRemoteSigner(srv.URL+"/", testAPIKey, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	addr, err := s.Address(ctx, "settlement")
	if err != nil {
		t.Fatalf("Address() error = %v", err)
	}

	digest := crypto.Keccak256([]byte("settle"))
	sig, err := s.Sign(ctx, "settlement", digest)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d", len(sig))
	}

	normalized := append([]byte(nil), sig...)
	normalized[64] -= 27
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		t.Fatal(err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != addr {
		t.Errorf("recovered %s, want %s", got.Hex(), addr.Hex())
	}
}

func TestRemoteSigner_Errors(t *testing.T) {
	k, srv := newKMS(t)
	ctx := context.Background()
	digest := crypto.Keccak256([]byte("x"))

	unauthorized, _ := NewRemoteSigner(srv.URL, "wrong", time.Second)
	if _, err := unauthorized.Sign(ctx, "settlement", digest); !errors.Is(err, ErrSignerRejected) {
		t.Errorf("wrong api key: error = %v, want ErrSignerRejected", err)
	}

	s, _ := NewRemoteSigner(srv.URL, testAPIKey, time.Second)
	if _, err := s.Sign(ctx, "unknown-service", digest); !errors.Is(err, ErrSignerRejected) {
		t.Errorf("unknown service: error = %v", err)
	}
	if _, err := s.Sign(ctx, "settlement", []byte{1, 2, 3}); err == nil {
		t.Error("short digest should be rejected before any request")
	}

	k.badSig = true
	if _, err := s.Sign(ctx, "settlement", digest); err == nil || !strings.Contains(err.Error(), "signature is 2 bytes") {
		t.Errorf("short signature: error = %v", err)
	}
}

func TestRemoteSigner_AddressCached(t *testing.T) {
	k, srv := newKMS(t)
	s, _ := NewRemoteSigner(srv.URL, testAPIKey, time.Second)

	for i := 0; i < 3; i++ {
		if _, err := s.Address(context.Background(), "settlement"); err != nil {
			t.Fatal(err)
		}
	}
	if n := k.keyCalls.Load(); n != 1 {
		t.Errorf("key endpoint called %d times, want 1", n)
	}
}

func TestRemoteSigner_HealthCache(t *testing.T) {
	k, srv := newKMS(t)
	s, _ := NewRemoteSigner(srv.URL, testAPIKey, time.Second, WithHealthTTL(time.Minute))

	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if h := s.CheckHealth(ctx); !h.Available || h.Mode != "remote" {
		t.Fatalf("CheckHealth() = %+v", h)
	}

	k.healthy.Store(false)
	if h := s.CheckHealth(ctx); !h.Available {
		t.Error("result within TTL should be reused")
	}
	if n := k.healthCalls.Load(); n != 1 {
		t.Errorf("health endpoint called %d times, want 1", n)
	}

	now = now.Add(2 * time.Minute)
	h := s.CheckHealth(ctx)
	if h.Available || h.Error == "" {
		t.Errorf("expired TTL should re-probe: %+v", h)
	}
	if n := k.healthCalls.Load(); n != 2 {
		t.Errorf("health endpoint called %d times, want 2", n)
	}
}

func TestRemoteSigner_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s, _ := NewRemoteSigner(url, testAPIKey, 500*time.Millisecond)
	if h := s.CheckHealth(context.Background()); h.Available {
		t.Error("closed server reported available")
	}
	if _, err := s.Sign(context.Background(), "settlement", make([]byte, 32)); err == nil {
		t.Error("expected send error")
	}
}

func TestLocalSigner(t *testing.T) {
	key, _ := crypto.GenerateKey()
	hexKey := hexutil.Encode(crypto.FromECDSA(key))

	s, err := NewLocalSigner(hexKey)
	if err != nil {
		t.Fatalf("NewLocalSigner() error = %v", err)
	}
	addr, _ := s.Address(context.Background(), "ignored")
	if addr != crypto.PubkeyToAddress(key.PublicKey) {
		t.Errorf("Address() = %s", addr.Hex())
	}
	if h := s.CheckHealth(context.Background()); !h.Available || h.Mode != "local" {
		t.Errorf("CheckHealth() = %+v", h)
	}

	digest := crypto.Keccak256([]byte("local"))
	sig, err := s.Sign(context.Background(), "", digest)
	if err != nil {
		t.Fatal(err)
	}
	if sig[64] > 1 {
		t.Errorf("v = %d, want 0 or 1", sig[64])
	}

	if _, err := NewLocalSigner("0xnothex"); err == nil {
		t.Error("expected parse error")
	}
}

func TestNew(t *testing.T) {
	key, _ := crypto.GenerateKey()

	tests := []struct {
		name    string
		cfg     config.SignerConfig
		want    string
		wantErr bool
	}{
		{name: "remote", cfg: config.SignerConfig{Mode: config.SignerModeRemote, URL: "https://kms.internal"}, want: "*signer.RemoteSigner"},
		{name: "default mode is remote", cfg: config.SignerConfig{URL: "https://kms.internal"}, want: "*signer.RemoteSigner"},
		{name: "remote bad url", cfg: config.SignerConfig{Mode: config.SignerModeRemote, URL: "kms"}, wantErr: true},
		{name: "local", cfg: config.SignerConfig{Mode: config.SignerModeLocal, DevPrivateKey: common.Bytes2Hex(crypto.FromECDSA(key))}, want: "*signer.LocalSigner"},
		{name: "local without key", cfg: config.SignerConfig{Mode: config.SignerModeLocal}, wantErr: true},
		{name: "unknown", cfg: config.SignerConfig{Mode: "hsm"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg, nil, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := typeName(s); got != tt.want {
				t.Errorf("New() = %s, want %s", got, tt.want)
			}
		})
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *RemoteSigner:
		return "*signer.RemoteSigner"
	case *LocalSigner:
		return "*signer.LocalSigner"
	}
	return "unknown"
}
