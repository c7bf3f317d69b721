package facilitator

import (
	"strings"
	"testing"

	"github.com/CedrosPay/facilitator/internal/config"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{name: "valid", mutate: func(*config.Config) {}},
		{name: "fee bps at cap", mutate: func(c *config.Config) { c.Facilitator.FeeBps = 1000 }},
		{name: "fee bps zero", mutate: func(c *config.Config) { c.Facilitator.FeeBps = 0 }},
		{name: "fee bps over cap", mutate: func(c *config.Config) { c.Facilitator.FeeBps = 1001 }, want: "fee_bps"},
		{name: "bad fee recipient", mutate: func(c *config.Config) { c.Facilitator.FeeRecipient = "0xnope" }, want: "fee_recipient"},
		{name: "development without fee recipient", mutate: func(c *config.Config) { c.Facilitator.FeeRecipient = "" }},
		{
			name: "production without fee recipient",
			mutate: func(c *config.Config) {
				c.Facilitator.Environment = config.EnvProduction
				c.Facilitator.FeeRecipient = ""
			},
			want: "non-zero address in production",
		},
		{
			name: "production zero fee recipient",
			mutate: func(c *config.Config) {
				c.Facilitator.Environment = config.EnvProduction
				c.Facilitator.FeeRecipient = "0x0000000000000000000000000000000000000000"
			},
			want: "non-zero address in production",
		},
		{
			name: "production local signer",
			mutate: func(c *config.Config) {
				c.Facilitator.Environment = config.EnvProduction
				c.Signer.Mode = config.SignerModeLocal
			},
			want: "not allowed in production",
		},
		{name: "staging local signer", mutate: func(c *config.Config) {
			c.Facilitator.Environment = config.EnvStaging
			c.Signer.Mode = config.SignerModeLocal
		}},
		{name: "min above max", mutate: func(c *config.Config) {
			c.Facilitator.MinAmount = "500"
			c.Facilitator.MaxAmount = "100"
		}, want: "exceeds max_amount"},
		{name: "min equals max", mutate: func(c *config.Config) {
			c.Facilitator.MinAmount = "100"
			c.Facilitator.MaxAmount = "100"
		}},
		{name: "missing service id", mutate: func(c *config.Config) { c.Signer.ServiceID = "" }, want: "service_id"},
		{name: "no chains", mutate: func(c *config.Config) { c.Chains = nil }, want: "chain"},
		{name: "bad chain contract", mutate: func(c *config.Config) { c.Chains[0].FacilitatorContract = "0x12" }, want: "facilitator_contract"},
		{name: "chain without tokens", mutate: func(c *config.Config) { c.Chains[0].Tokens = nil }, want: "tokens"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			got := ValidateConfig(cfg)

			if tt.want == "" {
				if !got.Valid || len(got.Errors) != 0 {
					t.Errorf("ValidateConfig() = %+v, want valid", got)
				}
				return
			}
			if got.Valid {
				t.Fatalf("ValidateConfig() valid, want error mentioning %q", tt.want)
			}
			if !strings.Contains(strings.Join(got.Errors, "; "), tt.want) {
				t.Errorf("errors = %v, want mention of %q", got.Errors, tt.want)
			}
		})
	}
}

func TestValidateConfig_CollectsEveryError(t *testing.T) {
	cfg := testConfig()
	cfg.Facilitator.FeeBps = 5000
	cfg.Signer.ServiceID = ""

	got := ValidateConfig(cfg)
	if len(got.Errors) != 2 {
		t.Errorf("errors = %v, want 2", got.Errors)
	}
	if res := ValidateConfig(nil); res.Valid {
		t.Error("nil config validated")
	}
}
