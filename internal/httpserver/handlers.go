package httpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	apierrors "github.com/CedrosPay/facilitator/internal/errors"
	"github.com/CedrosPay/facilitator/internal/facilitator"
	"github.com/CedrosPay/facilitator/internal/logger"
	"github.com/CedrosPay/facilitator/internal/storage"
	"github.com/CedrosPay/facilitator/pkg/responders"
	"github.com/CedrosPay/facilitator/pkg/x402"
)

// PaymentResponseHeader carries the base64 settlement result on successful settles.
const PaymentResponseHeader = "X-PAYMENT-RESPONSE"

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	health := h.facilitator.Health(r.Context())
	status := http.StatusOK
	if !health.SignerAvailable {
		status = http.StatusServiceUnavailable
	}
	responders.JSON(w, status, health)
}

func (h *handlers) supported(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"x402Version": x402.Version,
		"kinds":       h.facilitator.Supported(),
	})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, h.facilitator.Stats())
}

func (h *handlers) configStatus(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, h.facilitator.ConfigStatus(r.Context()))
}

func (h *handlers) verify(w http.ResponseWriter, r *http.Request) {
	raw, req, err := parsePaymentRequest(r)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, h.facilitator.VerifyEncoded(r.Context(), raw, req))
}

func (h *handlers) settle(w http.ResponseWriter, r *http.Request) {
	raw, req, err := parsePaymentRequest(r)
	if err != nil {
		writeRequestError(w, err)
		return
	}

	res := h.facilitator.SettleEncoded(r.Context(), raw, req)
	if res.Success() {
		if encoded, err := json.Marshal(res); err == nil {
			w.Header().Set(PaymentResponseHeader, base64.StdEncoding.EncodeToString(encoded))
		}
	}
	responders.JSON(w, http.StatusOK, res)
}

// settleCacheable keeps retryable failures out of the idempotency cache so a
// client retrying with the same key gets a fresh attempt.
func settleCacheable(status int, body []byte) bool {
	if status < 200 || status >= 300 {
		return false
	}
	var res struct {
		ErrorReason x402.Reason `json:"errorReason"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return false
	}
	return !res.ErrorReason.Retryable()
}

type settlementStatusResponse struct {
	Settled bool                      `json:"settled"`
	OnChain bool                      `json:"onChain"`
	Record  *storage.SettlementRecord `json:"record,omitempty"`
}

func (h *handlers) settlementStatus(w http.ResponseWriter, r *http.Request) {
	chainID, err := strconv.ParseUint(chi.URLParam(r, "chainId"), 10, 64)
	if err != nil || chainID == 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidChainID, "chainId must be a positive integer")
		return
	}
	token, payer := chi.URLParam(r, "token"), chi.URLParam(r, "payer")
	if !common.IsHexAddress(token) || !common.IsHexAddress(payer) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAddress, "token and payer must be hex addresses")
		return
	}
	nonce, err := x402.ParseNonce(chi.URLParam(r, "nonce"))
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidNonce, "nonce must be at most 32 bytes of 0x-prefixed hex")
		return
	}

	key := storage.SettlementKey{
		ChainID: chainID,
		Token:   common.HexToAddress(token),
		Payer:   common.HexToAddress(payer),
		Nonce:   nonce,
	}
	report, err := h.facilitator.SettlementStatus(r.Context(), key)
	if err != nil {
		writeReasonError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, settlementStatusResponse{
		Settled: report.Settled,
		OnChain: report.OnChain,
		Record:  report.Record,
	})
}

func (h *handlers) encodeRequirements(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requirements json.RawMessage `json:"requirements"`
	}
	if err := decodeJSON(r.Body, &body); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidJSON, "invalid request body")
		return
	}
	if firstPresent(body.Requirements) == nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "requirements are required")
		return
	}
	req, err := x402.DecodeRequirements(body.Requirements)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}

	encoded, err := h.facilitator.EncodeRequirements(req)
	if err != nil {
		writeReasonError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]string{"paymentRequired": encoded})
}

func (h *handlers) adminReload(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	cfg, err := h.reload(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("admin.reload_load_failed")
		h.metrics.ObserveConfigReload(err)
		apierrors.WriteSimpleError(w, apierrors.ErrCodeConfigError, err.Error())
		return
	}

	// The old runtime keeps serving in-flight settles; do not hold the admin
	// request open for their full confirmation window.
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.facilitator.Rebuild(ctx, cfg); err != nil {
		details := map[string]any{}
		if facilitator.IsConfigInvalid(err) {
			details["errors"] = strings.Split(strings.TrimPrefix(err.Error(), string(x402.ReasonConfigInvalid)+": "), "; ")
		}
		apierrors.WriteError(w, apierrors.ErrCodeConfigError, "reload rejected", details)
		return
	}

	log.Info().Msg("admin.reloaded")
	responders.JSON(w, http.StatusOK, map[string]any{
		"reloaded": true,
		"config":   h.facilitator.ConfigStatus(r.Context()),
	})
}

func writeRequestError(w http.ResponseWriter, err error) {
	var re *requestError
	if errors.As(err, &re) {
		re.write(w)
		return
	}
	apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "internal error")
}

// writeReasonError maps a reason-carrying error to a request-level response.
func writeReasonError(w http.ResponseWriter, err error) {
	switch x402.ReasonOf(err) {
	case x402.ReasonUnsupportedChain:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnsupportedChain, err.Error())
	case x402.ReasonUnsupportedToken:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnsupportedToken, err.Error())
	case x402.ReasonRPCUnavailable:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeRPCError, err.Error())
	default:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, err.Error())
	}
}
