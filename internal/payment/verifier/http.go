package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/smallbiznis/verdant/internal/payment/domain"
)

const verifyPath = "/v1/verify"

// HTTPVerifier calls the chain verification gateway.
type HTTPVerifier struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type verifyResponse struct {
	Verdict domain.Verdict `json:"verdict"`
	Reason  string         `json:"reason,omitempty"`
}

func NewHTTPVerifier(endpoint, apiKey string, client *http.Client) *HTTPVerifier {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPVerifier{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		apiKey:   strings.TrimSpace(apiKey),
		client:   client,
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, req domain.VerifyRequest) (domain.Verdict, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint+verifyPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if v.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+v.apiKey)
	}

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrVerifierUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", domain.ErrVerifierUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return "", fmt.Errorf("%w: status %d", domain.ErrVerifierUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return "", fmt.Errorf("%w: %s", domain.ErrUnsupportedChain, req.Chain)
	case resp.StatusCode >= http.StatusBadRequest:
		return "", fmt.Errorf("%w: gateway rejected request with status %d", domain.ErrVerificationFailed, resp.StatusCode)
	}

	var out verifyResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", domain.ErrVerifierUnavailable, err)
	}
	verdict := domain.Verdict(strings.ToUpper(strings.TrimSpace(string(out.Verdict))))
	if !verdict.Valid() {
		return "", fmt.Errorf("%w: unknown verdict %q", domain.ErrVerifierUnavailable, out.Verdict)
	}
	return verdict, nil
}
