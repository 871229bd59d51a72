package verifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/verdant/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPVerifierParsesVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/verify", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req domain.VerifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		verdict := "CONFIRMED"
		if req.MinAmount > 100 {
			verdict = "amount_mismatch"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"verdict": verdict})
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL+"/", "secret", srv.Client())

	got, err := v.Verify(context.Background(), domain.VerifyRequest{Chain: "ethereum", TxHash: "0x1", MinAmount: 10})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictConfirmed, got)

	got, err = v.Verify(context.Background(), domain.VerifyRequest{Chain: "ethereum", TxHash: "0x1", MinAmount: 500})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictAmountMismatch, got)
}

func TestHTTPVerifierForwardsConfirmationDepth(t *testing.T) {
	var depth atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if v, ok := body["min_confirmations"].(float64); ok {
			depth.Store(int32(v))
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"verdict": "CONFIRMED"})
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL, "", srv.Client())
	_, err := v.Verify(context.Background(), domain.VerifyRequest{Chain: "polygon", TxHash: "0x1", MinConfirmations: 64})
	require.NoError(t, err)
	assert.EqualValues(t, 64, depth.Load())
}

func TestHTTPVerifierClassifiesStatus(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL, "", srv.Client())

	_, err := v.Verify(context.Background(), domain.VerifyRequest{Chain: "ethereum"})
	assert.ErrorIs(t, err, domain.ErrVerifierUnavailable)

	status.Store(http.StatusUnprocessableEntity)
	_, err = v.Verify(context.Background(), domain.VerifyRequest{Chain: "dogecoin"})
	assert.ErrorIs(t, err, domain.ErrUnsupportedChain)

	status.Store(http.StatusBadRequest)
	_, err = v.Verify(context.Background(), domain.VerifyRequest{Chain: "ethereum"})
	assert.ErrorIs(t, err, domain.ErrVerificationFailed)
}

func TestRetryingRetriesTransportErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"verdict": "PENDING"})
	}))
	defer srv.Close()

	r := NewRetrying(NewHTTPVerifier(srv.URL, "", srv.Client()), time.Second, 5, zap.NewNop())
	r.initial = time.Millisecond

	got, err := r.Verify(context.Background(), domain.VerifyRequest{Chain: "ethereum", TxHash: "0x1"})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPending, got)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRetryingGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRetrying(NewHTTPVerifier(srv.URL, "", srv.Client()), time.Second, 3, zap.NewNop())
	r.initial = time.Millisecond

	_, err := r.Verify(context.Background(), domain.VerifyRequest{Chain: "ethereum"})
	assert.ErrorIs(t, err, domain.ErrVerifierUnavailable)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRetryingBoundsEachAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	r := NewRetrying(NewHTTPVerifier(srv.URL, "", srv.Client()), 20*time.Millisecond, 2, zap.NewNop())
	r.initial = time.Millisecond

	start := time.Now()
	_, err := r.Verify(context.Background(), domain.VerifyRequest{Chain: "ethereum"})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStaticVerifier(t *testing.T) {
	hash := "0x" + "ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34"
	got, err := Static{}.Verify(context.Background(), domain.VerifyRequest{TxHash: hash, Recipient: "0xrecv"})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictConfirmed, got)

	got, err = Static{}.Verify(context.Background(), domain.VerifyRequest{TxHash: "nope", Recipient: "0xrecv"})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictFailed, got)
}
