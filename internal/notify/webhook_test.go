// ABOUTME: Tests for webhook delivery: HMAC signing, status capture, header denylist.
package notify_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shakilkhan1801/dispatchq/internal/notify"
	"github.com/shakilkhan1801/dispatchq/internal/queue"
)

func buildTestClient() *http.Client {
	// In tests use a plain http.Client (safeurl blocks private IPs used by httptest).
	return &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestSend_HMACHeadersCorrect(t *testing.T) {
	var gotTS, gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTS = r.Header.Get("X-Dispatchq-Timestamp")
		gotSig = r.Header.Get("X-Dispatchq-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	payload := []byte(`{"event":"airdrop.sent","amount":100}`)
	secret := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" // 64 hex chars = 32 bytes

	status, err := notify.Send(context.Background(), buildTestClient(), notify.WebhookConfig{
		URL:           srv.URL,
		SigningSecret: secret,
	}, payload)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	require.NotEmpty(t, gotTS)
	tsInt, err := strconv.ParseInt(gotTS, 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix(), tsInt, 5)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gotTS + "." + string(gotBody)))
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, expected, gotSig)
}

func TestSend_UnsignedWithoutSecret(t *testing.T) {
	var gotSig, gotTS string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Dispatchq-Signature")
		gotTS = r.Header.Get("X-Dispatchq-Timestamp")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := notify.Send(context.Background(), buildTestClient(), notify.WebhookConfig{
		URL: srv.URL,
	}, []byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, gotSig)
	assert.Empty(t, gotTS)
}

func TestSend_Non2xxReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	status, err := notify.Send(context.Background(), buildTestClient(), notify.WebhookConfig{
		URL: srv.URL, SigningSecret: "x",
	}, []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, err.Error(), "500")
}

func TestSend_DeniedHeaderStripped(t *testing.T) {
	var gotHost, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Header.Get("Host")
		gotCustom = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := notify.Send(context.Background(), buildTestClient(), notify.WebhookConfig{
		URL:           srv.URL,
		SigningSecret: "x",
		CustomHeaders: map[string]string{"Host": "evil.internal", "X-Custom": "ok"},
	}, []byte(`{}`))
	require.NoError(t, err)
	// The Host header must match the server URL, not the injected value.
	assert.NotEqual(t, "evil.internal", gotHost)
	assert.Equal(t, "ok", gotCustom)
}

func TestSend_RedirectRejected(t *testing.T) {
	inner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer inner.Close()

	outer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, inner.URL, http.StatusFound)
	}))
	defer outer.Close()

	status, err := notify.Send(context.Background(), buildTestClient(), notify.WebhookConfig{
		URL: outer.URL, SigningSecret: "x",
	}, []byte(`{}`))
	// Redirect is not followed: the 302 itself is the terminal, non-2xx answer.
	require.Error(t, err)
	assert.Equal(t, http.StatusFound, status)
}

func TestWebhookProcessor_DeliversAndRecordsStatus(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	proc := notify.NewWebhook(buildTestClient()).Processor()
	payload, err := json.Marshal(map[string]any{
		"url":    srv.URL,
		"secret": "s3cret",
		"body":   map[string]any{"user": "u1", "amount": 5},
	})
	require.NoError(t, err)

	result, err := proc(context.Background(), &queue.Job{ID: "j1", Queue: "webhook", Payload: payload})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":202}`, string(result))
	assert.JSONEq(t, `{"user":"u1","amount":5}`, string(gotBody))
}

func TestWebhookProcessor_RejectsBadPayload(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	proc := notify.NewWebhook(buildTestClient()).Processor()

	for name, payload := range map[string]string{
		"not json":    `nope`,
		"missing url": `{"body":{}}`,
		"no body":     `{"url":"` + srv.URL + `"}`,
	} {
		_, err := proc(context.Background(), &queue.Job{ID: "j1", Queue: "webhook", Payload: []byte(payload)})
		assert.Error(t, err, name)
	}
	assert.False(t, called, "invalid payloads must not reach the network")
}
