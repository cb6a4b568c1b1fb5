// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package hook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelscm/keel/pkg/serve/protocol"
)

func webhookRequest(t *testing.T) *Request {
	t.Helper()
	return &Request{
		RID:        42,
		Repository: "keel/keel",
		Commands: []*protocol.Command{
			mustCommand(t, zero, revA, "refs/heads/main"),
			mustCommand(t, revA, revB, "refs/heads/dev"),
		},
		Env:  map[string]string{"KEEL_RID": "42"},
		User: "alice",
	}
}

func registerWebhook(t *testing.T, r *Registry, w *Webhook, timeout time.Duration) {
	t.Helper()
	require.NoError(t, r.Register(Hook{ID: "notify", Point: PreReceive, Timeout: timeout, Webhook: w}))
}

func TestWebhookDelivery(t *testing.T) {
	const secret = "s3cret"
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte("accepted"))
	}))
	defer srv.Close()

	r := NewRegistry()
	registerWebhook(t, r, &Webhook{
		Endpoint: srv.URL,
		Secret:   secret,
		Headers:  map[string]string{"X-Keel-Test": "1"},
	}, 0)

	var results []Result
	e := NewExecutor(r, WithObserver(func(res Result) { results = append(results, res) }))
	require.NoError(t, e.PreReceive(context.Background(), webhookRequest(t)))

	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, string(PreReceive), gotHeader.Get("X-Hook-Point"))
	assert.True(t, strings.HasPrefix(gotHeader.Get("User-Agent"), "keel/"))
	assert.Equal(t, "1", gotHeader.Get("X-Keel-Test"))

	// The signature covers the exact body bytes.
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotHeader.Get("X-Webhook-Signature"))

	var p struct {
		Hook       string `json:"hook"`
		Timestamp  string `json:"timestamp"`
		Repository string `json:"repository"`
		Commands   []struct {
			OldRev  string `json:"old_rev"`
			NewRev  string `json:"new_rev"`
			RefName string `json:"ref_name"`
			Action  string `json:"action"`
		} `json:"commands"`
		Env map[string]string `json:"env"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &p))
	assert.Equal(t, "notify", p.Hook)
	assert.Equal(t, "keel/keel", p.Repository)
	_, err := time.Parse(time.RFC3339, p.Timestamp)
	assert.NoError(t, err)
	require.Len(t, p.Commands, 2)
	assert.Equal(t, "create", p.Commands[0].Action)
	assert.Equal(t, "refs/heads/main", p.Commands[0].RefName)
	assert.Equal(t, zero, p.Commands[0].OldRev)
	assert.Equal(t, "update", p.Commands[1].Action)
	assert.Equal(t, map[string]string{"KEEL_RID": "42"}, p.Env)

	// The response body is surfaced through the observer.
	require.Len(t, results, 1)
	assert.Equal(t, "accepted", results[0].Output)
	assert.NoError(t, results[0].Err)
}

func TestWebhookNoSecretNoSignature(t *testing.T) {
	var signature atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature.Store(r.Header.Get("X-Webhook-Signature"))
	}))
	defer srv.Close()

	r := NewRegistry()
	registerWebhook(t, r, &Webhook{Endpoint: srv.URL}, 0)
	require.NoError(t, NewExecutor(r).PreReceive(context.Background(), webhookRequest(t)))
	assert.Equal(t, "", signature.Load().(string))
}

func TestWebhookClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad payload", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	r := NewRegistry()
	registerWebhook(t, r, &Webhook{Endpoint: srv.URL, Attempts: 5, Delay: time.Millisecond}, 0)
	err := NewExecutor(r).PreReceive(context.Background(), webhookRequest(t))
	require.Error(t, err)
	var ce *WebhookClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http.StatusUnprocessableEntity, ce.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestWebhookServerErrorRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := NewRegistry()
	registerWebhook(t, r, &Webhook{Endpoint: srv.URL, Attempts: 3, Delay: time.Millisecond, Backoff: 1}, 0)
	require.NoError(t, NewExecutor(r).PreReceive(context.Background(), webhookRequest(t)))
	assert.Equal(t, int32(3), hits.Load())
}

func TestWebhookServerErrorExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewRegistry()
	registerWebhook(t, r, &Webhook{Endpoint: srv.URL, Attempts: 2, Delay: time.Millisecond, Backoff: 1}, 0)
	err := NewExecutor(r).PreReceive(context.Background(), webhookRequest(t))
	require.Error(t, err)
	var se *WebhookServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, 2, se.Attempts)
	assert.Equal(t, int32(2), hits.Load())
}

func TestWebhookPerAttemptTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Stall until the client gives up.
		<-r.Context().Done()
	}))
	defer srv.Close()

	r := NewRegistry()
	registerWebhook(t, r, &Webhook{Endpoint: srv.URL, Attempts: 1}, 30*time.Millisecond)
	err := NewExecutor(r).PreReceive(context.Background(), webhookRequest(t))
	require.Error(t, err)
	assert.True(t, IsHookTimeout(err))
}

func TestWebhookUpdatePayloadCarriesRef(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		assert.Equal(t, string(Update), r.Header.Get("X-Hook-Point"))
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(Hook{ID: "per-ref", Point: Update, Webhook: &Webhook{Endpoint: srv.URL}}))

	req := webhookRequest(t)
	req.Ref = req.Commands[1]
	require.NoError(t, NewExecutor(r).Update(context.Background(), req))

	var p struct {
		Ref string `json:"ref"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &p))
	assert.Equal(t, "refs/heads/dev", p.Ref)
}
