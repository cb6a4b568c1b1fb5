// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package hook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

const (
	DefaultAttempts = 3
	DefaultDelay    = time.Second
	DefaultBackoff  = 2.0

	// Hook output forwarded to clients is capped; webhooks are not a
	// file transfer channel.
	maxResponseBody = 8 << 10
)

// Webhook describes an HTTP delivery target. The payload is JSON and
// carries an HMAC-SHA256 signature over the exact body bytes when a
// secret is configured, so receivers can authenticate the origin.
type Webhook struct {
	Endpoint string
	Secret   string
	Headers  map[string]string
	// Attempts is the total number of tries, Delay the wait before the
	// first retry, Backoff the multiplier applied to each further wait.
	// Zero values mean the package defaults.
	Attempts int
	Delay    time.Duration
	Backoff  float64
}

// WebhookClientError is a definitive 4xx rejection. Retrying cannot
// change the answer, so the executor does not.
type WebhookClientError struct {
	Endpoint   string
	StatusCode int
}

func (e *WebhookClientError) Error() string {
	return fmt.Sprintf("webhook %s: rejected with status %d", e.Endpoint, e.StatusCode)
}

// WebhookServerError is a 5xx failure that survived every attempt.
type WebhookServerError struct {
	Endpoint   string
	StatusCode int
	Attempts   int
}

func (e *WebhookServerError) Error() string {
	return fmt.Sprintf("webhook %s: status %d after %d attempts", e.Endpoint, e.StatusCode, e.Attempts)
}

type wireCommand struct {
	OldRev  string `json:"old_rev"`
	NewRev  string `json:"new_rev"`
	RefName string `json:"ref_name"`
	Action  string `json:"action"`
}

type wireResult struct {
	RefName string `json:"ref_name"`
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
}

type payload struct {
	Hook       string            `json:"hook"`
	Timestamp  string            `json:"timestamp"`
	Repository string            `json:"repository"`
	Commands   []wireCommand     `json:"commands"`
	Results    []wireResult      `json:"results,omitempty"`
	Env        map[string]string `json:"env"`
	Ref        string            `json:"ref,omitempty"`
}

func newPayload(h Hook, req *Request) *payload {
	p := &payload{
		Hook:       h.ID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Repository: req.Repository,
		Commands:   make([]wireCommand, 0, len(req.Commands)),
		Env:        req.Env,
	}
	if p.Env == nil {
		p.Env = make(map[string]string)
	}
	for _, cmd := range req.Commands {
		p.Commands = append(p.Commands, wireCommand{
			OldRev:  cmd.OldRev.String(),
			NewRev:  cmd.NewRev.String(),
			RefName: string(cmd.RefName),
			Action:  string(cmd.Action()),
		})
	}
	for _, res := range req.Results {
		p.Results = append(p.Results, wireResult{
			RefName: string(res.Command.RefName),
			OK:      res.OK,
			Reason:  res.Reason,
		})
	}
	if req.Ref != nil {
		p.Ref = string(req.Ref.RefName)
	}
	return p
}

// deliver posts the payload, retrying transient failures with
// exponential backoff: the k-th retry waits delay·backoff^(k-1). 4xx
// responses and context cancellation stop the loop immediately.
func (e *Executor) deliver(ctx context.Context, h Hook, req *Request) (string, error) {
	w := h.Webhook
	body, err := json.Marshal(newPayload(h, req))
	if err != nil {
		return "", err
	}
	attempts := w.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	delay := w.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	backoff := w.Backoff
	if backoff < 1 {
		backoff = DefaultBackoff
	}
	var lastErr error
	for k := 0; k < attempts; k++ {
		if k > 0 {
			timer := time.NewTimer(time.Duration(float64(delay) * math.Pow(backoff, float64(k-1))))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			}
		}
		output, err := e.post(ctx, h, body)
		if err == nil {
			return output, nil
		}
		lastErr = err
		var definitive *WebhookClientError
		if errors.As(err, &definitive) {
			break
		}
	}
	var exhausted *WebhookServerError
	if errors.As(lastErr, &exhausted) {
		exhausted.Attempts = attempts
	}
	return "", lastErr
}

// post performs one delivery attempt under the per-attempt deadline.
func (e *Executor) post(ctx context.Context, h Hook, body []byte) (string, error) {
	w := h.Webhook
	hctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()
	hr, err := http.NewRequestWithContext(hctx, http.MethodPost, w.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("User-Agent", e.agent)
	hr.Header.Set("X-Hook-Point", string(h.Point))
	for k, v := range w.Headers {
		hr.Header.Set(k, v)
	}
	if w.Secret != "" {
		mac := hmac.New(sha256.New, []byte(w.Secret))
		_, _ = mac.Write(body)
		hr.Header.Set("X-Webhook-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := e.client.Do(hr)
	if err != nil {
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return "", &HookTimeout{ID: h.ID, After: h.Timeout}
		}
		return "", err
	}
	defer resp.Body.Close() // nolint
	out, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return string(out), nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", &WebhookClientError{Endpoint: w.Endpoint, StatusCode: resp.StatusCode}
	default:
		return "", &WebhookServerError{Endpoint: w.Endpoint, StatusCode: resp.StatusCode, Attempts: 1}
	}
}
