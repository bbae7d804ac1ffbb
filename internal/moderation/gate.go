// Package moderation gates the send path behind an external text-safety
// classifier. The gate is synchronous: no message is appended before a
// verdict exists. On any classifier failure it fails open — availability
// over strictness is the product decision here, not an accident; do not
// change this to fail closed.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/campuslink/chat-core/internal/metrics"
)

// ReasonUnavailable is the verdict reason used when the classifier could not
// be consulted and the gate fell open.
const ReasonUnavailable = "classifier unavailable"

// maxResponseBytes caps how much of the classifier response we will read.
const maxResponseBytes = 64 << 10

// Verdict is the per-attempt moderation outcome. It is never stored; only
// its side effects (allow/deny, ledger delta) persist.
type Verdict struct {
	Safe   bool   `json:"safe"`
	Reason string `json:"reason"`
}

// classifyRequest is the wire request to the text-safety service.
type classifyRequest struct {
	Text string `json:"text"`
}

// classifyResponse is the wire response from the text-safety service.
type classifyResponse struct {
	Verdict string `json:"verdict"` // "safe" | "unsafe"
	Reason  string `json:"reason,omitempty"`
}

// Gate calls the external text-safety classifier with a bounded timeout.
type Gate struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewGate creates a gate against the classifier at url. Each check is bounded
// by timeout, after which the gate treats the call as a classifier failure.
func NewGate(url string, timeout time.Duration) *Gate {
	return &Gate{
		url:     url,
		timeout: timeout,
		client:  &http.Client{},
	}
}

// CheckSafety produces a verdict for text. It never returns an error: a
// classifier timeout, transport failure, non-200 status, or malformed
// response all degrade to {safe: true} with a degraded-mode log entry.
// Cancelling ctx aborts the in-flight call (the caller navigated away).
func (g *Gate) CheckSafety(ctx context.Context, text string) Verdict {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	verdict, err := g.classify(ctx, text)
	metrics.ClassifierLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ClassifierDegraded.Inc()
		log.Printf("[moderation] classifier degraded, failing open: %v", err)
		return Verdict{Safe: true, Reason: ReasonUnavailable}
	}
	return verdict
}

func (g *Gate) classify(ctx context.Context, text string) (Verdict, error) {
	payload, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation: classifier call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("moderation: classifier returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation: read response: %w", err)
	}

	var cr classifyResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return Verdict{}, fmt.Errorf("moderation: malformed response: %w", err)
	}

	switch cr.Verdict {
	case "safe":
		return Verdict{Safe: true}, nil
	case "unsafe":
		reason := cr.Reason
		if reason == "" {
			reason = "content flagged"
		}
		return Verdict{Safe: false, Reason: reason}, nil
	default:
		return Verdict{}, fmt.Errorf("moderation: unknown verdict %q", cr.Verdict)
	}
}
