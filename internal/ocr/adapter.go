// Package ocr adapts an external OCR engine behind an opaque
// ExtractText(pixels-or-frame-ref) -> ExtractedText boundary. The engine
// runs out of process; this package only normalizes its request/response
// shape and retries transient failures.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/haseab/retrace-sub005/internal/apperr"
)

// Region is one detected text region, normalized to the adapter's own
// coordinate space; consumers rescale using the frame's pixel dimensions.
type Region struct {
	Text       string
	Bounds     NormalizedRect
	Confidence float64
}

// NormalizedRect is a bounding box in [0,1]^4.
type NormalizedRect struct {
	X, Y, W, H float64
}

// ExtractedText is the adapter's normalized output.
type ExtractedText struct {
	FullText   string
	ChromeText string
	Regions    []Region
}

// Input is the subset of CapturedFrame the adapter needs to run
// OCR: either raw pixels or an opaque reference the external engine can
// resolve itself (e.g. a path into an already-finalized video segment).
type Input struct {
	ImageData     []byte // raw BGRA, may be empty if FrameRef is set
	FrameRef      string // e.g. "<segment relpath>#<videoFrameIndex>"
	Width         int
	Height        int
	Languages     []string
	MinConfidence float64
}

// Adapter calls an external OCR engine over HTTP. The engine itself is out
// of scope; this package only normalizes its request/response
// shape and retries transient failures.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Config configures retry/backoff behavior: exponential backoff with full
// jitter, capped, bounded by MaxRetryAttempts.
type Config struct {
	BaseURL          string
	Timeout          time.Duration
	MaxRetryAttempts int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
}

// DefaultConfig returns the default retry schedule: 3 attempts, 500ms
// base, factor 2, capped at 30s.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:          baseURL,
		Timeout:          30 * time.Second,
		MaxRetryAttempts: 3,
		BaseBackoff:      500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
	}
}

// New constructs an Adapter. Idempotent and free of hidden state between
// calls.
func New(cfg Config) *Adapter {
	return &Adapter{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		// Throttles outgoing calls to the external OCR engine so a burst of
		// queue workers can't overrun it; one call per worker's processing
		// cadence, with headroom to absorb retries.
		limiter: rate.NewLimiter(rate.Limit(8), 4),
	}
}

type extractRequest struct {
	Image         string   `json:"image,omitempty"`
	FrameRef      string   `json:"frameRef,omitempty"`
	Languages     []string `json:"languages,omitempty"`
	MinConfidence float64  `json:"minConfidence,omitempty"`
}

type extractResponse struct {
	FullText   string `json:"fullText"`
	ChromeText string `json:"chromeText"`
	Regions    []struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
		Bounds     struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
			W float64 `json:"w"`
			H float64 `json:"h"`
		} `json:"bounds"`
	} `json:"regions"`
}

// ExtractText runs OCR against in and returns the normalized result,
// retrying transient failures per cfg's backoff schedule.
func (a *Adapter) ExtractText(ctx context.Context, in Input, cfg Config) (ExtractedText, error) {
	req := extractRequest{
		FrameRef:      in.FrameRef,
		Languages:     in.Languages,
		MinConfidence: in.MinConfidence,
	}
	if len(in.ImageData) > 0 {
		req.Image = base64.StdEncoding.EncodeToString(in.ImageData)
	}

	maxAttempts := cfg.MaxRetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoffWithJitter(attempt, cfg.BaseBackoff, cfg.MaxBackoff)
			select {
			case <-ctx.Done():
				return ExtractedText{}, apperr.Wrap(apperr.RetryableProcessingError, "ocr", "ExtractText", ctx.Err())
			case <-time.After(wait):
			}
		}

		result, err := a.doExtract(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return ExtractedText{}, apperr.Wrap(apperr.RetryableProcessingError, "ocr", "ExtractText", err)
		}
	}
	return ExtractedText{}, apperr.Wrap(apperr.RetryableProcessingError, "ocr", "ExtractText",
		fmt.Errorf("exhausted %d attempts: %w", maxAttempts, lastErr))
}

func (a *Adapter) doExtract(ctx context.Context, req extractRequest) (ExtractedText, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return ExtractedText{}, fmt.Errorf("ocr: rate limit wait: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return ExtractedText{}, fmt.Errorf("ocr: marshal request: %w", err)
	}

	endpoint := a.baseURL + "/ocr/extract"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ExtractedText{}, fmt.Errorf("ocr: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// Each attempt gets its own correlation ID so the external engine's logs
	// can be joined back to a specific retry, not just the overall request.
	httpReq.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return ExtractedText{}, fmt.Errorf("ocr: request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return ExtractedText{}, fmt.Errorf("ocr: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ExtractedText{}, fmt.Errorf("ocr: status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed extractResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return ExtractedText{}, fmt.Errorf("ocr: parse response: %w", err)
	}

	out := ExtractedText{FullText: parsed.FullText, ChromeText: parsed.ChromeText}
	for _, r := range parsed.Regions {
		out.Regions = append(out.Regions, Region{
			Text:       r.Text,
			Confidence: r.Confidence,
			Bounds:     NormalizedRect{X: r.Bounds.X, Y: r.Bounds.Y, W: r.Bounds.W, H: r.Bounds.H},
		})
	}
	return out, nil
}

// isRetryable classifies by message content, kept deliberately simple: the
// adapter has no structured error taxonomy from the external engine to
// branch on.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, marker := range []string{"timeout", "temporary", "connection refused", "status 429", "status 503", "EOF"} {
		if contains(s, marker) {
			return true
		}
	}
	return false
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}

// backoffWithJitter implements the open-question decision: exponential
// backoff (base * 2^attempt) capped at maxBackoff, with full jitter.
func backoffWithJitter(attempt int, base, max time.Duration) time.Duration {
	upper := base * time.Duration(1<<uint(attempt))
	if upper > max || upper <= 0 {
		upper = max
	}
	return time.Duration(rand.Int63n(int64(upper) + 1))
}
