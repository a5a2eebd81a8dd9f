package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTextSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req extractRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "seg.mp4#4", req.FrameRef)

		resp := extractResponse{FullText: "hello world", ChromeText: "hello"}
		resp.Regions = append(resp.Regions, struct {
			Text       string  `json:"text"`
			Confidence float64 `json:"confidence"`
			Bounds     struct {
				X float64 `json:"x"`
				Y float64 `json:"y"`
				W float64 `json:"w"`
				H float64 `json:"h"`
			} `json:"bounds"`
		}{Text: "hello world", Confidence: 0.95})
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	cfg := DefaultConfig(server.URL)
	a := New(cfg)

	out, err := a.ExtractText(context.Background(), Input{FrameRef: "seg.mp4#4"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out.FullText)
	require.Len(t, out.Regions, 1)
	assert.Equal(t, 0.95, out.Regions[0].Confidence)
}

func TestExtractTextRetriesOnTransientFailure(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("status 503"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(extractResponse{FullText: "ok"})
	}))
	defer server.Close()

	cfg := DefaultConfig(server.URL)
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	a := New(cfg)

	out, err := a.ExtractText(context.Background(), Input{FrameRef: "x"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.FullText)
	assert.Equal(t, 2, attempts)
}

func TestExtractTextFailsAfterExhaustingRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("status 503"))
	}))
	defer server.Close()

	cfg := DefaultConfig(server.URL)
	cfg.MaxRetryAttempts = 2
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	a := New(cfg)

	_, err := a.ExtractText(context.Background(), Input{FrameRef: "x"}, cfg)
	require.Error(t, err)
}

func TestIsRetryableClassification(t *testing.T) {
	assert.True(t, isRetryable(errString("ocr: status 503: overloaded")))
	assert.True(t, isRetryable(errString("dial: connection refused")))
	assert.False(t, isRetryable(errString("ocr: status 400: bad request")))
	assert.False(t, isRetryable(nil))
}

type errString string

func (e errString) Error() string { return string(e) }
