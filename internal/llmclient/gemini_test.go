// internal/llmclient/gemini_test.go
package llmclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/marionette-cli/internal/config"
)

func testVisionConfig(endpoint string) config.VisionConfig {
	return config.VisionConfig{
		Enabled:    true,
		Provider:   config.ProviderGemini,
		APIKey:     "test-key",
		Endpoint:   endpoint,
		Model:      "gemini-2.0-flash",
		APITimeout: 5 * time.Second,
	}
}

func geminiTextResponse(text string) string {
	payload := map[string]any{
		"candidates": []map[string]any{
			{
				"content": map[string]any{
					"parts": []map[string]any{{"text": text}},
					"role":  "model",
				},
				"finishReason": "STOP",
			},
		},
	}
	out, _ := json.Marshal(payload)
	return string(out)
}

func fastBackoff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), 3)
}

func TestDescribeImageSuccess(t *testing.T) {
	image := []byte{0x89, 0x50, 0x4e, 0x47}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload geminiRequestPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Len(t, payload.Contents, 1)
		parts := payload.Contents[0].Parts
		require.Len(t, parts, 2)
		assert.Equal(t, "is this page logged in?", parts[0].Text)
		require.NotNil(t, parts[1].InlineData)
		assert.Equal(t, "image/png", parts[1].InlineData.MimeType)
		assert.Equal(t, base64.StdEncoding.EncodeToString(image), parts[1].InlineData.Data)
		assert.Equal(t, "application/json", payload.GenerationConfig.ResponseMimeType)

		fmt.Fprint(w, geminiTextResponse(`{"logged_in": true}`))
	}))
	defer server.Close()

	client, err := NewGeminiClient(testVisionConfig(server.URL), zaptest.NewLogger(t))
	require.NoError(t, err)

	text, err := client.DescribeImage(context.Background(), image, "is this page logged in?")
	require.NoError(t, err)
	assert.Equal(t, `{"logged_in": true}`, text)
}

func TestDescribeImageRetriesTransientErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, geminiTextResponse(`{"logged_in": false}`))
	}))
	defer server.Close()

	client, err := NewGeminiClient(testVisionConfig(server.URL), zaptest.NewLogger(t))
	require.NoError(t, err)
	client.backoffFactory = fastBackoff

	text, err := client.DescribeImage(context.Background(), []byte{1}, "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"logged_in": false}`, text)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestDescribeImageNoRetryOnPermanentErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "invalid argument"}`)
	}))
	defer server.Close()

	client, err := NewGeminiClient(testVisionConfig(server.URL), zaptest.NewLogger(t))
	require.NoError(t, err)
	client.backoffFactory = fastBackoff

	_, err = client.DescribeImage(context.Background(), []byte{1}, "prompt")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "4xx responses must not be retried")
}

func TestDescribeImageNoCandidatesIsPermanent(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		fmt.Fprint(w, `{"candidates": []}`)
	}))
	defer server.Close()

	client, err := NewGeminiClient(testVisionConfig(server.URL), zaptest.NewLogger(t))
	require.NoError(t, err)
	client.backoffFactory = fastBackoff

	_, err = client.DescribeImage(context.Background(), []byte{1}, "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no candidates")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestDescribeImageSafetyBlockIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates": [{"content": {"parts": []}, "finishReason": "SAFETY"}]}`)
	}))
	defer server.Close()

	client, err := NewGeminiClient(testVisionConfig(server.URL), zaptest.NewLogger(t))
	require.NoError(t, err)
	client.backoffFactory = fastBackoff

	_, err = client.DescribeImage(context.Background(), []byte{1}, "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

func TestNewGeminiClient(t *testing.T) {
	t.Run("requires an API key", func(t *testing.T) {
		cfg := testVisionConfig("")
		cfg.APIKey = ""
		_, err := NewGeminiClient(cfg, zaptest.NewLogger(t))
		require.Error(t, err)
	})

	t.Run("derives the default endpoint from the model", func(t *testing.T) {
		cfg := testVisionConfig("")
		client, err := NewGeminiClient(cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		expected := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
		assert.Equal(t, expected, client.endpoint)
		assert.NotNil(t, client.backoffFactory)
	})
}

func TestNewClientFactory(t *testing.T) {
	t.Run("gemini", func(t *testing.T) {
		client, err := NewClient(testVisionConfig(""), zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.IsType(t, &GeminiClient{}, client)
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := testVisionConfig("")
		cfg.Provider = "acme"
		_, err := NewClient(cfg, zaptest.NewLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "acme")
	})
}
