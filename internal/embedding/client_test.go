package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipenrich/internal/config"
	"clipenrich/internal/enricherr"
)

func embedSettings() config.EmbeddingSettings {
	return config.EmbeddingSettings{
		BaseURL:    "http://embed.test",
		APIKey:     "test-key",
		Model:      "embed-test",
		Dimension:  4,
		Timeout:    100 * time.Millisecond,
		MaxRetries: 2,
		Backoff:    time.Millisecond,
	}
}

func newMockedClient(t *testing.T) *HTTPClient {
	t.Helper()
	c := NewHTTPClient(embedSettings())
	httpmock.ActivateNonDefault(c.client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func TestEmbedText(t *testing.T) {
	c := newMockedClient(t)

	httpmock.RegisterResponder(http.MethodPost, "http://embed.test/v1/embeddings",
		func(req *http.Request) (*http.Response, error) {
			var body embedRequest
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			assert.Equal(t, "embed-test", body.Model)
			assert.Equal(t, "some summary", body.Input)
			return httpmock.NewStringResponse(http.StatusOK,
				`{"data": [{"embedding": [0.1, 0.2, 0.3, 0.4], "index": 0}]}`), nil
		})

	vec, err := c.EmbedText(context.Background(), "some summary")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, vec)
}

func TestEmbedTextRejectsEmpty(t *testing.T) {
	c := newMockedClient(t)
	_, err := c.EmbedText(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}

func TestEmbedImageSendsDataURL(t *testing.T) {
	c := newMockedClient(t)

	path := filepath.Join(t.TempDir(), "thumb.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpegbytes"), 0o644))

	httpmock.RegisterResponder(http.MethodPost, "http://embed.test/v1/embeddings",
		func(req *http.Request) (*http.Response, error) {
			var body struct {
				Model string           `json:"model"`
				Input []multimodalItem `json:"input"`
			}
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			require.Len(t, body.Input, 1)
			assert.Equal(t, "image_url", body.Input[0].Type)
			assert.True(t, strings.HasPrefix(body.Input[0].ImageURL.URL, "data:image/jpeg;base64,"))
			return httpmock.NewStringResponse(http.StatusOK,
				`{"data": [{"embedding": [1, 2, 3, 4], "index": 0}]}`), nil
		})

	vec, err := c.EmbedImage(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, vec, 4)
}

func TestEmbedImageMissingFile(t *testing.T) {
	c := newMockedClient(t)
	_, err := c.EmbedImage(context.Background(), "/no/such/thumb.jpg")
	require.Error(t, err)
	assert.Equal(t, enricherr.KindEmbeddingFailed, enricherr.KindOf(err))
}

func TestEmbedDimensionMismatch(t *testing.T) {
	c := newMockedClient(t)

	httpmock.RegisterResponder(http.MethodPost, "http://embed.test/v1/embeddings",
		httpmock.NewStringResponder(http.StatusOK,
			`{"data": [{"embedding": [0.1, 0.2], "index": 0}]}`))

	_, err := c.EmbedText(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, enricherr.KindServiceError, enricherr.KindOf(err))
	assert.Contains(t, err.Error(), "dimensionality")
}

func TestEmbedQuotaCarriesRetryAfterHint(t *testing.T) {
	c := newMockedClient(t)

	httpmock.RegisterResponder(http.MethodPost, "http://embed.test/v1/embeddings",
		func(req *http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(http.StatusTooManyRequests, "slow down")
			resp.Header.Set("Retry-After", "7")
			return resp, nil
		})

	_, err := c.EmbedText(context.Background(), "text")
	require.Error(t, err)

	var e *enricherr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, enricherr.KindQuotaExceeded, e.Kind)
	assert.Equal(t, 7*time.Second, e.RetryAfter,
		"the provider's wait hint must reach the retry policy")
}

func TestEmbedErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   enricherr.Kind
	}{
		{"quota", http.StatusTooManyRequests, "slow down", enricherr.KindQuotaExceeded},
		{"server error", http.StatusBadGateway, "upstream", enricherr.KindServiceError},
		{"provider error field", http.StatusOK, `{"error": {"message": "bad model"}}`, enricherr.KindServiceError},
		{"empty data", http.StatusOK, `{"data": []}`, enricherr.KindServiceError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newMockedClient(t)
			httpmock.RegisterResponder(http.MethodPost, "http://embed.test/v1/embeddings",
				httpmock.NewStringResponder(tt.status, tt.body))

			_, err := c.EmbedText(context.Background(), "text")
			require.Error(t, err)
			assert.Equal(t, tt.want, enricherr.KindOf(err))
		})
	}
}
