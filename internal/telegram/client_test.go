package telegram_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nasnotifier/internal/models"
	"nasnotifier/internal/telegram"
)

// fakeAPI answers with the queued status codes, repeating the last one
type fakeAPI struct {
	statuses []int
	body     string
	calls    atomic.Int32
	lastText atomic.Value
	lastChat atomic.Value
	lastPath atomic.Value
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	i := int(f.calls.Add(1)) - 1
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}

	var req struct {
		ChatID string `json:"chat_id"`
		Text   string `json:"text"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.lastText.Store(req.Text)
	f.lastChat.Store(req.ChatID)
	f.lastPath.Store(r.URL.Path)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.statuses[i])
	if f.statuses[i] == http.StatusOK {
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
		return
	}
	_, _ = w.Write([]byte(f.body))
}

func newClient(t *testing.T, api *fakeAPI, attempts int) *telegram.Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	return telegram.NewClient(telegram.Config{
		Token:          "123:abc",
		ChatID:         "42",
		BaseURL:        srv.URL,
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
}

func TestClient_Send(t *testing.T) {
	api := &fakeAPI{statuses: []int{http.StatusOK}}
	c := newClient(t, api, 3)

	require.NoError(t, c.Send(context.Background(), "tank changed from Online to Degraded"))

	assert.Equal(t, int32(1), api.calls.Load())
	assert.Equal(t, "tank changed from Online to Degraded", api.lastText.Load())
	assert.Equal(t, "42", api.lastChat.Load())
	assert.Equal(t, "/bot123:abc/sendMessage", api.lastPath.Load())
	assert.Equal(t, uint64(1), c.Stats().Sent)
}

func TestClient_RetriesTransientErrors(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int
	}{
		{"server error then ok", []int{http.StatusInternalServerError, http.StatusOK}},
		{"bad gateway twice then ok", []int{http.StatusBadGateway, http.StatusBadGateway, http.StatusOK}},
		{"rate limited then ok", []int{http.StatusTooManyRequests, http.StatusOK}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{statuses: tt.statuses}
			c := newClient(t, api, 5)

			require.NoError(t, c.Send(context.Background(), "hello"))
			assert.Equal(t, int32(len(tt.statuses)), api.calls.Load())
			assert.Equal(t, uint64(len(tt.statuses)-1), c.Stats().Retries)
		})
	}
}

func TestClient_DropsAfterRetryCeiling(t *testing.T) {
	api := &fakeAPI{statuses: []int{http.StatusServiceUnavailable}}
	c := newClient(t, api, 3)

	err := c.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDelivery)

	var de *models.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 3, de.Attempts)

	var apiErr *telegram.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)

	assert.Equal(t, int32(3), api.calls.Load())
	assert.Equal(t, uint64(1), c.Stats().Dropped)
}

func TestClient_PermanentErrorIsNotRetried(t *testing.T) {
	api := &fakeAPI{
		statuses: []int{http.StatusBadRequest},
		body:     `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
	}
	c := newClient(t, api, 5)

	err := c.Send(context.Background(), "hello")
	require.Error(t, err)

	var de *models.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 1, de.Attempts)
	assert.Contains(t, err.Error(), "chat not found")
	assert.Equal(t, int32(1), api.calls.Load())
}

func TestClient_RetryAfterIsCappedByMaxBackoff(t *testing.T) {
	api := &fakeAPI{
		statuses: []int{http.StatusTooManyRequests, http.StatusOK},
		body:     `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 60","parameters":{"retry_after":60}}`,
	}
	c := newClient(t, api, 3)

	start := time.Now()
	require.NoError(t, c.Send(context.Background(), "hello"))
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := telegram.NewClient(telegram.Config{
		Token:          "secret-token",
		ChatID:         "42",
		BaseURL:        url,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
	})

	err := c.Send(context.Background(), "hello")
	require.Error(t, err)

	var de *models.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 2, de.Attempts)
	assert.NotContains(t, err.Error(), "secret-token")
}

func TestClient_ContextCancelStopsRetrying(t *testing.T) {
	api := &fakeAPI{statuses: []int{http.StatusInternalServerError}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := telegram.NewClient(telegram.Config{
		Token:          "t",
		ChatID:         "42",
		BaseURL:        srv.URL,
		MaxAttempts:    100,
		InitialBackoff: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	err := c.Send(ctx, "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDelivery)
	assert.Less(t, api.calls.Load(), int32(100))
}

func TestClient_Validate(t *testing.T) {
	assert.ErrorIs(t, telegram.NewClient(telegram.Config{ChatID: "1"}).Validate(), telegram.ErrMissingToken)
	assert.ErrorIs(t, telegram.NewClient(telegram.Config{Token: "t"}).Validate(), telegram.ErrMissingChatID)
	assert.NoError(t, telegram.NewClient(telegram.Config{Token: "t", ChatID: "1"}).Validate())
}

func TestClient_Publish(t *testing.T) {
	api := &fakeAPI{statuses: []int{http.StatusOK}}
	c := newClient(t, api, 1)

	n := models.NewNotification(models.KindLoginFailure, "", "failed login from 203.0.113.9")
	require.NoError(t, c.Publish(context.Background(), n))
	assert.Equal(t, "failed login from 203.0.113.9", api.lastText.Load())
	assert.Equal(t, "telegram", c.Name())
}
