package processor_test

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nasnotifier/internal/config"
	"nasnotifier/internal/models"
	"nasnotifier/internal/processor"
	"nasnotifier/internal/telegram"
	"nasnotifier/internal/worker"
)

// botAPI records sendMessage texts. The first failFirst calls answer 503.
type botAPI struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	texts     []string
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.failFirst {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	b.texts = append(b.texts, req.Text)
	_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
}

func (b *botAPI) Texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.texts...)
}

// poolRunner answers zpool list with the queued outputs, repeating the last
type poolRunner struct {
	mu      sync.Mutex
	outputs []string
	calls   int
}

func (r *poolRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	if i >= len(r.outputs) {
		i = len(r.outputs) - 1
	}
	r.calls++
	return []byte(r.outputs[i]), nil
}

func testConfig(t *testing.T, logPath, apiURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Hostname = "nas"
	cfg.AuthLogPath = logPath
	cfg.PollInterval = 20 * time.Millisecond
	cfg.Telegram.Token = "123:abc"
	cfg.Telegram.ChatID = "42"
	cfg.Telegram.APIURL = apiURL
	cfg.Telegram.MaxAttempts = 2
	cfg.Telegram.InitialBackoff = time.Millisecond
	cfg.Telegram.MaxBackoff = 5 * time.Millisecond
	cfg.Delivery.ShutdownGrace = 2 * time.Second
	return cfg
}

func TestProcessor_Run(t *testing.T) {
	api := &botAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	logPath := filepath.Join(t.TempDir(), "auth.log")
	require.NoError(t, os.WriteFile(logPath, []byte("Oct 19 09:00:00 nas sshd[1]: Accepted publickey for old from 198.51.100.1 port 1 ssh2\n"), 0o644))

	runner := &poolRunner{outputs: []string{"tank\tONLINE\n", "tank\tDEGRADED\n"}}
	p := processor.New(testConfig(t, logPath, srv.URL), processor.WithRunner(runner))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, text := range api.Texts() {
			if text == "[nas] tank changed from Online to Degraded" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	// The watcher may not have opened the log yet, so keep appending the same
	// login until it shows up. Repeats are deduplicated.
	raw := "Oct 19 10:00:00 nas sshd[2]: Accepted publickey for alice from 10.0.0.5 port 2222 ssh2"
	line := []byte(raw + "\n")
	want := "[nas] alice logged in from a new address 10.0.0.5\n" + raw
	require.Eventually(t, func() bool {
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0)
		if err != nil {
			return false
		}
		_, _ = f.Write(line)
		_ = f.Close()

		for _, text := range api.Texts() {
			if text == want {
				return true
			}
		}
		return false
	}, 10*time.Second, 200*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}

	count := 0
	for _, text := range api.Texts() {
		assert.NotContains(t, text, "old logged in", "pre-existing log content must be skipped")
		if text == want {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestProcessor_MissingAuthLogIsFatal(t *testing.T) {
	srv := httptest.NewServer(&botAPI{})
	defer srv.Close()

	cfg := testConfig(t, filepath.Join(t.TempDir(), "missing.log"), srv.URL)
	cfg.Notifications.PoolHealth = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := processor.New(cfg).Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.NoError(t, ctx.Err(), "Run should fail fast, not wait for cancellation")
}

func TestProcessor_InvalidTelegramConfig(t *testing.T) {
	cfg := testConfig(t, "/dev/null", "http://127.0.0.1:0")
	cfg.Telegram.Token = ""

	err := processor.New(cfg).Run(context.Background())
	assert.ErrorIs(t, err, telegram.ErrMissingToken)
}

func TestProcessor_PoolOnlyDoesNotNeedAuthLog(t *testing.T) {
	srv := httptest.NewServer(&botAPI{})
	defer srv.Close()

	cfg := testConfig(t, "", srv.URL)
	cfg.Notifications.NewLoginIP = false
	cfg.Notifications.FailedLogin = false

	runner := &poolRunner{outputs: []string{"tank\tONLINE\n"}}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, processor.New(cfg, processor.WithRunner(runner)).Run(ctx))
}

func TestDeliveryFailureDoesNotStopLaterNotifications(t *testing.T) {
	// two 503s exhaust the first notification's attempts
	api := &botAPI{failFirst: 2}
	srv := httptest.NewServer(api)
	defer srv.Close()

	client := telegram.NewClient(telegram.Config{
		Token:          "123:abc",
		ChatID:         "42",
		BaseURL:        srv.URL,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})

	queue := make(chan *models.Notification, 10)
	d := processor.NewDispatcher(allKinds, nil, queue)
	pool := worker.NewPool(worker.Config{
		Publishers:       []worker.Publisher{client},
		NotificationChan: queue,
		Workers:          1,
	})
	pool.Start()

	d.HandleLogin(login(models.OutcomeFailure, "root", "203.0.113.9"))
	d.HandleLogin(login(models.OutcomeFailure, "admin", "203.0.113.10"))
	close(queue)
	require.True(t, pool.Drain(5*time.Second))

	assert.Equal(t, []string{"failed login for admin from 203.0.113.10"}, api.Texts())
	assert.Equal(t, uint64(1), client.Stats().Dropped)
	assert.Equal(t, uint64(1), client.Stats().Sent)
	assert.Equal(t, worker.Stats{Delivered: 1, Failed: 1}, pool.Stats())
}
