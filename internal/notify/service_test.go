package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devpilot/internal/eventbus"
	"devpilot/internal/task/engine"
	"devpilot/internal/task/poller"
	"devpilot/internal/task/registry"
	"devpilot/internal/task/scheduler"
	logx "devpilot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fail  int
}

func (f *fakeSender) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("telegram: 502")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func fastConfig() Config {
	return Config{Enabled: true, RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func TestAlertsFromBusEvents(t *testing.T) {
	bus := eventbus.New()
	fs := &fakeSender{}
	s := New(fastConfig(), fs, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.TaskLaunched, Data: engine.TaskEvent{TaskID: "t0"}})
	bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Data: engine.TaskEvent{TaskID: "t1", Key: "dark-mode", Category: "feature", Attempt: 4, Error: "boom"}})
	bus.Publish(eventbus.Event{Type: eventbus.JobStatus, Data: poller.StatusEvent{JobID: "bc-1", Key: "tabs", To: registry.StatusFinished}})
	bus.Publish(eventbus.Event{Type: eventbus.JobStatus, Data: poller.StatusEvent{JobID: "bc-2", Key: "tabs", To: registry.StatusFailed, Summary: "expired"}})
	bus.Publish(eventbus.Event{Type: eventbus.SchedulerHalted, Data: scheduler.HaltEvent{Loop: "development", Error: "configuration: prompt"}})

	require.Eventually(t, func() bool { return len(fs.sent()) == 3 }, 2*time.Second, 5*time.Millisecond)
	got := strings.Join(fs.sent(), "\n---\n")
	assert.Contains(t, got, "Task dropped: dark-mode (feature) after 4 attempt(s)")
	assert.Contains(t, got, "Job bc-2 failed: tabs")
	assert.Contains(t, got, "🚨 Scheduler halted by loop development")
	assert.NotContains(t, got, "bc-1")
	assert.Len(t, s.History(), 3)
}

func TestNotifyRetriesAndDedups(t *testing.T) {
	fs := &fakeSender{fail: 2}
	cfg := fastConfig()
	cfg.DedupWindow = time.Minute
	s := New(cfg, fs, logx.Nop(), nil)
	s.Start(context.Background())

	ctx := context.Background()
	require.NoError(t, s.Notify(ctx, Notification{Level: LevelWarn, Text: "same"}))
	require.NoError(t, s.Notify(ctx, Notification{Level: LevelWarn, Text: "same"}))
	require.NoError(t, s.Notify(ctx, Notification{Level: LevelInfo, Text: "other"}))
	s.Stop(context.Background())

	assert.ElementsMatch(t, []string{"⚠️ same", "other"}, fs.sent())
	assert.ErrorIs(t, s.Notify(ctx, Notification{Text: "late"}), ErrStopped)
}

func TestNotifyDisabled(t *testing.T) {
	s := New(Config{}, &fakeSender{}, logx.Nop(), nil)
	s.Start(context.Background())
	assert.ErrorIs(t, s.Notify(context.Background(), Notification{Text: "x"}), ErrDisabled)
	s.Stop(context.Background())
}

func TestRetryDelayBounded(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestTelegramSenderPostsMessage(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		path, body = r.URL.Path, string(b)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"group"}}}`)
	}))
	defer srv.Close()

	_, err := NewTelegramSender(TelegramConfig{Token: "t", ChatID: 0})
	assert.Error(t, err)

	ts, err := NewTelegramSender(TelegramConfig{Token: "123:abc", ChatID: 42, APIURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, ts.Send(context.Background(), "hello"))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, strings.HasSuffix(path, "/sendMessage"), path)
	assert.Contains(t, body, "hello")
	assert.Contains(t, body, "42")
}
