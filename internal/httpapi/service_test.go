package httpapi

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rtsup "devpilot/internal/runtime/supervisor"
	logx "devpilot/pkg/logx"
)

func TestServiceServesAndStops(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, &fakeController{}, logx.Nop())
	s.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addr, err := s.WaitBound(ctx)
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	s.Stop(ctx)
	assert.Empty(t, s.Addr())
	_, err = http.Get("http://" + addr + "/healthz")
	assert.Error(t, err)
}

func TestServiceDisabledNeverBinds(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, &fakeController{}, logx.Nop())
	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.Addr())
	s.Stop(context.Background())
}

func TestServiceRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, &fakeController{}, logx.Nop())
	err := s.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
}

func TestServiceGivesUpAfterMaxRestarts(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, &fakeController{}, logx.Nop())
	s.restart = []rtsup.RestartOption{
		rtsup.WithRestartBackoff(time.Millisecond, time.Millisecond),
		rtsup.WithMaxRestarts(2),
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	require.NotNil(t, sup)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	assert.ErrorContains(t, err, "insecure bind")
	assert.Zero(t, sup.Counters().Active)
	assert.Empty(t, s.Addr())
}

func TestReconfigureTogglesServer(t *testing.T) {
	s := New(Config{}, &fakeController{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	_, err := s.WaitBound(ctx)
	require.NoError(t, err)

	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Empty(t, s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:8088": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":8088":          false,
		"0.0.0.0:8088":   false,
		"10.0.0.5:8088":  false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
