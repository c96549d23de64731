package systemd

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "devpilot/pkg/logx"
)

func listen(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 256)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	assert.False(t, Ready())
	assert.False(t, Status("x"))
	assert.NoError(t, Watchdog(context.Background(), nil, logx.Nop()))
}

func TestNotifyStates(t *testing.T) {
	conn := listen(t)
	require.True(t, Ready())
	assert.Equal(t, "READY=1", read(t, conn))
	require.True(t, Status("2 jobs outstanding"))
	assert.Equal(t, "STATUS=2 jobs outstanding", read(t, conn))
	require.True(t, Stopping())
	assert.Equal(t, "STOPPING=1", read(t, conn))
}

func TestWatchdogPingsWhileHealthy(t *testing.T) {
	conn := listen(t)
	t.Setenv("WATCHDOG_USEC", strconv.Itoa(int((40 * time.Millisecond).Microseconds())))
	t.Setenv("WATCHDOG_PID", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watchdog(ctx, func() bool { return true }, logx.Nop()) }()

	assert.Equal(t, "WATCHDOG=1", read(t, conn))
	cancel()
	assert.NoError(t, <-done)
}
