package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "devpilot/pkg/logx"
)

func openAll(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{}
	for _, tc := range []struct{ driver, file string }{
		{"file", "state.json"},
		{"sqlite", "state.db"},
	} {
		st, err := Open(Config{Driver: tc.driver, Path: filepath.Join(t.TempDir(), tc.file)}, logx.Nop())
		require.NoError(t, err, tc.driver)
		require.NotNil(t, st)
		t.Cleanup(func() { _ = st.Close() })
		out[tc.driver] = st
	}
	return out
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	assert.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestAuditRoundTrip(t *testing.T) {
	ctx := context.Background()
	for driver, st := range openAll(t) {
		t.Run(driver, func(t *testing.T) {
			for i := 1; i <= 5; i++ {
				require.NoError(t, st.AppendAudit(ctx, AuditEntry{
					Action: ActionLaunched, TaskID: fmt.Sprintf("t%d", i), JobID: fmt.Sprintf("bc-%d", i),
					Category: "feature", Attempt: 1,
				}))
			}
			require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: ActionDropped, TaskID: "t6", Error: "exhausted"}))

			got, err := st.RecentAudit(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "t4", got[0].TaskID)
			assert.Equal(t, "t5", got[1].TaskID)
			assert.Equal(t, ActionDropped, got[2].Action)
			assert.Equal(t, "exhausted", got[2].Error)
			assert.False(t, got[2].At.IsZero())

			all, err := st.RecentAudit(ctx, 100)
			require.NoError(t, err)
			assert.Len(t, all, 6)
		})
	}
}

func TestSnapshotSaveLoad(t *testing.T) {
	ctx := context.Background()
	for driver, st := range openAll(t) {
		t.Run(driver, func(t *testing.T) {
			_, ok, err := st.LoadSnapshot(ctx, "history")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.SaveSnapshot(ctx, "history", []byte(`{"jobs":[1]}`)))
			require.NoError(t, st.SaveSnapshot(ctx, "history", []byte(`{"jobs":[1,2]}`)))

			snap, ok, err := st.LoadSnapshot(ctx, "history")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "history", snap.Name)
			assert.WithinDuration(t, time.Now(), snap.SavedAt, time.Minute)

			var doc struct{ Jobs []int }
			require.NoError(t, json.Unmarshal(snap.Data, &doc))
			assert.Equal(t, []int{1, 2}, doc.Jobs)

			assert.Error(t, st.SaveSnapshot(ctx, "../escape", []byte(`{}`)))
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: ActionMode, Detail: "aggressive"}))
	require.NoError(t, st.SaveSnapshot(ctx, "history", []byte(`{"ok":true}`)))
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.AppendAudit(ctx, AuditEntry{Action: ActionMode}), ErrClosed)

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.RecentAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "aggressive", got[0].Detail)
	_, ok, err := st.LoadSnapshot(ctx, "history")
	require.NoError(t, err)
	assert.True(t, ok)
}
