package storage

import (
	"context"
	"errors"
	"strings"

	logx "devpilot/pkg/logx"
)

// Store is the persistence API used by the orchestrator.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries, newest last.
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	// SaveSnapshot replaces the snapshot stored under name.
	SaveSnapshot(ctx context.Context, name string, data []byte) error
	// LoadSnapshot returns ok=false when nothing was saved under name.
	LoadSnapshot(ctx context.Context, name string) (snap Snapshot, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func validName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
