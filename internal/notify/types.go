package notify

import (
	"context"
	"time"
)

// Config controls the alert pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	DedupMax      int
}

type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelAlert
)

func (l Level) prefix() string {
	switch l {
	case LevelAlert:
		return "🚨 "
	case LevelWarn:
		return "⚠️ "
	default:
		return ""
	}
}

type Notification struct {
	Level Level
	Text  string
}

// Sender delivers one message. TelegramSender implements it.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}
