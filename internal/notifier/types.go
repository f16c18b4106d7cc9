package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled bool
	Target  Target
	// OnlyFailures skips reports for runs that completed without failed units.
	OnlyFailures    bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Target is a chat, optionally narrowed to a forum thread.
type Target struct {
	ChatID   int64
	ThreadID int
}

type Notification struct {
	Target   Target
	Text     string
	Priority int
	// Key deduplicates notifications; empty means a hash of the content.
	Key string
}

// Sender delivers one message.
type Sender interface {
	SendText(ctx context.Context, to Target, text string) error
}

type HistoryItem struct {
	At   time.Time
	Text string
}
