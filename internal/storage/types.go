package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Generation statuses.
const (
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Generation is one settled generation job. Aborted (preempted) jobs are
// not recorded.
type Generation struct {
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	UserID  int64     `json:"user_id"`
	ChatID  int64     `json:"chat_id"`
	Kind    string    `json:"kind"`
	Status  string    `json:"status"`
	Backend string    `json:"backend,omitempty"`
	Model   string    `json:"model,omitempty"`
	Prompt  string    `json:"prompt,omitempty"`
	Error   string    `json:"error,omitempty"`
	TookMS  int64     `json:"took_ms"`
}
