package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Journal statuses. The remote statuses are stored as reported; submitted and
// timeout are local.
const (
	StatusSubmitted = "submitted"
	StatusTimeout   = "timeout"
)

// Job is one generation recorded by this process. The journal is an audit
// trail; job state always comes from the service.
type Job struct {
	VideoID       string
	Setting       string // "setting:<id>" or "template"
	Mode          string
	Source        string
	Status        string
	EstimatedWait int // seconds
	DownloadURL   string
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
