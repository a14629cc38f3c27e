package nolang

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a generation job on the service.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// GenerationJob is returned by a successful generate call.
type GenerationJob struct {
	VideoID uuid.UUID `json:"video_id"`
	// EstimatedWaitTime is in seconds and may be fractional.
	EstimatedWaitTime float64 `json:"estimated_wait_time,omitempty"`
}

// VideoStatus mirrors GET /videos/{id}/.
type VideoStatus struct {
	VideoID     uuid.UUID  `json:"video_id"`
	Status      Status     `json:"status"`
	DownloadURL string     `json:"download_url,omitempty"`
	Prompt      string     `json:"prompt,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// Video is one entry of the generated video listing.
type Video struct {
	VideoID   uuid.UUID `json:"video_id"`
	CreatedAt time.Time `json:"created_at"`
	Prompt    string    `json:"prompt,omitempty"`
	Status    Status    `json:"status,omitempty"`
}

// VideoPage mirrors GET /videos/?page=N. Count, Next and Previous come from
// the paginator; TotalCount and HasNext are kept when the service sends them.
type VideoPage struct {
	Results    []Video `json:"results"`
	Count      int     `json:"count"`
	Next       *string `json:"next"`
	Previous   *string `json:"previous"`
	TotalCount int     `json:"total_count,omitempty"`
	HasNext    bool    `json:"has_next,omitempty"`
}

// VideoSetting is a server-side generation configuration.
type VideoSetting struct {
	VideoSettingID uuid.UUID      `json:"video_setting_id"`
	Title          string         `json:"title"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	RequestFields  map[string]any `json:"request_fields,omitempty"`
}

// SettingPage mirrors GET /video-settings/?page=N.
type SettingPage struct {
	Results      []VideoSetting `json:"results"`
	HasNext      bool           `json:"has_next"`
	TotalCount   int            `json:"total_count"`
	Page         int            `json:"page"`
	ItemsPerPage int            `json:"items_per_page"`
}

// Template is an official template video usable as a generation source.
type Template struct {
	TemplateVideoID uuid.UUID `json:"template_video_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
}

// TemplateRecommendation mirrors GET /unstable/template/recommend/.
type TemplateRecommendation struct {
	Templates []Template `json:"templates"`
}

// RecommendQuery selects templates for a generation mode.
type RecommendQuery struct {
	Mode           GenerationMode
	Query          string
	IsMobileFormat bool
}

// SettingRef points at the configuration a video is generated with: either
// a stored VideoSetting id or an inline setting document taken from a
// template video.
type SettingRef struct {
	ID       string
	Document json.RawMessage
}

// IsZero reports whether neither form was supplied.
func (r SettingRef) IsZero() bool {
	return r.ID == "" && len(r.Document) == 0
}

// String returns a short label for logs and the journal.
func (r SettingRef) String() string {
	if r.ID != "" {
		return "setting:" + r.ID
	}
	return "template"
}

// modeOf extracts the generation mode declared in a setting document, if any.
func (r SettingRef) modeOf() GenerationMode {
	if len(r.Document) == 0 {
		return ""
	}
	var doc struct {
		VideoMode GenerationMode `json:"video_mode"`
	}
	if err := json.Unmarshal(r.Document, &doc); err != nil {
		return ""
	}
	return doc.VideoMode
}
