package models

import (
	"time"
)

// Job lifecycle states.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// TerminalStatus reports whether a job can never transition again.
func TerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// MediaItem is one video or image segment of a render.
type MediaItem struct {
	Type       string `json:"type"`
	SourceURL  string `json:"source_url,omitempty"`
	Path       string `json:"path,omitempty"`
	DurationMS int    `json:"duration_ms,omitempty"`
}

// Overlay is a text layer composited onto the output video.
type Overlay struct {
	Text     string  `json:"text"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	FontSize int     `json:"font_size,omitempty"`
	Color    string  `json:"color,omitempty"`
}

// RenderPayload carries the caller-supplied render parameters. The queue
// treats it as opaque apart from clamping DurationMS.
type RenderPayload struct {
	Media      []MediaItem `json:"media"`
	Overlays   []Overlay   `json:"overlays,omitempty"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	FPS        int         `json:"fps,omitempty"`
	DurationMS int         `json:"duration_ms"`
	Quality    string      `json:"quality,omitempty"`
}

// Job is one request to produce a rendered video artifact.
type Job struct {
	ID              string        `json:"id"`
	Status          string        `json:"status"`
	Progress        int           `json:"progress"`
	Payload         RenderPayload `json:"payload"`
	Result          string        `json:"result,omitempty"`
	Error           string        `json:"error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	CancelRequested bool          `json:"-"`
}
