package models

import "time"

// JobStatus is the lifecycle state reported for a job.
type JobStatus string

const (
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Error codes sent in failure webhooks.
const (
	ErrorDownloadFailed      = "DOWNLOAD_FAILED"
	ErrorTranscriptionFailed = "TRANSCRIPTION_FAILED"
	ErrorUploadFailed        = "UPLOAD_FAILED"
)

// VideoInfo is the source metadata reported by the downloader.
type VideoInfo struct {
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
}

// Artifact is one local file and the object key it is uploaded to.
type Artifact struct {
	LocalPath   string
	Key         string
	ContentType string
}

// FailurePayload is the webhook body for a failed job.
type FailurePayload struct {
	JobID          string         `json:"job_id"`
	Status         JobStatus      `json:"status"`
	ErrorCode      string         `json:"error_code"`
	ErrorMessage   string         `json:"error_message"`
	ErrorDetails   map[string]any `json:"error_details"`
	ProcessingTime int            `json:"processing_time"`
}

// CompletionPayload is the webhook body for a completed job.
type CompletionPayload struct {
	JobID          string    `json:"job_id"`
	Status         JobStatus `json:"status"`
	TranscriptURL  string    `json:"transcript_url"`
	AudioURL       string    `json:"audio_url"`
	SRTURL         string    `json:"srt_url"`
	TXTURL         string    `json:"txt_url"`
	VideoTitle     string    `json:"video_title"`
	VideoDuration  float64   `json:"video_duration"`
	ProcessingTime int       `json:"processing_time"`
}

// StatusUpdate is what status mirrors record for a job transition.
type StatusUpdate struct {
	JobID          string
	Status         JobStatus
	ErrorCode      string
	ErrorMessage   string
	ErrorDetails   map[string]any
	TranscriptURL  string
	AudioURL       string
	SRTURL         string
	TXTURL         string
	Video          VideoInfo
	ProcessingTime int
	UpdatedAt      time.Time
}
