package worker

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"transcriber/config"
	"transcriber/models"
	"transcriber/services"
)

type Downloader interface {
	Download(ctx context.Context, videoURL, jobID string) (models.VideoInfo, string, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, language, model string) (models.TranscriptionInfo, iter.Seq2[models.RawSegment, error], error)
}

type Uploader interface {
	UploadAll(ctx context.Context, artifacts []models.Artifact) (map[string]string, error)
}

// Notifier reports the job outcome. Implementations swallow delivery errors.
type Notifier interface {
	SendFailure(ctx context.Context, code, message string, details map[string]any)
	SendCompletion(ctx context.Context, payload models.CompletionPayload)
}

// StatusRecorder mirrors status transitions to an external store.
type StatusRecorder interface {
	Record(ctx context.Context, update models.StatusUpdate) error
}

// Stage names used in logs and StageError.
const (
	StageDownload   = "download"
	StageTranscribe = "transcribe"
	StageFormat     = "format"
	StageUpload     = "upload"
)

// StageError is the failure of one pipeline stage, tagged with the code the
// failure webhook carries.
type StageError struct {
	Stage   string
	Code    string
	Message string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage, code, prefix string, err error) *StageError {
	return &StageError{
		Stage:   stage,
		Code:    code,
		Message: fmt.Sprintf("%s: %v", prefix, err),
		Err:     err,
	}
}

// Result summarizes a completed job.
type Result struct {
	Video          models.VideoInfo
	Transcript     *models.Transcript
	URLs           map[string]string
	Artifacts      []models.Artifact
	ProcessingTime int
}

type Pipeline struct {
	config      *config.Config
	downloader  Downloader
	transcriber Transcriber
	uploader    Uploader
	notifier    Notifier
	recorders   []StatusRecorder
	emit        func(t *models.Transcript, dir, jobID string) (services.Outputs, error)
	now         func() time.Time
	logger      *slog.Logger
}

func NewPipeline(cfg *config.Config, d Downloader, t Transcriber, u Uploader, n Notifier, logger *slog.Logger, recorders ...StatusRecorder) *Pipeline {
	return &Pipeline{
		config:      cfg,
		downloader:  d,
		transcriber: t,
		uploader:    u,
		notifier:    n,
		recorders:   recorders,
		emit:        services.Emit,
		now:         time.Now,
		logger:      logger.With("job_id", cfg.JobID),
	}
}

// Run executes download, transcription, format generation and upload once,
// in order. A stage failure sends the failure webhook and is returned as a
// *StageError. Completion webhook failures are logged only.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	lock, err := AcquireLock(p.config.WorkDir, p.config.JobID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			p.logger.Warn("failed to release job lock", "path", lock.Path(), "error", err)
		}
	}()

	p.record(ctx, models.StatusUpdate{Status: models.StatusProcessing})

	// Download
	p.logger.Info("starting stage", "stage", StageDownload)
	video, audioPath, err := p.downloader.Download(ctx, p.config.VideoURL, p.config.JobID)
	if err != nil {
		return nil, p.fail(ctx, stageError(StageDownload, models.ErrorDownloadFailed, "Failed to download audio", err))
	}

	// Transcribe
	p.logger.Info("starting stage", "stage", StageTranscribe, "model", p.config.ModelSize)
	startTime := p.now()
	transcript, err := p.transcribe(ctx, audioPath)
	if err != nil {
		return nil, p.fail(ctx, stageError(StageTranscribe, models.ErrorTranscriptionFailed, "Transcription failed", err))
	}
	processingTime := int(p.now().Sub(startTime).Seconds())
	p.logger.Info("transcription completed",
		"segments", len(transcript.Segments),
		"language", transcript.Language,
		"processing_seconds", processingTime,
	)

	// Generate formats. Shares the transcription error code with the stage above.
	p.logger.Info("starting stage", "stage", StageFormat)
	outputs, err := p.emit(transcript, p.config.WorkDir, p.config.JobID)
	if err != nil {
		return nil, p.fail(ctx, stageError(StageFormat, models.ErrorTranscriptionFailed, "Failed to generate formats", err))
	}

	// Upload
	p.logger.Info("starting stage", "stage", StageUpload, "bucket", p.config.R2Bucket)
	artifacts := Artifacts(p.config, outputs, audioPath)
	urls, err := p.uploader.UploadAll(ctx, artifacts)
	if err != nil {
		return nil, p.fail(ctx, stageError(StageUpload, models.ErrorUploadFailed, "Failed to upload files", err))
	}

	payload := models.CompletionPayload{
		JobID:          p.config.JobID,
		Status:         models.StatusCompleted,
		TranscriptURL:  urls[p.config.ObjectKey("transcript.json")],
		AudioURL:       urls[p.config.ObjectKey("audio."+services.AudioFormat)],
		SRTURL:         urls[p.config.ObjectKey("transcript.srt")],
		TXTURL:         urls[p.config.ObjectKey("transcript.txt")],
		VideoTitle:     video.Title,
		VideoDuration:  video.Duration,
		ProcessingTime: processingTime,
	}
	p.record(ctx, models.StatusUpdate{
		Status:         models.StatusCompleted,
		TranscriptURL:  payload.TranscriptURL,
		AudioURL:       payload.AudioURL,
		SRTURL:         payload.SRTURL,
		TXTURL:         payload.TXTURL,
		Video:          video,
		ProcessingTime: processingTime,
	})
	p.notifier.SendCompletion(ctx, payload)

	p.logger.Info("job completed", "processing_seconds", processingTime)
	return &Result{
		Video:          video,
		Transcript:     transcript,
		URLs:           urls,
		Artifacts:      artifacts,
		ProcessingTime: processingTime,
	}, nil
}

func (p *Pipeline) transcribe(ctx context.Context, audioPath string) (*models.Transcript, error) {
	info, segments, err := p.transcriber.Transcribe(ctx, audioPath, p.config.LanguageHint(), p.config.ModelSize)
	if err != nil {
		return nil, err
	}
	return models.Materialize(info, segments, p.config.ModelSize)
}

// Artifacts lists the files to upload, in upload order.
func Artifacts(cfg *config.Config, out services.Outputs, audioPath string) []models.Artifact {
	return []models.Artifact{
		{LocalPath: out.JSON, Key: cfg.ObjectKey("transcript.json"), ContentType: "application/json"},
		{LocalPath: out.SRT, Key: cfg.ObjectKey("transcript.srt"), ContentType: "text/plain"},
		{LocalPath: out.TXT, Key: cfg.ObjectKey("transcript.txt"), ContentType: "text/plain"},
		{LocalPath: audioPath, Key: cfg.ObjectKey("audio." + services.AudioFormat), ContentType: "audio/mp4"},
	}
}

func (p *Pipeline) fail(ctx context.Context, serr *StageError) error {
	p.logger.Error("stage failed", "stage", serr.Stage, "error_code", serr.Code, "error", serr.Err)

	details := map[string]any{"error": serr.Err.Error()}
	p.record(ctx, models.StatusUpdate{
		Status:       models.StatusFailed,
		ErrorCode:    serr.Code,
		ErrorMessage: serr.Message,
		ErrorDetails: details,
	})
	p.notifier.SendFailure(ctx, serr.Code, serr.Message, details)
	return serr
}

func (p *Pipeline) record(ctx context.Context, update models.StatusUpdate) {
	update.JobID = p.config.JobID
	update.UpdatedAt = p.now()
	for _, r := range p.recorders {
		if err := r.Record(ctx, update); err != nil {
			p.logger.Warn("failed to record job status", "status", update.Status, "error", err)
		}
	}
}
