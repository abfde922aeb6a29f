package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"transcriber/config"
	"transcriber/models"
	"transcriber/services"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		JobID:     "abc123",
		VideoURL:  "https://www.youtube.com/watch?v=abc",
		ModelSize: "medium",
		Language:  config.AutoLanguage,
		R2Bucket:  "transcriptions",
		WorkDir:   t.TempDir(),
	}
}

type fakeDownloader struct {
	dir string
	err error
}

func (f *fakeDownloader) Download(ctx context.Context, videoURL, jobID string) (models.VideoInfo, string, error) {
	if f.err != nil {
		return models.VideoInfo{}, "", f.err
	}
	path := filepath.Join(f.dir, jobID+".m4a")
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		return models.VideoInfo{}, "", err
	}
	return models.VideoInfo{Title: "Greeting", Duration: 5}, path, nil
}

type fakeTranscriber struct {
	segments []models.RawSegment
	err      error
	seqErr   error
	language string
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath, language, model string) (models.TranscriptionInfo, iter.Seq2[models.RawSegment, error], error) {
	if f.err != nil {
		return models.TranscriptionInfo{}, nil, f.err
	}
	f.language = language
	seq := models.SliceSegments(f.segments)
	if f.seqErr != nil {
		seq = func(yield func(models.RawSegment, error) bool) { yield(models.RawSegment{}, f.seqErr) }
	}
	return models.TranscriptionInfo{Language: "en", Duration: 5}, seq, nil
}

type fakeUploader struct {
	uploaded []models.Artifact
	err      error
}

func (f *fakeUploader) UploadAll(ctx context.Context, artifacts []models.Artifact) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.uploaded = artifacts
	urls := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		urls[a.Key] = "https://cdn.example.com/" + a.Key
	}
	return urls, nil
}

type fakeNotifier struct {
	failures    []models.FailurePayload
	completions []models.CompletionPayload
}

func (f *fakeNotifier) SendFailure(ctx context.Context, code, message string, details map[string]any) {
	f.failures = append(f.failures, models.FailurePayload{ErrorCode: code, ErrorMessage: message, ErrorDetails: details})
}

func (f *fakeNotifier) SendCompletion(ctx context.Context, payload models.CompletionPayload) {
	f.completions = append(f.completions, payload)
}

type fakeRecorder struct {
	updates []models.StatusUpdate
	err     error
}

func (f *fakeRecorder) Record(ctx context.Context, update models.StatusUpdate) error {
	f.updates = append(f.updates, update)
	return f.err
}

func helloWorld() []models.RawSegment {
	return []models.RawSegment{
		{ID: 1, Start: 0.0, End: 2.5, Text: " Hello"},
		{ID: 2, Start: 2.5, End: 5.0, Text: " world"},
	}
}

func TestPipeline_RunSuccess(t *testing.T) {
	cfg := testConfig(t)
	up := &fakeUploader{}
	notifier := &fakeNotifier{}
	rec := &fakeRecorder{}
	tr := &fakeTranscriber{segments: helloWorld()}

	p := NewPipeline(cfg, &fakeDownloader{dir: cfg.WorkDir}, tr, up, notifier, discardLogger(), rec)
	clock := time.Unix(1000, 0)
	p.now = func() time.Time {
		clock = clock.Add(1500 * time.Millisecond)
		return clock
	}

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	txt, _ := os.ReadFile(filepath.Join(cfg.WorkDir, "abc123_transcript.txt"))
	if string(txt) != "Hello world" {
		t.Fatalf("unexpected txt %q", txt)
	}
	srt, _ := os.ReadFile(filepath.Join(cfg.WorkDir, "abc123_transcript.srt"))
	wantSRT := "1\n00:00:00,000 --> 00:00:02,500\nHello\n\n2\n00:00:02,500 --> 00:00:05,000\nworld\n\n"
	if string(srt) != wantSRT {
		t.Fatalf("unexpected srt:\n%s", srt)
	}

	wantKeys := []string{
		"jobs/abc123/transcript.json",
		"jobs/abc123/transcript.srt",
		"jobs/abc123/transcript.txt",
		"jobs/abc123/audio.m4a",
	}
	if len(up.uploaded) != len(wantKeys) {
		t.Fatalf("expected %d uploads, got %d", len(wantKeys), len(up.uploaded))
	}
	for i, key := range wantKeys {
		if up.uploaded[i].Key != key {
			t.Fatalf("upload %d key = %q, want %q", i, up.uploaded[i].Key, key)
		}
	}
	if len(res.URLs) != len(wantKeys) {
		t.Fatalf("expected one url per artifact, got %v", res.URLs)
	}

	if tr.language != "" {
		t.Fatalf("auto language must reach the engine as detection, got %q", tr.language)
	}

	if len(notifier.failures) != 0 || len(notifier.completions) != 1 {
		t.Fatalf("unexpected notifications: %+v", notifier)
	}
	c := notifier.completions[0]
	if c.Status != models.StatusCompleted || c.JobID != "abc123" {
		t.Fatalf("unexpected completion identity: %+v", c)
	}
	if c.TranscriptURL != "https://cdn.example.com/jobs/abc123/transcript.json" ||
		c.AudioURL != "https://cdn.example.com/jobs/abc123/audio.m4a" ||
		c.SRTURL != "https://cdn.example.com/jobs/abc123/transcript.srt" ||
		c.TXTURL != "https://cdn.example.com/jobs/abc123/transcript.txt" {
		t.Fatalf("unexpected completion urls: %+v", c)
	}
	if c.VideoTitle != "Greeting" || c.VideoDuration != 5 {
		t.Fatalf("unexpected video metadata: %+v", c)
	}
	if c.ProcessingTime != 1 {
		t.Fatalf("expected truncated processing time 1, got %d", c.ProcessingTime)
	}

	if len(rec.updates) != 2 || rec.updates[0].Status != models.StatusProcessing || rec.updates[1].Status != models.StatusCompleted {
		t.Fatalf("unexpected status updates: %+v", rec.updates)
	}
	if rec.updates[1].TranscriptURL != c.TranscriptURL {
		t.Fatalf("completed status missing urls: %+v", rec.updates[1])
	}

	data, _ := os.ReadFile(filepath.Join(cfg.WorkDir, "abc123_transcript.json"))
	var back models.Transcript
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("json artifact does not parse: %v", err)
	}
	if back.Text != res.Transcript.Text || len(back.Segments) != 2 || back.Language != "en" || back.Duration != 5 {
		t.Fatalf("json artifact does not match transcript: %+v", back)
	}
}

func TestPipeline_DownloadFailureSendsOneWebhook(t *testing.T) {
	var mu sync.Mutex
	var bodies []models.FailurePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload models.FailurePayload
		body, _ := io.ReadAll(r.Body)
		if !services.Verify("secret", body, r.Header.Get(services.SignatureHeader)) {
			t.Errorf("bad signature")
		}
		_ = json.Unmarshal(body, &payload)
		mu.Lock()
		bodies = append(bodies, payload)
		mu.Unlock()
	}))
	defer srv.Close()

	cfg := testConfig(t)
	webhook := services.NewWebhookService(srv.URL, "secret", cfg.JobID, discardLogger())
	up := &fakeUploader{}
	rec := &fakeRecorder{}
	p := NewPipeline(cfg, &fakeDownloader{err: errors.New("HTTP Error 403: Forbidden")}, &fakeTranscriber{}, up, webhook, discardLogger(), rec)

	_, err := p.Run(context.Background())
	var serr *StageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if serr.Code != models.ErrorDownloadFailed || serr.Stage != StageDownload {
		t.Fatalf("unexpected stage error: %+v", serr)
	}

	if len(bodies) != 1 {
		t.Fatalf("expected exactly one webhook, got %d", len(bodies))
	}
	got := bodies[0]
	if got.Status != models.StatusFailed || got.ErrorCode != models.ErrorDownloadFailed || got.JobID != "abc123" {
		t.Fatalf("unexpected failure payload: %+v", got)
	}
	if got.ErrorMessage != "Failed to download audio: HTTP Error 403: Forbidden" {
		t.Fatalf("unexpected error message %q", got.ErrorMessage)
	}
	if got.ErrorDetails["error"] != "HTTP Error 403: Forbidden" {
		t.Fatalf("unexpected error details %v", got.ErrorDetails)
	}
	if up.uploaded != nil {
		t.Fatal("upload must not run after download failure")
	}
	if last := rec.updates[len(rec.updates)-1]; last.Status != models.StatusFailed || last.ErrorCode != models.ErrorDownloadFailed {
		t.Fatalf("unexpected final status %+v", last)
	}
}

func TestPipeline_StageFailureCodes(t *testing.T) {
	tests := []struct {
		name      string
		tr        *fakeTranscriber
		up        *fakeUploader
		emit      func(*models.Transcript, string, string) (services.Outputs, error)
		wantStage string
		wantCode  string
		wantMsg   string
	}{
		{
			name:      "transcriber error",
			tr:        &fakeTranscriber{err: errors.New("CUDA out of memory")},
			up:        &fakeUploader{},
			wantStage: StageTranscribe,
			wantCode:  models.ErrorTranscriptionFailed,
			wantMsg:   "Transcription failed: CUDA out of memory",
		},
		{
			name:      "segment stream error",
			tr:        &fakeTranscriber{seqErr: errors.New("decoder crashed")},
			up:        &fakeUploader{},
			wantStage: StageTranscribe,
			wantCode:  models.ErrorTranscriptionFailed,
		},
		{
			name: "format error",
			tr:   &fakeTranscriber{segments: helloWorld()},
			up:   &fakeUploader{},
			emit: func(*models.Transcript, string, string) (services.Outputs, error) {
				return services.Outputs{}, errors.New("disk full")
			},
			wantStage: StageFormat,
			wantCode:  models.ErrorTranscriptionFailed,
			wantMsg:   "Failed to generate formats: disk full",
		},
		{
			name:      "upload error",
			tr:        &fakeTranscriber{segments: helloWorld()},
			up:        &fakeUploader{err: errors.New("AccessDenied")},
			wantStage: StageUpload,
			wantCode:  models.ErrorUploadFailed,
			wantMsg:   "Failed to upload files: AccessDenied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			notifier := &fakeNotifier{}
			p := NewPipeline(cfg, &fakeDownloader{dir: cfg.WorkDir}, tt.tr, tt.up, notifier, discardLogger())
			if tt.emit != nil {
				p.emit = tt.emit
			}

			_, err := p.Run(context.Background())
			var serr *StageError
			if !errors.As(err, &serr) {
				t.Fatalf("expected StageError, got %v", err)
			}
			if serr.Stage != tt.wantStage || serr.Code != tt.wantCode {
				t.Fatalf("got stage=%s code=%s, want stage=%s code=%s", serr.Stage, serr.Code, tt.wantStage, tt.wantCode)
			}
			if tt.wantMsg != "" && serr.Message != tt.wantMsg {
				t.Fatalf("message = %q, want %q", serr.Message, tt.wantMsg)
			}
			if len(notifier.failures) != 1 || notifier.failures[0].ErrorCode != tt.wantCode {
				t.Fatalf("expected one failure notification with %s, got %+v", tt.wantCode, notifier.failures)
			}
			if len(notifier.completions) != 0 {
				t.Fatal("no completion expected after failure")
			}
		})
	}
}

func TestPipeline_RecorderErrorsAreNotFatal(t *testing.T) {
	cfg := testConfig(t)
	notifier := &fakeNotifier{}
	rec := &fakeRecorder{err: errors.New("redis down")}
	p := NewPipeline(cfg, &fakeDownloader{dir: cfg.WorkDir}, &fakeTranscriber{segments: helloWorld()}, &fakeUploader{}, notifier, discardLogger(), rec)

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(notifier.completions) != 1 {
		t.Fatal("expected completion despite recorder errors")
	}
}

func TestPipeline_CompletionWebhookFailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	webhook := services.NewWebhookService(srv.URL, "secret", cfg.JobID, discardLogger())
	p := NewPipeline(cfg, &fakeDownloader{dir: cfg.WorkDir}, &fakeTranscriber{segments: helloWorld()}, &fakeUploader{}, webhook, discardLogger())

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("expected success despite webhook 500, got %v", err)
	}
}

func TestPipeline_SecondRunForSameJobIsRejected(t *testing.T) {
	cfg := testConfig(t)
	held, err := AcquireLock(cfg.WorkDir, cfg.JobID)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer held.Release()

	notifier := &fakeNotifier{}
	p := NewPipeline(cfg, &fakeDownloader{dir: cfg.WorkDir}, &fakeTranscriber{}, &fakeUploader{}, notifier, discardLogger())
	_, err = p.Run(context.Background())
	if !errors.Is(err, ErrJobLocked) {
		t.Fatalf("expected ErrJobLocked, got %v", err)
	}
	if len(notifier.failures) != 0 {
		t.Fatal("a rejected duplicate run must not report failure")
	}
}

func TestAcquireLock_ReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	first, err := AcquireLock(dir, "job")
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	second, err := AcquireLock(dir, "job")
	if err != nil {
		t.Fatalf("re-acquire failed: %v", err)
	}
	_ = second.Release()
	if second.Path() != filepath.Join(dir, "job.lock") {
		t.Fatalf("unexpected lock path %q", second.Path())
	}
}
