package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"transcriber/models"
)

// Audio container produced by the downloader.
const AudioFormat = "m4a"

// YtDlpService downloads the audio track of a video with yt-dlp and transcodes
// it through ffmpeg.
type YtDlpService struct {
	binary  string
	workDir string
	run     CommandRunner
	logger  *slog.Logger
}

func NewYtDlpService(binary, workDir string, logger *slog.Logger) *YtDlpService {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &YtDlpService{
		binary:  binary,
		workDir: workDir,
		run:     ExecRunner,
		logger:  logger,
	}
}

// WithCommandRunner replaces process execution (for testing).
func (s *YtDlpService) WithCommandRunner(run CommandRunner) {
	s.run = run
}

type ytDlpInfo struct {
	Title    string   `json:"title"`
	Duration *float64 `json:"duration"`
}

// Download fetches the best available audio for videoURL into
// <workDir>/<jobID>.m4a and returns the video metadata alongside the path.
func (s *YtDlpService) Download(ctx context.Context, videoURL, jobID string) (models.VideoInfo, string, error) {
	outputPath := filepath.Join(s.workDir, jobID+"."+AudioFormat)

	s.logger.Info("downloading audio", "url", videoURL, "output", outputPath)
	stdout, err := s.run(ctx, s.binary, s.args(videoURL, jobID)...)
	if err != nil {
		return models.VideoInfo{}, "", err
	}

	info, err := parseYtDlpInfo(stdout)
	if err != nil {
		return models.VideoInfo{}, "", err
	}

	if _, err := os.Stat(outputPath); err != nil {
		return models.VideoInfo{}, "", fmt.Errorf("audio file not produced: %w", err)
	}

	s.logger.Info("audio downloaded", "title", info.Title, "duration_seconds", info.Duration)
	return info, outputPath, nil
}

// args requests the Android player client so extraction survives the web
// client's bot checks.
func (s *YtDlpService) args(videoURL, jobID string) []string {
	return []string{
		"--format", "bestaudio/best",
		"--extract-audio",
		"--audio-format", AudioFormat,
		"--output", filepath.Join(s.workDir, jobID+".%(ext)s"),
		"--no-check-certificates",
		"--extractor-args", "youtube:player_client=android,web",
		"--no-playlist",
		"--no-progress",
		"--dump-json",
		"--no-simulate",
		videoURL,
	}
}

func parseYtDlpInfo(stdout []byte) (models.VideoInfo, error) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var raw ytDlpInfo
		if err := json.Unmarshal(line, &raw); err != nil {
			return models.VideoInfo{}, fmt.Errorf("parse yt-dlp info: %w", err)
		}
		info := models.VideoInfo{Title: raw.Title}
		if info.Title == "" {
			info.Title = "Unknown"
		}
		if raw.Duration != nil {
			info.Duration = *raw.Duration
		}
		return info, nil
	}
	return models.VideoInfo{}, errors.New("yt-dlp printed no video info")
}
