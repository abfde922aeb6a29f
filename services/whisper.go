package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"transcriber/models"
)

// faster-whisper settings applied to every run.
const (
	DefaultWhisperBinary    = "whisper-ctranslate2"
	DefaultDevice           = "cuda"
	DefaultComputeType      = "float32"
	VADMinSilenceDurationMS = 500
	whisperOutputFormat     = "json"
	whisperOutputDirPattern = "whisper-*"
	defaultFFprobeBinary    = "ffprobe"
)

type WhisperConfig struct {
	Binary      string
	FFprobe     string
	Device      string
	ComputeType string
	WorkDir     string
}

// WhisperService runs faster-whisper through its command-line front end.
type WhisperService struct {
	cfg    WhisperConfig
	run    CommandRunner
	logger *slog.Logger
}

func NewWhisperService(cfg WhisperConfig, logger *slog.Logger) *WhisperService {
	if cfg.Binary == "" {
		cfg.Binary = DefaultWhisperBinary
	}
	if cfg.FFprobe == "" {
		cfg.FFprobe = defaultFFprobeBinary
	}
	if cfg.Device == "" {
		cfg.Device = DefaultDevice
	}
	if cfg.ComputeType == "" {
		cfg.ComputeType = DefaultComputeType
	}
	return &WhisperService{cfg: cfg, run: ExecRunner, logger: logger}
}

// WithCommandRunner replaces process execution (for testing).
func (s *WhisperService) WithCommandRunner(run CommandRunner) {
	s.run = run
}

type whisperWord struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

type whisperSegment struct {
	ID    int           `json:"id"`
	Start float64       `json:"start"`
	End   float64       `json:"end"`
	Text  string        `json:"text"`
	Words []whisperWord `json:"words"`
}

type whisperOutput struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []whisperSegment `json:"segments"`
}

// Transcribe runs the model over audioPath. language is an ISO 639-1 code, or
// "" to let the model detect it. The returned sequence yields segments in
// order; the caller is expected to drain it.
func (s *WhisperService) Transcribe(ctx context.Context, audioPath, language, model string) (models.TranscriptionInfo, iter.Seq2[models.RawSegment, error], error) {
	outDir, err := os.MkdirTemp(s.cfg.WorkDir, whisperOutputDirPattern)
	if err != nil {
		return models.TranscriptionInfo{}, nil, fmt.Errorf("create whisper output dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	s.logger.Info("loading whisper model",
		"model", model,
		"device", s.cfg.Device,
		"compute_type", s.cfg.ComputeType,
		"language", languageLabel(language),
	)
	if _, err := s.run(ctx, s.cfg.Binary, s.buildArgs(audioPath, outDir, language, model)...); err != nil {
		return models.TranscriptionInfo{}, nil, err
	}

	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	data, err := os.ReadFile(filepath.Join(outDir, base+".json"))
	if err != nil {
		return models.TranscriptionInfo{}, nil, fmt.Errorf("read whisper output: %w", err)
	}
	var out whisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return models.TranscriptionInfo{}, nil, fmt.Errorf("parse whisper json: %w", err)
	}

	info := models.TranscriptionInfo{Language: out.Language, Duration: out.Duration}
	if info.Language == "" {
		info.Language = language
	}
	if info.Duration <= 0 {
		info.Duration = s.duration(ctx, audioPath, out.Segments)
	}
	s.logger.Info("detected language", "language", info.Language, "duration_seconds", info.Duration)

	return info, segmentsOf(out.Segments), nil
}

func (s *WhisperService) buildArgs(audioPath, outDir, language, model string) []string {
	args := []string{
		audioPath,
		"--model", model,
		"--device", s.cfg.Device,
		"--compute_type", s.cfg.ComputeType,
		"--word_timestamps", "True",
		"--vad_filter", "True",
		"--vad_min_silence_duration_ms", strconv.Itoa(VADMinSilenceDurationMS),
		"--output_format", whisperOutputFormat,
		"--output_dir", outDir,
		"--verbose", "False",
	}
	if language != "" {
		args = append(args, "--language", language)
	}
	return args
}

// duration prefers the container duration and falls back to the last segment end.
func (s *WhisperService) duration(ctx context.Context, audioPath string, segments []whisperSegment) float64 {
	d, err := s.probeDuration(ctx, audioPath)
	if err == nil {
		return d
	}
	s.logger.Warn("could not probe audio duration", "error", err)
	if n := len(segments); n > 0 {
		return segments[n-1].End
	}
	return 0
}

func (s *WhisperService) probeDuration(ctx context.Context, audioPath string) (float64, error) {
	out, err := s.run(ctx, s.cfg.FFprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		audioPath,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe error: %w", err)
	}
	val := strings.TrimSpace(string(out))
	if val == "" {
		return 0, errors.New("empty duration response")
	}
	dur, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration from ffprobe: %w", err)
	}
	return dur, nil
}

func segmentsOf(raw []whisperSegment) iter.Seq2[models.RawSegment, error] {
	return func(yield func(models.RawSegment, error) bool) {
		for _, seg := range raw {
			out := models.RawSegment{
				ID:    seg.ID,
				Start: seg.Start,
				End:   seg.End,
				Text:  seg.Text,
				Words: make([]models.RawWord, 0, len(seg.Words)),
			}
			for _, w := range seg.Words {
				out.Words = append(out.Words, models.RawWord(w))
			}
			if !yield(out, nil) {
				return
			}
		}
	}
}

func languageLabel(language string) string {
	if language == "" {
		return "auto"
	}
	return language
}
