package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"transcriber/models"
)

// Outputs are the local paths of the generated transcript files.
type Outputs struct {
	JSON string
	SRT  string
	TXT  string
}

// Emit writes the JSON, SRT and plain-text renderings of t into dir.
func Emit(t *models.Transcript, dir, jobID string) (Outputs, error) {
	out := Outputs{
		JSON: filepath.Join(dir, jobID+"_transcript.json"),
		SRT:  filepath.Join(dir, jobID+"_transcript.srt"),
		TXT:  filepath.Join(dir, jobID+"_transcript.txt"),
	}
	if err := WriteJSON(out.JSON, t); err != nil {
		return Outputs{}, err
	}
	if err := WriteSRT(out.SRT, t); err != nil {
		return Outputs{}, err
	}
	if err := WriteText(out.TXT, t); err != nil {
		return Outputs{}, err
	}
	return out, nil
}

// MarshalTranscript renders t as indented JSON with non-ASCII text kept literal.
func MarshalTranscript(t *models.Transcript) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(t); err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func WriteJSON(path string, t *models.Transcript) error {
	data, err := MarshalTranscript(t)
	if err != nil {
		return err
	}
	return writeFile(path, data)
}

func WriteSRT(path string, t *models.Transcript) error {
	return writeFile(path, []byte(RenderSRT(t)))
}

func WriteText(path string, t *models.Transcript) error {
	return writeFile(path, []byte(t.Text))
}

// RenderSRT numbers cues from 1 and separates them with a blank line.
func RenderSRT(t *models.Transcript) string {
	var b strings.Builder
	for i, seg := range t.Segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1,
			FormatSRTTimestamp(seg.Start),
			FormatSRTTimestamp(seg.End),
			strings.TrimSpace(seg.Text),
		)
	}
	return b.String()
}

// FormatSRTTimestamp renders seconds as HH:MM:SS,mmm. Milliseconds are
// truncated; the epsilon absorbs binary error in values like 1.15.
func FormatSRTTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	total := int64(math.Floor(seconds*1000 + 1e-6))
	hours := total / 3_600_000
	minutes := total % 3_600_000 / 60_000
	secs := total % 60_000 / 1000
	millis := total % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, secs, millis)
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
