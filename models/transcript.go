package models

import (
	"fmt"
	"iter"
	"math"
	"strings"
)

// Transcript is the materialized output of one transcription run. Field order
// matches the JSON artifact.
type Transcript struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Model    string    `json:"model"`
}

type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Words []Word  `json:"words"`
}

type Word struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

// RawSegment is a segment as produced by the speech engine, before rounding.
type RawSegment struct {
	ID    int
	Start float64
	End   float64
	Text  string
	Words []RawWord
}

type RawWord struct {
	Word        string
	Start       float64
	End         float64
	Probability float64
}

// TranscriptionInfo is the engine's report about the audio as a whole.
type TranscriptionInfo struct {
	Language string
	Duration float64
}

// Materialize drains segments into a Transcript. Timings and probabilities are
// rounded to two decimals, segment text is trimmed, and the full text is the
// non-empty segment texts joined by single spaces.
func Materialize(info TranscriptionInfo, segments iter.Seq2[RawSegment, error], model string) (*Transcript, error) {
	t := &Transcript{
		Segments: []Segment{},
		Language: info.Language,
		Duration: info.Duration,
		Model:    model,
	}

	var parts []string
	for raw, err := range segments {
		if err != nil {
			return nil, fmt.Errorf("read segment %d: %w", len(t.Segments), err)
		}
		seg := normalizeSegment(raw)
		if seg.Text != "" {
			parts = append(parts, seg.Text)
		}
		t.Segments = append(t.Segments, seg)
	}
	t.Text = strings.Join(parts, " ")
	return t, nil
}

func normalizeSegment(raw RawSegment) Segment {
	seg := Segment{
		ID:    raw.ID,
		Start: Round2(raw.Start),
		End:   Round2(raw.End),
		Text:  strings.TrimSpace(raw.Text),
		Words: make([]Word, 0, len(raw.Words)),
	}
	if seg.Start < 0 {
		seg.Start = 0
	}
	if seg.End < seg.Start {
		seg.End = seg.Start
	}

	prevStart := seg.Start
	for _, rw := range raw.Words {
		w := Word{
			Word:        rw.Word,
			Start:       clamp(Round2(rw.Start), prevStart, seg.End),
			End:         clamp(Round2(rw.End), seg.Start, seg.End),
			Probability: Round2(rw.Probability),
		}
		if w.End < w.Start {
			w.End = w.Start
		}
		prevStart = w.Start
		seg.Words = append(seg.Words, w)
	}
	return seg
}

// Round2 rounds half away from zero at two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Validate reports the first segment or word that breaks timing order.
func (t *Transcript) Validate() error {
	for i, seg := range t.Segments {
		if seg.Start > seg.End {
			return fmt.Errorf("segment %d: start %.2f after end %.2f", i, seg.Start, seg.End)
		}
		prev := seg.Start
		for j, w := range seg.Words {
			if w.Start < seg.Start || w.End > seg.End {
				return fmt.Errorf("segment %d word %d: [%.2f, %.2f] outside [%.2f, %.2f]", i, j, w.Start, w.End, seg.Start, seg.End)
			}
			if w.Start < prev {
				return fmt.Errorf("segment %d word %d: starts before previous word", i, j)
			}
			prev = w.Start
		}
	}
	return nil
}

// SliceSegments adapts an in-memory slice to the lazy form Materialize reads.
func SliceSegments(segments []RawSegment) iter.Seq2[RawSegment, error] {
	return func(yield func(RawSegment, error) bool) {
		for _, s := range segments {
			if !yield(s, nil) {
				return
			}
		}
	}
}
