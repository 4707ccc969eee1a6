// Package stt defines the speech-to-text Provider interface the transcribe
// pipeline stage consumes. Recordings are transcribed as whole files, so the
// contract is batch rather than streaming; timing information per segment
// and per word is part of the result because the compile stage sorts merged
// transcripts by start time.
//
// Implementations must be safe for concurrent use, though the GPU arbitrator
// serializes actual inference.
package stt

import (
	"context"
	"time"
)

// Word is a single recognized word with its timing.
type Word struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Segment is one recognized utterance.
type Segment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
	Words []Word        `json:"words,omitempty"`
}

// Result is a full transcription of one audio input.
type Result struct {
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
}

// Provider is the abstraction over any speech-recognition backend.
type Provider interface {
	// Transcribe runs recognition over samples, which must be mono
	// float32 PCM at 16kHz in [-1, 1].
	Transcribe(ctx context.Context, samples []float32) (*Result, error)
}

// SampleRate is the input rate every Provider expects.
const SampleRate = 16000
