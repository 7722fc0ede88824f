// ABOUTME: Streaming audio source interface and file opener
// ABOUTME: Picks the MP3 or FLAC decoder from the file extension
package decode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned for file types without a decoder
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Source produces interleaved float32 samples in [-1, 1)
type Source interface {
	// Read fills buf with whole frames and returns the number of samples written
	Read(buf []float32) (int, error)

	// SampleRate returns the native sample rate
	SampleRate() int

	// Channels returns the number of interleaved channels
	Channels() int

	// Close releases the underlying file
	Close() error
}

// Options control how a file source behaves at end of stream
type Options struct {
	// Loop rewinds to the start at end of file instead of returning io.EOF
	Loop bool
}

// Open opens an audio file as a Source
func Open(path string, opts Options) (Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audio file not found: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp3":
		return NewMP3Source(path, opts)
	case ".flac":
		return NewFLACSource(path, opts)
	default:
		return nil, fmt.Errorf("%w: %s (supported: .mp3, .flac)", ErrUnsupportedFormat, ext)
	}
}
