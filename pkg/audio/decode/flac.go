// ABOUTME: FLAC file source
// ABOUTME: Streams a FLAC file frame by frame as float samples, optionally looping
package decode

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/sirupsen/logrus"
)

// FLACSource reads from a FLAC file
type FLACSource struct {
	file     *os.File
	stream   *flac.Stream
	opts     Options
	channels int
	scale    float32

	// decoded frame not yet handed out
	pending *frame.Frame
	offset  int
}

// NewFLACSource opens a FLAC file
func NewFLACSource(path string, opts Options) (*FLACSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open FLAC file: %w", err)
	}

	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}

	info := stream.Info
	logrus.WithFields(logrus.Fields{
		"prefix":   "decode",
		"file":     path,
		"rate":     info.SampleRate,
		"channels": info.NChannels,
		"bits":     info.BitsPerSample,
	}).Info("Loaded FLAC")

	return &FLACSource{
		file:     f,
		stream:   stream,
		opts:     opts,
		channels: int(info.NChannels),
		scale:    1 / float32(int64(1)<<(info.BitsPerSample-1)),
	}, nil
}

// Read decodes into buf, carrying partially consumed frames across calls
func (s *FLACSource) Read(buf []float32) (int, error) {
	want := (len(buf) / s.channels) * s.channels
	total := 0

	for total < want {
		if s.pending == nil {
			f, err := s.stream.ParseNext()
			if errors.Is(err, io.EOF) {
				if !s.opts.Loop {
					if total == 0 {
						return 0, io.EOF
					}
					return total, nil
				}
				if err := s.rewind(); err != nil {
					return total, err
				}
				continue
			}
			if err != nil {
				return total, fmt.Errorf("flac decode error: %w", err)
			}
			s.pending = f
			s.offset = 0
		}

		block := int(s.pending.BlockSize)
		for s.offset < block && total < want {
			for ch := 0; ch < s.channels; ch++ {
				buf[total+ch] = float32(s.pending.Subframes[ch].Samples[s.offset]) * s.scale
			}
			total += s.channels
			s.offset++
		}
		if s.offset == block {
			s.pending = nil
		}
	}
	return total, nil
}

func (s *FLACSource) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to start: %w", err)
	}
	stream, err := flac.New(s.file)
	if err != nil {
		return fmt.Errorf("failed to create new stream: %w", err)
	}
	s.stream = stream
	return nil
}

func (s *FLACSource) SampleRate() int { return int(s.stream.Info.SampleRate) }
func (s *FLACSource) Channels() int   { return s.channels }
func (s *FLACSource) Close() error    { return s.file.Close() }
