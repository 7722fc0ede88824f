// ABOUTME: MP3 file source
// ABOUTME: Streams an MP3 file as float samples, optionally looping
package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"
	"github.com/sirupsen/logrus"
)

// MP3Source reads from an MP3 file
type MP3Source struct {
	file    *os.File
	decoder *mp3.Decoder
	opts    Options
	buf     []byte
}

// NewMP3Source opens an MP3 file
func NewMP3Source(path string, opts Options) (*MP3Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"prefix": "decode",
		"file":   path,
		"rate":   decoder.SampleRate(),
	}).Info("Loaded MP3")

	return &MP3Source{file: f, decoder: decoder, opts: opts}, nil
}

// Read decodes into buf. The decoder always emits 16-bit stereo.
func (s *MP3Source) Read(buf []float32) (int, error) {
	want := (len(buf) / 2) * 2
	if cap(s.buf) < want*2 {
		s.buf = make([]byte, want*2)
	}
	raw := s.buf[:want*2]

	total := 0
	for total < want {
		n, err := s.decoder.Read(raw[total*2:])
		n -= n % 2
		for i := 0; i < n/2; i++ {
			sample := int16(binary.LittleEndian.Uint16(raw[(total+i)*2:]))
			buf[total+i] = float32(sample) / 32768
		}
		total += n / 2

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
			return total, fmt.Errorf("mp3 decode error: %w", err)
		}
	}
	return total, nil
}

func (s *MP3Source) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to start: %w", err)
	}
	decoder, err := mp3.NewDecoder(s.file)
	if err != nil {
		return fmt.Errorf("failed to create new decoder: %w", err)
	}
	s.decoder = decoder
	return nil
}

func (s *MP3Source) SampleRate() int { return s.decoder.SampleRate() }
func (s *MP3Source) Channels() int   { return 2 }
func (s *MP3Source) Close() error    { return s.file.Close() }
