// Package recording captures the counterpart's side of a call as a μ-law WAV
// file, stored zstd-compressed.
package recording

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/agentplexus/calltest"
)

// Extension is appended to the session ID to name a recording file.
const Extension = ".wav.zst"

// DefaultMaxBytes caps a recording at one hour of 8kHz μ-law audio.
const DefaultMaxBytes = calltest.DefaultSampleRate * 3600

const waveFormatMulaw = 7

// Recorder buffers μ-law audio in arrival order. It is safe for concurrent use.
type Recorder struct {
	maxBytes int

	mu        sync.Mutex
	data      []byte
	truncated bool
}

// NewRecorder returns a recorder holding at most maxBytes of audio. A value
// of zero or less uses DefaultMaxBytes.
func NewRecorder(maxBytes int) *Recorder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Recorder{maxBytes: maxBytes}
}

// Write appends audio. Audio past the size cap is dropped, never rejected, so
// a long call does not break the media stream.
func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.maxBytes - len(r.data)
	if room <= 0 {
		r.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		r.data = append(r.data, p[:room]...)
		r.truncated = true
		return len(p), nil
	}
	r.data = append(r.data, p...)
	return len(p), nil
}

// Len returns the number of buffered bytes (one byte per sample).
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

// Truncated reports whether audio was dropped at the size cap.
func (r *Recorder) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.truncated
}

// Save writes the recording to dir/<sessionID>.wav.zst and returns the path.
func (r *Recorder) Save(dir, sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("recording: session id must not be empty")
	}
	r.mu.Lock()
	data := append([]byte(nil), r.data...)
	r.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("recording: create dir: %w", err)
	}
	path := filepath.Join(dir, sessionID+Extension)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("recording: create file: %w", err)
	}

	if err := writeCompressed(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("recording: close file: %w", err)
	}
	return path, nil
}

func writeCompressed(w io.Writer, data []byte) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("recording: zstd writer: %w", err)
	}
	if err := EncodeWAV(enc, data); err != nil {
		_ = enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("recording: zstd close: %w", err)
	}
	return nil
}

// EncodeWAV writes 8kHz mono μ-law samples as a WAVE_FORMAT_MULAW file.
func EncodeWAV(w io.Writer, samples []byte) error {
	const (
		fmtSize  = 18 // non-PCM fmt chunk carries cbSize
		factSize = 4
	)
	n := uint32(len(samples))
	riffSize := 4 + (8 + fmtSize) + (8 + factSize) + (8 + n) + n%2

	header := []any{
		[4]byte{'R', 'I', 'F', 'F'}, riffSize, [4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '}, uint32(fmtSize),
		uint16(waveFormatMulaw),                // format
		uint16(1),                              // channels
		uint32(calltest.DefaultSampleRate),     // sample rate
		uint32(calltest.DefaultSampleRate * 1), // byte rate
		uint16(1),                              // block align
		uint16(8),                              // bits per sample
		uint16(0),                              // cbSize
		[4]byte{'f', 'a', 'c', 't'}, uint32(factSize), n,
		[4]byte{'d', 'a', 't', 'a'}, n,
	}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("recording: write header: %w", err)
		}
	}
	if _, err := w.Write(samples); err != nil {
		return fmt.Errorf("recording: write samples: %w", err)
	}
	if n%2 == 1 {
		if _, err := w.Write([]byte{0}); err != nil {
			return fmt.Errorf("recording: write pad: %w", err)
		}
	}
	return nil
}

// Open returns a reader over the decompressed WAV bytes of a saved recording.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("recording: zstd reader: %w", err)
	}
	return &readCloser{dec: dec, f: f}, nil
}

type readCloser struct {
	dec *zstd.Decoder
	f   *os.File
}

func (r *readCloser) Read(p []byte) (int, error) { return r.dec.Read(p) }

func (r *readCloser) Close() error {
	r.dec.Close()
	return r.f.Close()
}
