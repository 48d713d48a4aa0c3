// Package compression reversibly compresses large structured payloads
// before storage. Small payloads are not worth the CPU or the opacity, so
// callers consult ShouldCompress against a configurable threshold first.
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// DefaultThreshold is the serialized-payload size above which compression
// kicks in.
const DefaultThreshold = 1024

// Service wraps gzip with the pipeline's threshold policy.
type Service struct {
	threshold int
}

// New returns a Service with the given threshold; values <= 0 take
// DefaultThreshold.
func New(threshold int) *Service {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Service{threshold: threshold}
}

// Threshold returns the configured size threshold in bytes.
func (s *Service) Threshold() int { return s.threshold }

// ShouldCompress reports whether a payload of the given serialized size
// crosses the threshold.
func (s *Service) ShouldCompress(size int) bool { return size > s.threshold }

// Compress gzips the payload. Decompress(Compress(x)) == x for all x.
func (s *Service) Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish compression: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func (s *Service) Decompress(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open compressed payload: %w", err)
	}
	defer r.Close()

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return payload, nil
}
