package safetensors

import (
	"fmt"
	"sort"
	"strings"
)

// Limits applied to untrusted headers.
const (
	MaxHeaderSize    = 100 * 1024 * 1024
	MaxTensorCount   = 100_000
	MaxTensorNameLen = 4096
)

// ValidateName rejects empty names, names that look like paths, and names
// that collide with the reserved metadata key.
func ValidateName(name string) error {
	var details string
	switch {
	case name == "":
		details = "empty name"
	case name == metadataKey:
		details = "reserved for metadata"
	case len(name) > MaxTensorNameLen:
		details = fmt.Sprintf("length %d > max %d", len(name), MaxTensorNameLen)
	case strings.Contains(name, ".."):
		details = "contains '..'"
	case strings.ContainsAny(name, "/\\"):
		details = "contains path separator"
	case strings.Contains(name, "\x00"):
		details = "contains null byte"
	default:
		return nil
	}
	return &ValidationError{Kind: ErrInvalidName, Tensor: name, Details: details}
}

type span struct {
	name       string
	start, end int64
}

// validateSpans checks that every tensor lies inside the data section and
// that no two tensors share bytes.
func validateSpans(spans []span, dataSize int64) error {
	if len(spans) > MaxTensorCount {
		return &ValidationError{
			Kind:    ErrOutOfBounds,
			Details: fmt.Sprintf("%d tensors, max %d", len(spans), MaxTensorCount),
		}
	}
	sorted := make([]span, len(spans))
	copy(sorted, spans)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start < sorted[j].start })

	for i, s := range sorted {
		if s.start < 0 || s.end < s.start {
			return &ValidationError{
				Kind:    ErrOutOfBounds,
				Tensor:  s.name,
				Details: fmt.Sprintf("invalid data offsets [%d, %d]", s.start, s.end),
			}
		}
		if s.end > dataSize {
			return &ValidationError{
				Kind:    ErrOutOfBounds,
				Tensor:  s.name,
				Details: fmt.Sprintf("end %d > data size %d", s.end, dataSize),
			}
		}
		if i+1 < len(sorted) && s.end > sorted[i+1].start {
			next := sorted[i+1]
			return &ValidationError{
				Kind:    ErrOffsetOverlap,
				Tensor:  s.name,
				Tensor2: next.name,
				Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap", s.start, s.end, next.start, next.end),
			}
		}
	}
	return nil
}
