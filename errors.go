package compose

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors.
var (
	ErrClosed       = errors.New("not initialized")
	ErrNoAudioTrack = errors.New("source has no audio track")
)

// ConfigurationError indicates an unsupported codec/geometry combination.
// It is fatal: no hardware or software path can handle the configuration.
type ConfigurationError struct {
	Codec  Codec
	Width  int
	Height int
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Width > 0 {
		return fmt.Sprintf("unsupported configuration: %s %dx%d: %s", e.Codec, e.Width, e.Height, e.Reason)
	}
	return fmt.Sprintf("unsupported configuration: %s: %s", e.Codec, e.Reason)
}

// ContainerParseError indicates a structurally invalid or incomplete container.
type ContainerParseError struct {
	Reason string
}

func (e *ContainerParseError) Error() string {
	return e.Reason
}

// DecodeTimeoutError indicates no decoder output arrived within the bounded
// wait. Fatal to the frame request, not to the decoder itself.
type DecodeTimeoutError struct {
	PTS time.Duration
}

func (e *DecodeTimeoutError) Error() string {
	return fmt.Sprintf("decode timed out waiting for frame at %s", e.PTS)
}

// ReferenceNotFoundError indicates a source path missing from the source map.
type ReferenceNotFoundError struct {
	Kind string // "Video", "Image", "Audio"
	Path string
}

func (e *ReferenceNotFoundError) Error() string {
	return fmt.Sprintf("%s source not found: %s", e.Kind, e.Path)
}

// EncoderStateError indicates an out-of-sequence encoder call. This is a
// programmer error; the render is aborted.
type EncoderStateError struct {
	Component string // "Encoder" or "AudioEncoder"
}

func (e *EncoderStateError) Error() string {
	return e.Component + " not configured"
}
