package compose

import "time"

// aacFrameSize is the fixed AAC-LC block length in samples per channel.
const aacFrameSize = 1024

// VideoDecoderBackend is the low-level H.264 decode surface. Input is one
// length-prefixed access unit; a nil frame with nil error means the
// decoder is still buffering reordered pictures.
type VideoDecoderBackend interface {
	Decode(data []byte, pts time.Duration) (*Frame, error)
	Flush() ([]*Frame, error)
	Reset() error
	Backend() Backend
	Close() error
}

// VideoEncoderBackend produces length-prefixed H.264 access units. SPS and
// PPS become available after the first successful create.
type VideoEncoderBackend interface {
	Encode(frame *Frame, forceKeyframe bool) (*EncodedChunk, error)
	Flush() ([]*EncodedChunk, error)
	SPS() []byte
	PPS() []byte
	Backend() Backend
	Close() error
}

// AudioDecoderBackend decodes one AAC access unit into planar float32
// PCM, one slice per channel. Converters with priming delay hold PCM
// back; Flush drains whatever is still buffered at end of track.
type AudioDecoderBackend interface {
	Decode(data []byte) ([][]float32, error)
	Flush() ([][]float32, error)
	Close() error
}

// AudioEncoderBackend consumes fixed-size interleaved float32 blocks and
// yields raw AAC access units. A nil chunk with nil error means the
// encoder is priming.
type AudioEncoderBackend interface {
	Encode(pcm []float32) ([]byte, error)
	Flush() ([][]byte, error)
	Backend() Backend
	Close() error
}

// DecoderStats tracks decoder activity.
type DecoderStats struct {
	FramesDecoded   uint64
	BytesDecoded    uint64
	CorruptedFrames uint64
}

// EncoderStats tracks encoder activity.
type EncoderStats struct {
	FramesEncoded    uint64
	KeyframesEncoded uint64
	BytesEncoded     uint64
}
