package compose

import (
	"sync"
	"time"
)

// keyframeInterval forces an IDR every Nth submitted frame so seeking in
// the delivered file never scans far.
const keyframeInterval = 30

// VideoTrackEncoder drives the H.264 encoder for one output track. Every
// submitted frame is re-stamped to frameIndex/fps, so output timing is
// exactly uniform regardless of source timestamps. Chunks are buffered
// until Flush.
type VideoTrackEncoder struct {
	backend VideoEncoderBackend
	fps     int

	frameIndex  int
	outputIndex int
	chunks      []*EncodedChunk

	// test seam; nil means the native codec
	factory func(width, height, fps, bitrateBps int) (VideoEncoderBackend, error)

	closeOnce sync.Once
	mu        sync.Mutex
}

// NewVideoTrackEncoder returns an unconfigured encoder adapter.
func NewVideoTrackEncoder() *VideoTrackEncoder {
	return &VideoTrackEncoder{}
}

// Configure creates the underlying encoder, preferring the hardware
// codec and falling back to software. Neither available is fatal.
func (e *VideoTrackEncoder) Configure(codec Codec, width, height, fps, bitrateBps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if codec != CodecH264 {
		return &ConfigurationError{Codec: codec, Width: width, Height: height, Reason: "unsupported video codec"}
	}

	factory := e.factory
	if factory == nil {
		factory = func(w, h, f, b int) (VideoEncoderBackend, error) {
			return newH264Encoder(w, h, f, b, H264ProfileHigh, H264HardwareSupported(w, h))
		}
	}
	backend, err := factory(width, height, fps, bitrateBps)
	if err != nil {
		return &ConfigurationError{Codec: codec, Width: width, Height: height, Reason: err.Error()}
	}

	e.backend = backend
	e.fps = fps
	return nil
}

// Encode submits one frame. The frame's own PTS is ignored.
func (e *VideoTrackEncoder) Encode(frame *Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.backend == nil {
		return &EncoderStateError{Component: "Encoder"}
	}

	frame.PTS = e.stamp(e.frameIndex)
	forceKeyframe := e.frameIndex%keyframeInterval == 0
	e.frameIndex++

	chunk, err := e.backend.Encode(frame, forceKeyframe)
	if err != nil {
		return err
	}
	if chunk != nil {
		e.buffer(chunk)
	}
	return nil
}

// Flush drains the encoder and returns every chunk produced so far, in
// order.
func (e *VideoTrackEncoder) Flush() ([]*EncodedChunk, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.backend == nil {
		return nil, &EncoderStateError{Component: "Encoder"}
	}

	tail, err := e.backend.Flush()
	if err != nil {
		return nil, err
	}
	for _, chunk := range tail {
		e.buffer(chunk)
	}
	chunks := e.chunks
	e.chunks = nil
	return chunks, nil
}

// buffer re-stamps a produced chunk onto the uniform output clock.
func (e *VideoTrackEncoder) buffer(chunk *EncodedChunk) {
	chunk.PTS = e.stamp(e.outputIndex)
	chunk.Duration = time.Second / time.Duration(e.fps)
	e.outputIndex++
	e.chunks = append(e.chunks, chunk)
}

func (e *VideoTrackEncoder) stamp(index int) time.Duration {
	return time.Duration(index) * time.Second / time.Duration(e.fps)
}

// SPS returns the encoder's sequence parameter set.
func (e *VideoTrackEncoder) SPS() []byte {
	if e.backend == nil {
		return nil
	}
	return e.backend.SPS()
}

// PPS returns the encoder's picture parameter set.
func (e *VideoTrackEncoder) PPS() []byte {
	if e.backend == nil {
		return nil
	}
	return e.backend.PPS()
}

// Backend reports which codec implementation was selected.
func (e *VideoTrackEncoder) Backend() Backend {
	if e.backend == nil {
		return BackendNone
	}
	return e.backend.Backend()
}

// Close releases the encoder. Safe to call more than once.
func (e *VideoTrackEncoder) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.backend != nil {
			err = e.backend.Close()
			e.backend = nil
		}
	})
	return err
}
