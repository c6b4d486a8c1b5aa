package compose

import (
	"fmt"
	"sync"
	"time"
)

// AudioTrackEncoder drives the AAC encoder for the output audio track.
// Input arrives as fixed interleaved blocks of aacFrameSize samples per
// channel; timestamps come from a running block counter.
type AudioTrackEncoder struct {
	backend    AudioEncoderBackend
	sampleRate int
	channels   int

	outputIndex int
	chunks      []*EncodedChunk

	// test seam; nil means the native codec
	factory func(sampleRate, channels, bitrateBps int) (AudioEncoderBackend, error)

	closeOnce sync.Once
	mu        sync.Mutex
}

// NewAudioTrackEncoder returns an unconfigured encoder adapter.
func NewAudioTrackEncoder() *AudioTrackEncoder {
	return &AudioTrackEncoder{}
}

// Configure creates the underlying encoder.
func (e *AudioTrackEncoder) Configure(codec Codec, sampleRate, channels, bitrateBps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if codec != CodecAAC {
		return &ConfigurationError{Codec: codec, Reason: "unsupported audio codec"}
	}

	factory := e.factory
	if factory == nil {
		factory = func(rate, ch, bitrate int) (AudioEncoderBackend, error) {
			return newAACEncoder(rate, ch, bitrate, true)
		}
	}
	backend, err := factory(sampleRate, channels, bitrateBps)
	if err != nil {
		return &ConfigurationError{Codec: codec, Reason: err.Error()}
	}

	e.backend = backend
	e.sampleRate = sampleRate
	e.channels = channels
	return nil
}

// Encode consumes one interleaved block of aacFrameSize samples per
// channel.
func (e *AudioTrackEncoder) Encode(block []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.backend == nil {
		return &EncoderStateError{Component: "AudioEncoder"}
	}
	if len(block) != aacFrameSize*e.channels {
		return fmt.Errorf("audio block must hold %d samples, got %d", aacFrameSize*e.channels, len(block))
	}

	data, err := e.backend.Encode(block)
	if err != nil {
		return err
	}
	if data != nil {
		e.buffer(data)
	}
	return nil
}

// Flush drains the encoder and returns the complete ordered backlog.
func (e *AudioTrackEncoder) Flush() ([]*EncodedChunk, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.backend == nil {
		return nil, &EncoderStateError{Component: "AudioEncoder"}
	}

	tail, err := e.backend.Flush()
	if err != nil {
		return nil, err
	}
	for _, data := range tail {
		e.buffer(data)
	}
	chunks := e.chunks
	e.chunks = nil
	return chunks, nil
}

func (e *AudioTrackEncoder) buffer(data []byte) {
	blockDur := time.Duration(aacFrameSize) * time.Second / time.Duration(e.sampleRate)
	e.chunks = append(e.chunks, &EncodedChunk{
		Data:     data,
		Keyframe: true,
		PTS:      time.Duration(e.outputIndex) * blockDur,
		Duration: blockDur,
	})
	e.outputIndex++
}

// Backend reports which codec implementation was selected.
func (e *AudioTrackEncoder) Backend() Backend {
	if e.backend == nil {
		return BackendNone
	}
	return e.backend.Backend()
}

// Close releases the encoder. Safe to call more than once.
func (e *AudioTrackEncoder) Close() error {
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
