package compose

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeEncoderBackend emits one chunk per submitted frame, keyframes as
// forced.
type fakeEncoderBackend struct {
	mu      sync.Mutex
	frames  int
	pending []*EncodedChunk
}

func (f *fakeEncoderBackend) Encode(frame *Frame, forceKeyframe bool) (*EncodedChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	return &EncodedChunk{
		Data:     []byte{0x41, byte(f.frames)},
		Keyframe: forceKeyframe,
		PTS:      frame.PTS,
	}, nil
}

func (f *fakeEncoderBackend) Flush() ([]*EncodedChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out, nil
}

func (f *fakeEncoderBackend) SPS() []byte      { return testSPS }
func (f *fakeEncoderBackend) PPS() []byte      { return testPPS }
func (f *fakeEncoderBackend) Backend() Backend { return BackendSoftware }
func (f *fakeEncoderBackend) Close() error     { return nil }

// fakeAudioEncoderBackend emits one AU per block after a one-block
// priming delay, exercising the drain path.
type fakeAudioEncoderBackend struct {
	mu     sync.Mutex
	blocks int
	primed bool
}

func (f *fakeAudioEncoderBackend) Encode(pcm []float32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks++
	if !f.primed {
		f.primed = true
		return nil, nil
	}
	return []byte{0xAA, byte(f.blocks)}, nil
}

func (f *fakeAudioEncoderBackend) Flush() ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.primed {
		return nil, nil
	}
	return [][]byte{{0xAA, 0xFF}}, nil
}

func (f *fakeAudioEncoderBackend) Backend() Backend { return BackendSoftware }
func (f *fakeAudioEncoderBackend) Close() error     { return nil }

func newTestVideoEncoder(t *testing.T, fps int) (*VideoTrackEncoder, *fakeEncoderBackend) {
	t.Helper()
	backend := &fakeEncoderBackend{}
	enc := NewVideoTrackEncoder()
	enc.factory = func(w, h, f, b int) (VideoEncoderBackend, error) { return backend, nil }
	if err := enc.Configure(CodecH264, 64, 64, fps, 1_000_000); err != nil {
		t.Fatal(err)
	}
	return enc, backend
}

func TestVideoTrackEncoder_NotConfigured(t *testing.T) {
	enc := NewVideoTrackEncoder()
	err := enc.Encode(NewFrame(64, 64))
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "Encoder not configured" {
		t.Errorf("error = %q, want %q", err.Error(), "Encoder not configured")
	}
	var stateErr *EncoderStateError
	if !errors.As(err, &stateErr) {
		t.Errorf("error type = %T, want *EncoderStateError", err)
	}
}

func TestVideoTrackEncoder_UnsupportedCodec(t *testing.T) {
	enc := NewVideoTrackEncoder()
	if err := enc.Configure(CodecAAC, 64, 64, 30, 1_000_000); err == nil {
		t.Fatal("expected error for non-video codec")
	}
}

func TestVideoTrackEncoder_Restamping(t *testing.T) {
	const fps = 30
	enc, _ := newTestVideoEncoder(t, fps)
	defer enc.Close()

	// submit frames with garbage timestamps
	for i := 0; i < 5; i++ {
		f := NewFrame(64, 64)
		f.PTS = time.Duration(100+i) * time.Hour
		if err := enc.Encode(f); err != nil {
			t.Fatal(err)
		}
	}
	chunks, err := enc.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 5 {
		t.Fatalf("chunks = %d, want 5", len(chunks))
	}
	for i, c := range chunks {
		want := time.Duration(i) * time.Second / fps
		if c.PTS != want {
			t.Errorf("chunk %d PTS = %v, want %v", i, c.PTS, want)
		}
		if c.Duration != time.Second/fps {
			t.Errorf("chunk %d duration = %v, want %v", i, c.Duration, time.Second/fps)
		}
	}
}

func TestVideoTrackEncoder_KeyframeCadence(t *testing.T) {
	enc, _ := newTestVideoEncoder(t, 30)
	defer enc.Close()

	n := keyframeInterval*2 + 5
	for i := 0; i < n; i++ {
		if err := enc.Encode(NewFrame(64, 64)); err != nil {
			t.Fatal(err)
		}
	}
	chunks, err := enc.Flush()
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range chunks {
		want := i%keyframeInterval == 0
		if c.Keyframe != want {
			t.Errorf("chunk %d keyframe = %v, want %v", i, c.Keyframe, want)
		}
	}
}

func TestVideoTrackEncoder_FlushResetsBacklog(t *testing.T) {
	enc, _ := newTestVideoEncoder(t, 30)
	defer enc.Close()

	if err := enc.Encode(NewFrame(64, 64)); err != nil {
		t.Fatal(err)
	}
	first, err := enc.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("first flush = %d chunks, want 1", len(first))
	}
	second, err := enc.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Errorf("second flush = %d chunks, want 0", len(second))
	}
}

func TestAudioTrackEncoder_NotConfigured(t *testing.T) {
	enc := NewAudioTrackEncoder()
	err := enc.Encode(make([]float32, aacFrameSize*2))
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "AudioEncoder not configured" {
		t.Errorf("error = %q, want %q", err.Error(), "AudioEncoder not configured")
	}
}

func TestAudioTrackEncoder_BlockTiming(t *testing.T) {
	backend := &fakeAudioEncoderBackend{}
	enc := NewAudioTrackEncoder()
	enc.factory = func(rate, ch, bitrate int) (AudioEncoderBackend, error) { return backend, nil }
	if err := enc.Configure(CodecAAC, 48000, 2, 128_000); err != nil {
		t.Fatal(err)
	}
	defer enc.Close()

	block := make([]float32, aacFrameSize*2)
	for i := 0; i < 4; i++ {
		if err := enc.Encode(block); err != nil {
			t.Fatal(err)
		}
	}
	chunks, err := enc.Flush()
	if err != nil {
		t.Fatal(err)
	}
	// one block swallowed for priming, returned by the drain
	if len(chunks) != 4 {
		t.Fatalf("chunks = %d, want 4", len(chunks))
	}
	blockDur := time.Duration(aacFrameSize) * time.Second / 48000
	for i, c := range chunks {
		if want := time.Duration(i) * blockDur; c.PTS != want {
			t.Errorf("chunk %d PTS = %v, want %v", i, c.PTS, want)
		}
		if !c.Keyframe {
			t.Errorf("chunk %d not marked sync", i)
		}
	}
}

func TestAudioTrackEncoder_RejectsWrongBlockSize(t *testing.T) {
	enc := NewAudioTrackEncoder()
	enc.factory = func(rate, ch, bitrate int) (AudioEncoderBackend, error) {
		return &fakeAudioEncoderBackend{}, nil
	}
	if err := enc.Configure(CodecAAC, 48000, 2, 128_000); err != nil {
		t.Fatal(err)
	}
	defer enc.Close()

	if err := enc.Encode(make([]float32, 100)); err == nil {
		t.Fatal("expected error for short block")
	}
}

func TestEncoderStateError_Message(t *testing.T) {
	for _, component := range []string{"Encoder", "AudioEncoder"} {
		err := &EncoderStateError{Component: component}
		if want := fmt.Sprintf("%s not configured", component); err.Error() != want {
			t.Errorf("Error() = %q, want %q", err.Error(), want)
		}
	}
}
