package compose

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeVideoBackend is a scripted decoder: every fed sample immediately
// produces a frame stamped with the sample's PTS.
type fakeVideoBackend struct {
	mu      sync.Mutex
	fed     []time.Duration
	resets  int
	latency time.Duration
}

func (f *fakeVideoBackend) Decode(data []byte, pts time.Duration) (*Frame, error) {
	if f.latency > 0 {
		time.Sleep(f.latency)
	}
	f.mu.Lock()
	f.fed = append(f.fed, pts)
	f.mu.Unlock()
	fr := NewFrame(64, 64)
	fr.PTS = pts
	return fr, nil
}

func (f *fakeVideoBackend) Flush() ([]*Frame, error) { return nil, nil }

func (f *fakeVideoBackend) Reset() error {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
	return nil
}

func (f *fakeVideoBackend) Backend() Backend { return BackendSoftware }
func (f *fakeVideoBackend) Close() error     { return nil }

func (f *fakeVideoBackend) feedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fed)
}

func (f *fakeVideoBackend) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

// fakeVideoTrack builds n samples at 30fps in a 90kHz timescale with a
// sync sample every syncEvery samples.
func fakeVideoTrack(n, syncEvery int) *Track {
	data := make([]byte, n)
	samples := make([]Sample, n)
	for i := range samples {
		data[i] = byte(i)
		samples[i] = Sample{
			Offset:   uint64(i),
			Size:     1,
			DTS:      int64(i) * 3000,
			CTS:      int64(i) * 3000,
			Duration: 3000,
			Sync:     i%syncEvery == 0,
		}
	}
	return &Track{
		Codec:     CodecH264,
		Timescale: 90000,
		Width:     64,
		Height:    64,
		Samples:   samples,
		src:       bytes.NewReader(data),
	}
}

func samplePTS(i int) time.Duration {
	return time.Duration(i) * 3000 * time.Second / 90000
}

func TestVideoFrameDecoder_FirstRequestStartsAtSync(t *testing.T) {
	backend := &fakeVideoBackend{}
	d := newVideoFrameDecoder(fakeVideoTrack(30, 10), backend, 0)
	defer d.Close()

	frame, err := d.FrameAt(context.Background(), samplePTS(5))
	if err != nil {
		t.Fatal(err)
	}
	if frame.PTS != samplePTS(5) {
		t.Errorf("frame PTS = %v, want %v", frame.PTS, samplePTS(5))
	}
	// samples 0..5 fed, starting from the sync sample at 0
	if got := backend.feedCount(); got != 6 {
		t.Errorf("fed %d samples, want 6", got)
	}
	if backend.resetCount() != 0 {
		t.Error("first request must not reset the backend")
	}
}

func TestVideoFrameDecoder_ForwardContinues(t *testing.T) {
	backend := &fakeVideoBackend{}
	d := newVideoFrameDecoder(fakeVideoTrack(30, 10), backend, 0)
	defer d.Close()

	if _, err := d.FrameAt(context.Background(), samplePTS(3)); err != nil {
		t.Fatal(err)
	}
	fedAfterFirst := backend.feedCount()

	frame, err := d.FrameAt(context.Background(), samplePTS(7))
	if err != nil {
		t.Fatal(err)
	}
	if frame.PTS != samplePTS(7) {
		t.Errorf("frame PTS = %v, want %v", frame.PTS, samplePTS(7))
	}
	// only samples 4..7 fed on top of the first request
	if got := backend.feedCount() - fedAfterFirst; got != 4 {
		t.Errorf("forward request fed %d samples, want 4", got)
	}
	if backend.resetCount() != 0 {
		t.Error("forward request must not reset the backend")
	}
}

func TestVideoFrameDecoder_BackwardSeeksToSync(t *testing.T) {
	backend := &fakeVideoBackend{}
	d := newVideoFrameDecoder(fakeVideoTrack(30, 10), backend, 0)
	defer d.Close()

	if _, err := d.FrameAt(context.Background(), samplePTS(15)); err != nil {
		t.Fatal(err)
	}
	fedAfterFirst := backend.feedCount()

	// earlier target: must reset and resume from the sync sample at 10
	frame, err := d.FrameAt(context.Background(), samplePTS(12))
	if err != nil {
		t.Fatal(err)
	}
	if frame.PTS != samplePTS(12) {
		t.Errorf("frame PTS = %v, want %v", frame.PTS, samplePTS(12))
	}
	if backend.resetCount() != 1 {
		t.Errorf("resets = %d, want 1", backend.resetCount())
	}
	// samples 10, 11, 12
	if got := backend.feedCount() - fedAfterFirst; got != 3 {
		t.Errorf("seek fed %d samples, want 3", got)
	}
}

func TestVideoFrameDecoder_TargetIndex(t *testing.T) {
	d := newVideoFrameDecoder(fakeVideoTrack(10, 5), &fakeVideoBackend{}, 0)
	defer d.Close()

	tests := []struct {
		name string
		t    time.Duration
		want int
	}{
		{"exact", samplePTS(4), 4},
		{"closest below", samplePTS(4) + time.Millisecond, 4},
		{"closest above", samplePTS(5) - time.Millisecond, 5},
		{"before start clamps", -time.Second, 0},
		{"past end clamps", time.Minute, 9},
		{"midpoint prefers earlier", samplePTS(2) + (samplePTS(3)-samplePTS(2))/2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.targetIndex(tt.t); got != tt.want {
				t.Errorf("targetIndex(%v) = %d, want %d", tt.t, got, tt.want)
			}
		})
	}
}

func TestVideoFrameDecoder_Timeout(t *testing.T) {
	backend := &fakeVideoBackend{latency: 200 * time.Millisecond}
	d := newVideoFrameDecoder(fakeVideoTrack(10, 5), backend, 20*time.Millisecond)
	defer d.Close()

	_, err := d.FrameAt(context.Background(), samplePTS(3))
	var timeoutErr *DecodeTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("FrameAt error = %v, want DecodeTimeoutError", err)
	}
	if timeoutErr.PTS != samplePTS(3) {
		t.Errorf("timeout PTS = %v, want %v", timeoutErr.PTS, samplePTS(3))
	}
}

func TestVideoFrameDecoder_ContextCancel(t *testing.T) {
	backend := &fakeVideoBackend{latency: 200 * time.Millisecond}
	d := newVideoFrameDecoder(fakeVideoTrack(10, 5), backend, time.Second)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if _, err := d.FrameAt(ctx, samplePTS(3)); !errors.Is(err, context.Canceled) {
		t.Fatalf("FrameAt error = %v, want context.Canceled", err)
	}
}

func TestVideoFrameDecoder_CloseIdempotent(t *testing.T) {
	d := newVideoFrameDecoder(fakeVideoTrack(10, 5), &fakeVideoBackend{}, 0)

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := d.FrameAt(context.Background(), 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("FrameAt after Close = %v, want ErrClosed", err)
	}
}
