package compose

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// defaultDecodeTimeout bounds how long FrameAt waits for the decode
// worker before giving up on a single request.
const defaultDecodeTimeout = 5 * time.Second

// VideoFrameDecoder turns a demuxed H.264 track into random access by
// presentation time. The underlying decoder is order sensitive, so
// backward requests restart from the nearest preceding sync sample and
// feed forward; intermediate outputs are a decode cost and are dropped.
type VideoFrameDecoder struct {
	track   *Track
	timeout time.Duration

	// sample indices ordered by composition time
	byCTS []int

	requests  chan frameRequest
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

type frameRequest struct {
	index int
	resp  chan frameResponse
}

type frameResponse struct {
	frame *Frame
	err   error
}

// NewVideoFrameDecoder creates a decoder for the track, preferring the
// hardware codec when the platform supports the frame size.
func NewVideoFrameDecoder(track *Track) (*VideoFrameDecoder, error) {
	if track.Codec != CodecH264 {
		return nil, &ConfigurationError{
			Codec:  track.Codec,
			Width:  track.Width,
			Height: track.Height,
			Reason: "unsupported video codec",
		}
	}
	backend, err := newH264Decoder(track.Width, track.Height, track.DecoderConfig, H264HardwareSupported(track.Width, track.Height))
	if err != nil {
		return nil, &ConfigurationError{
			Codec:  track.Codec,
			Width:  track.Width,
			Height: track.Height,
			Reason: err.Error(),
		}
	}
	return newVideoFrameDecoder(track, backend, defaultDecodeTimeout), nil
}

func newVideoFrameDecoder(track *Track, backend VideoDecoderBackend, timeout time.Duration) *VideoFrameDecoder {
	if timeout <= 0 {
		timeout = defaultDecodeTimeout
	}

	byCTS := make([]int, len(track.Samples))
	for i := range byCTS {
		byCTS[i] = i
	}
	sort.SliceStable(byCTS, func(a, b int) bool {
		return track.Samples[byCTS[a]].CTS < track.Samples[byCTS[b]].CTS
	})

	d := &VideoFrameDecoder{
		track:    track,
		timeout:  timeout,
		byCTS:    byCTS,
		requests: make(chan frameRequest),
		done:     make(chan struct{}),
	}
	go d.decodeLoop(backend)
	return d
}

// FrameAt returns the decoded frame whose composition time is closest to
// t. Requests are served one at a time; a request that outlives the
// timeout fails with DecodeTimeoutError but leaves the decoder usable.
func (d *VideoFrameDecoder) FrameAt(ctx context.Context, t time.Duration) (*Frame, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("video decoder %w", ErrClosed)
	}
	if len(d.track.Samples) == 0 {
		return nil, &ContainerParseError{Reason: "video track has no samples"}
	}

	req := frameRequest{
		index: d.targetIndex(t),
		resp:  make(chan frameResponse, 1),
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case d.requests <- req:
	case <-d.done:
		return nil, fmt.Errorf("video decoder %w", ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &DecodeTimeoutError{PTS: t}
	}

	select {
	case resp := <-req.resp:
		return resp.frame, resp.err
	case <-d.done:
		return nil, fmt.Errorf("video decoder %w", ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &DecodeTimeoutError{PTS: t}
	}
}

// targetIndex finds the sample whose CTS is closest to t, preferring the
// smallest index on ties.
func (d *VideoFrameDecoder) targetIndex(t time.Duration) int {
	n := len(d.byCTS)
	pos := sort.Search(n, func(i int) bool {
		return d.track.SampleTime(d.byCTS[i]) >= t
	})
	if pos == n {
		pos = n - 1
	} else if pos > 0 {
		before := t - d.track.SampleTime(d.byCTS[pos-1])
		after := d.track.SampleTime(d.byCTS[pos]) - t
		if before <= after {
			pos--
		}
	}

	// equal CTS values sit adjacent in byCTS; take the smallest index
	idx := d.byCTS[pos]
	cts := d.track.Samples[idx].CTS
	for pos > 0 && d.track.Samples[d.byCTS[pos-1]].CTS == cts {
		pos--
		idx = d.byCTS[pos]
	}
	return idx
}

// decodeLoop owns the backend. All decode calls happen here so the
// order-sensitive native state is touched by one goroutine only.
func (d *VideoFrameDecoder) decodeLoop(backend VideoDecoderBackend) {
	defer backend.Close()

	lastDecoded := -1
	for {
		select {
		case <-d.done:
			return
		case req := <-d.requests:
			frame, last, err := d.decodeTarget(backend, lastDecoded, req.index)
			lastDecoded = last
			req.resp <- frameResponse{frame: frame, err: err}
		}
	}
}

// decodeTarget feeds samples up to (and past, while the codec reorders)
// the target index and returns the target's frame.
func (d *VideoFrameDecoder) decodeTarget(backend VideoDecoderBackend, lastDecoded, target int) (*Frame, int, error) {
	start := lastDecoded + 1
	if lastDecoded < 0 || target <= lastDecoded {
		// inter frames cannot decode standalone; restart from the sync
		// sample at or before the target
		start = d.syncBefore(target)
		if lastDecoded >= 0 {
			if err := backend.Reset(); err != nil {
				return nil, lastDecoded, err
			}
		}
	}

	targetCTS := d.track.SampleTime(target)
	var got *Frame

	feed := func(i int) error {
		data, err := d.track.SampleData(i)
		if err != nil {
			return err
		}
		frame, err := backend.Decode(data, d.track.SampleTime(i))
		if err != nil {
			return err
		}
		if frame != nil {
			if frame.PTS == targetCTS {
				got = frame
			}
			// other outputs were only needed to reach the target
		}
		return nil
	}

	last := lastDecoded
	for i := start; i <= target; i++ {
		if err := feed(i); err != nil {
			return nil, last, err
		}
		last = i
	}
	// with B-frames the target's picture can trail its sample; keep
	// feeding until it appears or the track ends
	for i := target + 1; got == nil && i < len(d.track.Samples); i++ {
		if err := feed(i); err != nil {
			return nil, last, err
		}
		last = i
	}
	if got == nil {
		frames, err := backend.Flush()
		if err != nil {
			return nil, last, err
		}
		for _, f := range frames {
			if f.PTS == targetCTS {
				got = f
			}
		}
	}
	if got == nil {
		return nil, last, fmt.Errorf("decoder produced no frame for sample %d at %s", target, targetCTS)
	}
	return got, last, nil
}

// syncBefore returns the nearest sync sample index at or before i.
func (d *VideoFrameDecoder) syncBefore(i int) int {
	for ; i > 0; i-- {
		if d.track.Samples[i].Sync {
			return i
		}
	}
	return 0
}

// Close shuts down the decode worker and releases the backend. It is
// safe to call more than once.
func (d *VideoFrameDecoder) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.done)
	})
	return nil
}
