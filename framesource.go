package compose

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	_ "image/jpeg"
	_ "image/png"
)

// FrameSource answers "what does this layer look like at time t". Every
// implementation returns I420 frames and tolerates repeated Close calls.
type FrameSource interface {
	Frame(ctx context.Context, t time.Duration) (*Frame, error)
	Width() int
	Height() int
	Duration() time.Duration
	Close() error
}

// ParseHexColor parses #rgb and #rrggbb color strings.
func ParseHexColor(s string) (r, g, b uint8, err error) {
	if len(s) == 0 || s[0] != '#' {
		return 0, 0, 0, fmt.Errorf("invalid color %q", s)
	}
	hexVal := func(c byte) (uint8, bool) {
		switch {
		case c >= '0' && c <= '9':
			return c - '0', true
		case c >= 'a' && c <= 'f':
			return c - 'a' + 10, true
		case c >= 'A' && c <= 'F':
			return c - 'A' + 10, true
		}
		return 0, false
	}
	switch len(s) {
	case 4:
		var ok [3]bool
		var v [3]uint8
		for i := 0; i < 3; i++ {
			v[i], ok[i] = hexVal(s[i+1])
			if !ok[i] {
				return 0, 0, 0, fmt.Errorf("invalid color %q", s)
			}
			v[i] = v[i]<<4 | v[i]
		}
		return v[0], v[1], v[2], nil
	case 7:
		var v [3]uint8
		for i := 0; i < 3; i++ {
			hi, okHi := hexVal(s[1+i*2])
			lo, okLo := hexVal(s[2+i*2])
			if !okHi || !okLo {
				return 0, 0, 0, fmt.Errorf("invalid color %q", s)
			}
			v[i] = hi<<4 | lo
		}
		return v[0], v[1], v[2], nil
	}
	return 0, 0, 0, fmt.Errorf("invalid color %q", s)
}

// staticSource serves one pre-rendered frame for any t.
type staticSource struct {
	frame    *Frame
	duration time.Duration
	closed   bool
	mu       sync.Mutex
}

func (s *staticSource) Frame(ctx context.Context, t time.Duration) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("frame source %w", ErrClosed)
	}
	return s.frame.Clone(), nil
}

func (s *staticSource) Width() int  { return s.frame.Width }
func (s *staticSource) Height() int { return s.frame.Height }

func (s *staticSource) Duration() time.Duration { return s.duration }

func (s *staticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// NewColorSource builds a time-invariant solid color raster.
func NewColorSource(hex string, width, height int) (FrameSource, error) {
	r, g, b, err := ParseHexColor(hex)
	if err != nil {
		return nil, err
	}
	f := NewFrame(width, height)
	yuv := RGBToYUV(r, g, b)
	f.Fill(yuv.Y, yuv.U, yuv.V)
	return &staticSource{frame: f}, nil
}

// GradientKind selects the gradient geometry.
type GradientKind int

const (
	// GradientLinear runs corner to corner, top-left to bottom-right.
	GradientLinear GradientKind = iota
	// GradientRadial is centered with radius max(w,h)/2.
	GradientRadial
)

// NewGradientSource builds a two-color gradient raster, rendered once.
func NewGradientSource(kind GradientKind, fromHex, toHex string, width, height int) (FrameSource, error) {
	r0, g0, b0, err := ParseHexColor(fromHex)
	if err != nil {
		return nil, err
	}
	r1, g1, b1, err := ParseHexColor(toHex)
	if err != nil {
		return nil, err
	}

	f := NewFrame(width, height)
	w, h := f.Width, f.Height

	// gradient position in [0,1] for a pixel
	pos := func(x, y int) float64 {
		switch kind {
		case GradientRadial:
			cx := float64(w-1) / 2
			cy := float64(h-1) / 2
			radius := float64(w) / 2
			if h > w {
				radius = float64(h) / 2
			}
			dx := float64(x) - cx
			dy := float64(y) - cy
			p := math.Sqrt(dx*dx+dy*dy) / radius
			if p > 1 {
				p = 1
			}
			return p
		default:
			return float64(x+y) / float64(w+h-2)
		}
	}

	colorAt := func(x, y int) YUV {
		p := pos(x, y)
		r := uint8(float64(r0) + p*(float64(r1)-float64(r0)))
		g := uint8(float64(g0) + p*(float64(g1)-float64(g0)))
		b := uint8(float64(b0) + p*(float64(b1)-float64(b0)))
		return RGBToYUV(r, g, b)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			f.Y[y*f.StrideY+x] = colorAt(x, y).Y
		}
	}
	for y := 0; y < h/2; y++ {
		for x := 0; x < w/2; x++ {
			c := colorAt(x*2, y*2)
			f.U[y*f.StrideUV+x] = c.U
			f.V[y*f.StrideUV+x] = c.V
		}
	}

	return &staticSource{frame: f}, nil
}

// NewImageSource decodes a still image (PNG or JPEG) once and serves
// copies of it.
func NewImageSource(data []byte) (FrameSource, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	f := NewFrame(bounds.Dx(), bounds.Dy())

	at := func(x, y int) YUV {
		if x >= bounds.Dx() {
			x = bounds.Dx() - 1
		}
		if y >= bounds.Dy() {
			y = bounds.Dy() - 1
		}
		r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
		return RGBToYUV(uint8(r>>8), uint8(g>>8), uint8(b>>8))
	}

	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			f.Y[y*f.StrideY+x] = at(x, y).Y
		}
	}
	for y := 0; y < f.Height/2; y++ {
		for x := 0; x < f.Width/2; x++ {
			c := at(x*2, y*2)
			f.U[y*f.StrideUV+x] = c.U
			f.V[y*f.StrideUV+x] = c.V
		}
	}

	return &staticSource{frame: f}, nil
}

// VideoSource serves decoded frames from a demuxed video track, shifted
// by the layer's trim offset.
type VideoSource struct {
	decoder   *VideoFrameDecoder
	container *Container
	cutFrom   time.Duration
	duration  time.Duration
	width     int
	height    int

	closeOnce sync.Once
	closeErr  error
}

// NewVideoSource demuxes the container bytes and opens a decoder for its
// video track. cutTo <= 0 means "to the end of the source".
func NewVideoSource(data []byte, cutFrom, cutTo time.Duration) (*VideoSource, error) {
	container, err := Demux(data)
	if err != nil {
		return nil, err
	}
	track, err := container.VideoTrack()
	if err != nil {
		return nil, err
	}
	decoder, err := NewVideoFrameDecoder(track)
	if err != nil {
		return nil, err
	}
	return newVideoSource(container, decoder, cutFrom, cutTo), nil
}

func newVideoSource(container *Container, decoder *VideoFrameDecoder, cutFrom, cutTo time.Duration) *VideoSource {
	track := container.Video
	end := track.Duration()
	if cutTo > 0 && cutTo < end {
		end = cutTo
	}
	dur := end - cutFrom
	if dur < 0 {
		dur = 0
	}
	return &VideoSource{
		decoder:   decoder,
		container: container,
		cutFrom:   cutFrom,
		duration:  dur,
		width:     track.Width,
		height:    track.Height,
	}
}

func (s *VideoSource) Frame(ctx context.Context, t time.Duration) (*Frame, error) {
	return s.decoder.FrameAt(ctx, t+s.cutFrom)
}

func (s *VideoSource) Width() int  { return s.width }
func (s *VideoSource) Height() int { return s.height }

// Duration is the trimmed duration of the layer.
func (s *VideoSource) Duration() time.Duration { return s.duration }

func (s *VideoSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.decoder.Close()
		if err := s.container.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}
