// Core frame, sample-buffer and chunk types used across the compose package.
package compose

import "time"

// Frame is one raw I420 picture. Planes are always tightly packed
// (StrideY == Width, StrideUV == Width/2) unless produced by a decoder,
// which may use padded strides.
type Frame struct {
	Y, U, V  []byte
	StrideY  int
	StrideUV int
	Width    int
	Height   int
	PTS      time.Duration
}

// NewFrame allocates a zeroed I420 frame with tight strides.
// Dimensions are rounded up to even values, as required by 4:2:0 subsampling.
func NewFrame(width, height int) *Frame {
	width = (width + 1) &^ 1
	height = (height + 1) &^ 1
	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	return &Frame{
		Y:        make([]byte, ySize),
		U:        make([]byte, uvSize),
		V:        make([]byte, uvSize),
		StrideY:  width,
		StrideUV: width / 2,
		Width:    width,
		Height:   height,
	}
}

// Clone creates a deep copy of the frame.
// Use this when frame data must outlive its producer's buffer reuse.
func (f *Frame) Clone() *Frame {
	clone := &Frame{
		Y:        make([]byte, len(f.Y)),
		U:        make([]byte, len(f.U)),
		V:        make([]byte, len(f.V)),
		StrideY:  f.StrideY,
		StrideUV: f.StrideUV,
		Width:    f.Width,
		Height:   f.Height,
		PTS:      f.PTS,
	}
	copy(clone.Y, f.Y)
	copy(clone.U, f.U)
	copy(clone.V, f.V)
	return clone
}

// Fill sets every pixel of the frame to one YUV color.
func (f *Frame) Fill(y, u, v byte) {
	for i := range f.Y {
		f.Y[i] = y
	}
	for i := range f.U {
		f.U[i] = u
	}
	for i := range f.V {
		f.V[i] = v
	}
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	return ySize + uvSize*2
}

// YUV is one 8-bit BT.601 studio-range color triple.
type YUV struct {
	Y, U, V byte
}

// YUVBlack is black in BT.601 studio range.
var YUVBlack = YUV{16, 128, 128}

// RGBToYUV converts an 8-bit RGB triple to BT.601 studio-range YUV.
func RGBToYUV(r, g, b uint8) YUV {
	ri, gi, bi := int(r), int(g), int(b)
	y := ((66*ri + 129*gi + 25*bi + 128) >> 8) + 16
	u := ((-38*ri - 74*gi + 112*bi + 128) >> 8) + 128
	v := ((112*ri - 94*gi - 18*bi + 128) >> 8) + 128
	return YUV{clampByte(y), clampByte(u), clampByte(v)}
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// AudioBuffer holds planar float32 PCM, one slice per channel.
// All channels have equal length. Sample values are nominally in [-1, 1].
type AudioBuffer struct {
	Channels   [][]float32
	SampleRate int
}

// NewAudioBuffer allocates a zeroed planar buffer.
func NewAudioBuffer(channels, samples, sampleRate int) *AudioBuffer {
	ch := make([][]float32, channels)
	for i := range ch {
		ch[i] = make([]float32, samples)
	}
	return &AudioBuffer{Channels: ch, SampleRate: sampleRate}
}

// Len returns the per-channel sample count.
func (b *AudioBuffer) Len() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the buffer length as wall time.
func (b *AudioBuffer) Duration() time.Duration {
	if b.SampleRate == 0 {
		return 0
	}
	return time.Duration(b.Len()) * time.Second / time.Duration(b.SampleRate)
}

// Interleave packs samples [start, start+n) into dst as interleaved frames.
// Samples beyond the buffer end are zero. dst must hold n*channels values.
func (b *AudioBuffer) Interleave(dst []float32, start, n int) {
	channels := len(b.Channels)
	length := b.Len()
	for i := 0; i < n; i++ {
		src := start + i
		for c := 0; c < channels; c++ {
			if src >= 0 && src < length {
				dst[i*channels+c] = b.Channels[c][src]
			} else {
				dst[i*channels+c] = 0
			}
		}
	}
}

// Resample converts the buffer to the given sample rate by linear
// interpolation. Returns the receiver when the rate already matches.
func (b *AudioBuffer) Resample(rate int) *AudioBuffer {
	if rate == b.SampleRate || b.SampleRate == 0 || b.Len() == 0 {
		return b
	}
	n := int(int64(b.Len()) * int64(rate) / int64(b.SampleRate))
	out := NewAudioBuffer(len(b.Channels), n, rate)
	ratio := float64(b.SampleRate) / float64(rate)
	for c, src := range b.Channels {
		dst := out.Channels[c]
		for i := range dst {
			pos := float64(i) * ratio
			j := int(pos)
			if j >= len(src)-1 {
				dst[i] = src[len(src)-1]
				continue
			}
			frac := float32(pos - float64(j))
			dst[i] = src[j]*(1-frac) + src[j+1]*frac
		}
	}
	return out
}

// EncodedChunk is one compressed unit produced by an encoder, queued until
// muxing. Video chunks are AVCC access units; audio chunks are raw AAC AUs.
type EncodedChunk struct {
	Data     []byte
	Keyframe bool
	PTS      time.Duration
	Duration time.Duration
}

// sampleCount returns ceil(d * rate) using integer math, so tests can rely
// on exact buffer lengths.
func sampleCount(d time.Duration, rate int) int {
	if d <= 0 {
		return 0
	}
	ns := d.Nanoseconds()
	return int((ns*int64(rate) + int64(time.Second) - 1) / int64(time.Second))
}
