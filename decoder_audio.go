package compose

import (
	"sort"
	"time"
)

// AudioTrackDecoder decodes an entire AAC track up front and serves
// arbitrary time windows from the resulting PCM. Audio is small next to
// video, so eager decode buys simple random access.
type AudioTrackDecoder struct {
	sampleRate int
	channels   [][]float32
}

type decodedBlock struct {
	pts    time.Duration
	planes [][]float32
}

// NewAudioTrackDecoder decodes the whole track into planar float32 PCM
// with targetChannels channels. Sources with fewer channels have their
// first channel duplicated rather than padded with silence.
func NewAudioTrackDecoder(track *Track, targetChannels int) (*AudioTrackDecoder, error) {
	backend, err := newAACDecoder(track.DecoderConfig, track.Channels)
	if err != nil {
		return nil, &ConfigurationError{
			Codec:  track.Codec,
			Reason: err.Error(),
		}
	}
	defer backend.Close()
	return newAudioTrackDecoder(track, backend, targetChannels)
}

func newAudioTrackDecoder(track *Track, backend AudioDecoderBackend, targetChannels int) (*AudioTrackDecoder, error) {
	if targetChannels <= 0 {
		targetChannels = 2
	}

	var blocks []decodedBlock
	for i := range track.Samples {
		data, err := track.SampleData(i)
		if err != nil {
			return nil, err
		}
		planes, err := backend.Decode(data)
		if err != nil {
			return nil, err
		}
		if len(planes) == 0 || len(planes[0]) == 0 {
			continue
		}
		blocks = append(blocks, decodedBlock{pts: track.SampleTime(i), planes: planes})
	}

	// container order is decode order; present in timestamp order
	sort.SliceStable(blocks, func(a, b int) bool { return blocks[a].pts < blocks[b].pts })

	// drain PCM still held by the converter's priming delay; it belongs
	// at the end of the presentation
	tail, err := backend.Flush()
	if err != nil {
		return nil, err
	}
	if len(tail) > 0 && len(tail[0]) > 0 {
		blocks = append(blocks, decodedBlock{planes: tail})
	}

	var total int
	for _, b := range blocks {
		total += len(b.planes[0])
	}

	channels := make([][]float32, targetChannels)
	for c := range channels {
		channels[c] = make([]float32, 0, total)
	}
	for _, b := range blocks {
		for c := 0; c < targetChannels; c++ {
			src := b.planes[0]
			if c < len(b.planes) {
				src = b.planes[c]
			}
			channels[c] = append(channels[c], src...)
		}
	}

	return &AudioTrackDecoder{
		sampleRate: track.SampleRate,
		channels:   channels,
	}, nil
}

// SampleRate is the PCM sample rate of the decoded track.
func (d *AudioTrackDecoder) SampleRate() int { return d.sampleRate }

// Len is the decoded length in samples per channel.
func (d *AudioTrackDecoder) Len() int {
	if len(d.channels) == 0 {
		return 0
	}
	return len(d.channels[0])
}

// Duration is the decoded length as wall time.
func (d *AudioTrackDecoder) Duration() time.Duration {
	if d.sampleRate == 0 {
		return 0
	}
	return time.Duration(d.Len()) * time.Second / time.Duration(d.sampleRate)
}

// GetSamples returns the window [start, start+dur) as planar PCM. The
// result always holds exactly ceil(dur*rate) samples per channel; the
// region outside the decoded range is zero.
func (d *AudioTrackDecoder) GetSamples(start, dur time.Duration) *AudioBuffer {
	n := sampleCount(dur, d.sampleRate)
	buf := NewAudioBuffer(len(d.channels), n, d.sampleRate)

	first := int(start * time.Duration(d.sampleRate) / time.Second)
	for c, src := range d.channels {
		for i := 0; i < n; i++ {
			pos := first + i
			if pos >= 0 && pos < len(src) {
				buf.Channels[c][i] = src[pos]
			}
		}
	}
	return buf
}
