package compose

import (
	"fmt"
	"io"
	"time"
)

// Sample is one compressed access unit inside a track, located by its
// absolute byte range in the container. DTS and CTS are expressed in the
// track's timescale; samples appear in decode order.
type Sample struct {
	Offset   uint64
	Size     uint32
	DTS      int64
	CTS      int64
	Duration uint32
	Sync     bool
}

// Track holds the flattened sample table of one media track plus the
// codec metadata needed to configure a decoder.
type Track struct {
	Codec     Codec
	Timescale uint32

	// video only
	Width  int
	Height int

	// audio only
	SampleRate int
	Channels   int

	// Raw codec configuration: the avcC payload for H.264, the
	// AudioSpecificConfig for AAC.
	DecoderConfig []byte

	Samples []Sample

	src io.ReaderAt
}

// SampleData reads the compressed payload of sample i from the container.
func (t *Track) SampleData(i int) ([]byte, error) {
	if i < 0 || i >= len(t.Samples) {
		return nil, fmt.Errorf("sample index %d out of range [0,%d)", i, len(t.Samples))
	}
	s := t.Samples[i]
	buf := make([]byte, s.Size)
	if _, err := t.src.ReadAt(buf, int64(s.Offset)); err != nil {
		return nil, fmt.Errorf("read sample %d: %w", i, err)
	}
	return buf, nil
}

// Duration is the total media duration of the track.
func (t *Track) Duration() time.Duration {
	if t.Timescale == 0 {
		return 0
	}
	var units int64
	for i := range t.Samples {
		units += int64(t.Samples[i].Duration)
	}
	return t.toDuration(units)
}

// SampleTime is the composition timestamp of sample i.
func (t *Track) SampleTime(i int) time.Duration {
	return t.toDuration(t.Samples[i].CTS)
}

func (t *Track) toDuration(units int64) time.Duration {
	return time.Duration(units * int64(time.Second) / int64(t.Timescale))
}

// Container is the demuxed view of an MP4 input. Audio is nil when the
// file carries no audio track.
type Container struct {
	Video *Track
	Audio *Track

	closer io.Closer
}

// VideoTrack returns the video track, failing when the container has none.
func (c *Container) VideoTrack() (*Track, error) {
	if c.Video == nil {
		return nil, &ContainerParseError{Reason: "No video track found"}
	}
	return c.Video, nil
}

// HasAudio reports whether the container carries a decodable audio track.
func (c *Container) HasAudio() bool {
	return c.Audio != nil && len(c.Audio.Samples) > 0
}

// Close releases the underlying file when the container was opened from
// disk. It is a no-op for in-memory containers.
func (c *Container) Close() error {
	if c.closer == nil {
		return nil
	}
	err := c.closer.Close()
	c.closer = nil
	return err
}
