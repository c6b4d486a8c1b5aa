package compose

import (
	"bytes"
	"testing"
	"time"
)

var (
	testSPS = []byte{0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50, 0x05, 0xbb}
	testPPS = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}
)

func makeVideoChunks(n, fps int) []*EncodedChunk {
	chunks := make([]*EncodedChunk, n)
	frameDur := time.Second / time.Duration(fps)
	for i := range chunks {
		data := bytes.Repeat([]byte{byte(i)}, 64+i)
		chunks[i] = &EncodedChunk{
			Data:     data,
			Keyframe: i%keyframeInterval == 0,
			PTS:      time.Duration(i) * frameDur,
			Duration: frameDur,
		}
	}
	return chunks
}

func makeAudioChunks(n, sampleRate int) []*EncodedChunk {
	chunks := make([]*EncodedChunk, n)
	blockDur := time.Duration(aacFrameSize) * time.Second / time.Duration(sampleRate)
	for i := range chunks {
		chunks[i] = &EncodedChunk{
			Data:     bytes.Repeat([]byte{0xAA}, 32),
			Keyframe: true,
			PTS:      time.Duration(i) * blockDur,
			Duration: blockDur,
		}
	}
	return chunks
}

func TestWriteFastStart_VideoOnlyRoundTrip(t *testing.T) {
	const n = 20
	vp := VideoMuxParams{Width: 640, Height: 480, FPS: 10, SPS: testSPS, PPS: testPPS}

	out, err := WriteFastStart(makeVideoChunks(n, 10), vp, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	container, err := Demux(out)
	if err != nil {
		t.Fatal(err)
	}
	defer container.Close()

	track, err := container.VideoTrack()
	if err != nil {
		t.Fatal(err)
	}
	if len(track.Samples) != n {
		t.Errorf("video samples = %d, want %d", len(track.Samples), n)
	}
	if container.HasAudio() {
		t.Error("video-only container reports an audio track")
	}
	if track.Width != 640 || track.Height != 480 {
		t.Errorf("track size = %dx%d, want 640x480", track.Width, track.Height)
	}
	if track.Codec != CodecH264 {
		t.Errorf("track codec = %v, want %v", track.Codec, CodecH264)
	}
	if len(track.DecoderConfig) == 0 {
		t.Error("avcC configuration missing after round trip")
	}
}

func TestWriteFastStart_RoundTripSampleData(t *testing.T) {
	chunks := makeVideoChunks(5, 30)
	vp := VideoMuxParams{Width: 320, Height: 240, FPS: 30, SPS: testSPS, PPS: testPPS}

	out, err := WriteFastStart(chunks, vp, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	container, err := Demux(out)
	if err != nil {
		t.Fatal(err)
	}
	defer container.Close()

	track := container.Video
	for i := range chunks {
		data, err := track.SampleData(i)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(data, chunks[i].Data) {
			t.Fatalf("sample %d payload differs after round trip", i)
		}
	}

	// sync flags follow the keyframe markers
	if !track.Samples[0].Sync {
		t.Error("first sample not marked sync")
	}
	if track.Samples[1].Sync {
		t.Error("delta sample marked sync")
	}
}

func TestWriteFastStart_AudioVideoRoundTrip(t *testing.T) {
	vp := VideoMuxParams{Width: 640, Height: 360, FPS: 30, SPS: testSPS, PPS: testPPS}
	ap := &AudioMuxParams{SampleRate: 48000, Channels: 2}

	video := makeVideoChunks(30, 30)
	audio := makeAudioChunks(47, 48000)

	out, err := WriteFastStart(video, vp, audio, ap)
	if err != nil {
		t.Fatal(err)
	}

	container, err := Demux(out)
	if err != nil {
		t.Fatal(err)
	}
	defer container.Close()

	if !container.HasAudio() {
		t.Fatal("audio track missing after round trip")
	}
	if got := len(container.Audio.Samples); got != len(audio) {
		t.Errorf("audio samples = %d, want %d", got, len(audio))
	}
	if container.Audio.SampleRate != 48000 {
		t.Errorf("audio sample rate = %d, want 48000", container.Audio.SampleRate)
	}
	if container.Audio.Channels != 2 {
		t.Errorf("audio channels = %d, want 2", container.Audio.Channels)
	}
	if container.Audio.Codec != CodecAAC {
		t.Errorf("audio codec = %v, want %v", container.Audio.Codec, CodecAAC)
	}

	// audio payloads land after all video payloads
	if got, want := len(container.Video.Samples), len(video); got != want {
		t.Fatalf("video samples = %d, want %d", got, want)
	}
	data, err := container.Audio.SampleData(0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, audio[0].Data) {
		t.Error("first audio payload differs after round trip")
	}
}

func TestWriteFastStart_FastStartLayout(t *testing.T) {
	vp := VideoMuxParams{Width: 320, Height: 240, FPS: 30, SPS: testSPS, PPS: testPPS}
	out, err := WriteFastStart(makeVideoChunks(3, 30), vp, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	moov := bytes.Index(out, []byte("moov"))
	mdat := bytes.Index(out, []byte("mdat"))
	if moov < 0 || mdat < 0 {
		t.Fatal("moov/mdat not found")
	}
	if moov > mdat {
		t.Errorf("moov at %d after mdat at %d; index must precede payload", moov, mdat)
	}
}

func TestWriteFastStart_Validation(t *testing.T) {
	vp := VideoMuxParams{Width: 320, Height: 240, FPS: 30, SPS: testSPS, PPS: testPPS}

	if _, err := WriteFastStart(nil, vp, nil, nil); err == nil {
		t.Error("expected error for empty chunk list")
	}

	noSPS := vp
	noSPS.SPS = nil
	if _, err := WriteFastStart(makeVideoChunks(1, 30), noSPS, nil, nil); err == nil {
		t.Error("expected error for missing parameter sets")
	}
}

func TestDurationToUnits(t *testing.T) {
	tests := []struct {
		d         time.Duration
		timescale uint32
		want      int64
	}{
		{time.Second, 90000, 90000},
		{time.Second / 30, 90000, 3000},
		{2 * time.Second, 1000, 2000},
		{time.Duration(aacFrameSize) * time.Second / 48000, 48000, aacFrameSize},
	}

	for _, tt := range tests {
		if got := durationToUnits(tt.d, tt.timescale); got != tt.want {
			t.Errorf("durationToUnits(%v, %d) = %d, want %d", tt.d, tt.timescale, got, tt.want)
		}
	}
}
