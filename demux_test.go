package compose

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDemux_GarbageInput(t *testing.T) {
	if _, err := Demux([]byte("definitely not an mp4 file")); err == nil {
		t.Fatal("expected error for garbage input")
	}
}

func TestDemux_EmptyInput(t *testing.T) {
	if _, err := Demux(nil); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestContainer_VideoTrackMissing(t *testing.T) {
	c := &Container{}
	_, err := c.VideoTrack()
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "No video track found" {
		t.Errorf("error = %q, want %q", err.Error(), "No video track found")
	}
}

func TestOpenFile_RoundTrip(t *testing.T) {
	chunks := makeVideoChunks(12, 30)
	buf, err := WriteFastStart(chunks, VideoMuxParams{
		Width: 320, Height: 240, FPS: 30,
		SPS: testSPS, PPS: testPPS,
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "out.mp4")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}

	track, err := c.VideoTrack()
	if err != nil {
		t.Fatal(err)
	}
	if len(track.Samples) != 12 {
		t.Errorf("samples = %d, want 12", len(track.Samples))
	}
	// sample payloads read back through the open file handle
	for i := range track.Samples {
		data, err := track.SampleData(i)
		if err != nil {
			t.Fatalf("SampleData(%d): %v", i, err)
		}
		if !bytes.Equal(data, chunks[i].Data) {
			t.Fatalf("sample %d payload mismatch", i)
		}
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOpenFile_Missing(t *testing.T) {
	if _, err := OpenFile(filepath.Join(t.TempDir(), "missing.mp4")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestContainer_CloseIdempotent(t *testing.T) {
	c := &Container{}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestTrack_SampleDataOutOfRange(t *testing.T) {
	track := fakeVideoTrack(5, 5)
	if _, err := track.SampleData(-1); err == nil {
		t.Error("expected error for negative index")
	}
	if _, err := track.SampleData(5); err == nil {
		t.Error("expected error for index past end")
	}
}

func TestTrack_Duration(t *testing.T) {
	track := fakeVideoTrack(30, 10) // 30 samples of 3000 units at 90kHz
	if got, want := track.Duration(), time.Second; got != want {
		t.Errorf("Duration() = %v, want %v", got, want)
	}
}

func TestTrack_SampleTime(t *testing.T) {
	track := fakeVideoTrack(10, 5)
	if got := track.SampleTime(3); got != samplePTS(3) {
		t.Errorf("SampleTime(3) = %v, want %v", got, samplePTS(3))
	}
}
