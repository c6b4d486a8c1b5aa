package compose

import (
	"testing"
)

func gradientTestFrame(w, h int) *Frame {
	f := NewFrame(w, h)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			f.Y[y*f.StrideY+x] = byte((x + y) * 255 / (f.Width + f.Height))
		}
	}
	for y := 0; y < f.Height/2; y++ {
		for x := 0; x < f.Width/2; x++ {
			f.U[y*f.StrideUV+x] = byte(x * 255 / (f.Width / 2))
			f.V[y*f.StrideUV+x] = byte(y * 255 / (f.Height / 2))
		}
	}
	return f
}

func TestParseResizeMode(t *testing.T) {
	tests := []struct {
		in   string
		want ResizeMode
	}{
		{"contain", ResizeContain},
		{"cover", ResizeCover},
		{"stretch", ResizeStretch},
		{"contain-blur", ResizeContainBlur},
		{"", ResizeContainBlur},
		{"bogus", ResizeContainBlur},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseResizeMode(tt.in); got != tt.want {
				t.Errorf("ParseResizeMode(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCalculateScaledSize(t *testing.T) {
	tests := []struct {
		name         string
		srcW, srcH   int
		maxW, maxH   int
		wantW, wantH int
	}{
		{"same aspect", 1280, 720, 640, 360, 640, 360},
		{"wide into square", 1600, 800, 400, 400, 400, 200},
		{"tall into square", 800, 1600, 400, 400, 200, 400},
		{"upscale", 320, 240, 640, 480, 640, 480},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := CalculateScaledSize(tt.srcW, tt.srcH, tt.maxW, tt.maxH)
			if w != tt.wantW || h != tt.wantH {
				t.Errorf("CalculateScaledSize(%dx%d, %dx%d) = %dx%d, want %dx%d",
					tt.srcW, tt.srcH, tt.maxW, tt.maxH, w, h, tt.wantW, tt.wantH)
			}
			if w%2 != 0 || h%2 != 0 {
				t.Errorf("scaled size %dx%d not even", w, h)
			}
		})
	}
}

func TestDrawFrame_Stretch(t *testing.T) {
	src := gradientTestFrame(64, 64)
	src.Fill(180, 90, 45)
	dst := NewFrame(32, 48)

	DrawFrame(dst, src, ResizeStretch)

	for y := 0; y < dst.Height; y++ {
		for x := 0; x < dst.Width; x++ {
			if dst.Y[y*dst.StrideY+x] != 180 {
				t.Fatalf("pixel (%d,%d) = %d, want 180", x, y, dst.Y[y*dst.StrideY+x])
			}
		}
	}
}

func TestDrawFrame_ContainLetterboxes(t *testing.T) {
	src := NewFrame(64, 32) // 2:1
	src.Fill(200, 128, 128)
	dst := NewFrame(64, 64) // 1:1
	dst.Fill(16, 128, 128)

	DrawFrame(dst, src, ResizeContain)

	// content occupies the middle band, background bars above and below
	if dst.Y[32*dst.StrideY+32] != 200 {
		t.Error("contained content missing at center")
	}
	if dst.Y[0] != 16 {
		t.Errorf("top bar overwritten: %d", dst.Y[0])
	}
	if dst.Y[63*dst.StrideY] != 16 {
		t.Errorf("bottom bar overwritten: %d", dst.Y[63*dst.StrideY])
	}
}

func TestDrawFrame_CoverFills(t *testing.T) {
	src := NewFrame(64, 32)
	src.Fill(200, 128, 128)
	dst := NewFrame(64, 64)
	dst.Fill(16, 128, 128)

	DrawFrame(dst, src, ResizeCover)

	for _, idx := range []int{0, 32*dst.StrideY + 32, 63*dst.StrideY + 63} {
		if dst.Y[idx] != 200 {
			t.Fatalf("cover left background at index %d: %d", idx, dst.Y[idx])
		}
	}
}

func TestDrawFrame_ContainBlurFills(t *testing.T) {
	src := gradientTestFrame(64, 32)
	dst := NewFrame(64, 64)
	dst.Fill(16, 128, 128)

	DrawFrame(dst, src, ResizeContainBlur)

	// blurred backdrop must cover the letterbox bars
	top := dst.Y[0]
	bottom := dst.Y[63*dst.StrideY+63]
	if top == 16 && bottom == 16 {
		t.Error("contain-blur left the letterbox bars untouched")
	}
}

func TestDrawFrame_SameSizeCopies(t *testing.T) {
	src := gradientTestFrame(48, 48)
	dst := NewFrame(48, 48)

	DrawFrame(dst, src, ResizeStretch)

	for y := 0; y < 48; y++ {
		for x := 0; x < 48; x++ {
			if dst.Y[y*dst.StrideY+x] != src.Y[y*src.StrideY+x] {
				t.Fatalf("pixel (%d,%d) differs after same-size draw", x, y)
			}
		}
	}
}
