package compose

import (
	"testing"
)

func TestNewCompositor_Background(t *testing.T) {
	comp, err := NewCompositor(64, 48, "#ff0000")
	if err != nil {
		t.Fatal(err)
	}

	out := comp.Composite(nil)
	want := RGBToYUV(255, 0, 0)
	if out.Y[0] != want.Y || out.U[0] != want.U || out.V[0] != want.V {
		t.Errorf("background pixel = (%d,%d,%d), want (%d,%d,%d)",
			out.Y[0], out.U[0], out.V[0], want.Y, want.U, want.V)
	}
}

func TestNewCompositor_DefaultBackgroundIsBlack(t *testing.T) {
	comp, err := NewCompositor(64, 48, "")
	if err != nil {
		t.Fatal(err)
	}
	out := comp.Composite(nil)
	if out.Y[0] != YUVBlack.Y || out.U[0] != YUVBlack.U {
		t.Errorf("empty background = (%d,%d), want black (%d,%d)",
			out.Y[0], out.U[0], YUVBlack.Y, YUVBlack.U)
	}
}

func TestNewCompositor_BadBackground(t *testing.T) {
	if _, err := NewCompositor(64, 48, "magenta"); err == nil {
		t.Fatal("expected error for invalid background color")
	}
}

func TestCompositor_FullCanvasLayer(t *testing.T) {
	comp, err := NewCompositor(64, 48, "#000000")
	if err != nil {
		t.Fatal(err)
	}

	layer := NewFrame(64, 48)
	layer.Fill(200, 100, 50)

	out := comp.Composite([]CanvasLayer{{Frame: layer, FullCanvas: true}})
	if out.Y[0] != 200 || out.Y[47*out.StrideY+63] != 200 {
		t.Error("full-canvas layer did not cover the canvas")
	}
}

func TestCompositor_LayerOrder(t *testing.T) {
	comp, err := NewCompositor(32, 32, "#000000")
	if err != nil {
		t.Fatal(err)
	}

	bottom := NewFrame(32, 32)
	bottom.Fill(50, 128, 128)
	top := NewFrame(32, 32)
	top.Fill(220, 128, 128)

	out := comp.Composite([]CanvasLayer{
		{Frame: bottom, FullCanvas: true},
		{Frame: top, FullCanvas: true},
	})
	if out.Y[0] != 220 {
		t.Errorf("top layer pixel = %d, want 220 (later layers draw on top)", out.Y[0])
	}
}

func TestCompositor_BoxedLayerCentered(t *testing.T) {
	comp, err := NewCompositor(64, 64, "#000000")
	if err != nil {
		t.Fatal(err)
	}

	layer := NewFrame(32, 32)
	layer.Fill(200, 128, 128)

	out := comp.Composite([]CanvasLayer{{
		Frame:  layer,
		Mode:   ResizeStretch,
		Width:  32,
		Height: 32,
	}})

	if out.Y[32*out.StrideY+32] != 200 {
		t.Error("boxed layer missing at canvas center")
	}
	if out.Y[0] != YUVBlack.Y {
		t.Errorf("corner = %d, want background outside the box", out.Y[0])
	}
}

func TestCompositor_ReusesCanvas(t *testing.T) {
	comp, err := NewCompositor(32, 32, "#ffffff")
	if err != nil {
		t.Fatal(err)
	}

	layer := NewFrame(32, 32)
	layer.Fill(60, 128, 128)
	first := comp.Composite([]CanvasLayer{{Frame: layer, FullCanvas: true}})
	if first.Y[0] != 60 {
		t.Fatalf("first composite pixel = %d", first.Y[0])
	}

	// next call clears back to background
	second := comp.Composite(nil)
	want := RGBToYUV(255, 255, 255)
	if second.Y[0] != want.Y {
		t.Errorf("canvas not cleared between composites: %d", second.Y[0])
	}
}

func TestCompositor_OddCanvasRoundsEven(t *testing.T) {
	comp, err := NewCompositor(33, 27, "#000000")
	if err != nil {
		t.Fatal(err)
	}
	if comp.Width()%2 != 0 || comp.Height()%2 != 0 {
		t.Errorf("canvas %dx%d, want even dimensions", comp.Width(), comp.Height())
	}
}
