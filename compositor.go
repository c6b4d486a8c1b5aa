package compose

// CanvasLayer is one resolved layer for a single compositing tick.
type CanvasLayer struct {
	Frame *Frame
	Mode  ResizeMode

	// Explicit layer box. Zero means the layer spans the whole canvas.
	Width  int
	Height int

	// Stretch across the canvas ignoring Mode. Used for gradients,
	// which are regenerated at canvas resolution.
	FullCanvas bool
}

// Compositor draws layer stacks onto a fixed-size I420 canvas. It emits
// exactly one frame per Composite call; pacing at the output frame rate
// is the caller's job.
type Compositor struct {
	width      int
	height     int
	background YUV
	canvas     *Frame
}

// NewCompositor creates a canvas of the given size. Dimensions are
// rounded up to even values. backgroundHex may be empty for black.
func NewCompositor(width, height int, backgroundHex string) (*Compositor, error) {
	bg := YUVBlack
	if backgroundHex != "" {
		r, g, b, err := ParseHexColor(backgroundHex)
		if err != nil {
			return nil, err
		}
		bg = RGBToYUV(r, g, b)
	}
	canvas := NewFrame(width, height)
	return &Compositor{
		width:      canvas.Width,
		height:     canvas.Height,
		background: bg,
		canvas:     canvas,
	}, nil
}

// Width is the canvas width.
func (c *Compositor) Width() int { return c.width }

// Height is the canvas height.
func (c *Compositor) Height() int { return c.height }

// Composite clears the canvas to the background color and draws the
// layers in order, later layers on top. The returned frame is reused on
// the next call.
func (c *Compositor) Composite(layers []CanvasLayer) *Frame {
	c.canvas.Fill(c.background.Y, c.background.U, c.background.V)

	for _, layer := range layers {
		if layer.Frame == nil {
			continue
		}
		switch {
		case layer.FullCanvas:
			DrawFrame(c.canvas, layer.Frame, ResizeStretch)
		case layer.Width > 0 && layer.Height > 0:
			c.drawBoxed(layer)
		default:
			DrawFrame(c.canvas, layer.Frame, layer.Mode)
		}
	}
	return c.canvas
}

// drawBoxed applies the layer's resize mode inside its explicit box,
// centered on the canvas.
func (c *Compositor) drawBoxed(layer CanvasLayer) {
	w := layer.Width &^ 1
	h := layer.Height &^ 1
	if w > c.width {
		w = c.width
	}
	if h > c.height {
		h = c.height
	}
	x := ((c.width - w) / 2) &^ 1
	y := ((c.height - h) / 2) &^ 1

	// view into the canvas planes; DrawFrame honors the strides
	view := &Frame{
		Y:        c.canvas.Y[y*c.canvas.StrideY+x:],
		U:        c.canvas.U[(y/2)*c.canvas.StrideUV+x/2:],
		V:        c.canvas.V[(y/2)*c.canvas.StrideUV+x/2:],
		StrideY:  c.canvas.StrideY,
		StrideUV: c.canvas.StrideUV,
		Width:    w,
		Height:   h,
	}
	DrawFrame(view, layer.Frame, layer.Mode)
}
