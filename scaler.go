package compose

// ResizeMode defines how a source raster is fitted into a differently
// sized target rectangle.
type ResizeMode int

const (
	// ResizeContain scales to fit inside the target, preserving aspect
	// ratio (may letterbox against the canvas background).
	ResizeContain ResizeMode = iota
	// ResizeContainBlur is ResizeContain over a blurred cover-scaled
	// backdrop instead of the plain background.
	ResizeContainBlur
	// ResizeCover scales to fill the target, preserving aspect ratio
	// (may crop).
	ResizeCover
	// ResizeStretch scales to exactly the target dimensions (may
	// distort).
	ResizeStretch
)

// ParseResizeMode maps the timeline's resize strings to a ResizeMode.
func ParseResizeMode(s string) ResizeMode {
	switch s {
	case "contain":
		return ResizeContain
	case "cover":
		return ResizeCover
	case "stretch":
		return ResizeStretch
	default:
		return ResizeContainBlur
	}
}

func (m ResizeMode) String() string {
	switch m {
	case ResizeContain:
		return "contain"
	case ResizeContainBlur:
		return "contain-blur"
	case ResizeCover:
		return "cover"
	case ResizeStretch:
		return "stretch"
	}
	return "unknown"
}

// DrawFrame draws src into the full area of dst according to mode.
func DrawFrame(dst, src *Frame, mode ResizeMode) {
	switch mode {
	case ResizeStretch:
		drawScaled(dst, 0, 0, dst.Width, dst.Height, src, 0, 0, src.Width, src.Height)

	case ResizeCover:
		x, y, w, h := coverRegion(src.Width, src.Height, dst.Width, dst.Height)
		drawScaled(dst, 0, 0, dst.Width, dst.Height, src, x, y, w, h)

	case ResizeContainBlur:
		x, y, w, h := coverRegion(src.Width, src.Height, dst.Width, dst.Height)
		drawScaled(dst, 0, 0, dst.Width, dst.Height, src, x, y, w, h)
		blurFrame(dst, blurRadiusFor(dst.Width, dst.Height))
		drawContained(dst, src)

	default: // ResizeContain
		drawContained(dst, src)
	}
}

// drawContained letterboxes src into dst, centered, leaving the area
// outside the scaled rectangle untouched.
func drawContained(dst, src *Frame) {
	w, h := CalculateScaledSize(src.Width, src.Height, dst.Width, dst.Height)
	// even offsets keep the chroma planes aligned
	x := ((dst.Width - w) / 2) &^ 1
	y := ((dst.Height - h) / 2) &^ 1
	drawScaled(dst, x, y, w, h, src, 0, 0, src.Width, src.Height)
}

// CalculateScaledSize returns the largest even-sized rectangle with the
// source's aspect ratio that fits inside maxW x maxH.
func CalculateScaledSize(srcW, srcH, maxW, maxH int) (w, h int) {
	if srcW <= 0 || srcH <= 0 {
		return maxW, maxH
	}
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(maxW) / float64(maxH)

	if srcAspect > dstAspect {
		w = maxW
		h = int(float64(maxW) / srcAspect)
	} else {
		h = maxH
		w = int(float64(maxH) * srcAspect)
	}
	// Ensure even dimensions for YUV
	w = (w + 1) &^ 1
	h = (h + 1) &^ 1
	if w > maxW {
		w = maxW
	}
	if h > maxH {
		h = maxH
	}
	return w, h
}

// coverRegion returns the centered source crop whose aspect ratio
// matches the target.
func coverRegion(srcW, srcH, dstW, dstH int) (x, y, w, h int) {
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(dstW) / float64(dstH)

	if srcAspect > dstAspect {
		// Source is wider, crop horizontally
		newW := int(float64(srcH) * dstAspect)
		return ((srcW - newW) / 2) &^ 1, 0, newW, srcH
	} else if srcAspect < dstAspect {
		// Source is taller, crop vertically
		newH := int(float64(srcW) / dstAspect)
		return 0, ((srcH - newH) / 2) &^ 1, srcW, newH
	}
	return 0, 0, srcW, srcH
}

// drawScaled scales the src region into the dst rectangle, per plane.
func drawScaled(dst *Frame, dstX, dstY, dstW, dstH int, src *Frame, srcX, srcY, srcW, srcH int) {
	scalePlane(src.Y, src.StrideY, srcX, srcY, srcW, srcH,
		dst.Y, dst.StrideY, dstX, dstY, dstW, dstH)
	scalePlane(src.U, src.StrideUV, srcX/2, srcY/2, srcW/2, srcH/2,
		dst.U, dst.StrideUV, dstX/2, dstY/2, dstW/2, dstH/2)
	scalePlane(src.V, src.StrideUV, srcX/2, srcY/2, srcW/2, srcH/2,
		dst.V, dst.StrideUV, dstX/2, dstY/2, dstW/2, dstH/2)
}

// scalePlane scales a single plane region using bilinear interpolation
// with 16.16 fixed-point coordinates.
func scalePlane(src []byte, srcStride, srcX, srcY, srcW, srcH int,
	dst []byte, dstStride, dstX, dstY, dstW, dstH int) {

	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return
	}

	xRatio := (srcW << 16) / dstW
	yRatio := (srcH << 16) / dstH

	for y := 0; y < dstH; y++ {
		srcYFP := y * yRatio
		srcYInt := srcYFP >> 16
		srcYFrac := srcYFP & 0xFFFF

		y0 := srcYInt + srcY
		y1 := y0 + 1
		if y1 >= srcY+srcH {
			y1 = y0
		}

		for x := 0; x < dstW; x++ {
			srcXFP := x * xRatio
			srcXInt := srcXFP >> 16
			srcXFrac := srcXFP & 0xFFFF

			x0 := srcXInt + srcX
			x1 := x0 + 1
			if x1 >= srcX+srcW {
				x1 = x0
			}

			p00 := int(src[y0*srcStride+x0])
			p10 := int(src[y0*srcStride+x1])
			p01 := int(src[y1*srcStride+x0])
			p11 := int(src[y1*srcStride+x1])

			top := (p00*(0x10000-srcXFrac) + p10*srcXFrac) >> 16
			bottom := (p01*(0x10000-srcXFrac) + p11*srcXFrac) >> 16
			result := (top*(0x10000-srcYFrac) + bottom*srcYFrac) >> 16

			dst[(y+dstY)*dstStride+x+dstX] = byte(result)
		}
	}
}

// blurRadiusFor picks a backdrop blur radius proportional to the canvas.
func blurRadiusFor(w, h int) int {
	r := w
	if h > w {
		r = h
	}
	r /= 48
	if r < 4 {
		r = 4
	}
	return r
}

// blurFrame applies a separable box blur to every plane in place.
func blurFrame(f *Frame, radius int) {
	boxBlurPlane(f.Y, f.StrideY, f.Width, f.Height, radius)
	uvRadius := radius / 2
	if uvRadius < 1 {
		uvRadius = 1
	}
	boxBlurPlane(f.U, f.StrideUV, f.Width/2, f.Height/2, uvRadius)
	boxBlurPlane(f.V, f.StrideUV, f.Width/2, f.Height/2, uvRadius)
}

// boxBlurPlane runs a horizontal then a vertical box pass with a running
// sum, clamping at the edges.
func boxBlurPlane(p []byte, stride, w, h, radius int) {
	if radius <= 0 || w <= 0 || h <= 0 {
		return
	}
	tmp := make([]byte, len(p))
	window := 2*radius + 1

	for y := 0; y < h; y++ {
		row := p[y*stride:]
		sum := 0
		for i := -radius; i <= radius; i++ {
			sum += int(row[clampInt(i, 0, w-1)])
		}
		for x := 0; x < w; x++ {
			tmp[y*stride+x] = byte(sum / window)
			sum += int(row[clampInt(x+radius+1, 0, w-1)]) - int(row[clampInt(x-radius, 0, w-1)])
		}
	}

	for x := 0; x < w; x++ {
		sum := 0
		for i := -radius; i <= radius; i++ {
			sum += int(tmp[clampInt(i, 0, h-1)*stride+x])
		}
		for y := 0; y < h; y++ {
			p[y*stride+x] = byte(sum / window)
			sum += int(tmp[clampInt(y+radius+1, 0, h-1)*stride+x]) - int(tmp[clampInt(y-radius, 0, h-1)*stride+x])
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
