package compose

import (
	"fmt"
	"time"
)

// LayerKind discriminates the layer union. Adding a kind requires
// updating every switch over it.
type LayerKind int

const (
	LayerVideo LayerKind = iota
	LayerImage
	LayerFillColor
	LayerLinearGradient
	LayerRadialGradient
	LayerAudio
	LayerDetachedAudio
)

func (k LayerKind) String() string {
	switch k {
	case LayerVideo:
		return "video"
	case LayerImage:
		return "image"
	case LayerFillColor:
		return "fill-color"
	case LayerLinearGradient:
		return "linear-gradient"
	case LayerRadialGradient:
		return "radial-gradient"
	case LayerAudio:
		return "audio"
	case LayerDetachedAudio:
		return "detached-audio"
	default:
		return fmt.Sprintf("LayerKind(%d)", int(k))
	}
}

// ParseLayerKind maps the wire-format layer tag to its kind.
func ParseLayerKind(s string) (LayerKind, error) {
	switch s {
	case "video":
		return LayerVideo, nil
	case "image":
		return LayerImage, nil
	case "fill-color":
		return LayerFillColor, nil
	case "linear-gradient":
		return LayerLinearGradient, nil
	case "radial-gradient":
		return LayerRadialGradient, nil
	case "audio":
		return LayerAudio, nil
	case "detached-audio":
		return LayerDetachedAudio, nil
	default:
		return 0, fmt.Errorf("unknown layer kind %q", s)
	}
}

// IsVisual reports whether the layer contributes pixels to the canvas.
func (k LayerKind) IsVisual() bool {
	switch k {
	case LayerVideo, LayerImage, LayerFillColor, LayerLinearGradient, LayerRadialGradient:
		return true
	case LayerAudio, LayerDetachedAudio:
		return false
	default:
		return false
	}
}

// Layer is one entry in a clip's stack. Which fields apply depends on
// Kind: Path for video/image/audio, Color for fill-color, FromColor and
// ToColor for gradients. Zero Width/Height means "fill the canvas".
type Layer struct {
	Kind LayerKind

	// Source reference, resolved through the renderer's source map.
	Path string

	Color     string
	FromColor string
	ToColor   string

	// Explicit placement box on the canvas. Both zero = full canvas.
	Width  int
	Height int

	// ResizeMode is one of "contain", "contain-blur", "cover",
	// "stretch". Empty defaults to contain-blur.
	ResizeMode string

	// Trim window into the source media.
	CutFrom time.Duration
	CutTo   time.Duration

	// Audio shaping.
	Gain            float64
	Volume          any
	FadeIn          Fade
	FadeOut         Fade
	Loop            bool
	KeepSourceAudio bool

	// Start offset within the whole timeline, used by detached-audio
	// layers that are not bound to their clip's window.
	Start time.Duration
}

// Transition describes how a clip hands over to the next one. Duration
// is subtracted from the outgoing clip's visual time, and the audio of
// both clips is crossfaded over it with the declared curves.
type Transition struct {
	Name          string
	Duration      time.Duration
	AudioInCurve  string
	AudioOutCurve string
}

// Clip is an ordered layer stack shown for Duration. Zero Duration is
// inferred at render time from the clip's single unclipped video layer.
type Clip struct {
	Layers     []Layer
	Duration   time.Duration
	Transition Transition
}

// Timeline is the full declarative composition input.
type Timeline struct {
	Width           int
	Height          int
	FPS             int
	BackgroundColor string
	Clips           []Clip
}

// visualLayers returns the clip's canvas-contributing layers in
// declaration order.
func (c *Clip) visualLayers() []Layer {
	out := make([]Layer, 0, len(c.Layers))
	for _, l := range c.Layers {
		if l.Kind.IsVisual() {
			out = append(out, l)
		}
	}
	return out
}
