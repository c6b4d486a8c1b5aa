package compose

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// FadeCurve shapes fade amplitude. Curves map [0,1] to [0,1] with
// c(0)=0 and c(1)=1, except nofade which is constantly 1.
type FadeCurve func(t float64) float64

var fadeCurves = map[string]FadeCurve{
	"tri":   func(t float64) float64 { return t },
	"qsin":  func(t float64) float64 { return math.Sin(t * math.Pi / 2) },
	"iqsin": func(t float64) float64 { return 2 / math.Pi * math.Asin(t) },
	"hsin":  func(t float64) float64 { return (1 - math.Cos(t*math.Pi)) / 2 },
	"ihsin": func(t float64) float64 { return 1 / math.Pi * math.Acos(1-2*t) },
	"esin": func(t float64) float64 {
		return 1 - math.Cos(math.Pi/4*(math.Pow(2*t-1, 3)+1))
	},
	"log": func(t float64) float64 {
		if t <= 0 {
			return 0
		}
		v := 1 + 0.2*math.Log10(t)
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	},
	"exp": func(t float64) float64 {
		// 0.1^((1-t)*5) rescaled so the endpoints are exactly 0 and 1
		const floor = 1e-5
		return (math.Pow(0.1, (1-t)*5) - floor) / (1 - floor)
	},
	"par":  func(t float64) float64 { return 1 - math.Sqrt(1-t) },
	"ipar": func(t float64) float64 { return 1 - (1-t)*(1-t) },
	"qua":  func(t float64) float64 { return t * t },
	"cub":  func(t float64) float64 { return t * t * t },
	"squ":  func(t float64) float64 { return math.Sqrt(t) },
	"cbr":  func(t float64) float64 { return math.Cbrt(t) },
	"dese": func(t float64) float64 {
		if t <= 0.5 {
			return math.Cbrt(2*t) / 2
		}
		return 1 - math.Cbrt(2*(1-t))/2
	},
	"desi": func(t float64) float64 {
		if t <= 0.5 {
			return math.Pow(2*t, 3) / 2
		}
		return 1 - math.Pow(2*(1-t), 3)/2
	},
	"losi": func(t float64) float64 {
		const a = 1/(1-0.787) - 1
		A := 1 / (1 + math.Exp(-a*(2*t-1)))
		B := 1 / (1 + math.Exp(a))
		C := 1 / (1 + math.Exp(-a))
		return (A - B) / (C - B)
	},
	"nofade": func(t float64) float64 { return 1 },
}

// CurveByName resolves a fade curve by its name. Unknown names fall back
// to the linear curve.
func CurveByName(name string) FadeCurve {
	if c, ok := fadeCurves[name]; ok {
		return c
	}
	return fadeCurves["tri"]
}

// FadeCurveNames lists the supported curve names.
func FadeCurveNames() []string {
	names := make([]string, 0, len(fadeCurves))
	for name := range fadeCurves {
		names = append(names, name)
	}
	return names
}

// Fade is one fade envelope: duration plus shaping curve.
type Fade struct {
	Duration time.Duration
	Curve    FadeCurve
}

func (f Fade) gain(pos, total float64, out bool) float64 {
	d := f.Duration.Seconds()
	if d <= 0 {
		return 1
	}
	var t float64
	if out {
		t = (total - pos) / d
	} else {
		t = pos / d
	}
	if t >= 1 {
		return 1
	}
	if t < 0 {
		t = 0
	}
	curve := f.Curve
	if curve == nil {
		curve = fadeCurves["tri"]
	}
	return curve(t)
}

// MixTrack is one mix input: planar PCM placed at an absolute timeline
// offset with a scalar gain and optional fade envelopes. Constructed
// fresh per render, never shared.
type MixTrack struct {
	Buffer  *AudioBuffer
	Start   time.Duration
	Gain    float64
	FadeIn  Fade
	FadeOut Fade
}

// Mixer sums independently timed tracks into one fixed-duration buffer.
type Mixer struct {
	sampleRate int
	channels   int
}

// NewMixer creates a mixer for the delivery sample rate and channel
// count.
func NewMixer(sampleRate, channels int) *Mixer {
	return &Mixer{sampleRate: sampleRate, channels: channels}
}

// Mix renders all tracks into a zeroed ceil(total*rate)-sample buffer,
// additively, then hard-clips every sample to [-1,1]. Contributions
// landing outside the buffer are dropped silently.
func (m *Mixer) Mix(tracks []MixTrack, total time.Duration) *AudioBuffer {
	n := sampleCount(total, m.sampleRate)
	out := NewAudioBuffer(m.channels, n, m.sampleRate)

	for _, track := range tracks {
		if track.Buffer == nil || track.Buffer.Len() == 0 {
			continue
		}
		start := int(track.Start * time.Duration(m.sampleRate) / time.Second)
		trackLen := track.Buffer.Len()
		trackDur := float64(trackLen) / float64(m.sampleRate)

		for i := 0; i < trackLen; i++ {
			dst := start + i
			if dst < 0 || dst >= n {
				continue
			}
			pos := float64(i) / float64(m.sampleRate)
			gain := track.Gain
			gain *= track.FadeIn.gain(pos, trackDur, false)
			gain *= track.FadeOut.gain(pos, trackDur, true)

			for c := 0; c < m.channels; c++ {
				src := track.Buffer.Channels[c%len(track.Buffer.Channels)]
				out.Channels[c][dst] += src[i] * float32(gain)
			}
		}
	}

	for c := range out.Channels {
		for i, v := range out.Channels[c] {
			if v > 1 {
				out.Channels[c][i] = 1
			} else if v < -1 {
				out.Channels[c][i] = -1
			}
		}
	}
	return out
}

// Normalize scales the buffer uniformly so its peak hits target. It is a
// no-op if the buffer is silent or already at or above the target.
func Normalize(buf *AudioBuffer, target float64) {
	var peak float64
	for _, ch := range buf.Channels {
		for _, v := range ch {
			if a := math.Abs(float64(v)); a > peak {
				peak = a
			}
		}
	}
	if peak == 0 || peak >= target {
		return
	}
	scale := float32(target / peak)
	for _, ch := range buf.Channels {
		for i := range ch {
			ch[i] *= scale
		}
	}
}

// ApplyVolume multiplies the buffer by a uniform scalar. The volume may
// be numeric or a numeric string.
func ApplyVolume(buf *AudioBuffer, volume any) error {
	var v float64
	switch val := volume.(type) {
	case float64:
		v = val
	case float32:
		v = float64(val)
	case int:
		v = float64(val)
	case string:
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid volume %q", val)
		}
		v = parsed
	default:
		return fmt.Errorf("invalid volume type %T", volume)
	}
	for _, ch := range buf.Channels {
		for i := range ch {
			ch[i] *= float32(v)
		}
	}
	return nil
}
