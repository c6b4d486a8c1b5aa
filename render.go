package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Delivery audio format. Every mixed track is resampled to this before
// encoding.
const (
	outputSampleRate = 48000
	outputChannels   = 2
)

const (
	defaultFPS          = 30
	defaultVideoBitrate = 5_000_000
	defaultAudioBitrate = 128_000
)

// Options tune a Renderer. The zero value is usable.
type Options struct {
	// Logger receives per-clip progress. nil means slog.Default().
	Logger *slog.Logger

	// DecodeTimeout bounds each video frame request. Zero means the
	// decoder default.
	DecodeTimeout time.Duration

	VideoBitrate int
	AudioBitrate int

	// Backend factories, injected by tests; nil means the native codecs.
	VideoEncoderFactory func(width, height, fps, bitrateBps int) (VideoEncoderBackend, error)
	AudioEncoderFactory func(sampleRate, channels, bitrateBps int) (AudioEncoderBackend, error)
	VideoDecoderFactory func(track *Track) (VideoDecoderBackend, error)
	AudioDecoderFactory func(track *Track) (AudioDecoderBackend, error)
}

// Renderer turns one declarative Timeline plus a source-byte lookup into
// a fast-start MP4. A Renderer performs one render at a time; nothing is
// shared between renders except the source bytes.
type Renderer struct {
	timeline Timeline
	sources  map[string][]byte
	opts     Options
	log      *slog.Logger
}

// NewRenderer builds a renderer over the timeline and its referenced
// source bytes. opts may be nil.
func NewRenderer(timeline Timeline, sources map[string][]byte, opts *Options) *Renderer {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.VideoBitrate <= 0 {
		o.VideoBitrate = defaultVideoBitrate
	}
	if o.AudioBitrate <= 0 {
		o.AudioBitrate = defaultAudioBitrate
	}
	return &Renderer{timeline: timeline, sources: sources, opts: o, log: o.Logger}
}

// clipTiming records where each clip landed on the output timeline once
// its duration is resolved.
type clipTiming struct {
	start    time.Duration
	duration time.Duration // rendered duration, transition overlap removed
	full     time.Duration // resolved duration before overlap removal
}

// Render runs the full pipeline: sequential video pass over every clip,
// then one audio pass across the whole timeline, then muxing. On any
// error no partial output is returned and every opened codec handle is
// released.
func (r *Renderer) Render(ctx context.Context) ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}

	tl := r.timeline
	fps := tl.FPS
	if fps <= 0 {
		fps = defaultFPS
	}

	log := r.log.With("job", uuid.NewString()[:8])
	log.Info("render start",
		"clips", len(tl.Clips),
		"width", tl.Width, "height", tl.Height, "fps", fps)

	comp, err := NewCompositor(tl.Width, tl.Height, tl.BackgroundColor)
	if err != nil {
		return nil, err
	}

	venc := NewVideoTrackEncoder()
	venc.factory = r.opts.VideoEncoderFactory
	defer venc.Close()
	if err := venc.Configure(CodecH264, comp.Width(), comp.Height(), fps, r.opts.VideoBitrate); err != nil {
		return nil, err
	}

	timings := make([]clipTiming, len(tl.Clips))
	var cursor time.Duration
	for i := range tl.Clips {
		clip := &tl.Clips[i]
		rendered, full, err := r.renderClip(ctx, log, clip, i, i == len(tl.Clips)-1, comp, venc, fps)
		if err != nil {
			return nil, fmt.Errorf("clip %d: %w", i, err)
		}
		timings[i] = clipTiming{start: cursor, duration: rendered, full: full}
		cursor += rendered
	}
	total := cursor

	videoChunks, err := venc.Flush()
	if err != nil {
		return nil, err
	}
	log.Info("video pass done", "chunks", len(videoChunks), "duration", total)

	audioChunks, err := r.renderAudio(ctx, log, timings, total)
	if err != nil {
		return nil, err
	}

	vp := VideoMuxParams{
		Width:  comp.Width(),
		Height: comp.Height(),
		FPS:    fps,
		SPS:    venc.SPS(),
		PPS:    venc.PPS(),
	}
	var ap *AudioMuxParams
	if len(audioChunks) > 0 {
		ap = &AudioMuxParams{SampleRate: outputSampleRate, Channels: outputChannels}
	}
	out, err := WriteFastStart(videoChunks, vp, audioChunks, ap)
	if err != nil {
		return nil, err
	}
	log.Info("render done", "bytes", len(out), "audio", ap != nil)
	return out, nil
}

// validate checks the timeline shape and every source reference before
// any codec handle is created.
func (r *Renderer) validate() error {
	if len(r.timeline.Clips) == 0 {
		return errors.New("At least one clip is required")
	}
	if r.timeline.Width <= 0 || r.timeline.Height <= 0 {
		return fmt.Errorf("invalid canvas size %dx%d", r.timeline.Width, r.timeline.Height)
	}
	for _, clip := range r.timeline.Clips {
		for _, layer := range clip.Layers {
			switch layer.Kind {
			case LayerVideo:
				if _, ok := r.sources[layer.Path]; !ok {
					return &ReferenceNotFoundError{Kind: "Video", Path: layer.Path}
				}
			case LayerImage:
				if _, ok := r.sources[layer.Path]; !ok {
					return &ReferenceNotFoundError{Kind: "Image", Path: layer.Path}
				}
			case LayerAudio, LayerDetachedAudio:
				if _, ok := r.sources[layer.Path]; !ok {
					return &ReferenceNotFoundError{Kind: "Audio", Path: layer.Path}
				}
			}
		}
	}
	return nil
}

// Duration resolves the total output duration without decoding:
// explicit clip durations, or the trimmed span of the clip's video
// track, minus transition overlap.
func (r *Renderer) Duration() (time.Duration, error) {
	if len(r.timeline.Clips) == 0 {
		return 0, errors.New("At least one clip is required")
	}
	var total time.Duration
	for i := range r.timeline.Clips {
		clip := &r.timeline.Clips[i]
		dur := clip.Duration
		if dur <= 0 {
			var err error
			dur, err = r.inferClipDuration(clip)
			if err != nil {
				return 0, fmt.Errorf("clip %d: %w", i, err)
			}
		}
		if i < len(r.timeline.Clips)-1 && clip.Transition.Duration > 0 {
			dur -= clip.Transition.Duration
			if dur < 0 {
				dur = 0
			}
		}
		total += dur
	}
	return total, nil
}

func (r *Renderer) inferClipDuration(clip *Clip) (time.Duration, error) {
	for _, layer := range clip.Layers {
		if layer.Kind != LayerVideo {
			continue
		}
		data, ok := r.sources[layer.Path]
		if !ok {
			return 0, &ReferenceNotFoundError{Kind: "Video", Path: layer.Path}
		}
		container, err := Demux(data)
		if err != nil {
			return 0, err
		}
		track, err := container.VideoTrack()
		if err != nil {
			container.Close()
			return 0, err
		}
		end := track.Duration()
		if layer.CutTo > 0 && layer.CutTo < end {
			end = layer.CutTo
		}
		container.Close()
		dur := end - layer.CutFrom
		if dur < 0 {
			dur = 0
		}
		return dur, nil
	}
	return 0, errors.New("no explicit duration and no video layer to infer one from")
}

// renderClip composites and encodes every tick of one clip. All layer
// sources are closed before returning, on success and failure alike.
func (r *Renderer) renderClip(ctx context.Context, log *slog.Logger, clip *Clip, index int, last bool, comp *Compositor, venc *VideoTrackEncoder, fps int) (rendered, full time.Duration, err error) {
	type visual struct {
		layer  Layer
		source FrameSource
	}
	var visuals []visual
	defer func() {
		for _, v := range visuals {
			if cerr := v.source.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}()

	for _, layer := range clip.visualLayers() {
		src, serr := r.openVisual(layer, comp)
		if serr != nil {
			return 0, 0, serr
		}
		visuals = append(visuals, visual{layer: layer, source: src})
	}

	full = clip.Duration
	if full <= 0 {
		for _, v := range visuals {
			if v.layer.Kind == LayerVideo {
				full = v.source.Duration()
				break
			}
		}
	}
	if full <= 0 {
		return 0, 0, errors.New("no explicit duration and no video layer to infer one from")
	}

	rendered = full
	if !last && clip.Transition.Duration > 0 {
		rendered -= clip.Transition.Duration
		if rendered < 0 {
			rendered = 0
		}
	}

	// Every instant k/fps inside [0, rendered) gets a frame, so a
	// fractional duration*fps product rounds up.
	ticks := int((rendered*time.Duration(fps) + time.Second - 1) / time.Second)
	log.Info("rendering clip", "clip", index, "layers", len(visuals), "duration", rendered, "ticks", ticks)

	frames := make([]*Frame, len(visuals))
	layers := make([]CanvasLayer, len(visuals))
	for tick := 0; tick < ticks; tick++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		t := time.Duration(tick) * time.Second / time.Duration(fps)

		// Layers own independent decoders, so one tick's fetches may
		// run concurrently. The encoder submit stays sequential.
		g, gctx := errgroup.WithContext(ctx)
		for i := range visuals {
			i := i
			v := visuals[i]
			g.Go(func() error {
				f, ferr := v.source.Frame(gctx, t)
				if ferr != nil {
					return ferr
				}
				frames[i] = f
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return 0, 0, err
		}

		for i, v := range visuals {
			layers[i] = canvasLayer(v.layer, frames[i])
		}
		if err := venc.Encode(comp.Composite(layers)); err != nil {
			return 0, 0, err
		}
	}
	return rendered, full, nil
}

// canvasLayer maps a timeline layer plus its fetched frame onto a
// compositor draw instruction.
func canvasLayer(layer Layer, frame *Frame) CanvasLayer {
	switch layer.Kind {
	case LayerFillColor, LayerLinearGradient, LayerRadialGradient:
		// Generated rasters are rendered at target resolution already;
		// never rescale them through a resize mode.
		if layer.Width > 0 && layer.Height > 0 {
			return CanvasLayer{Frame: frame, Mode: ResizeStretch, Width: layer.Width, Height: layer.Height}
		}
		return CanvasLayer{Frame: frame, FullCanvas: true}
	default:
		return CanvasLayer{Frame: frame, Mode: ParseResizeMode(layer.ResizeMode), Width: layer.Width, Height: layer.Height}
	}
}

// openVisual constructs the frame source for a canvas-contributing
// layer. Generated layers (color, gradients) are built at canvas
// resolution unless the layer declares an explicit box.
func (r *Renderer) openVisual(layer Layer, comp *Compositor) (FrameSource, error) {
	w, h := comp.Width(), comp.Height()
	if layer.Width > 0 && layer.Height > 0 {
		w, h = layer.Width, layer.Height
	}

	switch layer.Kind {
	case LayerVideo:
		return r.openVideo(r.sources[layer.Path], layer.CutFrom, layer.CutTo)
	case LayerImage:
		return NewImageSource(r.sources[layer.Path])
	case LayerFillColor:
		return NewColorSource(layer.Color, w, h)
	case LayerLinearGradient:
		return NewGradientSource(GradientLinear, layer.FromColor, layer.ToColor, w, h)
	case LayerRadialGradient:
		return NewGradientSource(GradientRadial, layer.FromColor, layer.ToColor, w, h)
	default:
		return nil, fmt.Errorf("layer kind %s has no visual content", layer.Kind)
	}
}

func (r *Renderer) openVideo(data []byte, cutFrom, cutTo time.Duration) (*VideoSource, error) {
	if r.opts.VideoDecoderFactory == nil && r.opts.DecodeTimeout <= 0 {
		return NewVideoSource(data, cutFrom, cutTo)
	}

	container, err := Demux(data)
	if err != nil {
		return nil, err
	}
	track, err := container.VideoTrack()
	if err != nil {
		container.Close()
		return nil, err
	}
	if track.Codec != CodecH264 {
		container.Close()
		return nil, &ConfigurationError{Codec: track.Codec, Width: track.Width, Height: track.Height, Reason: "unsupported video codec"}
	}

	var backend VideoDecoderBackend
	if r.opts.VideoDecoderFactory != nil {
		backend, err = r.opts.VideoDecoderFactory(track)
	} else {
		backend, err = newH264Decoder(track.Width, track.Height, track.DecoderConfig, H264HardwareSupported(track.Width, track.Height))
	}
	if err != nil {
		container.Close()
		return nil, &ConfigurationError{Codec: track.Codec, Width: track.Width, Height: track.Height, Reason: err.Error()}
	}
	decoder := newVideoFrameDecoder(track, backend, r.opts.DecodeTimeout)
	return newVideoSource(container, decoder, cutFrom, cutTo), nil
}

// renderAudio runs the single whole-timeline audio pass: collect every
// audio-bearing layer into mix tracks, mix, and encode in AAC frame
// blocks. Returns nil chunks when the timeline carries no audio.
func (r *Renderer) renderAudio(ctx context.Context, log *slog.Logger, timings []clipTiming, total time.Duration) ([]*EncodedChunk, error) {
	var tracks []MixTrack
	for i := range r.timeline.Clips {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clip := &r.timeline.Clips[i]
		fadeIn, fadeOut := r.transitionFades(i)
		for _, layer := range clip.Layers {
			mt, err := r.mixTrack(layer, timings[i], total)
			if err != nil {
				return nil, fmt.Errorf("clip %d: %w", i, err)
			}
			if mt == nil {
				continue
			}
			// Transition crossfades apply to clip-bound audio unless
			// the layer declares its own envelope.
			if layer.Kind != LayerDetachedAudio {
				if mt.FadeIn.Duration == 0 {
					mt.FadeIn = fadeIn
				}
				if mt.FadeOut.Duration == 0 {
					mt.FadeOut = fadeOut
				}
			}
			tracks = append(tracks, *mt)
		}
	}
	if len(tracks) == 0 {
		log.Info("no audio sources, producing video-only output")
		return nil, nil
	}

	mixed := NewMixer(outputSampleRate, outputChannels).Mix(tracks, total)

	aenc := NewAudioTrackEncoder()
	aenc.factory = r.opts.AudioEncoderFactory
	defer aenc.Close()
	if err := aenc.Configure(CodecAAC, outputSampleRate, outputChannels, r.opts.AudioBitrate); err != nil {
		return nil, err
	}

	block := make([]float32, aacFrameSize*outputChannels)
	for start := 0; start < mixed.Len(); start += aacFrameSize {
		mixed.Interleave(block, start, aacFrameSize)
		if err := aenc.Encode(block); err != nil {
			return nil, err
		}
	}
	chunks, err := aenc.Flush()
	if err != nil {
		return nil, err
	}
	log.Info("audio pass done", "tracks", len(tracks), "chunks", len(chunks))
	return chunks, nil
}

// transitionFades derives the crossfade envelopes for clip i: fade-in
// from the previous clip's transition, fade-out from its own.
func (r *Renderer) transitionFades(i int) (fadeIn, fadeOut Fade) {
	clips := r.timeline.Clips
	if i > 0 {
		if tr := clips[i-1].Transition; tr.Duration > 0 {
			fadeIn = Fade{Duration: tr.Duration, Curve: CurveByName(tr.AudioInCurve)}
		}
	}
	if i < len(clips)-1 {
		if tr := clips[i].Transition; tr.Duration > 0 {
			fadeOut = Fade{Duration: tr.Duration, Curve: CurveByName(tr.AudioOutCurve)}
		}
	}
	return fadeIn, fadeOut
}

// mixTrack turns one audio-bearing layer into a mixer input, or nil when
// the layer contributes no audio.
func (r *Renderer) mixTrack(layer Layer, ct clipTiming, total time.Duration) (*MixTrack, error) {
	var (
		buf   *AudioBuffer
		start time.Duration
	)

	switch layer.Kind {
	case LayerVideo:
		if !layer.KeepSourceAudio {
			return nil, nil
		}
		dec, err := r.openAudioDecoder(layer.Path)
		if err != nil {
			if errors.Is(err, ErrNoAudioTrack) {
				return nil, nil
			}
			return nil, err
		}
		buf = dec.GetSamples(layer.CutFrom, ct.duration)
		start = ct.start

	case LayerAudio:
		dec, err := r.openAudioDecoder(layer.Path)
		if err != nil {
			return nil, err
		}
		buf = dec.GetSamples(layer.CutFrom, ct.duration)
		start = ct.start

	case LayerDetachedAudio:
		dec, err := r.openAudioDecoder(layer.Path)
		if err != nil {
			return nil, err
		}
		dur := dec.Duration() - layer.CutFrom
		if layer.CutTo > 0 && layer.CutTo-layer.CutFrom < dur {
			dur = layer.CutTo - layer.CutFrom
		}
		if dur <= 0 {
			return nil, nil
		}
		buf = dec.GetSamples(layer.CutFrom, dur)
		start = layer.Start
		if layer.Loop && total > start {
			buf = loopBuffer(buf, total-start)
		}

	default:
		return nil, nil
	}

	buf = buf.Resample(outputSampleRate)

	if layer.Volume != nil {
		if err := ApplyVolume(buf, layer.Volume); err != nil {
			return nil, err
		}
	}
	gain := layer.Gain
	if gain == 0 {
		gain = 1
	}
	return &MixTrack{
		Buffer:  buf,
		Start:   start,
		Gain:    gain,
		FadeIn:  layer.FadeIn,
		FadeOut: layer.FadeOut,
	}, nil
}

// openAudioDecoder demuxes a referenced source and eagerly decodes its
// audio track. ErrNoAudioTrack when the source has none.
func (r *Renderer) openAudioDecoder(path string) (*AudioTrackDecoder, error) {
	container, err := Demux(r.sources[path])
	if err != nil {
		return nil, err
	}
	defer container.Close()
	if !container.HasAudio() {
		return nil, ErrNoAudioTrack
	}

	if r.opts.AudioDecoderFactory != nil {
		backend, err := r.opts.AudioDecoderFactory(container.Audio)
		if err != nil {
			return nil, err
		}
		defer backend.Close()
		return newAudioTrackDecoder(container.Audio, backend, outputChannels)
	}
	return NewAudioTrackDecoder(container.Audio, outputChannels)
}

// loopBuffer tiles buf until it covers span.
func loopBuffer(buf *AudioBuffer, span time.Duration) *AudioBuffer {
	need := sampleCount(span, buf.SampleRate)
	if buf.Len() == 0 || need <= buf.Len() {
		return buf
	}
	out := NewAudioBuffer(len(buf.Channels), need, buf.SampleRate)
	for c := range buf.Channels {
		src := buf.Channels[c]
		dst := out.Channels[c]
		for i := range dst {
			dst[i] = src[i%len(src)]
		}
	}
	return out
}
