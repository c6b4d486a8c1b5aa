// Package compose is a media composition engine: a declarative timeline
// of clips (stacked visual layers plus audio tracks) is decoded,
// composited frame by frame onto a fixed-size canvas, mixed, re-encoded
// and packaged into one fast-start MP4, backed by native codec wrappers
// (libcompose_*).
//
// Key pieces include:
//   - Demux/OpenFile for MP4 sample-table extraction (H.264 + AAC)
//   - VideoFrameDecoder with sync-sample aware seeking
//   - AudioTrackDecoder for eager full-track PCM decode
//   - FrameSource variants: video, image, solid color, gradients
//   - Compositor with contain/contain-blur/cover/stretch resize modes
//   - Mixer with gain and fade envelopes (ffmpeg afade curve set)
//   - VideoTrackEncoder/AudioTrackEncoder and WriteFastStart muxing
//   - Renderer, which sequences all of the above per clip and tick
//
// # Architecture
//
//	Render: source bytes -> Demux -> decoders -> FrameSource/Mixer
//	        -> Compositor -> encoders -> WriteFastStart -> MP4 bytes
//
// # Native Libraries
//
// Codec bindings load libcompose_h264 and libcompose_aac at runtime.
// Set COMPOSE_SDK_LIB_PATH to the directory containing these libraries,
// or COMPOSE_H264_LIB_PATH / COMPOSE_AAC_LIB_PATH for explicit files.
// Availability can be probed with IsH264Available and IsAACAvailable.
package compose
