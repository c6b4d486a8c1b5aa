//go:build !darwin && !linux

// Codec binding stubs for platforms without libcompose_h264 and
// libcompose_aac builds.

package compose

import "errors"

var errCodecUnsupportedPlatform = errors.New("native codecs not supported on this platform")

// IsH264Available reports H.264 codec availability.
func IsH264Available() bool { return false }

// IsH264EncoderAvailable reports H.264 encoder availability.
func IsH264EncoderAvailable() bool { return false }

// IsH264DecoderAvailable reports H.264 decoder availability.
func IsH264DecoderAvailable() bool { return false }

// H264HardwareSupported reports hardware H.264 support for a frame size.
func H264HardwareSupported(width, height int) bool { return false }

// IsAACAvailable reports AAC codec availability.
func IsAACAvailable() bool { return false }

// IsAACEncoderAvailable reports AAC encoder availability.
func IsAACEncoderAvailable() bool { return false }

// IsAACDecoderAvailable reports AAC decoder availability.
func IsAACDecoderAvailable() bool { return false }

func newH264Decoder(width, height int, config []byte, preferHardware bool) (VideoDecoderBackend, error) {
	return nil, errCodecUnsupportedPlatform
}

func newH264Encoder(width, height, fps, bitrateBps int, profile H264Profile, preferHardware bool) (VideoEncoderBackend, error) {
	return nil, errCodecUnsupportedPlatform
}

func newAACDecoder(config []byte, channels int) (AudioDecoderBackend, error) {
	return nil, errCodecUnsupportedPlatform
}

func newAACEncoder(sampleRate, channels, bitrateBps int, preferHardware bool) (AudioEncoderBackend, error) {
	return nil, errCodecUnsupportedPlatform
}
