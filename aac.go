//go:build darwin || linux

// AAC codec support via libcompose_aac using purego.
//
// libcompose_aac wraps AudioToolbox on darwin and fdk-aac elsewhere with
// a primitive-only API. Both directions work on raw AAC access units
// without ADTS framing.

package compose

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	composeAACOnce    sync.Once
	composeAACHandle  uintptr
	composeAACInitErr error
	composeAACLoaded  bool
)

// libcompose_aac function pointers
var (
	composeAACDecoderCreate  func(config uintptr, configLen int32) uint64
	composeAACDecoderDecode  func(decoder uint64, data uintptr, dataLen int32, outPCM uintptr, outCapacity int32, outChannels uintptr) int32
	composeAACDecoderDrain   func(decoder uint64, outPCM uintptr, outCapacity int32, outChannels uintptr) int32
	composeAACDecoderDestroy func(decoder uint64)

	composeAACEncoderCreate  func(sampleRate, channels, bitrateKbps, preferHW int32) uint64
	composeAACEncoderEncode  func(encoder uint64, pcm uintptr, sampleCount int32, outData uintptr, outCapacity int32) int32
	composeAACEncoderDrain   func(encoder uint64, outData uintptr, outCapacity int32) int32
	composeAACEncoderBackend func(encoder uint64) int32
	composeAACEncoderDestroy func(encoder uint64)

	composeAACGetError         func() uintptr
	composeAACEncoderAvailable func() int32
	composeAACDecoderAvailable func() int32
)

func loadComposeAAC() error {
	composeAACOnce.Do(func() {
		composeAACInitErr = loadComposeAACLib()
		if composeAACInitErr == nil {
			composeAACLoaded = true
		}
	})
	return composeAACInitErr
}

func loadComposeAACLib() error {
	paths := getComposeLibPaths("libcompose_aac", "COMPOSE_AAC_LIB_PATH")

	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			composeAACHandle = handle
			if err := loadComposeAACSymbols(); err != nil {
				purego.Dlclose(handle)
				lastErr = err
				continue
			}
			return nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return fmt.Errorf("failed to load libcompose_aac: %w", lastErr)
	}
	return errors.New("libcompose_aac not found in any standard location")
}

func loadComposeAACSymbols() error {
	purego.RegisterLibFunc(&composeAACDecoderCreate, composeAACHandle, "compose_aac_decoder_create")
	purego.RegisterLibFunc(&composeAACDecoderDecode, composeAACHandle, "compose_aac_decoder_decode")
	purego.RegisterLibFunc(&composeAACDecoderDrain, composeAACHandle, "compose_aac_decoder_drain")
	purego.RegisterLibFunc(&composeAACDecoderDestroy, composeAACHandle, "compose_aac_decoder_destroy")

	purego.RegisterLibFunc(&composeAACEncoderCreate, composeAACHandle, "compose_aac_encoder_create")
	purego.RegisterLibFunc(&composeAACEncoderEncode, composeAACHandle, "compose_aac_encoder_encode")
	purego.RegisterLibFunc(&composeAACEncoderDrain, composeAACHandle, "compose_aac_encoder_drain")
	purego.RegisterLibFunc(&composeAACEncoderBackend, composeAACHandle, "compose_aac_encoder_backend")
	purego.RegisterLibFunc(&composeAACEncoderDestroy, composeAACHandle, "compose_aac_encoder_destroy")

	purego.RegisterLibFunc(&composeAACGetError, composeAACHandle, "compose_aac_get_error")
	purego.RegisterLibFunc(&composeAACEncoderAvailable, composeAACHandle, "compose_aac_encoder_available")
	purego.RegisterLibFunc(&composeAACDecoderAvailable, composeAACHandle, "compose_aac_decoder_available")

	return nil
}

// IsAACAvailable checks if libcompose_aac is available.
func IsAACAvailable() bool {
	if err := loadComposeAAC(); err != nil {
		return false
	}
	return composeAACLoaded
}

// IsAACEncoderAvailable checks if an AAC encoder is available.
func IsAACEncoderAvailable() bool {
	if !IsAACAvailable() {
		return false
	}
	return composeAACEncoderAvailable() != 0
}

// IsAACDecoderAvailable checks if an AAC decoder is available.
func IsAACDecoderAvailable() bool {
	if !IsAACAvailable() {
		return false
	}
	return composeAACDecoderAvailable() != 0
}

func getAACError() string {
	ptr := composeAACGetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// aacDecoder implements AudioDecoderBackend over libcompose_aac.
type aacDecoder struct {
	handle   uint64
	channels int
	pcmBuf   []float32
	mu       sync.Mutex
}

// newAACDecoder creates a decoder from the track's AudioSpecificConfig.
func newAACDecoder(config []byte, channels int) (AudioDecoderBackend, error) {
	if err := loadComposeAAC(); err != nil {
		return nil, fmt.Errorf("AAC decoder not available: %w", err)
	}
	if composeAACDecoderAvailable() == 0 {
		return nil, errors.New("AAC decoder not available")
	}
	if len(config) == 0 {
		return nil, errors.New("missing decoder configuration")
	}
	if channels <= 0 {
		channels = 2
	}

	handle := composeAACDecoderCreate(uintptr(unsafe.Pointer(&config[0])), int32(len(config)))
	runtime.KeepAlive(config)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create AAC decoder: %s", getAACError())
	}

	return &aacDecoder{
		handle:   handle,
		channels: channels,
		// one AAC block of interleaved output, sized generously in case
		// the stream carries more channels than the stsd claims
		pcmBuf: make([]float32, aacFrameSize*8),
	}, nil
}

func (d *aacDecoder) Decode(data []byte) ([][]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return nil, fmt.Errorf("decoder not initialized")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty encoded data")
	}

	var channels int32
	n := composeAACDecoderDecode(
		d.handle,
		uintptr(unsafe.Pointer(&data[0])),
		int32(len(data)),
		uintptr(unsafe.Pointer(&d.pcmBuf[0])),
		int32(len(d.pcmBuf)),
		uintptr(unsafe.Pointer(&channels)),
	)
	runtime.KeepAlive(data)

	if n < 0 {
		return nil, fmt.Errorf("decode failed: %s", getAACError())
	}
	if n == 0 {
		return nil, nil
	}
	return d.deinterleave(int(n), int(channels)), nil
}

// Flush drains PCM the converter is still holding (AudioToolbox has
// priming delay) after the last access unit has been submitted.
func (d *aacDecoder) Flush() ([][]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return nil, fmt.Errorf("decoder not initialized")
	}

	var blocks [][]float32
	for {
		var channels int32
		n := composeAACDecoderDrain(
			d.handle,
			uintptr(unsafe.Pointer(&d.pcmBuf[0])),
			int32(len(d.pcmBuf)),
			uintptr(unsafe.Pointer(&channels)),
		)
		if n < 0 {
			return blocks, fmt.Errorf("drain failed: %s", getAACError())
		}
		if n == 0 {
			return blocks, nil
		}
		planes := d.deinterleave(int(n), int(channels))
		// successive drain calls concatenate into one tail block
		if blocks == nil {
			blocks = planes
		} else {
			for c := range blocks {
				if c < len(planes) {
					blocks[c] = append(blocks[c], planes[c]...)
				}
			}
		}
	}
}

// deinterleave splits n interleaved samples from pcmBuf into per-channel
// planes.
func (d *aacDecoder) deinterleave(n, ch int) [][]float32 {
	if ch <= 0 {
		ch = d.channels
	}
	perChannel := n / ch
	planes := make([][]float32, ch)
	for c := 0; c < ch; c++ {
		planes[c] = make([]float32, perChannel)
		for i := 0; i < perChannel; i++ {
			planes[c][i] = d.pcmBuf[i*ch+c]
		}
	}
	return planes
}

func (d *aacDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle != 0 {
		composeAACDecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}

// aacEncoder implements AudioEncoderBackend over libcompose_aac.
type aacEncoder struct {
	handle    uint64
	backend   Backend
	outputBuf []byte
	mu        sync.Mutex
}

func newAACEncoder(sampleRate, channels, bitrateBps int, preferHardware bool) (AudioEncoderBackend, error) {
	if err := loadComposeAAC(); err != nil {
		return nil, fmt.Errorf("AAC encoder not available: %w", err)
	}
	if composeAACEncoderAvailable() == 0 {
		return nil, errors.New("AAC encoder not available")
	}

	bitrateKbps := bitrateBps / 1000
	if bitrateKbps <= 0 {
		bitrateKbps = 128
	}
	preferHW := int32(0)
	if preferHardware {
		preferHW = 1
	}

	handle := composeAACEncoderCreate(int32(sampleRate), int32(channels), int32(bitrateKbps), preferHW)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create AAC encoder: %s", getAACError())
	}

	return &aacEncoder{
		handle:    handle,
		backend:   backendFromConst(composeAACEncoderBackend(handle)),
		outputBuf: make([]byte, 8192),
	}, nil
}

// Encode consumes one interleaved block of aacFrameSize samples per
// channel and returns the raw access unit, or nil while the encoder
// primes.
func (e *aacEncoder) Encode(pcm []float32) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return nil, fmt.Errorf("encoder not initialized")
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty input block")
	}

	n := composeAACEncoderEncode(
		e.handle,
		uintptr(unsafe.Pointer(&pcm[0])),
		int32(len(pcm)),
		uintptr(unsafe.Pointer(&e.outputBuf[0])),
		int32(len(e.outputBuf)),
	)
	runtime.KeepAlive(pcm)

	if n < 0 {
		return nil, fmt.Errorf("encode failed: %s", getAACError())
	}
	if n == 0 {
		return nil, nil
	}

	data := make([]byte, n)
	copy(data, e.outputBuf[:n])
	return data, nil
}

func (e *aacEncoder) Flush() ([][]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return nil, fmt.Errorf("encoder not initialized")
	}

	var chunks [][]byte
	for {
		n := composeAACEncoderDrain(
			e.handle,
			uintptr(unsafe.Pointer(&e.outputBuf[0])),
			int32(len(e.outputBuf)),
		)
		if n < 0 {
			return chunks, fmt.Errorf("drain failed: %s", getAACError())
		}
		if n == 0 {
			return chunks, nil
		}
		data := make([]byte, n)
		copy(data, e.outputBuf[:n])
		chunks = append(chunks, data)
	}
}

func (e *aacEncoder) Backend() Backend {
	return e.backend
}

func (e *aacEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle != 0 {
		composeAACEncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}
