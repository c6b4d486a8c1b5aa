//go:build darwin || linux

// H.264 codec support via libcompose_h264 using purego.
//
// libcompose_h264 is a thin wrapper with a primitive-only API over
// VideoToolbox on darwin and openh264/x264 elsewhere. The prefer-hardware
// flag on the create calls selects VideoToolbox when the platform offers
// it; create falls back to the software codec on its own.

package compose

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	composeH264Once    sync.Once
	composeH264Handle  uintptr
	composeH264InitErr error
	composeH264Loaded  bool
)

// libcompose_h264 function pointers
var (
	composeH264EncoderCreate        func(width, height, fps, bitrateKbps, profile, preferHW int32) uint64
	composeH264EncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, ptsUS int64, outData uintptr, outCapacity int32, outFrameType, outPts uintptr) int32
	composeH264EncoderDrain         func(encoder uint64, outData uintptr, outCapacity int32, outFrameType, outPts uintptr) int32
	composeH264EncoderMaxOutputSize func(encoder uint64) int32
	composeH264EncoderGetSPSPPS     func(encoder uint64, spsOut uintptr, spsCapacity int32, spsLen uintptr, ppsOut uintptr, ppsCapacity int32, ppsLen uintptr) int32
	composeH264EncoderBackend       func(encoder uint64) int32
	composeH264EncoderDestroy       func(encoder uint64)

	composeH264DecoderCreate  func(width, height int32, config uintptr, configLen, preferHW int32) uint64
	composeH264DecoderDecode  func(decoder uint64, data uintptr, dataLen int32, ptsUS int64, outY, outU, outV, outYStride, outUVStride, outWidth, outHeight, outPts uintptr) int32
	composeH264DecoderDrain   func(decoder uint64, outY, outU, outV, outYStride, outUVStride, outWidth, outHeight, outPts uintptr) int32
	composeH264DecoderReset   func(decoder uint64) int32
	composeH264DecoderBackend func(decoder uint64) int32
	composeH264DecoderDestroy func(decoder uint64)

	composeH264GetError         func() uintptr
	composeH264EncoderAvailable func() int32
	composeH264DecoderAvailable func() int32
	composeH264HWSupported      func(width, height int32) int32
)

// Constants from compose_h264.h
const (
	composeH264ProfileBaseline = 66
	composeH264ProfileMain     = 77
	composeH264ProfileHigh     = 100

	composeH264FrameI   = 0
	composeH264FrameP   = 1
	composeH264FrameB   = 2
	composeH264FrameIDR = 3

	composeH264BackendHW = 1
	composeH264BackendSW = 2

	composeH264OK = 0
)

// composeH264DecodeResult is a heap-allocated struct for decoder output
// parameters. This struct must be heap-allocated for purego to work
// correctly on arm64. Using local stack variables for output parameters
// can fail due to GC moving the stack during the C call.
type composeH264DecodeResult struct {
	YPtr     uintptr
	UPtr     uintptr
	VPtr     uintptr
	YStride  int32
	UVStride int32
	Width    int32
	Height   int32
	PtsUS    int64
}

func h264ProfileConst(p H264Profile) int32 {
	switch p {
	case H264ProfileMain:
		return composeH264ProfileMain
	case H264ProfileHigh:
		return composeH264ProfileHigh
	default:
		return composeH264ProfileBaseline
	}
}

func loadComposeH264() error {
	composeH264Once.Do(func() {
		composeH264InitErr = loadComposeH264Lib()
		if composeH264InitErr == nil {
			composeH264Loaded = true
		}
	})
	return composeH264InitErr
}

func loadComposeH264Lib() error {
	paths := getComposeLibPaths("libcompose_h264", "COMPOSE_H264_LIB_PATH")

	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			composeH264Handle = handle
			if err := loadComposeH264Symbols(); err != nil {
				purego.Dlclose(handle)
				lastErr = err
				continue
			}
			return nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return fmt.Errorf("failed to load libcompose_h264: %w", lastErr)
	}
	return errors.New("libcompose_h264 not found in any standard location")
}

// getComposeLibPaths builds the library search list shared by the codec
// bindings: env overrides first, then executable and module-root relative
// locations, then system paths.
func getComposeLibPaths(stem, envVar string) []string {
	var paths []string

	libName := stem + ".so"
	if runtime.GOOS == "darwin" {
		libName = stem + ".dylib"
	}

	if envPath := os.Getenv(envVar); envPath != "" {
		paths = append(paths, envPath)
	}
	if envPath := os.Getenv("COMPOSE_SDK_LIB_PATH"); envPath != "" {
		paths = append(paths, filepath.Join(envPath, libName))
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
			filepath.Join(exeDir, "..", "..", "build", libName),
		)
	}

	if wd, err := os.Getwd(); err == nil {
		paths = append(paths,
			filepath.Join(wd, "build", libName),
			filepath.Join(wd, "build", "ffi", libName),
			filepath.Join(wd, "..", "build", libName),
			filepath.Join(wd, "..", "..", "build", libName),
		)
	}

	if moduleRoot := findModuleRoot(); moduleRoot != "" {
		paths = append(paths,
			filepath.Join(moduleRoot, "build", libName),
			filepath.Join(moduleRoot, "build", "ffi", libName),
		)
	}

	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			libName,
			filepath.Join("/usr/local/lib", libName),
			filepath.Join("/opt/homebrew/lib", libName),
		)
	case "linux":
		paths = append(paths,
			libName,
			filepath.Join("/usr/local/lib", libName),
			filepath.Join("/usr/lib", libName),
		)
	}

	return paths
}

func loadComposeH264Symbols() error {
	purego.RegisterLibFunc(&composeH264EncoderCreate, composeH264Handle, "compose_h264_encoder_create")
	purego.RegisterLibFunc(&composeH264EncoderEncode, composeH264Handle, "compose_h264_encoder_encode")
	purego.RegisterLibFunc(&composeH264EncoderDrain, composeH264Handle, "compose_h264_encoder_drain")
	purego.RegisterLibFunc(&composeH264EncoderMaxOutputSize, composeH264Handle, "compose_h264_encoder_max_output_size")
	purego.RegisterLibFunc(&composeH264EncoderGetSPSPPS, composeH264Handle, "compose_h264_encoder_get_sps_pps")
	purego.RegisterLibFunc(&composeH264EncoderBackend, composeH264Handle, "compose_h264_encoder_backend")
	purego.RegisterLibFunc(&composeH264EncoderDestroy, composeH264Handle, "compose_h264_encoder_destroy")

	purego.RegisterLibFunc(&composeH264DecoderCreate, composeH264Handle, "compose_h264_decoder_create")
	purego.RegisterLibFunc(&composeH264DecoderDecode, composeH264Handle, "compose_h264_decoder_decode")
	purego.RegisterLibFunc(&composeH264DecoderDrain, composeH264Handle, "compose_h264_decoder_drain")
	purego.RegisterLibFunc(&composeH264DecoderReset, composeH264Handle, "compose_h264_decoder_reset")
	purego.RegisterLibFunc(&composeH264DecoderBackend, composeH264Handle, "compose_h264_decoder_backend")
	purego.RegisterLibFunc(&composeH264DecoderDestroy, composeH264Handle, "compose_h264_decoder_destroy")

	purego.RegisterLibFunc(&composeH264GetError, composeH264Handle, "compose_h264_get_error")
	purego.RegisterLibFunc(&composeH264EncoderAvailable, composeH264Handle, "compose_h264_encoder_available")
	purego.RegisterLibFunc(&composeH264DecoderAvailable, composeH264Handle, "compose_h264_decoder_available")
	purego.RegisterLibFunc(&composeH264HWSupported, composeH264Handle, "compose_h264_hw_supported")

	return nil
}

// IsH264Available checks if libcompose_h264 is available.
func IsH264Available() bool {
	if err := loadComposeH264(); err != nil {
		return false
	}
	return composeH264Loaded
}

// IsH264EncoderAvailable checks if an H.264 encoder is available.
func IsH264EncoderAvailable() bool {
	if !IsH264Available() {
		return false
	}
	return composeH264EncoderAvailable() != 0
}

// IsH264DecoderAvailable checks if an H.264 decoder is available.
func IsH264DecoderAvailable() bool {
	if !IsH264Available() {
		return false
	}
	return composeH264DecoderAvailable() != 0
}

// H264HardwareSupported reports whether the platform codec accepts the
// given frame size in hardware.
func H264HardwareSupported(width, height int) bool {
	if !IsH264Available() {
		return false
	}
	return composeH264HWSupported(int32(width), int32(height)) != 0
}

func getH264Error() string {
	ptr := composeH264GetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

func backendFromConst(c int32) Backend {
	switch c {
	case composeH264BackendHW:
		return BackendHardware
	case composeH264BackendSW:
		return BackendSoftware
	}
	return BackendNone
}

// h264Decoder implements VideoDecoderBackend over libcompose_h264.
type h264Decoder struct {
	handle  uint64
	backend Backend

	// Persistent output struct for the purego workaround on arm64.
	out *composeH264DecodeResult

	stats   DecoderStats
	statsMu sync.Mutex
	mu      sync.Mutex
}

// newH264Decoder creates a decoder for AVCC-framed input. config is the
// raw avcC record carrying SPS/PPS.
func newH264Decoder(width, height int, config []byte, preferHardware bool) (VideoDecoderBackend, error) {
	if err := loadComposeH264(); err != nil {
		return nil, fmt.Errorf("H.264 decoder not available: %w", err)
	}
	if composeH264DecoderAvailable() == 0 {
		return nil, errors.New("H.264 decoder not available")
	}
	if len(config) == 0 {
		return nil, errors.New("missing decoder configuration")
	}

	preferHW := int32(0)
	if preferHardware {
		preferHW = 1
	}

	handle := composeH264DecoderCreate(
		int32(width),
		int32(height),
		uintptr(unsafe.Pointer(&config[0])),
		int32(len(config)),
		preferHW,
	)
	runtime.KeepAlive(config)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create H.264 decoder: %s", getH264Error())
	}

	return &h264Decoder{
		handle:  handle,
		backend: backendFromConst(composeH264DecoderBackend(handle)),
		out:     &composeH264DecodeResult{},
	}, nil
}

func (d *h264Decoder) Decode(data []byte, pts time.Duration) (*Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return nil, fmt.Errorf("decoder not initialized")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty encoded data")
	}

	out := d.out
	result := composeH264DecoderDecode(
		d.handle,
		uintptr(unsafe.Pointer(&data[0])),
		int32(len(data)),
		pts.Microseconds(),
		uintptr(unsafe.Pointer(&out.YPtr)),
		uintptr(unsafe.Pointer(&out.UPtr)),
		uintptr(unsafe.Pointer(&out.VPtr)),
		uintptr(unsafe.Pointer(&out.YStride)),
		uintptr(unsafe.Pointer(&out.UVStride)),
		uintptr(unsafe.Pointer(&out.Width)),
		uintptr(unsafe.Pointer(&out.Height)),
		uintptr(unsafe.Pointer(&out.PtsUS)),
	)

	runtime.KeepAlive(data)
	runtime.KeepAlive(out)

	if result < 0 {
		d.statsMu.Lock()
		d.stats.CorruptedFrames++
		d.statsMu.Unlock()
		return nil, fmt.Errorf("decode failed: %s", getH264Error())
	}
	if result == 0 {
		// decoder is reordering, no picture ready yet
		return nil, nil
	}

	d.statsMu.Lock()
	d.stats.FramesDecoded++
	d.stats.BytesDecoded += uint64(len(data))
	d.statsMu.Unlock()

	return d.copyFrame()
}

func (d *h264Decoder) Flush() ([]*Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return nil, fmt.Errorf("decoder not initialized")
	}

	var frames []*Frame
	for {
		out := d.out
		result := composeH264DecoderDrain(
			d.handle,
			uintptr(unsafe.Pointer(&out.YPtr)),
			uintptr(unsafe.Pointer(&out.UPtr)),
			uintptr(unsafe.Pointer(&out.VPtr)),
			uintptr(unsafe.Pointer(&out.YStride)),
			uintptr(unsafe.Pointer(&out.UVStride)),
			uintptr(unsafe.Pointer(&out.Width)),
			uintptr(unsafe.Pointer(&out.Height)),
			uintptr(unsafe.Pointer(&out.PtsUS)),
		)
		runtime.KeepAlive(out)

		if result < 0 {
			return frames, fmt.Errorf("drain failed: %s", getH264Error())
		}
		if result == 0 {
			return frames, nil
		}
		frame, err := d.copyFrame()
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
	}
}

// copyFrame snapshots the decoder-owned planes in d.out into a Frame.
func (d *h264Decoder) copyFrame() (*Frame, error) {
	out := d.out
	if out.YStride <= 0 || out.UVStride <= 0 || out.Width <= 0 || out.Height <= 0 || out.YPtr == 0 {
		d.statsMu.Lock()
		d.stats.CorruptedFrames++
		d.statsMu.Unlock()
		return nil, fmt.Errorf("invalid decoder output: stride=%d/%d, size=%dx%d",
			out.YStride, out.UVStride, out.Width, out.Height)
	}

	w := int(out.Width)
	h := int(out.Height)
	frame := NewFrame(w, h)
	frame.PTS = time.Duration(out.PtsUS) * time.Microsecond

	uvW := (w + 1) / 2
	uvH := (h + 1) / 2
	for row := 0; row < h; row++ {
		src := unsafe.Slice((*byte)(unsafe.Pointer(out.YPtr+uintptr(row*int(out.YStride)))), w)
		copy(frame.Y[row*frame.StrideY:row*frame.StrideY+w], src)
	}
	for row := 0; row < uvH; row++ {
		src := unsafe.Slice((*byte)(unsafe.Pointer(out.UPtr+uintptr(row*int(out.UVStride)))), uvW)
		copy(frame.U[row*frame.StrideUV:row*frame.StrideUV+uvW], src)
	}
	for row := 0; row < uvH; row++ {
		src := unsafe.Slice((*byte)(unsafe.Pointer(out.VPtr+uintptr(row*int(out.UVStride)))), uvW)
		copy(frame.V[row*frame.StrideUV:row*frame.StrideUV+uvW], src)
	}

	return frame, nil
}

func (d *h264Decoder) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return fmt.Errorf("decoder not initialized")
	}
	if composeH264DecoderReset(d.handle) != composeH264OK {
		return fmt.Errorf("failed to reset decoder: %s", getH264Error())
	}
	return nil
}

func (d *h264Decoder) Backend() Backend {
	return d.backend
}

func (d *h264Decoder) Stats() DecoderStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

func (d *h264Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle != 0 {
		composeH264DecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}

// h264Encoder implements VideoEncoderBackend over libcompose_h264.
type h264Encoder struct {
	handle    uint64
	backend   Backend
	outputBuf []byte

	sps []byte
	pps []byte

	stats   EncoderStats
	statsMu sync.Mutex
	mu      sync.Mutex
}

func newH264Encoder(width, height, fps, bitrateBps int, profile H264Profile, preferHardware bool) (VideoEncoderBackend, error) {
	if err := loadComposeH264(); err != nil {
		return nil, fmt.Errorf("H.264 encoder not available: %w", err)
	}
	if composeH264EncoderAvailable() == 0 {
		return nil, errors.New("H.264 encoder not available")
	}

	if fps <= 0 {
		fps = 30
	}
	bitrateKbps := bitrateBps / 1000
	if bitrateKbps <= 0 {
		bitrateKbps = 1000
	}
	preferHW := int32(0)
	if preferHardware {
		preferHW = 1
	}

	handle := composeH264EncoderCreate(
		int32(width),
		int32(height),
		int32(fps),
		int32(bitrateKbps),
		h264ProfileConst(profile),
		preferHW,
	)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create H.264 encoder: %s", getH264Error())
	}

	maxOutput := composeH264EncoderMaxOutputSize(handle)
	if maxOutput <= 0 {
		maxOutput = int32(width * height * 3 / 2)
	}

	enc := &h264Encoder{
		handle:    handle,
		backend:   backendFromConst(composeH264EncoderBackend(handle)),
		outputBuf: make([]byte, maxOutput),
	}
	enc.extractSPSPPS()
	return enc, nil
}

func (e *h264Encoder) extractSPSPPS() {
	spsOut := make([]byte, 256)
	ppsOut := make([]byte, 256)
	var spsLen, ppsLen int32

	composeH264EncoderGetSPSPPS(
		e.handle,
		uintptr(unsafe.Pointer(&spsOut[0])), 256, uintptr(unsafe.Pointer(&spsLen)),
		uintptr(unsafe.Pointer(&ppsOut[0])), 256, uintptr(unsafe.Pointer(&ppsLen)),
	)
	runtime.KeepAlive(spsOut)
	runtime.KeepAlive(ppsOut)

	if spsLen > 0 {
		e.sps = make([]byte, spsLen)
		copy(e.sps, spsOut[:spsLen])
	}
	if ppsLen > 0 {
		e.pps = make([]byte, ppsLen)
		copy(e.pps, ppsOut[:ppsLen])
	}
}

func (e *h264Encoder) SPS() []byte { return e.sps }
func (e *h264Encoder) PPS() []byte { return e.pps }

func (e *h264Encoder) Encode(frame *Frame, forceKeyframe bool) (*EncodedChunk, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return nil, fmt.Errorf("encoder not initialized")
	}

	forceKF := int32(0)
	if forceKeyframe {
		forceKF = 1
	}

	var frameType int32
	var ptsUS int64

	result := composeH264EncoderEncode(
		e.handle,
		uintptr(unsafe.Pointer(&frame.Y[0])),
		uintptr(unsafe.Pointer(&frame.U[0])),
		uintptr(unsafe.Pointer(&frame.V[0])),
		int32(frame.StrideY),
		int32(frame.StrideUV),
		forceKF,
		frame.PTS.Microseconds(),
		uintptr(unsafe.Pointer(&e.outputBuf[0])),
		int32(len(e.outputBuf)),
		uintptr(unsafe.Pointer(&frameType)),
		uintptr(unsafe.Pointer(&ptsUS)),
	)
	runtime.KeepAlive(frame)

	if result < 0 {
		return nil, fmt.Errorf("encode failed: %s", getH264Error())
	}
	if result == 0 {
		return nil, nil
	}

	return e.chunk(result, frameType, ptsUS), nil
}

func (e *h264Encoder) Flush() ([]*EncodedChunk, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return nil, fmt.Errorf("encoder not initialized")
	}

	var chunks []*EncodedChunk
	for {
		var frameType int32
		var ptsUS int64
		result := composeH264EncoderDrain(
			e.handle,
			uintptr(unsafe.Pointer(&e.outputBuf[0])),
			int32(len(e.outputBuf)),
			uintptr(unsafe.Pointer(&frameType)),
			uintptr(unsafe.Pointer(&ptsUS)),
		)
		if result < 0 {
			return chunks, fmt.Errorf("drain failed: %s", getH264Error())
		}
		if result == 0 {
			return chunks, nil
		}
		chunks = append(chunks, e.chunk(result, frameType, ptsUS))
	}
}

func (e *h264Encoder) chunk(n, frameType int32, ptsUS int64) *EncodedChunk {
	data := make([]byte, n)
	copy(data, e.outputBuf[:n])

	key := frameType == composeH264FrameIDR || frameType == composeH264FrameI

	e.statsMu.Lock()
	e.stats.FramesEncoded++
	if key {
		e.stats.KeyframesEncoded++
	}
	e.stats.BytesEncoded += uint64(n)
	e.statsMu.Unlock()

	return &EncodedChunk{
		Data:     data,
		Keyframe: key,
		PTS:      time.Duration(ptsUS) * time.Microsecond,
	}
}

func (e *h264Encoder) Backend() Backend {
	return e.backend
}

func (e *h264Encoder) Stats() EncoderStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *h264Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle != 0 {
		composeH264EncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}
