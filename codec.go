package compose

// Codec identifies a compressed bitstream format carried by a Track.
// The engine's delivery pair is fixed: H.264 video and AAC-LC audio in MP4.
type Codec int

const (
	CodecUnknown Codec = iota
	CodecH264          // avc1, AVCC sample layout
	CodecAAC           // mp4a, raw AAC access units
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "H264"
	case CodecAAC:
		return "AAC"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c Codec) MimeType() string {
	switch c {
	case CodecH264:
		return "video/H264"
	case CodecAAC:
		return "audio/AAC"
	default:
		return ""
	}
}

// IsVideo reports whether the codec carries video.
func (c Codec) IsVideo() bool { return c == CodecH264 }

// IsAudio reports whether the codec carries audio.
func (c Codec) IsAudio() bool { return c == CodecAAC }

// Backend identifies which codec implementation serviced a configure call.
type Backend int

const (
	BackendNone     Backend = iota
	BackendHardware         // platform hardware codec (VideoToolbox, VAAPI)
	BackendSoftware         // bundled software codec (openh264/x264, fdk-aac)
)

func (b Backend) String() string {
	switch b {
	case BackendHardware:
		return "hardware"
	case BackendSoftware:
		return "software"
	default:
		return "none"
	}
}

// H264Profile defines H.264 encoding profiles.
type H264Profile int

const (
	H264ProfileBaseline H264Profile = iota
	H264ProfileMain
	H264ProfileHigh
)

func (p H264Profile) String() string {
	switch p {
	case H264ProfileMain:
		return "Main"
	case H264ProfileHigh:
		return "High"
	default:
		return "Baseline"
	}
}
