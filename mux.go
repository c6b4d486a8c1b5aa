package compose

import (
	"errors"
	"fmt"
	"time"

	"github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
)

const (
	// videoTimescale is the delivery video track timescale.
	videoTimescale = 90000
	// movieTimescale is the mvhd timescale.
	movieTimescale = 1000
)

// VideoMuxParams declares the codec and geometry of the video track.
type VideoMuxParams struct {
	Width  int
	Height int
	FPS    int
	SPS    []byte
	PPS    []byte
}

// AudioMuxParams declares the audio track format.
type AudioMuxParams struct {
	SampleRate int
	Channels   int
}

var unityMatrix = [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

// WriteFastStart packages encoded chunks into an in-memory MP4 with the
// moov box ahead of the media payload, so playback can start without
// backward seeks. audio may be nil for a video-only container.
//
// Offsets are resolved in two passes: the moov is serialized once with
// zero chunk offsets to learn its exact size, then re-serialized with
// offsets shifted past ftyp, moov and the mdat header.
func WriteFastStart(video []*EncodedChunk, vp VideoMuxParams, audio []*EncodedChunk, ap *AudioMuxParams) ([]byte, error) {
	if len(video) == 0 {
		return nil, errors.New("no video chunks to mux")
	}
	if len(vp.SPS) == 0 || len(vp.PPS) == 0 {
		return nil, errors.New("missing H.264 parameter sets")
	}
	if len(audio) == 0 {
		ap = nil
	}

	var ftypBuf seekablebuffer.Buffer
	if err := writeFtyp(&ftypBuf); err != nil {
		return nil, err
	}
	ftypSize := uint64(len(ftypBuf.Bytes()))

	var probe seekablebuffer.Buffer
	if err := writeMoov(&probe, video, vp, audio, ap, 0); err != nil {
		return nil, err
	}
	moovSize := uint64(len(probe.Bytes()))

	mdatStart := ftypSize + moovSize + 8

	var out seekablebuffer.Buffer
	if _, err := out.Write(ftypBuf.Bytes()); err != nil {
		return nil, err
	}
	if err := writeMoov(&out, video, vp, audio, ap, mdatStart); err != nil {
		return nil, err
	}
	if uint64(len(out.Bytes())) != ftypSize+moovSize {
		return nil, fmt.Errorf("moov size changed between passes")
	}

	w := mp4.NewWriter(&out)
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMdat()}); err != nil {
		return nil, err
	}
	for _, chunk := range video {
		if _, err := w.Write(chunk.Data); err != nil {
			return nil, err
		}
	}
	for _, chunk := range audio {
		if _, err := w.Write(chunk.Data); err != nil {
			return nil, err
		}
	}
	if _, err := w.EndBox(); err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}

func writeFtyp(buf *seekablebuffer.Buffer) error {
	w := mp4.NewWriter(buf)
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeFtyp()}); err != nil {
		return err
	}
	ftyp := &mp4.Ftyp{
		MajorBrand:   [4]byte{'i', 's', 'o', 'm'},
		MinorVersion: 0x200,
		CompatibleBrands: []mp4.CompatibleBrandElem{
			{CompatibleBrand: [4]byte{'i', 's', 'o', 'm'}},
			{CompatibleBrand: [4]byte{'i', 's', 'o', '2'}},
			{CompatibleBrand: [4]byte{'a', 'v', 'c', '1'}},
			{CompatibleBrand: [4]byte{'m', 'p', '4', '1'}},
		},
	}
	if _, err := mp4.Marshal(w, ftyp, mp4.Context{}); err != nil {
		return err
	}
	_, err := w.EndBox()
	return err
}

// writeMoov serializes the full moov with media payload offsets based at
// mdatStart. Video samples are laid out first, then audio (sequential
// strategy).
func writeMoov(buf *seekablebuffer.Buffer, video []*EncodedChunk, vp VideoMuxParams, audio []*EncodedChunk, ap *AudioMuxParams, mdatStart uint64) error {
	w := mp4.NewWriter(buf)

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMoov()}); err != nil {
		return err
	}

	videoDur := chunkSpan(video)
	totalDur := videoDur
	if audioDur := chunkSpan(audio); audioDur > totalDur {
		totalDur = audioDur
	}

	nextTrackID := uint32(2)
	if ap != nil {
		nextTrackID = 3
	}
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMvhd()}); err != nil {
		return err
	}
	mvhd := &mp4.Mvhd{
		Timescale:   movieTimescale,
		DurationV0:  uint32(durationToUnits(totalDur, movieTimescale)),
		Rate:        0x00010000,
		Volume:      0x0100,
		Matrix:      unityMatrix,
		NextTrackID: nextTrackID,
	}
	if _, err := mp4.Marshal(w, mvhd, mp4.Context{}); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil {
		return err
	}

	if err := writeVideoTrak(w, video, vp, videoDur, mdatStart); err != nil {
		return err
	}
	if ap != nil {
		audioStart := mdatStart + chunkBytes(video)
		if err := writeAudioTrak(w, audio, *ap, audioStart); err != nil {
			return err
		}
	}

	_, err := w.EndBox()
	return err
}

func writeVideoTrak(w *mp4.Writer, chunks []*EncodedChunk, vp VideoMuxParams, dur time.Duration, dataStart uint64) error {
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeTrak()}); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeTkhd()}); err != nil {
		return err
	}
	tkhd := &mp4.Tkhd{
		FullBox:    mp4.FullBox{Flags: [3]byte{0, 0, 3}},
		TrackID:    1,
		DurationV0: uint32(durationToUnits(dur, movieTimescale)),
		Matrix:     unityMatrix,
		Width:      uint32(vp.Width) << 16,
		Height:     uint32(vp.Height) << 16,
	}
	if _, err := mp4.Marshal(w, tkhd, mp4.Context{}); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMdia()}); err != nil {
		return err
	}
	if err := writeMdhd(w, dur, videoTimescale); err != nil {
		return err
	}
	if err := writeHdlr(w, [4]byte{'v', 'i', 'd', 'e'}, "VideoHandler"); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMinf()}); err != nil {
		return err
	}
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeVmhd()}); err != nil {
		return err
	}
	vmhd := &mp4.Vmhd{FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}}}
	if _, err := mp4.Marshal(w, vmhd, mp4.Context{}); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil {
		return err
	}
	if err := writeDinf(w); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeStbl()}); err != nil {
		return err
	}
	if err := writeVideoStsd(w, vp); err != nil {
		return err
	}
	if err := writeTimeToSample(w, chunks, videoTimescale); err != nil {
		return err
	}
	if err := writeSyncSamples(w, chunks); err != nil {
		return err
	}
	if err := writeSampleSizesAndOffsets(w, chunks, dataStart); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil { // stbl
		return err
	}
	if _, err := w.EndBox(); err != nil { // minf
		return err
	}
	if _, err := w.EndBox(); err != nil { // mdia
		return err
	}
	_, err := w.EndBox() // trak
	return err
}

func writeAudioTrak(w *mp4.Writer, chunks []*EncodedChunk, ap AudioMuxParams, dataStart uint64) error {
	dur := chunkSpan(chunks)

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeTrak()}); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeTkhd()}); err != nil {
		return err
	}
	tkhd := &mp4.Tkhd{
		FullBox:        mp4.FullBox{Flags: [3]byte{0, 0, 3}},
		TrackID:        2,
		DurationV0:     uint32(durationToUnits(dur, movieTimescale)),
		AlternateGroup: 1,
		Volume:         0x0100,
		Matrix:         unityMatrix,
	}
	if _, err := mp4.Marshal(w, tkhd, mp4.Context{}); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMdia()}); err != nil {
		return err
	}
	if err := writeMdhd(w, dur, uint32(ap.SampleRate)); err != nil {
		return err
	}
	if err := writeHdlr(w, [4]byte{'s', 'o', 'u', 'n'}, "SoundHandler"); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMinf()}); err != nil {
		return err
	}
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeSmhd()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Smhd{}, mp4.Context{}); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil {
		return err
	}
	if err := writeDinf(w); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeStbl()}); err != nil {
		return err
	}
	if err := writeAudioStsd(w, ap); err != nil {
		return err
	}
	if err := writeTimeToSample(w, chunks, uint32(ap.SampleRate)); err != nil {
		return err
	}
	if err := writeSampleSizesAndOffsets(w, chunks, dataStart); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil { // stbl
		return err
	}
	if _, err := w.EndBox(); err != nil { // minf
		return err
	}
	if _, err := w.EndBox(); err != nil { // mdia
		return err
	}
	_, err := w.EndBox() // trak
	return err
}

func writeMdhd(w *mp4.Writer, dur time.Duration, timescale uint32) error {
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMdhd()}); err != nil {
		return err
	}
	mdhd := &mp4.Mdhd{
		Timescale:  timescale,
		DurationV0: uint32(durationToUnits(dur, timescale)),
		Language:   [3]byte{'u' - 0x60, 'n' - 0x60, 'd' - 0x60},
	}
	if _, err := mp4.Marshal(w, mdhd, mp4.Context{}); err != nil {
		return err
	}
	_, err := w.EndBox()
	return err
}

func writeHdlr(w *mp4.Writer, handler [4]byte, name string) error {
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeHdlr()}); err != nil {
		return err
	}
	hdlr := &mp4.Hdlr{
		HandlerType: handler,
		Name:        name,
	}
	if _, err := mp4.Marshal(w, hdlr, mp4.Context{}); err != nil {
		return err
	}
	_, err := w.EndBox()
	return err
}

func writeDinf(w *mp4.Writer) error {
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeDinf()}); err != nil {
		return err
	}
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeDref()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Dref{EntryCount: 1}, mp4.Context{}); err != nil {
		return err
	}
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeUrl()}); err != nil {
		return err
	}
	url := &mp4.Url{FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}}}
	if _, err := mp4.Marshal(w, url, mp4.Context{}); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil {
		return err
	}
	_, err := w.EndBox()
	return err
}

func writeVideoStsd(w *mp4.Writer, vp VideoMuxParams) error {
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeStsd()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Stsd{EntryCount: 1}, mp4.Context{}); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeAvc1()}); err != nil {
		return err
	}
	entry := &mp4.VisualSampleEntry{
		SampleEntry: mp4.SampleEntry{
			AnyTypeBox:         mp4.AnyTypeBox{Type: mp4.BoxTypeAvc1()},
			DataReferenceIndex: 1,
		},
		Width:           uint16(vp.Width),
		Height:          uint16(vp.Height),
		Horizresolution: 0x00480000,
		Vertresolution:  0x00480000,
		FrameCount:      1,
		Depth:           0x0018,
		PreDefined3:     -1,
	}
	if _, err := mp4.Marshal(w, entry, mp4.Context{}); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeAvcC()}); err != nil {
		return err
	}
	conf := &mp4.AVCDecoderConfiguration{
		AnyTypeBox:                 mp4.AnyTypeBox{Type: mp4.BoxTypeAvcC()},
		ConfigurationVersion:       1,
		Profile:                    vp.SPS[1],
		ProfileCompatibility:       vp.SPS[2],
		Level:                      vp.SPS[3],
		LengthSizeMinusOne:         3,
		NumOfSequenceParameterSets: 1,
		SequenceParameterSets: []mp4.AVCParameterSet{
			{Length: uint16(len(vp.SPS)), NALUnit: vp.SPS},
		},
		NumOfPictureParameterSets: 1,
		PictureParameterSets: []mp4.AVCParameterSet{
			{Length: uint16(len(vp.PPS)), NALUnit: vp.PPS},
		},
	}
	if _, err := mp4.Marshal(w, conf, mp4.Context{}); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil { // avcC
		return err
	}
	if _, err := w.EndBox(); err != nil { // avc1
		return err
	}
	_, err := w.EndBox() // stsd
	return err
}

func writeAudioStsd(w *mp4.Writer, ap AudioMuxParams) error {
	asc, err := audioSpecificConfig(ap)
	if err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeStsd()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Stsd{EntryCount: 1}, mp4.Context{}); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMp4a()}); err != nil {
		return err
	}
	entry := &mp4.AudioSampleEntry{
		SampleEntry: mp4.SampleEntry{
			AnyTypeBox:         mp4.AnyTypeBox{Type: mp4.BoxTypeMp4a()},
			DataReferenceIndex: 1,
		},
		ChannelCount: uint16(ap.Channels),
		SampleSize:   16,
		SampleRate:   uint32(ap.SampleRate) << 16,
	}
	if _, err := mp4.Marshal(w, entry, mp4.Context{}); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeEsds()}); err != nil {
		return err
	}
	esds := &mp4.Esds{
		Descriptors: []mp4.Descriptor{
			{
				Tag:  mp4.ESDescrTag,
				Size: 32 + uint32(len(asc)),
				ESDescriptor: &mp4.ESDescriptor{
					ESID: 2,
				},
			},
			{
				Tag:  mp4.DecoderConfigDescrTag,
				Size: 18 + uint32(len(asc)),
				DecoderConfigDescriptor: &mp4.DecoderConfigDescriptor{
					ObjectTypeIndication: 0x40, // MPEG-4 Audio
					StreamType:           0x05, // AudioStream
					Reserved:             true,
				},
			},
			{
				Tag:  mp4.DecSpecificInfoTag,
				Size: uint32(len(asc)),
				Data: asc,
			},
			{
				Tag:  mp4.SLConfigDescrTag,
				Size: 1,
				Data: []byte{0x02},
			},
		},
	}
	if _, err := mp4.Marshal(w, esds, mp4.Context{}); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil { // esds
		return err
	}
	if _, err := w.EndBox(); err != nil { // mp4a
		return err
	}
	_, err = w.EndBox() // stsd
	return err
}

func audioSpecificConfig(ap AudioMuxParams) ([]byte, error) {
	cfg := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   ap.SampleRate,
		ChannelCount: ap.Channels,
	}
	return cfg.Marshal()
}

// writeTimeToSample writes the stts box with run-length compressed
// sample deltas.
func writeTimeToSample(w *mp4.Writer, chunks []*EncodedChunk, timescale uint32) error {
	var entries []mp4.SttsEntry
	for _, chunk := range chunks {
		delta := uint32(durationToUnits(chunk.Duration, timescale))
		if n := len(entries); n > 0 && entries[n-1].SampleDelta == delta {
			entries[n-1].SampleCount++
			continue
		}
		entries = append(entries, mp4.SttsEntry{SampleCount: 1, SampleDelta: delta})
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeStts()}); err != nil {
		return err
	}
	stts := &mp4.Stts{EntryCount: uint32(len(entries)), Entries: entries}
	if _, err := mp4.Marshal(w, stts, mp4.Context{}); err != nil {
		return err
	}
	_, err := w.EndBox()
	return err
}

func writeSyncSamples(w *mp4.Writer, chunks []*EncodedChunk) error {
	var sync []uint32
	for i, chunk := range chunks {
		if chunk.Keyframe {
			sync = append(sync, uint32(i+1))
		}
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeStss()}); err != nil {
		return err
	}
	stss := &mp4.Stss{EntryCount: uint32(len(sync)), SampleNumber: sync}
	if _, err := mp4.Marshal(w, stss, mp4.Context{}); err != nil {
		return err
	}
	_, err := w.EndBox()
	return err
}

// writeSampleSizesAndOffsets writes stsz, stsc and stco for a one-sample
// -per-chunk layout starting at dataStart.
func writeSampleSizesAndOffsets(w *mp4.Writer, chunks []*EncodedChunk, dataStart uint64) error {
	sizes := make([]uint32, len(chunks))
	offsets := make([]uint32, len(chunks))
	offset := dataStart
	for i, chunk := range chunks {
		sizes[i] = uint32(len(chunk.Data))
		offsets[i] = uint32(offset)
		offset += uint64(len(chunk.Data))
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeStsz()}); err != nil {
		return err
	}
	stsz := &mp4.Stsz{SampleCount: uint32(len(chunks)), EntrySize: sizes}
	if _, err := mp4.Marshal(w, stsz, mp4.Context{}); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeStsc()}); err != nil {
		return err
	}
	stsc := &mp4.Stsc{
		EntryCount: 1,
		Entries: []mp4.StscEntry{
			{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionIndex: 1},
		},
	}
	if _, err := mp4.Marshal(w, stsc, mp4.Context{}); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil {
		return err
	}

	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeStco()}); err != nil {
		return err
	}
	stco := &mp4.Stco{EntryCount: uint32(len(chunks)), ChunkOffset: offsets}
	if _, err := mp4.Marshal(w, stco, mp4.Context{}); err != nil {
		return err
	}
	_, err := w.EndBox()
	return err
}

func chunkSpan(chunks []*EncodedChunk) time.Duration {
	var total time.Duration
	for _, chunk := range chunks {
		total += chunk.Duration
	}
	return total
}

func chunkBytes(chunks []*EncodedChunk) uint64 {
	var total uint64
	for _, chunk := range chunks {
		total += uint64(len(chunk.Data))
	}
	return total
}

// durationToUnits rounds to the nearest timescale unit. Truncation
// would drop one unit per AAC frame (1024/48000 s is not a whole
// nanosecond count).
func durationToUnits(d time.Duration, timescale uint32) int64 {
	return (int64(d)*int64(timescale) + int64(time.Second)/2) / int64(time.Second)
}
