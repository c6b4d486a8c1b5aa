package compose

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/sunfish-shogi/bufseekio"
)

// Demux parses an MP4 held in memory and flattens its sample tables.
// A file without audio yields Container.Audio == nil; a file without a
// usable video track yields Container.Video == nil so callers that only
// need audio still work.
func Demux(buf []byte) (*Container, error) {
	r := bytes.NewReader(buf)
	return demux(r, r, nil)
}

// OpenFile demuxes an MP4 from disk. The returned container keeps the
// file open for sample access; callers must Close it.
func OpenFile(path string) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := bufseekio.NewReadSeeker(f, 128*1024, 4)
	c, err := demux(r, f, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func demux(r io.ReadSeeker, src io.ReaderAt, closer io.Closer) (*Container, error) {
	c := &Container{closer: closer}

	_, err := mp4.ReadBoxStructure(r, func(h *mp4.ReadHandle) (interface{}, error) {
		if !h.BoxInfo.IsSupportedType() {
			return nil, nil
		}
		if h.BoxInfo.Type == mp4.BoxTypeTrak() {
			t, err := readTrack(r, &h.BoxInfo, src)
			if err != nil {
				return nil, err
			}
			switch {
			case t == nil:
				// non-media track (hint, timed metadata), skip
			case t.Codec == CodecH264 && c.Video == nil:
				c.Video = t
			case t.Codec == CodecAAC && c.Audio == nil:
				c.Audio = t
			}
			return nil, nil
		}
		if _, err := h.Expand(); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if c.Video == nil && c.Audio == nil {
		return nil, &ContainerParseError{Reason: "no media tracks found"}
	}
	return c, nil
}

func readTrack(r io.ReadSeeker, bi *mp4.BoxInfo, src io.ReaderAt) (*Track, error) {
	bips, err := mp4.ExtractBoxesWithPayload(r, bi, []mp4.BoxPath{
		{mp4.BoxTypeMdia(), mp4.BoxTypeHdlr()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeMdhd()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStsd(), mp4.BoxTypeAvc1()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStsd(), mp4.BoxTypeAvc1(), mp4.BoxTypeAvcC()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStsd(), mp4.BoxTypeMp4a()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStsd(), mp4.BoxTypeMp4a(), mp4.BoxTypeEsds()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStts()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeCtts()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStsc()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStco()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeCo64()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStsz()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStss()},
	})
	if err != nil {
		return nil, err
	}

	var (
		hdlr *mp4.Hdlr
		mdhd *mp4.Mdhd
		avc1 *mp4.VisualSampleEntry
		avcC *mp4.BoxInfo
		mp4a *mp4.AudioSampleEntry
		esds *mp4.Esds
		stts *mp4.Stts
		ctts *mp4.Ctts
		stsc *mp4.Stsc
		stco *mp4.Stco
		co64 *mp4.Co64
		stsz *mp4.Stsz
		stss *mp4.Stss
	)
	for _, bip := range bips {
		switch bip.Info.Type {
		case mp4.BoxTypeHdlr():
			hdlr = bip.Payload.(*mp4.Hdlr)
		case mp4.BoxTypeMdhd():
			mdhd = bip.Payload.(*mp4.Mdhd)
		case mp4.BoxTypeAvc1():
			avc1 = bip.Payload.(*mp4.VisualSampleEntry)
		case mp4.BoxTypeAvcC():
			info := bip.Info
			avcC = &info
		case mp4.BoxTypeMp4a():
			mp4a = bip.Payload.(*mp4.AudioSampleEntry)
		case mp4.BoxTypeEsds():
			esds = bip.Payload.(*mp4.Esds)
		case mp4.BoxTypeStts():
			stts = bip.Payload.(*mp4.Stts)
		case mp4.BoxTypeCtts():
			ctts = bip.Payload.(*mp4.Ctts)
		case mp4.BoxTypeStsc():
			stsc = bip.Payload.(*mp4.Stsc)
		case mp4.BoxTypeStco():
			stco = bip.Payload.(*mp4.Stco)
		case mp4.BoxTypeCo64():
			co64 = bip.Payload.(*mp4.Co64)
		case mp4.BoxTypeStsz():
			stsz = bip.Payload.(*mp4.Stsz)
		case mp4.BoxTypeStss():
			stss = bip.Payload.(*mp4.Stss)
		}
	}

	if hdlr == nil || mdhd == nil {
		return nil, nil
	}

	t := &Track{Timescale: mdhd.Timescale, src: src}
	switch string(hdlr.HandlerType[:]) {
	case "vide":
		if avc1 == nil {
			return nil, &ContainerParseError{Reason: "unsupported video codec"}
		}
		if avcC == nil {
			// H.264 in MP4 keeps SPS/PPS out of band; without the avcC
			// record the stream cannot be decoded.
			return nil, &ContainerParseError{Reason: "codec description missing"}
		}
		t.Codec = CodecH264
		t.Width = int(avc1.Width)
		t.Height = int(avc1.Height)
		cfg := make([]byte, avcC.Size-avcC.HeaderSize)
		if _, err := src.ReadAt(cfg, int64(avcC.Offset+avcC.HeaderSize)); err != nil {
			return nil, fmt.Errorf("read avcC: %w", err)
		}
		t.DecoderConfig = cfg
	case "soun":
		if mp4a == nil {
			return nil, &ContainerParseError{Reason: "unsupported audio codec"}
		}
		t.Codec = CodecAAC
		t.Channels = int(mp4a.ChannelCount)
		t.SampleRate = int(mp4a.SampleRate >> 16)
		if esds != nil {
			if asc := findDecSpecificInfo(esds); asc != nil {
				var cfg mpeg4audio.AudioSpecificConfig
				if err := cfg.Unmarshal(asc); err != nil {
					return nil, &ContainerParseError{Reason: "codec description missing"}
				}
				t.SampleRate = cfg.SampleRate
				t.Channels = cfg.ChannelCount
				t.DecoderConfig = asc
			}
		}
		if t.DecoderConfig == nil {
			return nil, &ContainerParseError{Reason: "codec description missing"}
		}
	default:
		return nil, nil
	}

	if stts == nil || stsc == nil || stsz == nil {
		return nil, &ContainerParseError{Reason: "incomplete sample table"}
	}

	var chunkOffsets []uint64
	switch {
	case stco != nil:
		chunkOffsets = make([]uint64, len(stco.ChunkOffset))
		for i, off := range stco.ChunkOffset {
			chunkOffsets[i] = uint64(off)
		}
	case co64 != nil:
		chunkOffsets = co64.ChunkOffset
	default:
		return nil, &ContainerParseError{Reason: "incomplete sample table"}
	}

	t.Samples = flattenSampleTable(stts, ctts, stsc, stsz, stss, chunkOffsets)
	return t, nil
}

// flattenSampleTable expands the compacted stbl boxes into one Sample
// record per access unit, with absolute file offsets and timestamps.
func flattenSampleTable(stts *mp4.Stts, ctts *mp4.Ctts, stsc *mp4.Stsc, stsz *mp4.Stsz, stss *mp4.Stss, chunkOffsets []uint64) []Sample {
	var samples []Sample
	var dts int64
	for _, entry := range stts.Entries {
		for i := uint32(0); i < entry.SampleCount; i++ {
			samples = append(samples, Sample{
				DTS:      dts,
				CTS:      dts,
				Duration: entry.SampleDelta,
				Sync:     stss == nil,
			})
			dts += int64(entry.SampleDelta)
		}
	}

	if ctts != nil {
		var si int
		for ci, entry := range ctts.Entries {
			for i := uint32(0); i < entry.SampleCount && si < len(samples); i++ {
				samples[si].CTS = samples[si].DTS + int64(ctts.GetSampleOffset(ci))
				si++
			}
		}
	}

	for i := range samples {
		if i < len(stsz.EntrySize) {
			samples[i].Size = stsz.EntrySize[i]
		} else if stsz.SampleSize != 0 {
			samples[i].Size = stsz.SampleSize
		}
	}

	// expand stsc runs into per-chunk sample counts, then walk each chunk
	// accumulating byte offsets
	perChunk := make([]uint32, len(chunkOffsets))
	for si, entry := range stsc.Entries {
		end := uint32(len(chunkOffsets))
		if si != len(stsc.Entries)-1 && stsc.Entries[si+1].FirstChunk-1 < end {
			end = stsc.Entries[si+1].FirstChunk - 1
		}
		for ci := entry.FirstChunk - 1; ci < end; ci++ {
			perChunk[ci] = entry.SamplesPerChunk
		}
	}
	var si int
	for ci, off := range chunkOffsets {
		for i := uint32(0); i < perChunk[ci] && si < len(samples); i++ {
			samples[si].Offset = off
			off += uint64(samples[si].Size)
			si++
		}
	}

	if stss != nil {
		for _, n := range stss.SampleNumber {
			if n >= 1 && int(n) <= len(samples) {
				samples[n-1].Sync = true
			}
		}
	}
	return samples
}

func findDecSpecificInfo(esds *mp4.Esds) []byte {
	for _, d := range esds.Descriptors {
		if d.Tag == mp4.DecSpecificInfoTag {
			return d.Data
		}
	}
	return nil
}
