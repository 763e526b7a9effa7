package recorder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

const (
	// AudioTimescale is the audio track timescale (samples per second).
	AudioTimescale = 48000
	// AACFrameDuration is the samples per AAC-LC frame.
	AACFrameDuration = 1024
	// VideoTimescale is the video track timescale.
	VideoTimescale = 90000
	// VideoFrameDuration is one CFR 30 fps frame in video timescale units.
	VideoFrameDuration = VideoTimescale / 30

	videoTrackID = 1
	audioTrackID = 2

	audioBitrate = 192000
)

// FlushWriter is the muxer's sink: buffered writes plus an explicit flush at
// fragment boundaries for crash safety.
type FlushWriter interface {
	io.Writer
	Flush() error
}

type videoSample struct {
	data     []byte
	keyframe bool
}

type sampleInfo struct {
	fileOffset uint64
	size       uint32
	keyframe   bool
}

// Muxer writes the two-track fragmented MP4. It is exclusively owned by the
// muxer task; encoder threads feed it through channels, never directly.
type Muxer struct {
	w      FlushWriter
	offset uint64

	asc      []byte
	sps, pps []byte
	width    int
	height   int

	seqNum        uint32
	audioBaseDT   uint64
	videoBaseDT   uint64
	pendingAudio  [][]byte
	pendingVideo  []videoSample
	audioSamples  []sampleInfo
	videoSamples  []sampleInfo
	finalized     bool
}

// NewMuxer writes the init segment (ftyp + moov with both tracks) and
// returns the muxer. asc is the AudioSpecificConfig; sps and pps parameterize
// the avcC entry.
func NewMuxer(w FlushWriter, asc, sps, pps []byte, width, height int) (*Muxer, error) {
	m := &Muxer{
		w:      w,
		asc:    asc,
		sps:    sps,
		pps:    pps,
		width:  width,
		height: height,
	}

	init := bytes.Join([][]byte{ftypBox(), m.initMoov()}, nil)
	if err := m.write(init); err != nil {
		return nil, fmt.Errorf("write init segment: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("flush init segment: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewMuxer",
		"width":    width,
		"height":   height,
		"init":     len(init),
	}).Info("fMP4 init segment written")

	return m, nil
}

// AddAudioFrame queues one raw AAC frame (1024 samples) for the current
// fragment.
func (m *Muxer) AddAudioFrame(data []byte) {
	m.pendingAudio = append(m.pendingAudio, data)
}

// AddVideoSample queues one H.264 access unit (length-prefixed NALUs) for
// the current fragment.
func (m *Muxer) AddVideoSample(data []byte, keyframe bool) {
	m.pendingVideo = append(m.pendingVideo, videoSample{data: data, keyframe: keyframe})
}

// PendingAudio returns the queued-but-unflushed audio frame count.
func (m *Muxer) PendingAudio() int { return len(m.pendingAudio) }

// PendingVideo returns the queued-but-unflushed video sample count.
func (m *Muxer) PendingVideo() int { return len(m.pendingVideo) }

// FlushFragment writes the pending samples as one moof + mdat pair and
// flushes to disk. No-op when nothing is pending. Fragment sequence numbers
// are strictly increasing.
func (m *Muxer) FlushFragment() error {
	if len(m.pendingAudio) == 0 && len(m.pendingVideo) == 0 {
		return nil
	}
	m.seqNum++

	moof := m.moofBox()

	var mdatPayload bytes.Buffer
	for _, s := range m.pendingVideo {
		mdatPayload.Write(s.data)
	}
	for _, f := range m.pendingAudio {
		mdatPayload.Write(f)
	}
	mdat := box("mdat", mdatPayload.Bytes())

	// Record sample file offsets for the finalization tables. Payload
	// starts after moof and the 8-byte mdat header.
	sampleOffset := m.offset + uint64(len(moof)) + 8
	for _, s := range m.pendingVideo {
		m.videoSamples = append(m.videoSamples, sampleInfo{
			fileOffset: sampleOffset,
			size:       uint32(len(s.data)),
			keyframe:   s.keyframe,
		})
		sampleOffset += uint64(len(s.data))
	}
	for _, f := range m.pendingAudio {
		m.audioSamples = append(m.audioSamples, sampleInfo{
			fileOffset: sampleOffset,
			size:       uint32(len(f)),
		})
		sampleOffset += uint64(len(f))
	}

	if err := m.write(moof); err != nil {
		return fmt.Errorf("write moof: %w", err)
	}
	if err := m.write(mdat); err != nil {
		return fmt.Errorf("write mdat: %w", err)
	}

	m.videoBaseDT += uint64(len(m.pendingVideo)) * VideoFrameDuration
	m.audioBaseDT += uint64(len(m.pendingAudio)) * AACFrameDuration
	m.pendingVideo = nil
	m.pendingAudio = nil

	if err := m.w.Flush(); err != nil {
		return fmt.Errorf("flush fragment: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Muxer.FlushFragment",
		"fragment": m.seqNum,
		"offset":   m.offset,
	}).Debug("Fragment flushed")
	return nil
}

// Finalize flushes the last fragment and appends the conventional moov with
// full sample tables. On failure the file remains valid fMP4.
func (m *Muxer) Finalize() error {
	if m.finalized {
		return nil
	}
	if err := m.FlushFragment(); err != nil {
		return err
	}
	if len(m.audioSamples) == 0 && len(m.videoSamples) == 0 {
		m.finalized = true
		return nil
	}

	if err := m.write(m.finalMoov()); err != nil {
		return fmt.Errorf("write final moov: %w", err)
	}
	if err := m.w.Flush(); err != nil {
		return fmt.Errorf("flush final moov: %w", err)
	}
	m.finalized = true

	logrus.WithFields(logrus.Fields{
		"function":      "Muxer.Finalize",
		"video_samples": len(m.videoSamples),
		"audio_samples": len(m.audioSamples),
		"bytes":         m.offset,
	}).Info("Recording finalized with conventional moov")
	return nil
}

// VideoSampleCount returns the number of flushed video samples.
func (m *Muxer) VideoSampleCount() int { return len(m.videoSamples) }

// AudioSampleCount returns the number of flushed audio frames.
func (m *Muxer) AudioSampleCount() int { return len(m.audioSamples) }

func (m *Muxer) write(data []byte) error {
	n, err := m.w.Write(data)
	m.offset += uint64(n)
	return err
}

// ---------------------------------------------------------------------------
// Box building. Boxes compose bottom-up in memory, so sizes are exact and no
// seek patching is needed.
// ---------------------------------------------------------------------------

func box(boxType string, payloads ...[]byte) []byte {
	size := 8
	for _, p := range payloads {
		size += len(p)
	}
	out := make([]byte, 0, size)
	out = binary.BigEndian.AppendUint32(out, uint32(size))
	out = append(out, boxType...)
	for _, p := range payloads {
		out = append(out, p...)
	}
	return out
}

func fullBox(boxType string, version byte, flags uint32, payloads ...[]byte) []byte {
	vf := make([]byte, 4)
	binary.BigEndian.PutUint32(vf, uint32(version)<<24|flags&0x00FFFFFF)
	return box(boxType, append([][]byte{vf}, payloads...)...)
}

func u16be(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }

func u32be(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }

func u64be(v uint64) []byte { return binary.BigEndian.AppendUint64(nil, v) }

var unityMatrix = bytes.Join([][]byte{
	u32be(0x00010000), u32be(0), u32be(0),
	u32be(0), u32be(0x00010000), u32be(0),
	u32be(0), u32be(0), u32be(0x40000000),
}, nil)

func ftypBox() []byte {
	return box("ftyp",
		[]byte("isom"),
		u32be(0x200),
		[]byte("isom"), []byte("iso5"), []byte("mp41"),
	)
}

// ---------------------------------------------------------------------------
// Init moov
// ---------------------------------------------------------------------------

func (m *Muxer) initMoov() []byte {
	return box("moov",
		mvhdBox(0),
		m.videoTrak(0),
		m.audioTrak(0),
		mvexBox(),
	)
}

func mvhdBox(durationMs uint32) []byte {
	// Movie timescale is milliseconds.
	return fullBox("mvhd", 0, 0,
		u32be(0),          // creation_time
		u32be(0),          // modification_time
		u32be(1000),       // timescale
		u32be(durationMs), // duration
		u32be(0x00010000), // rate 1.0
		u16be(0x0100),     // volume 1.0
		make([]byte, 10),  // reserved
		unityMatrix,
		make([]byte, 24), // pre_defined
		u32be(3),         // next_track_ID
	)
}

func tkhdBox(trackID uint32, durationMs uint32, width, height int, audio bool) []byte {
	volume := uint16(0)
	if audio {
		volume = 0x0100
	}
	return fullBox("tkhd", 0, 0x03, // enabled | in_movie
		u32be(0), // creation_time
		u32be(0), // modification_time
		u32be(trackID),
		u32be(0), // reserved
		u32be(durationMs),
		make([]byte, 8), // reserved
		u16be(0),        // layer
		u16be(0),        // alternate_group
		u16be(volume),
		u16be(0), // reserved
		unityMatrix,
		u32be(uint32(width)<<16),  // width 16.16
		u32be(uint32(height)<<16), // height 16.16
	)
}

func mdhdBox(timescale, duration uint32) []byte {
	return fullBox("mdhd", 0, 0,
		u32be(0), u32be(0),
		u32be(timescale),
		u32be(duration),
		u16be(0x55C4), // language: undetermined
		u16be(0),
	)
}

func hdlrBox(handler, name string) []byte {
	return fullBox("hdlr", 0, 0,
		u32be(0),
		[]byte(handler),
		make([]byte, 12),
		append([]byte(name), 0),
	)
}

func dinfBox() []byte {
	url := fullBox("url ", 0, 0x01) // self-contained
	dref := fullBox("dref", 0, 0, u32be(1), url)
	return box("dinf", dref)
}

func vmhdBox() []byte {
	return fullBox("vmhd", 0, 0x01, make([]byte, 8))
}

func smhdBox() []byte {
	return fullBox("smhd", 0, 0, u16be(0), u16be(0))
}

func emptyStts() []byte { return fullBox("stts", 0, 0, u32be(0)) }

func emptyStsc() []byte { return fullBox("stsc", 0, 0, u32be(0)) }

func emptyStsz() []byte { return fullBox("stsz", 0, 0, u32be(0), u32be(0)) }

func emptyStco() []byte { return fullBox("stco", 0, 0, u32be(0)) }

// avc1 sample entry with avcC decoder configuration.
func (m *Muxer) avc1Box() []byte {
	avcc := m.avccBox()
	var entry bytes.Buffer
	entry.Write(make([]byte, 6)) // reserved
	entry.Write(u16be(1))        // data_reference_index
	entry.Write(make([]byte, 16))
	entry.Write(u16be(uint16(m.width)))
	entry.Write(u16be(uint16(m.height)))
	entry.Write(u32be(0x00480000)) // horizresolution 72dpi
	entry.Write(u32be(0x00480000)) // vertresolution
	entry.Write(u32be(0))          // reserved
	entry.Write(u16be(1))          // frame_count
	entry.Write(make([]byte, 32))  // compressorname
	entry.Write(u16be(0x0018))     // depth
	entry.Write(u16be(0xFFFF))     // pre_defined
	return box("avc1", entry.Bytes(), avcc)
}

func (m *Muxer) avccBox() []byte {
	profile, profileCompat, level := byte(0x64), byte(0x00), byte(0x29) // High 4.1
	if len(m.sps) >= 4 {
		profile, profileCompat, level = m.sps[1], m.sps[2], m.sps[3]
	}
	var b bytes.Buffer
	b.WriteByte(1) // configurationVersion
	b.WriteByte(profile)
	b.WriteByte(profileCompat)
	b.WriteByte(level)
	b.WriteByte(0xFF) // 4-byte NALU lengths
	b.WriteByte(0xE1) // 1 SPS
	b.Write(u16be(uint16(len(m.sps))))
	b.Write(m.sps)
	b.WriteByte(1) // 1 PPS
	b.Write(u16be(uint16(len(m.pps))))
	b.Write(m.pps)
	return box("avcC", b.Bytes())
}

// mp4a sample entry with esds.
func (m *Muxer) mp4aBox() []byte {
	var entry bytes.Buffer
	entry.Write(make([]byte, 6)) // reserved
	entry.Write(u16be(1))        // data_reference_index
	entry.Write(make([]byte, 8)) // reserved
	entry.Write(u16be(1))        // channel_count (mono)
	entry.Write(u16be(16))       // sample_size
	entry.Write(u32be(0))        // pre_defined + reserved
	entry.Write(u16be(uint16(AudioTimescale >> 16)))
	entry.Write(u16be(uint16(AudioTimescale & 0xFFFF)))
	return box("mp4a", entry.Bytes(), m.esdsBox())
}

func (m *Muxer) esdsBox() []byte {
	asc := m.asc
	decConfigLen := 13 + 2 + len(asc)
	slConfigLen := 1
	esDescLen := 3 + (2 + decConfigLen) + (2 + slConfigLen)

	var b bytes.Buffer
	b.WriteByte(0x03) // ES_Descriptor
	b.WriteByte(byte(esDescLen))
	b.Write(u16be(1)) // ES_ID
	b.WriteByte(0)    // stream priority

	b.WriteByte(0x04) // DecoderConfigDescriptor
	b.WriteByte(byte(decConfigLen))
	b.WriteByte(0x40)              // AAC ISO/IEC 14496-3
	b.WriteByte(0x15)              // streamType audio
	b.Write([]byte{0, 0, 0})       // bufferSizeDB
	b.Write(u32be(audioBitrate))   // maxBitrate
	b.Write(u32be(audioBitrate))   // avgBitrate

	b.WriteByte(0x05) // DecoderSpecificInfo
	b.WriteByte(byte(len(asc)))
	b.Write(asc)

	b.WriteByte(0x06) // SLConfigDescriptor
	b.WriteByte(byte(slConfigLen))
	b.WriteByte(0x02)

	return fullBox("esds", 0, 0, b.Bytes())
}

func (m *Muxer) videoStsd() []byte {
	return fullBox("stsd", 0, 0, u32be(1), m.avc1Box())
}

func (m *Muxer) audioStsd() []byte {
	return fullBox("stsd", 0, 0, u32be(1), m.mp4aBox())
}

func (m *Muxer) videoTrak(durationMs uint32) []byte {
	stbl := box("stbl", m.videoStsd(), emptyStts(), emptyStsc(), emptyStsz(), emptyStco())
	minf := box("minf", vmhdBox(), dinfBox(), stbl)
	mdia := box("mdia", mdhdBox(VideoTimescale, 0), hdlrBox("vide", "VideoHandler"), minf)
	return box("trak", tkhdBox(videoTrackID, durationMs, m.width, m.height, false), mdia)
}

func (m *Muxer) audioTrak(durationMs uint32) []byte {
	stbl := box("stbl", m.audioStsd(), emptyStts(), emptyStsc(), emptyStsz(), emptyStco())
	minf := box("minf", smhdBox(), dinfBox(), stbl)
	mdia := box("mdia", mdhdBox(AudioTimescale, 0), hdlrBox("soun", "SoundHandler"), minf)
	return box("trak", tkhdBox(audioTrackID, durationMs, 0, 0, true), mdia)
}

func mvexBox() []byte {
	trexVideo := fullBox("trex", 0, 0,
		u32be(videoTrackID), u32be(1), u32be(VideoFrameDuration), u32be(0), u32be(0))
	trexAudio := fullBox("trex", 0, 0,
		u32be(audioTrackID), u32be(1), u32be(AACFrameDuration), u32be(0), u32be(0))
	return box("mvex", trexVideo, trexAudio)
}

// ---------------------------------------------------------------------------
// Fragments
// ---------------------------------------------------------------------------

const (
	sampleFlagSync    = 0x02000000 // sample_depends_on = no (sync sample)
	sampleFlagNonSync = 0x01010000 // depends + non-sync
)

func (m *Muxer) moofBox() []byte {
	mfhd := fullBox("mfhd", 0, 0, u32be(m.seqNum))

	// trun entries: video carries per-sample flags to mark sync samples;
	// audio carries duration + size only.
	videoEntrySize := 12
	audioEntrySize := 8

	trafVideoSize := 0
	if len(m.pendingVideo) > 0 {
		trafVideoSize = 8 + 16 + 20 + (12 + 4 + 4 + len(m.pendingVideo)*videoEntrySize)
	}
	trafAudioSize := 0
	if len(m.pendingAudio) > 0 {
		trafAudioSize = 8 + 16 + 20 + (12 + 4 + 4 + len(m.pendingAudio)*audioEntrySize)
	}
	moofSize := 8 + len(mfhd) + trafVideoSize + trafAudioSize

	videoBytes := 0
	for _, s := range m.pendingVideo {
		videoBytes += len(s.data)
	}

	parts := [][]byte{mfhd}
	if len(m.pendingVideo) > 0 {
		dataOffset := int32(moofSize + 8)
		tfhd := fullBox("tfhd", 0, 0x020000, u32be(videoTrackID)) // default-base-is-moof
		tfdt := fullBox("tfdt", 1, 0, u64be(m.videoBaseDT))

		var entries bytes.Buffer
		entries.Write(u32be(uint32(len(m.pendingVideo))))
		entries.Write(u32be(uint32(dataOffset)))
		for _, s := range m.pendingVideo {
			entries.Write(u32be(VideoFrameDuration))
			entries.Write(u32be(uint32(len(s.data))))
			if s.keyframe {
				entries.Write(u32be(sampleFlagSync))
			} else {
				entries.Write(u32be(sampleFlagNonSync))
			}
		}
		// flags: data-offset | sample-duration | sample-size | sample-flags
		trun := fullBox("trun", 0, 0x000701, entries.Bytes())
		parts = append(parts, box("traf", tfhd, tfdt, trun))
	}
	if len(m.pendingAudio) > 0 {
		dataOffset := int32(moofSize + 8 + videoBytes)
		tfhd := fullBox("tfhd", 0, 0x020000, u32be(audioTrackID))
		tfdt := fullBox("tfdt", 1, 0, u64be(m.audioBaseDT))

		var entries bytes.Buffer
		entries.Write(u32be(uint32(len(m.pendingAudio))))
		entries.Write(u32be(uint32(dataOffset)))
		for _, f := range m.pendingAudio {
			entries.Write(u32be(AACFrameDuration))
			entries.Write(u32be(uint32(len(f))))
		}
		// flags: data-offset | sample-duration | sample-size
		trun := fullBox("trun", 0, 0x000301, entries.Bytes())
		parts = append(parts, box("traf", tfhd, tfdt, trun))
	}

	return box("moof", parts...)
}

// ---------------------------------------------------------------------------
// Finalization moov
// ---------------------------------------------------------------------------

func (m *Muxer) finalMoov() []byte {
	videoDur := uint32(len(m.videoSamples)) * VideoFrameDuration
	audioDur := uint32(len(m.audioSamples)) * AACFrameDuration

	durationMs := uint32(uint64(audioDur) * 1000 / AudioTimescale)
	if v := uint32(uint64(videoDur) * 1000 / VideoTimescale); v > durationMs {
		durationMs = v
	}

	return box("moov",
		mvhdBox(durationMs),
		m.finalVideoTrak(videoDur, durationMs),
		m.finalAudioTrak(audioDur, durationMs),
	)
}

func (m *Muxer) finalVideoTrak(duration, durationMs uint32) []byte {
	samples := m.videoSamples

	stts := fullBox("stts", 0, 0, u32be(1),
		u32be(uint32(len(samples))), u32be(VideoFrameDuration))

	var syncList bytes.Buffer
	syncCount := 0
	for i, s := range samples {
		if s.keyframe {
			syncList.Write(u32be(uint32(i + 1)))
			syncCount++
		}
	}
	stss := fullBox("stss", 0, 0, u32be(uint32(syncCount)), syncList.Bytes())

	stbl := box("stbl",
		m.videoStsd(),
		stts,
		stss,
		stscBox(),
		stszBox(samples),
		co64Box(samples),
	)
	minf := box("minf", vmhdBox(), dinfBox(), stbl)
	mdia := box("mdia", mdhdBox(VideoTimescale, duration), hdlrBox("vide", "VideoHandler"), minf)
	return box("trak", tkhdBox(videoTrackID, durationMs, m.width, m.height, false), mdia)
}

func (m *Muxer) finalAudioTrak(duration, durationMs uint32) []byte {
	samples := m.audioSamples

	stts := fullBox("stts", 0, 0, u32be(1),
		u32be(uint32(len(samples))), u32be(AACFrameDuration))

	stbl := box("stbl",
		m.audioStsd(),
		stts,
		stscBox(),
		stszBox(samples),
		co64Box(samples),
	)
	minf := box("minf", smhdBox(), dinfBox(), stbl)
	mdia := box("mdia", mdhdBox(AudioTimescale, duration), hdlrBox("soun", "SoundHandler"), minf)
	return box("trak", tkhdBox(audioTrackID, durationMs, 0, 0, true), mdia)
}

// One chunk per sample keeps the tables simple; co64 keeps files over 4 GiB
// valid.
func stscBox() []byte {
	return fullBox("stsc", 0, 0, u32be(1), u32be(1), u32be(1), u32be(1))
}

func stszBox(samples []sampleInfo) []byte {
	var sizes bytes.Buffer
	for _, s := range samples {
		sizes.Write(u32be(s.size))
	}
	return fullBox("stsz", 0, 0, u32be(0), u32be(uint32(len(samples))), sizes.Bytes())
}

func co64Box(samples []sampleInfo) []byte {
	var offsets bytes.Buffer
	for _, s := range samples {
		offsets.Write(u64be(s.fileOffset))
	}
	return fullBox("co64", 0, 0, u32be(uint32(len(samples))), offsets.Bytes())
}
