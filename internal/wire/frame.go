package wire

import "encoding/binary"

// FrameRecord is the decoded payload of a FRAME record: an encoded video
// frame tagged with the stream epoch it was produced under (§3, §6.1).
type FrameRecord struct {
	Epoch          uint64
	PTSMicros      int64
	IsKeyframe     bool
	CaptureEpochMS int64
	NAL            []byte
}

// EncodeFrame lays out a FRAME payload as:
// [8B epoch][8B pts_us][1B is_key][8B capture_epoch_ms][NAL...]
func EncodeFrame(f FrameRecord) []byte {
	buf := make([]byte, 8+8+1+8+len(f.NAL))
	binary.BigEndian.PutUint64(buf[0:8], f.Epoch)
	binary.BigEndian.PutUint64(buf[8:16], uint64(f.PTSMicros))
	if f.IsKeyframe {
		buf[16] = 1
	}
	binary.BigEndian.PutUint64(buf[17:25], uint64(f.CaptureEpochMS))
	copy(buf[25:], f.NAL)
	return buf
}

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(payload []byte) (FrameRecord, error) {
	if len(payload) < 25 {
		return FrameRecord{}, errShortFrame
	}
	f := FrameRecord{
		Epoch:          binary.BigEndian.Uint64(payload[0:8]),
		PTSMicros:      int64(binary.BigEndian.Uint64(payload[8:16])),
		IsKeyframe:     payload[16] != 0,
		CaptureEpochMS: int64(binary.BigEndian.Uint64(payload[17:25])),
	}
	f.NAL = append([]byte(nil), payload[25:]...)
	return f, nil
}

// CSDRecord is the decoded payload of a CSD record: epoch-tagged SPS/PPS.
type CSDRecord struct {
	Epoch uint64
	SPS   []byte
	PPS   []byte
}

// EncodeCSD lays out a CSD payload as:
// [8B epoch][4B len(sps)][sps...][4B len(pps)][pps...]
func EncodeCSD(c CSDRecord) []byte {
	buf := make([]byte, 8+4+len(c.SPS)+4+len(c.PPS))
	binary.BigEndian.PutUint64(buf[0:8], c.Epoch)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(c.SPS)))
	off := 12
	copy(buf[off:], c.SPS)
	off += len(c.SPS)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(c.PPS)))
	off += 4
	copy(buf[off:], c.PPS)
	return buf
}

// DecodeCSD is the inverse of EncodeCSD.
func DecodeCSD(payload []byte) (CSDRecord, error) {
	if len(payload) < 12 {
		return CSDRecord{}, errShortFrame
	}
	c := CSDRecord{Epoch: binary.BigEndian.Uint64(payload[0:8])}
	spsLen := binary.BigEndian.Uint32(payload[8:12])
	off := 12
	if uint32(len(payload)-off) < spsLen {
		return CSDRecord{}, errShortFrame
	}
	c.SPS = append([]byte(nil), payload[off:off+int(spsLen)]...)
	off += int(spsLen)
	if len(payload)-off < 4 {
		return CSDRecord{}, errShortFrame
	}
	ppsLen := binary.BigEndian.Uint32(payload[off : off+4])
	off += 4
	if uint32(len(payload)-off) < ppsLen {
		return CSDRecord{}, errShortFrame
	}
	c.PPS = append([]byte(nil), payload[off:off+int(ppsLen)]...)
	return c, nil
}

// AudioDownRecord is the decoded payload of an AUDIO_DOWN record (§6.1).
type AudioDownRecord struct {
	PTSMicros  int64
	SampleRate uint32
	Channels   uint8
	Compressed bool
	PCM        []byte
}

// EncodeAudioDown lays out an AUDIO_DOWN payload as:
// [8B pts_us][4B rate][1B channels][1B compressed][payload...]
func EncodeAudioDown(a AudioDownRecord) []byte {
	buf := make([]byte, 8+4+1+1+len(a.PCM))
	binary.BigEndian.PutUint64(buf[0:8], uint64(a.PTSMicros))
	binary.BigEndian.PutUint32(buf[8:12], a.SampleRate)
	buf[12] = a.Channels
	if a.Compressed {
		buf[13] = 1
	}
	copy(buf[14:], a.PCM)
	return buf
}

// DecodeAudioDown is the inverse of EncodeAudioDown.
func DecodeAudioDown(payload []byte) (AudioDownRecord, error) {
	if len(payload) < 14 {
		return AudioDownRecord{}, errShortFrame
	}
	a := AudioDownRecord{
		PTSMicros:  int64(binary.BigEndian.Uint64(payload[0:8])),
		SampleRate: binary.BigEndian.Uint32(payload[8:12]),
		Channels:   payload[12],
		Compressed: payload[13] != 0,
	}
	a.PCM = append([]byte(nil), payload[14:]...)
	return a, nil
}

var errShortFrame = fmtError("wire: payload too short to decode")

type fmtError string

func (e fmtError) Error() string { return string(e) }
