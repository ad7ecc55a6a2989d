package wire

import (
	"bytes"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRecord(&buf, TypeAuth, []byte("hunter2")); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec, err := ReadRecord(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.Type != TypeAuth || string(rec.Payload) != "hunter2" {
		t.Fatalf("got %+v", rec)
	}
}

func TestWriteRecordRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	big := make([]byte, MaxPayloadBytes+1)
	if err := WriteRecord(&buf, TypeFrame, big); err == nil {
		t.Fatalf("expected write to reject oversize payload")
	}
}

func TestParseFields(t *testing.T) {
	f := ParseFields("width=720|height=960|bitrate=2000000|fps=30")
	if w, ok := f.Int("width"); !ok || w != 720 {
		t.Fatalf("width = %v, %v", w, ok)
	}
	if _, ok := f.Int("missing"); ok {
		t.Fatalf("expected missing key to be absent")
	}
}

func TestParseFieldsWithResume(t *testing.T) {
	f := ParseFields("hello|resume=abc-123")
	v, ok := f.String("resume")
	if !ok || v != "abc-123" {
		t.Fatalf("resume = %v, %v", v, ok)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	orig := FrameRecord{Epoch: 2, PTSMicros: 123456, IsKeyframe: true, CaptureEpochMS: 99, NAL: []byte{1, 2, 3, 4}}
	payload := EncodeFrame(orig)
	got, err := DecodeFrame(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Epoch != orig.Epoch || got.PTSMicros != orig.PTSMicros || got.IsKeyframe != orig.IsKeyframe ||
		got.CaptureEpochMS != orig.CaptureEpochMS || !bytes.Equal(got.NAL, orig.NAL) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, orig)
	}
}

func TestCSDRoundTrip(t *testing.T) {
	orig := CSDRecord{Epoch: 3, SPS: []byte{0xAA, 0xBB}, PPS: []byte{0xCC}}
	got, err := DecodeCSD(EncodeCSD(orig))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Epoch != orig.Epoch || !bytes.Equal(got.SPS, orig.SPS) || !bytes.Equal(got.PPS, orig.PPS) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, orig)
	}
}

func TestAudioDownRoundTrip(t *testing.T) {
	orig := AudioDownRecord{PTSMicros: 42, SampleRate: 48000, Channels: 1, Compressed: false, PCM: []byte{1, 2}}
	got, err := DecodeAudioDown(EncodeAudioDown(orig))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.PTSMicros != orig.PTSMicros || got.SampleRate != orig.SampleRate ||
		got.Channels != orig.Channels || got.Compressed != orig.Compressed || !bytes.Equal(got.PCM, orig.PCM) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, orig)
	}
}
