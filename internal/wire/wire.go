// Package wire implements the viewer/primary wire protocol described in
// the streaming design: a single TCP connection carries length-prefixed
// binary records, each framed as [4-byte big-endian length][1-byte
// type][payload].
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// RecordType identifies the payload that follows a frame header.
type RecordType byte

const (
	TypeHello          RecordType = 1
	TypeAuth           RecordType = 2
	TypeAuthOK         RecordType = 3
	TypeAuthFail       RecordType = 4
	TypeSetStream      RecordType = 5
	TypeStreamAccepted RecordType = 6
	TypeStreamState    RecordType = 7
	TypeCSD            RecordType = 8
	TypeFrame          RecordType = 9
	TypeControl        RecordType = 10
	TypeAudioDown      RecordType = 11
	TypeAudioUp        RecordType = 12
)

// StreamState codes carried in a STREAM_STATE record, per §6.1.
const (
	StreamStateStreaming     = 1
	StreamStateReconfiguring = 2
	StreamStateStopped       = 3
)

// MaxPayloadBytes bounds a single record's payload. Anything larger is a
// ProtocolViolation (oversize payload) and the connection is closed.
const MaxPayloadBytes = 16 * 1024 * 1024

const headerLen = 4 + 1

var (
	ErrOversizePayload = errors.New("wire: payload exceeds maximum record size")
	ErrShortWrite      = errors.New("wire: short write")
)

// Record is a single decoded wire record.
type Record struct {
	Type    RecordType
	Payload []byte
}

// ReadRecord reads one length-prefixed record from r.
func ReadRecord(r io.Reader) (Record, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Record{}, err
	}
	length := binary.BigEndian.Uint32(hdr[:4])
	if length == 0 {
		return Record{}, fmt.Errorf("wire: zero-length record")
	}
	// length includes the 1-byte type, payload is length-1.
	if length-1 > MaxPayloadBytes {
		return Record{}, ErrOversizePayload
	}
	typ := RecordType(hdr[4])
	payload := make([]byte, length-1)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Record{}, err
		}
	}
	return Record{Type: typ, Payload: payload}, nil
}

// EncodeRecordBytes lays out one full length-prefixed record (header +
// payload) as it appears on the wire, without writing it anywhere. Used
// by callers that need to buffer, concatenate (atomic control pairs,
// §4.5/§6.1) or queue framed records before a single Write.
func EncodeRecordBytes(typ RecordType, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadBytes {
		return nil, ErrOversizePayload
	}
	buf := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)+1))
	buf[4] = byte(typ)
	copy(buf[5:], payload)
	return buf, nil
}

// WriteRecord writes one length-prefixed record to w. Callers that need
// two records to appear back-to-back on the wire (atomic control pairs,
// §4.5/§6.1) must hold the writer's own lock across both calls; WriteRecord
// itself performs a single Write per record and does not lock.
func WriteRecord(w io.Writer, typ RecordType, payload []byte) error {
	buf, err := EncodeRecordBytes(typ, payload)
	if err != nil {
		return err
	}
	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return ErrShortWrite
	}
	return nil
}
