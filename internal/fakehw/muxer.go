package fakehw

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/lanternops/streamd/internal/recording"
)

var muxerMagic = [4]byte{'F', 'H', 'W', '1'}

// Muxer is a reference recording.Muxer: it writes a minimal
// length-prefixed container (magic, fixed header, then one
// kind+pts+length-tagged record per sample) to an arbitrary io.Writer,
// standing in for a real mp4/mkv muxer collaborator (§6.3). It is bound
// to its writer at construction, matching the "already-open writable
// file descriptor" contract recording.Tee assumes of its Muxer.
type Muxer struct {
	w io.Writer

	mu          sync.Mutex
	started     bool
	haveVideo   bool
	haveAudio   bool
	videoFormat recording.VideoTrackFormat
	audioFormat recording.AudioTrackFormat
}

// NewMuxer constructs a Muxer that writes its container to w.
func NewMuxer(w io.Writer) *Muxer {
	return &Muxer{w: w}
}

func (m *Muxer) AddVideoTrack(f recording.VideoTrackFormat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("fakehw: cannot add track after start")
	}
	m.videoFormat = f
	m.haveVideo = true
	return nil
}

func (m *Muxer) AddAudioTrack(f recording.AudioTrackFormat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("fakehw: cannot add track after start")
	}
	m.audioFormat = f
	m.haveAudio = true
	return nil
}

func (m *Muxer) Start(orientationDeg int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("fakehw: already started")
	}
	if !m.haveVideo {
		return errors.New("fakehw: no video track added")
	}

	if _, err := m.w.Write(muxerMagic[:]); err != nil {
		return err
	}

	var hdr [24]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(m.videoFormat.Width))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(m.videoFormat.Height))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(orientationDeg))
	if m.haveAudio {
		binary.BigEndian.PutUint32(hdr[12:16], 1)
	}
	binary.BigEndian.PutUint32(hdr[16:20], uint32(m.audioFormat.SampleRate))
	binary.BigEndian.PutUint32(hdr[20:24], uint32(m.audioFormat.Channels))
	if _, err := m.w.Write(hdr[:]); err != nil {
		return err
	}

	m.started = true
	return nil
}

// WriteSample writes one kind+keyframe+pts+length-tagged record followed
// by its payload.
func (m *Muxer) WriteSample(kind recording.TrackKind, s recording.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return errors.New("fakehw: muxer not started")
	}

	var hdr [14]byte
	hdr[0] = byte(kind)
	if s.IsKeyframe {
		hdr[1] = 1
	}
	binary.BigEndian.PutUint64(hdr[2:10], uint64(s.PTSMicros))
	binary.BigEndian.PutUint32(hdr[10:14], uint32(len(s.Data)))
	if _, err := m.w.Write(hdr[:]); err != nil {
		return err
	}
	if len(s.Data) == 0 {
		return nil
	}
	_, err := m.w.Write(s.Data)
	return err
}

func (m *Muxer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	_, err := m.w.Write([]byte{'E', 'N', 'D', '!'})
	return err
}

// Close is a no-op: the underlying writer's lifecycle belongs to whoever
// constructed the Muxer, not to the Muxer itself.
func (m *Muxer) Close() error {
	return nil
}
