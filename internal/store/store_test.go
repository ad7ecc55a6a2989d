package store

import "testing"

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndListRecordings(t *testing.T) {
	s := openTest(t)
	for i := 0; i < 3; i++ {
		err := s.RecordFinishedRecording(Recording{
			Path: "rec.mp4", StartedAtMS: int64(i), StoppedAtMS: int64(i + 100),
			DurationMS: 100, Width: 1280, Height: 720, HadAudio: true,
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	got, err := s.ListRecordings(2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].StartedAtMS != 2 {
		t.Fatalf("expected newest first, got %+v", got)
	}
}

func TestResumeStateRoundTrip(t *testing.T) {
	s := openTest(t)
	rs := ResumeState{SessionID: "abc", Width: 1280, Height: 720, BitrateBPS: 2_000_000, FPS: 30, TimestampMS: 1000}
	if err := s.SaveResumeState(rs); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.GetResumeState("abc")
	if err != nil || !ok {
		t.Fatalf("get: %v, ok=%v", err, ok)
	}
	if got != rs {
		t.Fatalf("got %+v, want %+v", got, rs)
	}

	if err := s.DeleteResumeState("abc"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err = s.GetResumeState("abc")
	if err != nil || ok {
		t.Fatalf("expected absent after delete, ok=%v err=%v", ok, err)
	}
}

func TestResumeStateEvictsBeyondCap(t *testing.T) {
	s := openTest(t)
	for i := 0; i < ResumeCap+10; i++ {
		rs := ResumeState{SessionID: string(rune('a' + i%26)) + string(rune(i)), Width: 640, Height: 480, BitrateBPS: 1_000_000, FPS: 24, TimestampMS: int64(i)}
		if err := s.SaveResumeState(rs); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	row := s.db.QueryRow(`SELECT COUNT(*) FROM resume_states`)
	var count int
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count > ResumeCap {
		t.Fatalf("count = %d, want <= %d", count, ResumeCap)
	}
}
