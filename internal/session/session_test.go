package session

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"rendezvous-acs-server/internal/logger"
	"rendezvous-acs-server/internal/onion"
)

func newTestStore() *Store {
	return New(logger.New("session_test", "error"))
}

func TestSetOnion_Onion_RoundTrip(t *testing.T) {
	s := newTestStore()
	if _, ok := s.Onion(); ok {
		t.Fatal("expected no onion on fresh store")
	}
	o := &onion.Onion{Type: onion.Base}
	s.SetOnion(o)
	got, ok := s.Onion()
	if !ok || got != o {
		t.Fatalf("Onion() = %v, %v; want %v, true", got, ok, o)
	}
}

func TestSetImages_ReleasesPrevious(t *testing.T) {
	s := newTestStore()
	dir1 := t.TempDir()
	file1 := filepath.Join(dir1, "img.jpg")
	os.WriteFile(file1, []byte("x"), 0o600)

	dir2 := t.TempDir()
	file2 := filepath.Join(dir2, "img.jpg")
	os.WriteFile(file2, []byte("y"), 0o600)

	s.SetImages(file1, dir1)
	s.SetImages(file2, dir2)

	if _, err := os.Stat(dir1); !os.IsNotExist(err) {
		t.Error("expected first image dir to be removed")
	}
	if _, err := os.Stat(file2); err != nil {
		t.Error("expected second image file to still exist")
	}
}

func TestClearCaptcha(t *testing.T) {
	s := newTestStore()
	dir := t.TempDir()
	path := filepath.Join(dir, "captcha.png")
	os.WriteFile(path, []byte("x"), 0o600)

	s.SetCaptchaPath(path)
	if got, ok := s.CaptchaPath(); !ok || got != path {
		t.Fatalf("CaptchaPath() = %q, %v", got, ok)
	}

	s.ClearCaptcha()
	if _, ok := s.CaptchaPath(); ok {
		t.Error("expected no captcha after ClearCaptcha")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected captcha file to be removed")
	}
}

func TestReset_ClearsEverything(t *testing.T) {
	s := newTestStore()
	dir := t.TempDir()
	imgFile := filepath.Join(dir, "img.jpg")
	os.WriteFile(imgFile, []byte("x"), 0o600)
	captchaFile := filepath.Join(dir, "captcha.png")
	os.WriteFile(captchaFile, []byte("y"), 0o600)

	s.SetOnion(&onion.Onion{Type: onion.Base})
	s.SetImages(imgFile, dir)
	s.SetCaptchaPath(captchaFile)
	s.PowStart(&onion.Onion{Type: onion.Pow}, func(puzzle, data []byte, progress *atomic.Uint64, quit <-chan struct{}) ([]byte, error) {
		<-quit
		return nil, nil
	})

	s.Reset()

	if _, ok := s.Onion(); ok {
		t.Error("expected onion cleared after Reset")
	}
	if _, ok := s.CaptchaPath(); ok {
		t.Error("expected captcha cleared after Reset")
	}
	if _, ok := s.ImageDir(); ok {
		t.Error("expected image dir cleared after Reset")
	}
	snap := s.PowSnapshot()
	if snap.Running {
		t.Error("expected POW worker cleared after Reset")
	}
}

func TestPowStart_RefusesWhileRunning(t *testing.T) {
	s := newTestStore()
	started := make(chan struct{})
	search := func(puzzle, data []byte, progress *atomic.Uint64, quit <-chan struct{}) ([]byte, error) {
		close(started)
		<-quit
		return nil, nil
	}
	if ok := s.PowStart(&onion.Onion{}, search); !ok {
		t.Fatal("expected first PowStart to succeed")
	}
	<-started
	if ok := s.PowStart(&onion.Onion{}, search); ok {
		t.Error("expected second PowStart to be refused while one is running")
	}
	s.PowCancel()
}

func TestPowStart_CompletesAndSnapshots(t *testing.T) {
	s := newTestStore()
	want := []byte("inner-onion-bytes")
	search := func(puzzle, data []byte, progress *atomic.Uint64, quit <-chan struct{}) ([]byte, error) {
		progress.Store(42)
		return want, nil
	}
	s.PowStart(&onion.Onion{}, search)

	deadline := time.Now().Add(2 * time.Second)
	var snap PowSnapshot
	for time.Now().Before(deadline) {
		snap = s.PowSnapshot()
		if snap.Finished {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !snap.Finished {
		t.Fatal("expected POW worker to finish")
	}
	if string(snap.Inner) != string(want) {
		t.Errorf("Inner = %q, want %q", snap.Inner, want)
	}
	if snap.Progress != 42 {
		t.Errorf("Progress = %d, want 42", snap.Progress)
	}
}

func TestPowCancel_StopsWorker(t *testing.T) {
	s := newTestStore()
	stopped := make(chan struct{})
	search := func(puzzle, data []byte, progress *atomic.Uint64, quit <-chan struct{}) ([]byte, error) {
		<-quit
		close(stopped)
		return nil, nil
	}
	s.PowStart(&onion.Onion{}, search)
	s.PowCancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("expected worker to observe cancellation")
	}

	snap := s.PowSnapshot()
	if snap.Running {
		t.Error("expected no POW worker after cancel")
	}
}

func TestPowFinish_InstallsInnerOnion(t *testing.T) {
	s := newTestStore()
	inner := onion.Encode(onion.Base, nil, []byte(`{"window":1}`))
	search := func(puzzle, data []byte, progress *atomic.Uint64, quit <-chan struct{}) ([]byte, error) {
		return inner, nil
	}
	s.PowStart(&onion.Onion{}, search)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !s.PowSnapshot().Finished {
		time.Sleep(time.Millisecond)
	}

	o, ok := s.PowFinish()
	if !ok {
		t.Fatal("expected PowFinish to succeed")
	}
	if o.Type != onion.Base {
		t.Errorf("Type = %v, want Base", o.Type)
	}
	cur, ok := s.Onion()
	if !ok || cur != o {
		t.Error("expected installed onion to become the current onion")
	}
}

func TestPowFinish_CancelledYieldsNoOnion(t *testing.T) {
	s := newTestStore()
	search := func(puzzle, data []byte, progress *atomic.Uint64, quit <-chan struct{}) ([]byte, error) {
		<-quit
		return nil, nil
	}
	s.PowStart(&onion.Onion{}, search)
	s.PowCancel()

	if _, ok := s.PowFinish(); ok {
		t.Error("expected PowFinish to report no onion after cancellation")
	}
}

func TestNewImageDir_HasFixedPrefix(t *testing.T) {
	dir, err := NewImageDir()
	if err != nil {
		t.Fatalf("NewImageDir: %v", err)
	}
	defer os.RemoveAll(dir)
	if filepath.Base(dir)[:len(JPEGStegEmbedPrefix)] != JPEGStegEmbedPrefix {
		t.Errorf("dir %q does not start with prefix %q", dir, JPEGStegEmbedPrefix)
	}
}

func TestCaptchaFilePath(t *testing.T) {
	got := CaptchaFilePath("/tmp/xyz")
	want := filepath.Join("/tmp/xyz", "captcha.png")
	if got != want {
		t.Errorf("CaptchaFilePath = %q, want %q", got, want)
	}
}
