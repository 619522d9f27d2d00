// Package session owns the single active rendezvous session: the current
// onion, its password, extracted image paths, CAPTCHA image path, and POW
// worker handle. Exactly one Store exists per running server.
package session

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"rendezvous-acs-server/internal/logger"
	"rendezvous-acs-server/internal/onion"
)

// PowSearchFunc performs the brute-force search for a POW onion's inner
// layer. puzzle and data come from the onion passed to PowStart; progress
// must be updated monotonically, and the function must return promptly
// (within one pollInterval) after quit is closed. A nil, nil return means
// cancelled; a non-nil error means the search itself failed.
type PowSearchFunc func(puzzle, data []byte, progress *atomic.Uint64, quit <-chan struct{}) ([]byte, error)

// artifact is a filesystem path owned exclusively by the session. It
// unlinks itself exactly once, tying path lifetime to a scoped object
// instead of relying on call-site discipline.
type artifact struct {
	path     string
	isDir    bool
	released bool
}

func newArtifact(path string, isDir bool) *artifact {
	return &artifact{path: path, isDir: isDir}
}

func (a *artifact) release(log *logger.Logger) {
	if a == nil || a.released {
		return
	}
	a.released = true
	var err error
	if a.isDir {
		err = os.RemoveAll(a.path)
	} else {
		err = os.Remove(a.path)
	}
	if err != nil && !os.IsNotExist(err) {
		log.Warnf("artifact_release", "failed to remove %s: %v", a.path, err)
	}
}

// powState holds a running or just-finished POW worker's shared state.
type powState struct {
	onion    *onion.Onion // the POW onion being searched; immutable for worker lifetime
	quit     chan struct{}
	once     sync.Once
	progress atomic.Uint64
	finished atomic.Bool
	inner    []byte // written before finished is set; readers check finished first
}

// Store is the single process-wide rendezvous session.
type Store struct {
	mu sync.Mutex

	log *logger.Logger

	current  *onion.Onion
	password []byte

	imagePath *artifact
	imageDir  *artifact
	captcha   *artifact

	pow *powState
}

// New returns an empty, ready-to-use Store.
func New(log *logger.Logger) *Store {
	return &Store{log: log}
}

// Reset releases every owned resource in order — password, onion,
// CAPTCHA, images, POW — independently, logging rather than failing on
// any individual step.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Store) resetLocked() {
	zeroFill(s.password)
	s.password = nil
	s.current = nil
	s.captcha.release(s.log)
	s.captcha = nil
	s.imagePath.release(s.log)
	s.imagePath = nil
	s.imageDir.release(s.log)
	s.imageDir = nil
	s.cancelPowLocked()
}

// zeroFill overwrites b in place so a stale password never lingers in the
// heap past reset.
func zeroFill(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SetPassword records the password gen_request issued for the current
// session, releasing whatever was previously held.
func (s *Store) SetPassword(password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zeroFill(s.password)
	s.password = []byte(password)
}

// Password returns the session's current password, if one has been set.
func (s *Store) Password() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.password == nil {
		return "", false
	}
	return string(s.password), true
}

// SetOnion replaces the current onion, discarding the previous one.
func (s *Store) SetOnion(o *onion.Onion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = o
}

// Onion returns the current onion, if any.
func (s *Store) Onion() (*onion.Onion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, false
	}
	return s.current, true
}

// SetImages records the freshly extracted image file and its owning
// directory, releasing whatever was previously owned.
func (s *Store) SetImages(path, dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imagePath.release(s.log)
	s.imageDir.release(s.log)
	s.imagePath = newArtifact(path, false)
	s.imageDir = newArtifact(dir, true)
}

// ImageDir returns the current session's image directory, if any.
func (s *Store) ImageDir() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.imageDir == nil {
		return "", false
	}
	return s.imageDir.path, true
}

// SetCaptchaPath records the session's CAPTCHA puzzle image, releasing
// any previous one.
func (s *Store) SetCaptchaPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captcha.release(s.log)
	s.captcha = newArtifact(path, false)
}

// ClearCaptcha releases the current CAPTCHA image, if any.
func (s *Store) ClearCaptcha() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captcha.release(s.log)
	s.captcha = nil
}

// CaptchaPath returns the current CAPTCHA image path, if any.
func (s *Store) CaptchaPath() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captcha == nil {
		return "", false
	}
	return s.captcha.path, true
}

// PowStart starts a POW worker for o using search, unless one is already
// running. Returns false with no state change if a worker is already in
// flight.
func (s *Store) PowStart(o *onion.Onion, search PowSearchFunc) bool {
	s.mu.Lock()
	if s.pow != nil {
		s.mu.Unlock()
		return false
	}
	p := &powState{onion: o, quit: make(chan struct{})}
	s.pow = p
	s.mu.Unlock()

	go func() {
		inner, err := search(o.Puzzle(), o.Data(), &p.progress, p.quit)
		if err != nil {
			s.log.Errorf("pow_worker", "search failed: %v", err)
		}
		p.inner = inner // must happen-before p.finished.Store below
		p.finished.Store(true)
	}()
	return true
}

// PowCancel signals the running POW worker to stop and releases its
// state. It does not block for the worker to observe cancellation
// (fire-and-forget).
func (s *Store) PowCancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelPowLocked()
}

func (s *Store) cancelPowLocked() {
	if s.pow == nil {
		return
	}
	s.pow.once.Do(func() { close(s.pow.quit) })
	s.pow = nil
}

// PowSnapshot is a point-in-time view of the running (or just-finished)
// POW worker.
type PowSnapshot struct {
	Running  bool
	Finished bool
	Progress uint64
	Inner    []byte // valid only when Finished is true
}

// PowSnapshot reads the current POW worker state without blocking on any
// worker-held lock; Progress is read via atomic load only.
func (s *Store) PowSnapshot() PowSnapshot {
	s.mu.Lock()
	p := s.pow
	s.mu.Unlock()
	if p == nil {
		return PowSnapshot{}
	}
	snap := PowSnapshot{
		Running:  true,
		Finished: p.finished.Load(),
		Progress: p.progress.Load(),
	}
	if snap.Finished {
		snap.Inner = p.inner
	}
	return snap
}

// PowFinish atomically installs the worker's inner onion as the current
// onion (if one was produced) and releases POW state. Call only after
// PowSnapshot().Finished is true.
func (s *Store) PowFinish() (*onion.Onion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pow == nil || !s.pow.finished.Load() {
		return nil, false
	}
	inner := s.pow.inner
	s.pow = nil
	if inner == nil {
		return nil, false
	}
	o, err := onion.Validate(inner)
	if err != nil {
		s.log.Errorf("pow_finish", "inner onion invalid: %v", err)
		return nil, false
	}
	s.current = o
	return o, true
}

// JPEGStegEmbedPrefix is the fixed temp-root prefix every session image
// directory is created under.
const JPEGStegEmbedPrefix = "jpeg_steg_embed"

// NewImageDir creates a freshly named, unique directory under the system
// temp root with the fixed jpeg_steg_embed prefix.
func NewImageDir() (string, error) {
	return os.MkdirTemp("", JPEGStegEmbedPrefix)
}

// CaptchaFilePath returns the fixed captcha.png path inside dir.
func CaptchaFilePath(dir string) string {
	return filepath.Join(dir, "captcha.png")
}
