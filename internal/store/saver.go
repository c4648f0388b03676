package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AppyAccidents/judgechronos/internal/model"
)

const DefaultDebounce = 2 * time.Second

var ErrClosed = errors.New("saver closed")

// SnapshotFunc returns a consistent copy of the state to persist. It is
// called on the writer goroutine and must do its own locking.
type SnapshotFunc func() *model.Snapshot

// Saver writes snapshots from one background goroutine. Schedule debounces
// bursts of mutations into a single write; Flush writes now. Both go through
// the same writer, so the file never sees concurrent writes.
type Saver struct {
	path     string
	snapshot SnapshotFunc
	debounce time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	timer  *time.Timer
	closed bool

	reqs chan saveRequest
	quit chan struct{}
	wg   sync.WaitGroup
}

type saveRequest struct {
	done chan error
}

func NewSaver(path string, snapshot SnapshotFunc, debounce time.Duration, log zerolog.Logger) *Saver {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	s := &Saver{
		path:     path,
		snapshot: snapshot,
		debounce: debounce,
		log:      log.With().Str("component", "store").Logger(),
		reqs:     make(chan saveRequest, 1),
		quit:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Schedule asks for a save once no further Schedule call has arrived for the
// debounce window. Failures are logged, not returned.
func (s *Saver) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		select {
		case s.reqs <- saveRequest{}:
		default:
			// a save is already queued and will read the latest state
		}
	})
}

// Flush cancels any pending scheduled save and writes immediately.
func (s *Saver) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.stopTimerLocked()
	s.mu.Unlock()
	return s.flush(ctx)
}

// Close flushes pending state and stops the writer.
func (s *Saver) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.stopTimerLocked()
	s.closed = true
	s.mu.Unlock()

	err := s.flush(ctx)
	close(s.quit)
	s.wg.Wait()
	return err
}

func (s *Saver) flush(ctx context.Context) error {
	req := saveRequest{done: make(chan error, 1)}
	select {
	case s.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Saver) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Saver) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case req := <-s.reqs:
			err := s.write()
			if req.done != nil {
				req.done <- err
				continue
			}
			if err != nil {
				s.log.Error().Str("path", s.path).Err(err).Msg("scheduled save failed")
			}
		}
	}
}

func (s *Saver) write() error {
	snap := s.snapshot()
	if snap == nil {
		return nil
	}
	if err := Save(s.path, snap); err != nil {
		return err
	}
	s.log.Debug().Str("path", s.path).Msg("snapshot saved")
	return nil
}
