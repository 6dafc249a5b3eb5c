// Package sink implements the receiver's single writer to the named
// command pipe: a memory-quota-bounded queue, with escalation to a
// temp-file dump plus a synthesized PROCESS_FILE follow-up command when a
// batch exceeds the pipe's atomic write size.
//
// Grounded on original_source/src/server/fifo.c (reopen-on-ENXIO retry,
// PIPE_BUF batching threshold, single-in-flight-dump invariant,
// PROCESS_FILE follow-up) and ioutils/tempFile.go (os.CreateTemp dump-file
// creation idiom).
package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/weiss/nsca-ng/internal/buffer"
	"github.com/weiss/nsca-ng/internal/xerrors"
)

// PipeBufSize is the assumed atomic-write size of the target named pipe
// (PIPE_BUF on Linux): a queued batch larger than this is dumped to a
// temp file instead of written directly, matching
// original_source/src/server/fifo.c.
const PipeBufSize = 4096

// ReopenInterval is how often the sink retries opening the pipe after an
// open failure (ENXIO: no reader attached yet), matching the original's
// fixed 10-second retry.
const ReopenInterval = 10 * time.Second

func init() {
	xerrors.Register(xerrors.MinPkgSink, func(c xerrors.Code) string {
		switch c {
		case xerrors.MinPkgSink + 1:
			return "queue memory quota exceeded, batch dropped"
		case xerrors.MinPkgSink + 2:
			return "dump file write failed"
		default:
			return ""
		}
	})
}

// ErrQuotaExceeded is the error value for a quota-forced drop of the
// pending queue. enqueue does not return it; drops are reported through
// the OnDrop callback. Built directly rather than through xerrors.New,
// since package-level variables initialize before this package's own
// init() above runs and would see an empty message registry.
var ErrQuotaExceeded = &xerrors.Error{Code: xerrors.MinPkgSink + 1, Msg: "queue memory quota exceeded, batch dropped"}

// Sink owns the pipe file descriptor, the pending-write queue, and
// dump-in-flight state. Only the sink loop started by Run touches the
// pipe and the queue; the single dump goroutine writes the dump file and
// clears the dumping flag under mu.
type Sink struct {
	pipePath string
	tempDir  string
	sem      *semaphore.Weighted

	in   chan []byte
	done chan struct{}

	mu      sync.Mutex
	queue   buffer.Buffer
	pending int64 // bytes currently held by sem

	dumping bool

	onDrop func(n int)
}

// New returns a Sink that writes to pipePath, using tempDir for overflow
// dumps and bounding its pending queue to maxQueueSize bytes.
func New(pipePath, tempDir string, maxQueueSize int64) *Sink {
	return &Sink{
		pipePath: pipePath,
		tempDir:  tempDir,
		sem:      semaphore.NewWeighted(maxQueueSize),
		in:       make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

// OnDrop registers a callback invoked with the number of bytes discarded
// whenever the memory quota forces a tail-drop.
func (s *Sink) OnDrop(fn func(n int)) { s.onDrop = fn }

// Write enqueues p (already a complete, newline-terminated line) for
// delivery, preserving submission order relative to every other Write
// call made before this one returns. It never blocks on pipe I/O.
func (s *Sink) Write(p []byte) error {
	cp := make([]byte, len(p))
	copy(cp, p)

	select {
	case s.in <- cp:
		return nil
	case <-s.done:
		return fmt.Errorf("sink: closed")
	}
}

// Run starts the sink loop and blocks until ctx is done. It is meant to
// run in its own goroutine.
func (s *Sink) Run(ctx context.Context) error {
	defer close(s.done)

	var pipe *os.File
	defer func() {
		if pipe != nil {
			pipe.Close()
		}
	}()

	reopenTimer := time.NewTimer(0)
	defer reopenTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-reopenTimer.C:
			if pipe == nil {
				f, err := openPipeNonBlocking(s.pipePath)
				if err == nil {
					pipe = f
				} else {
					reopenTimer.Reset(ReopenInterval)
				}
			}

		case line := <-s.in:
			s.enqueue(line)
			s.drain(ctx, &pipe, reopenTimer)
		}
	}
}

// enqueue appends line to the pending queue, acquiring its weight from
// the quota semaphore. On quota exhaustion the entire pending queue is
// discarded (coarse tail-drop, SPEC_FULL.md's resolved drop granularity)
// and its weight released before the new line is retried once.
func (s *Sink) enqueue(line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(line))

	if !s.sem.TryAcquire(n) {
		dropped := s.queue.Len()
		s.queue = buffer.Buffer{}
		if s.pending > 0 {
			s.sem.Release(s.pending)
			s.pending = 0
		}
		if s.onDrop != nil && dropped > 0 {
			s.onDrop(dropped)
		}

		if !s.sem.TryAcquire(n) {
			// Line alone exceeds the whole quota: drop it too.
			if s.onDrop != nil {
				s.onDrop(len(line))
			}
			return
		}
	}

	s.pending += n
	s.queue.Append(line)
}

// drain attempts to flush the pending queue to the pipe, escalating to a
// temp-file dump when the queued batch exceeds PipeBufSize. No new pipe
// writes happen while a dump is in flight.
func (s *Sink) drain(ctx context.Context, pipe **os.File, reopenTimer *time.Timer) {
	s.mu.Lock()
	if s.dumping {
		s.mu.Unlock()
		return
	}

	if *pipe == nil {
		s.mu.Unlock()
		f, err := openPipeNonBlocking(s.pipePath)
		if err != nil {
			reopenTimer.Reset(ReopenInterval)
			return
		}
		*pipe = f
		s.mu.Lock()
	}

	if s.queue.Len() > PipeBufSize {
		batch := s.queue.Slurp()
		s.pending -= int64(len(batch))
		s.sem.Release(int64(len(batch)))
		s.dumping = true
		s.mu.Unlock()

		go s.dumpAndFollowUp(ctx, batch)
		return
	}

	batch := s.queue.Slurp()
	s.pending -= int64(len(batch))
	if len(batch) > 0 {
		s.sem.Release(int64(len(batch)))
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if _, err := (*pipe).Write(batch); err != nil {
		(*pipe).Close()
		*pipe = nil
		reopenTimer.Reset(0)
	}
}

// dumpAndFollowUp writes batch to a temp file, clears the in-flight dump
// flag, then re-enqueues a PROCESS_FILE follow-up command naming it, so
// the sink loop's drain of that follow-up is not held back by the flag.
// Runs on a dedicated goroutine so the sink loop keeps accepting queued
// Write calls while the (potentially slow) file write is in progress —
// the fallback this module uses in place of POSIX AIO, see DESIGN.md.
func (s *Sink) dumpAndFollowUp(ctx context.Context, batch []byte) {
	finish := func() {
		s.mu.Lock()
		s.dumping = false
		s.mu.Unlock()
	}

	f, err := os.CreateTemp(s.tempDir, "nsca.*")
	if err != nil {
		finish()
		return
	}
	path := filepath.Join(s.tempDir, filepath.Base(f.Name()))

	if _, err := f.Write(batch); err != nil {
		f.Close()
		os.Remove(path)
		finish()
		return
	}
	f.Close()
	finish()

	followUp := []byte(fmt.Sprintf("[%d] PROCESS_FILE;%s;1\n", time.Now().Unix(), path))
	_ = s.Write(followUp)
}

// openPipeNonBlocking opens path for writing without blocking until a
// reader attaches, the Go analogue of open(path, O_WRONLY|O_NONBLOCK).
func openPipeNonBlocking(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|syscallNonblock, 0)
	if err != nil {
		return nil, err
	}
	return f, nil
}
