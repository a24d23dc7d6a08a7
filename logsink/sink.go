// Package logsink persists per-request log records asynchronously and
// computes the windowed analytics served by the management API. The
// sink never stalls the data plane: a full buffer drops the oldest
// record and counts the drop.
package logsink

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/portcullis-io/portcullis/store"
)

const (
	flushInterval = 500 * time.Millisecond
	flushBatch    = 200
	writeTimeout  = 5 * time.Second
)

// Sink buffers request log records and writes them in batches.
type Sink struct {
	store    *store.Store
	ch       chan *store.RequestLog
	sampling float64
	onDrop   func()

	dropped atomic.Int64
	wg      sync.WaitGroup
}

// New creates a sink with the given buffer size. sampling in (0,1)
// keeps that fraction of non-error records; records carrying an error
// message are always kept. onDrop may be nil.
func New(st *store.Store, bufferSize int, sampling float64, onDrop func()) *Sink {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if sampling <= 0 || sampling > 1 {
		sampling = 1
	}
	s := &Sink{
		store:    st,
		ch:       make(chan *store.RequestLog, bufferSize),
		sampling: sampling,
		onDrop:   onDrop,
	}
	// Counted here, not in Run, so that Wait cannot return before a
	// Run started on another goroutine has begun.
	s.wg.Add(1)
	return s
}

// Enqueue hands a record to the sink without blocking. When the
// buffer is full the oldest buffered record is dropped in its favor
// and the drop counter is incremented.
func (s *Sink) Enqueue(rec *store.RequestLog) {
	if rec.ErrorMessage == nil && s.sampling < 1 && rand.Float64() >= s.sampling {
		return
	}

	select {
	case s.ch <- rec:
		return
	default:
	}

	// Buffer full: make room by discarding the oldest record.
	select {
	case <-s.ch:
		s.drop()
	default:
	}

	select {
	case s.ch <- rec:
	default:
		s.drop()
	}
}

func (s *Sink) drop() {
	s.dropped.Add(1)
	if s.onDrop != nil {
		s.onDrop()
	}
}

// Dropped returns the number of records lost to the full buffer. The
// counter is monotonic.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Run writes batches until the context is canceled, then drains the
// remaining buffer.
func (s *Sink) Run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*store.RequestLog, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.store.InsertLogs(wctx, batch); err != nil {
			log.Errorf("failed to persist %d request log records: %v", len(batch), err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-s.ch:
			batch = append(batch, rec)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case rec := <-s.ch:
					batch = append(batch, rec)
					if len(batch) >= flushBatch {
						flush()
					}
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}

// Wait blocks until Run has returned. Run must be started once on
// every sink that is waited on.
func (s *Sink) Wait() { s.wg.Wait() }
