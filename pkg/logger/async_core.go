package logger

import (
	"sync"

	"go.uber.org/zap/zapcore"
)

type LogEntry struct {
	core   zapcore.Core
	Entry  zapcore.Entry
	Fields []zapcore.Field
}

// asyncQueue is shared by an AsyncCore and every core derived from it via With.
type asyncQueue struct {
	entries  chan LogEntry
	quit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	// mu orders enqueues against stop so nothing lands after the drain.
	mu      sync.RWMutex
	stopped bool
}

// AsyncCore hands entries to a background writer. When the buffer is full or
// the writer has stopped, entries are written synchronously instead.
type AsyncCore struct {
	core  zapcore.Core
	queue *asyncQueue
}

func NewAsyncCore(core zapcore.Core, bufferSize int) *AsyncCore {
	q := &asyncQueue{
		entries: make(chan LogEntry, bufferSize),
		quit:    make(chan struct{}),
	}

	q.wg.Add(1)
	go q.process()

	return &AsyncCore{core: core, queue: q}
}

// listens to the entry channel and writes logs to the owning core.
func (q *asyncQueue) process() {
	defer q.wg.Done()
	for {
		select {
		case e := <-q.entries:
			e.core.Write(e.Entry, e.Fields)
		case <-q.quit:
			// Drain the channel before exiting
			for {
				select {
				case e := <-q.entries:
					e.core.Write(e.Entry, e.Fields)
				default:
					return
				}
			}
		}
	}
}

func (ac *AsyncCore) Enabled(level zapcore.Level) bool {
	return ac.core.Enabled(level)
}

func (ac *AsyncCore) With(fields []zapcore.Field) zapcore.Core {
	return &AsyncCore{
		core:  ac.core.With(fields),
		queue: ac.queue,
	}
}

func (ac *AsyncCore) Check(entry zapcore.Entry, checkedEntry *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if ac.Enabled(entry.Level) {
		return checkedEntry.AddCore(entry, ac)
	}
	return checkedEntry
}

func (ac *AsyncCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if ac.queue.enqueue(LogEntry{core: ac.core, Entry: entry, Fields: fields}) {
		return nil
	}
	return ac.core.Write(entry, fields)
}

// enqueue reports false when the buffer is full or the writer has stopped.
func (q *asyncQueue) enqueue(e LogEntry) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.stopped {
		return false
	}
	select {
	case q.entries <- e:
		return true
	default:
		return false
	}
}

func (q *asyncQueue) stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		close(q.quit)
		q.mu.Unlock()
		q.wg.Wait()
	})
}

// Sync stops the background writer, flushes what it holds and syncs the
// wrapped core. Entries written afterwards go straight to the wrapped core.
func (ac *AsyncCore) Sync() error {
	ac.queue.stop()
	return ac.core.Sync()
}
