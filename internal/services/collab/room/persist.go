package room

import (
	"context"
	"log/slog"
	"sync"

	"github.com/louisbranch/campaign-collab/internal/platform/timeouts"
	"github.com/louisbranch/campaign-collab/internal/services/collab/domain"
)

const defaultPersistQueue = 256

// ChangeSink receives applied changes for durable storage.
type ChangeSink interface {
	AppendChange(ctx context.Context, roomID string, entry domain.ChangeEntry) error
}

// changeWriter persists one room's changes off the room goroutine. The room
// loop is the only producer.
type changeWriter struct {
	roomID  string
	sink    ChangeSink
	logger  *slog.Logger
	metrics *metrics
	queue   chan domain.ChangeEntry
	wg      sync.WaitGroup
}

func newChangeWriter(roomID string, sink ChangeSink, size int, logger *slog.Logger, m *metrics) *changeWriter {
	if size <= 0 {
		size = defaultPersistQueue
	}
	w := &changeWriter{
		roomID:  roomID,
		sink:    sink,
		logger:  logger,
		metrics: m,
		queue:   make(chan domain.ChangeEntry, size),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// enqueue never blocks. A full queue drops the entry; the in-memory log
// stays authoritative.
func (w *changeWriter) enqueue(entry domain.ChangeEntry) {
	select {
	case w.queue <- entry.Clone():
	default:
		w.metrics.persistDropped(w.roomID)
		w.logger.Warn("persist queue full, dropping change",
			"room_id", w.roomID,
			"change_id", entry.ID,
			"sequence", entry.Sequence,
		)
	}
}

func (w *changeWriter) run() {
	defer w.wg.Done()
	for entry := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.Persist)
		err := w.sink.AppendChange(ctx, w.roomID, entry)
		cancel()
		if err != nil {
			w.metrics.persistFailed(w.roomID)
			w.logger.Error("persist change",
				"room_id", w.roomID,
				"change_id", entry.ID,
				"sequence", entry.Sequence,
				"err", err,
			)
		}
	}
}

// stop flushes queued entries and waits for the writer to finish.
func (w *changeWriter) stop() {
	close(w.queue)
	w.wg.Wait()
}
