package persistence

import (
	"sync"
	"time"

	"github.com/tcriess/lightspeed-meet/globals"
	"github.com/tcriess/lightspeed-meet/types"
)

const (
	journalChannelSize = 1000
	journalBatchSize   = 100
	journalFlushPeriod = time.Second
)

// Journal writes session events to a Persister in the background, so the relay never waits for storage.
// A nil *Journal discards everything.
type Journal struct {
	persister Persister
	events    chan *types.SessionEvent
	done      chan struct{}
	closeOnce sync.Once
}

func NewJournal(persister Persister) *Journal {
	if persister == nil {
		return nil
	}
	j := &Journal{
		persister: persister,
		events:    make(chan *types.SessionEvent, journalChannelSize),
		done:      make(chan struct{}),
	}
	go j.run()
	return j
}

// Record queues an event. If the queue is full the event is dropped and false is returned.
func (j *Journal) Record(event *types.SessionEvent) bool {
	if j == nil || event == nil {
		return false
	}
	select {
	case j.events <- event:
		return true
	default:
		globals.AppLogger.Warn("journal queue full, dropping session event", "meeting", event.MeetingId, "action", event.Action)
		return false
	}
}

func (j *Journal) run() {
	defer close(j.done)
	ticker := time.NewTicker(journalFlushPeriod)
	defer ticker.Stop()
	batch := make([]*types.SessionEvent, 0, journalBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := j.persister.StoreSessionEvents(batch); err != nil {
			globals.AppLogger.Error("could not persist session events", "count", len(batch), "error", err)
		}
		batch = make([]*types.SessionEvent, 0, journalBatchSize)
	}
	for {
		select {
		case event, ok := <-j.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= journalBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// Close flushes the queued events and waits for the writer to finish. Record must not be called afterwards.
// The persister itself is not closed.
func (j *Journal) Close() {
	if j == nil {
		return
	}
	j.closeOnce.Do(func() {
		close(j.events)
	})
	<-j.done
}

// Prune deletes journal entries older than the retention period.
func (j *Journal) Prune(retention time.Duration) {
	if j == nil || retention <= 0 {
		return
	}
	count, err := j.persister.PruneSessionEvents(time.Now().Add(-retention))
	if err != nil {
		globals.AppLogger.Error("could not prune session events", "error", err)
		return
	}
	if count > 0 {
		globals.AppLogger.Info("pruned session events", "count", count)
	}
}
