package persistence

import (
	"errors"
	"fmt"
	"time"

	"github.com/tcriess/lightspeed-meet/config"
	"github.com/tcriess/lightspeed-meet/types"
)

// ErrLocked is returned when the journal file is already in use by another process.
var ErrLocked = errors.New("journal is locked by another process")

// Persister stores the attendance journal. Room state is never persisted.
type Persister interface {
	StoreSessionEvents([]*types.SessionEvent) error
	// GetSessionEvents returns the events of one meeting in [fromTs, toTs], oldest first.
	GetSessionEvents(meetingId string, fromTs, toTs time.Time) ([]*types.SessionEvent, error)
	GetMeetingIds() ([]string, error)
	// PruneSessionEvents deletes all events created before the given time and returns how many were deleted.
	PruneSessionEvents(before time.Time) (int, error)
	Close() error
}

// NewPersister creates the journal backend named in the configuration. It returns nil if no backend is configured.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case "":
		return nil, nil
	case "buntdb":
		return NewBuntPersister(cfg)
	case "sqlite", "postgres":
		return NewGormPersister(cfg)
	default:
		return nil, fmt.Errorf("invalid persistence type %q", cfg.PersistenceConfig.Type)
	}
}
