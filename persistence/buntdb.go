package persistence

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/tcriess/lightspeed-meet/config"
	"github.com/tcriess/lightspeed-meet/globals"
	"github.com/tcriess/lightspeed-meet/types"
	"github.com/tidwall/buntdb"
)

const (
	sessionKeyPrefix = "session:"
	memoryDSN        = ":memory:"
)

type BuntDBPersist struct {
	db       *buntdb.DB
	fileLock *flock.Flock
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	fileName := cfg.PersistenceConfig.DSN
	if fileName == "" {
		return nil, fmt.Errorf("missing buntdb file name")
	}
	var fileLock *flock.Flock
	if fileName != memoryDSN {
		fileLock = flock.New(fileName + ".lock")
		locked, err := fileLock.TryLock()
		if err != nil {
			return nil, err
		}
		if !locked {
			return nil, ErrLocked
		}
	}
	db, err := buntdb.Open(fileName)
	if err != nil {
		if fileLock != nil {
			fileLock.Unlock()
		}
		return nil, err
	}
	return &BuntDBPersist{db: db, fileLock: fileLock}, nil
}

func sessionKey(event *types.SessionEvent) string {
	return sessionKeyPrefix + event.MeetingId + ":" + event.Id
}

func (p *BuntDBPersist) StoreSessionEvents(events []*types.SessionEvent) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		for _, event := range events {
			msg, err := json.Marshal(event)
			if err != nil {
				globals.AppLogger.Error("could not marshal session event", "error", err)
				return err
			}
			_, _, err = tx.Set(sessionKey(event), string(msg), nil)
			if err != nil {
				globals.AppLogger.Error("could not store session event", "error", err)
				return err
			}
		}
		return nil
	})
}

// scan calls fn for every stored event whose key matches pattern.
func (p *BuntDBPersist) scan(tx *buntdb.Tx, pattern string, fn func(key string, event *types.SessionEvent)) error {
	return tx.AscendKeys(pattern, func(key, val string) bool {
		event := &types.SessionEvent{}
		if err := json.Unmarshal([]byte(val), event); err != nil {
			globals.AppLogger.Warn("skipping unreadable session event", "key", key, "error", err)
			return true
		}
		fn(key, event)
		return true
	})
}

func (p *BuntDBPersist) GetSessionEvents(meetingId string, fromTs, toTs time.Time) ([]*types.SessionEvent, error) {
	events := make([]*types.SessionEvent, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return p.scan(tx, sessionKeyPrefix+meetingId+":*", func(key string, event *types.SessionEvent) {
			// the key pattern also matches meeting ids that share the prefix
			if event.MeetingId != meetingId {
				return
			}
			if event.Created.Before(fromTs) || event.Created.After(toTs) {
				return
			}
			events = append(events, event)
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Created.Before(events[j].Created) })
	return events, nil
}

func (p *BuntDBPersist) GetMeetingIds() ([]string, error) {
	seen := make(map[string]struct{})
	err := p.db.View(func(tx *buntdb.Tx) error {
		return p.scan(tx, sessionKeyPrefix+"*", func(key string, event *types.SessionEvent) {
			seen[event.MeetingId] = struct{}{}
		})
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *BuntDBPersist) PruneSessionEvents(before time.Time) (int, error) {
	count := 0
	err := p.db.Update(func(tx *buntdb.Tx) error {
		keys := make([]string, 0)
		err := p.scan(tx, sessionKeyPrefix+"*", func(key string, event *types.SessionEvent) {
			if event.Created.Before(before) {
				keys = append(keys, key)
			}
		})
		if err != nil {
			return err
		}
		// deleting while iterating is not allowed
		for _, key := range keys {
			if _, err := tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func (p *BuntDBPersist) Close() error {
	err := p.db.Close()
	if p.fileLock != nil {
		if lockErr := p.fileLock.Unlock(); lockErr != nil && err == nil {
			err = lockErr
		}
	}
	return err
}
