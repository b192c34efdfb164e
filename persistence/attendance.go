package persistence

import (
	"sort"
	"time"

	"github.com/tcriess/lightspeed-meet/types"
)

// Summarize folds the journal of one meeting into per-user attendance. Events need not be sorted. A user that is
// still present after the last event has an open session that does not count towards Duration.
func Summarize(events []*types.SessionEvent) []types.AttendanceEntry {
	sorted := make([]*types.SessionEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Created.Before(sorted[j].Created) })

	entries := make(map[string]*types.AttendanceEntry)
	since := make(map[string]time.Time)
	closeSession := func(entry *types.AttendanceEntry, at time.Time) {
		if !entry.Present {
			return
		}
		entry.Duration += at.Sub(since[entry.UserId])
		entry.LastLeave = at
		entry.Present = false
	}

	for _, event := range sorted {
		switch event.Action {
		case types.ActionJoin:
			entry, ok := entries[event.UserId]
			if !ok {
				entry = &types.AttendanceEntry{UserId: event.UserId, FirstJoin: event.Created}
				entries[event.UserId] = entry
			}
			entry.UserName = event.UserName
			entry.Role = event.Role
			if entry.Present {
				// reconnect of a user who is still in the room
				continue
			}
			entry.Present = true
			entry.Sessions++
			since[event.UserId] = event.Created

		case types.ActionLeave, types.ActionDisconnect:
			if entry, ok := entries[event.UserId]; ok {
				closeSession(entry, event.Created)
			}

		case types.ActionEnd:
			for _, entry := range entries {
				closeSession(entry, event.Created)
			}
		}
	}

	res := make([]types.AttendanceEntry, 0, len(entries))
	for _, entry := range entries {
		res = append(res, *entry)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].FirstJoin.Equal(res[j].FirstJoin) {
			return res[i].UserId < res[j].UserId
		}
		return res[i].FirstJoin.Before(res[j].FirstJoin)
	})
	return res
}
