package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/tcriess/lightspeed-meet/globals"
	"github.com/tcriess/lightspeed-meet/types"
)

type participantEntry struct {
	types.Participant

	// pending hand-raise auto-clear, owned by this entry
	handTimer *time.Timer
	handGen   uint64
}

func (e *participantEntry) cancelHand() {
	if e.handTimer != nil {
		e.handTimer.Stop()
		e.handTimer = nil
	}
	e.handGen++
}

type roomEntry struct {
	id        string
	createdAt time.Time
	recording bool
	locked    bool

	// in join order
	participants []*participantEntry
	breakout     []types.BreakoutRoom
}

func (r *roomEntry) byUser(userId string) (int, *participantEntry) {
	for i, e := range r.participants {
		if e.UserId == userId {
			return i, e
		}
	}
	return -1, nil
}

func (r *roomEntry) byConnection(connectionId string) (int, *participantEntry) {
	for i, e := range r.participants {
		if e.ConnectionId == connectionId {
			return i, e
		}
	}
	return -1, nil
}

func (r *roomEntry) breakoutRoom(breakoutId string) *types.BreakoutRoom {
	for i := range r.breakout {
		if r.breakout[i].Id == breakoutId {
			return &r.breakout[i]
		}
	}
	return nil
}

func (r *roomEntry) snapshot() types.Room {
	room := types.Room{
		Id:            r.id,
		CreatedAt:     r.createdAt,
		Recording:     r.recording,
		Locked:        r.locked,
		Participants:  make([]types.Participant, len(r.participants)),
		BreakoutRooms: copyBreakoutRooms(r.breakout),
	}
	for i, e := range r.participants {
		room.Participants[i] = e.Participant
	}
	return room
}

func copyBreakoutRooms(rooms []types.BreakoutRoom) []types.BreakoutRoom {
	res := make([]types.BreakoutRoom, len(rooms))
	for i, b := range rooms {
		res[i] = types.BreakoutRoom{
			Id:           b.Id,
			Name:         b.Name,
			Participants: append(make([]string, 0, len(b.Participants)), b.Participants...),
			Teachers:     append(make([]string, 0, len(b.Teachers)), b.Teachers...),
		}
	}
	return res
}

func removeString(list []string, s string) []string {
	keep := list[:0]
	for _, v := range list {
		if v != s {
			keep = append(keep, v)
		}
	}
	return keep
}

// MemoryRegistry is the in-memory Registry. It is safe for concurrent use: the relay mutates it from its event
// loop while timers, the HTTP API and the metrics collector read from other goroutines.
type MemoryRegistry struct {
	rooms map[string]*roomEntry

	sync.RWMutex
}

var _ Registry = &MemoryRegistry{}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		rooms: make(map[string]*roomEntry),
	}
}

// ensure must be called with the write lock held.
func (m *MemoryRegistry) ensure(roomId string) *roomEntry {
	room, ok := m.rooms[roomId]
	if !ok {
		room = &roomEntry{
			id:        roomId,
			createdAt: time.Now(),
		}
		m.rooms[roomId] = room
		globals.AppLogger.Debug("room created", "room", roomId)
	}
	return room
}

func (m *MemoryRegistry) EnsureRoom(roomId string) types.Room {
	m.Lock()
	defer m.Unlock()
	return m.ensure(roomId).snapshot()
}

func (m *MemoryRegistry) GetRoom(roomId string) (types.Room, bool) {
	m.RLock()
	defer m.RUnlock()
	room, ok := m.rooms[roomId]
	if !ok {
		return types.Room{}, false
	}
	return room.snapshot(), true
}

func (m *MemoryRegistry) Rooms() []types.Room {
	m.RLock()
	rooms := make([]types.Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room.snapshot())
	}
	m.RUnlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Id < rooms[j].Id })
	return rooms
}

func (m *MemoryRegistry) AddParticipant(roomId string, p types.Participant) bool {
	m.Lock()
	defer m.Unlock()
	room := m.ensure(roomId)
	if _, e := room.byUser(p.UserId); e != nil {
		return false
	}
	room.participants = append(room.participants, &participantEntry{Participant: p})
	return true
}

func (m *MemoryRegistry) RebindParticipant(roomId, userId, connectionId string) (string, bool) {
	m.Lock()
	defer m.Unlock()
	room, ok := m.rooms[roomId]
	if !ok {
		return "", false
	}
	_, e := room.byUser(userId)
	if e == nil {
		return "", false
	}
	old := e.ConnectionId
	e.ConnectionId = connectionId
	return old, true
}

func (m *MemoryRegistry) RemoveParticipant(roomId, connectionId string) (types.Participant, bool, bool) {
	m.Lock()
	defer m.Unlock()
	room, ok := m.rooms[roomId]
	if !ok {
		return types.Participant{}, false, false
	}
	i, e := room.byConnection(connectionId)
	if e == nil {
		return types.Participant{}, false, false
	}
	e.cancelHand()
	room.participants = append(room.participants[:i], room.participants[i+1:]...)
	if len(room.participants) == 0 {
		delete(m.rooms, roomId)
		globals.AppLogger.Debug("room evicted (empty)", "room", roomId)
		return e.Participant, true, true
	}
	return e.Participant, true, false
}

func (m *MemoryRegistry) FindParticipant(roomId, userId string) (types.Participant, bool) {
	m.RLock()
	defer m.RUnlock()
	room, ok := m.rooms[roomId]
	if !ok {
		return types.Participant{}, false
	}
	_, e := room.byUser(userId)
	if e == nil {
		return types.Participant{}, false
	}
	return e.Participant, true
}

func (m *MemoryRegistry) FindParticipantByConnection(roomId, connectionId string) (types.Participant, bool) {
	m.RLock()
	defer m.RUnlock()
	room, ok := m.rooms[roomId]
	if !ok {
		return types.Participant{}, false
	}
	_, e := room.byConnection(connectionId)
	if e == nil {
		return types.Participant{}, false
	}
	return e.Participant, true
}

func (m *MemoryRegistry) UpdateParticipantFlags(roomId, userId string, update types.FlagUpdate) bool {
	m.Lock()
	defer m.Unlock()
	room, ok := m.rooms[roomId]
	if !ok {
		return false
	}
	_, e := room.byUser(userId)
	if e == nil {
		return false
	}
	if update.IsHandRaised != nil {
		e.cancelHand()
	}
	update.Apply(&e.Participant)
	return true
}

func (m *MemoryRegistry) RaiseHand(roomId, userId string, clearAfter time.Duration) bool {
	m.Lock()
	defer m.Unlock()
	room, ok := m.rooms[roomId]
	if !ok {
		return false
	}
	_, e := room.byUser(userId)
	if e == nil {
		return false
	}
	e.cancelHand()
	e.IsHandRaised = true
	gen := e.handGen
	e.handTimer = time.AfterFunc(clearAfter, func() {
		m.Lock()
		defer m.Unlock()
		// the entry may have been cancelled or re-raised in the meantime
		if e.handGen != gen {
			return
		}
		e.IsHandRaised = false
		e.handTimer = nil
		globals.AppLogger.Debug("hand lowered", "room", roomId, "user", userId)
	})
	return true
}

func (m *MemoryRegistry) SetRoomFlag(roomId string, flag types.RoomFlag, value bool) bool {
	m.Lock()
	defer m.Unlock()
	room, ok := m.rooms[roomId]
	if !ok {
		return false
	}
	switch flag {
	case types.RoomFlagLocked:
		room.locked = value
	case types.RoomFlagRecording:
		room.recording = value
	default:
		return false
	}
	return true
}

func (m *MemoryRegistry) EvictRoom(roomId string) []types.Participant {
	m.Lock()
	defer m.Unlock()
	room, ok := m.rooms[roomId]
	if !ok {
		return nil
	}
	removed := make([]types.Participant, len(room.participants))
	for i, e := range room.participants {
		e.cancelHand()
		removed[i] = e.Participant
	}
	delete(m.rooms, roomId)
	return removed
}

func (m *MemoryRegistry) SetBreakoutRooms(roomId string, rooms []types.BreakoutRoom) bool {
	m.Lock()
	defer m.Unlock()
	room, ok := m.rooms[roomId]
	if !ok {
		return false
	}
	room.breakout = copyBreakoutRooms(rooms)
	for _, e := range room.participants {
		if e.BreakoutRoomId != "" && room.breakoutRoom(e.BreakoutRoomId) == nil {
			e.BreakoutRoomId = ""
		}
	}
	return true
}

func (m *MemoryRegistry) BreakoutRooms(roomId string) []types.BreakoutRoom {
	m.RLock()
	defer m.RUnlock()
	room, ok := m.rooms[roomId]
	if !ok {
		return nil
	}
	return copyBreakoutRooms(room.breakout)
}

func (m *MemoryRegistry) AssignBreakout(roomId, breakoutId, userId string) bool {
	m.Lock()
	defer m.Unlock()
	room, ok := m.rooms[roomId]
	if !ok {
		return false
	}
	return room.assignLocked(breakoutId, userId)
}

// assignLocked puts userId into the breakout room breakoutId. The caller holds the registry's write lock.
func (r *roomEntry) assignLocked(breakoutId, userId string) bool {
	b := r.breakoutRoom(breakoutId)
	if b == nil {
		return false
	}
	// a user is in at most one breakout room
	for i := range r.breakout {
		if r.breakout[i].Id != breakoutId {
			r.breakout[i].Participants = removeString(r.breakout[i].Participants, userId)
			r.breakout[i].Teachers = removeString(r.breakout[i].Teachers, userId)
		}
	}
	if b.HasMember(userId) {
		return true
	}
	if _, e := r.byUser(userId); e != nil && e.Role == types.RoleTeacher {
		b.Teachers = append(b.Teachers, userId)
	} else {
		b.Participants = append(b.Participants, userId)
	}
	return true
}

func (m *MemoryRegistry) UnassignBreakout(roomId, breakoutId, userId string) bool {
	m.Lock()
	defer m.Unlock()
	room, ok := m.rooms[roomId]
	if !ok {
		return false
	}
	b := room.breakoutRoom(breakoutId)
	if b == nil || !b.HasMember(userId) {
		return false
	}
	b.Participants = removeString(b.Participants, userId)
	b.Teachers = removeString(b.Teachers, userId)
	if _, e := room.byUser(userId); e != nil && e.BreakoutRoomId == breakoutId {
		e.BreakoutRoomId = ""
	}
	return true
}

func (m *MemoryRegistry) EnterBreakout(roomId, breakoutId, userId string) bool {
	m.Lock()
	defer m.Unlock()
	room, ok := m.rooms[roomId]
	if !ok {
		return false
	}
	_, e := room.byUser(userId)
	if e == nil || !room.assignLocked(breakoutId, userId) {
		return false
	}
	e.BreakoutRoomId = breakoutId
	return true
}

func (m *MemoryRegistry) ExitBreakout(roomId, breakoutId, userId string) bool {
	m.Lock()
	defer m.Unlock()
	room, ok := m.rooms[roomId]
	if !ok {
		return false
	}
	_, e := room.byUser(userId)
	if e == nil || e.BreakoutRoomId != breakoutId {
		return false
	}
	e.BreakoutRoomId = ""
	return true
}

func (m *MemoryRegistry) ClearBreakoutRooms(roomId string) bool {
	m.Lock()
	defer m.Unlock()
	room, ok := m.rooms[roomId]
	if !ok {
		return false
	}
	room.breakout = nil
	for _, e := range room.participants {
		e.BreakoutRoomId = ""
	}
	return true
}

func (m *MemoryRegistry) Stats() Stats {
	m.RLock()
	defer m.RUnlock()
	stats := Stats{Rooms: len(m.rooms)}
	for _, room := range m.rooms {
		stats.Participants += len(room.participants)
	}
	return stats
}
