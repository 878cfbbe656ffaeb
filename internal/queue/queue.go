// Package queue bounds how many sub-tasks run at once. A request that cannot
// be served right away waits in line; it is never rejected.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/italolelis/groupfetch/internal/telemetry"
	"github.com/segmentio/ksuid"
)

// Request asks for one execution slot. GroupLimit <= 0 means the group has no
// limit of its own.
type Request struct {
	GroupKey   string
	URL        string
	GroupLimit int
	Priority   int
}

// Slot is the right to run one sub-task. It exists from grant until Release.
type Slot struct {
	ID         string
	GroupKey   string
	URL        string
	AcquiredAt time.Time
}

// Ticket is a place in line for a denied request.
type Ticket struct {
	req     Request
	seq     uint64
	onGrant func(*Slot)
}

func (t *Ticket) Request() Request {
	return t.req
}

type Stats struct {
	Limit   int `json:"limit"`
	InUse   int `json:"in_use"`
	Waiting int `json:"waiting"`
}

type Manager struct {
	mu       sync.Mutex
	limit    int
	inUse    int
	perGroup map[string]int
	slots    map[string]*Slot
	waiters  []*Ticket
	seq      uint64
	now      func() time.Time
	tel      *telemetry.Telemetry
}

func NewManager(limit int, tel *telemetry.Telemetry) *Manager {
	if limit < 1 {
		limit = 1
	}

	return &Manager{
		limit:    limit,
		perGroup: make(map[string]int),
		slots:    make(map[string]*Slot),
		now:      time.Now,
		tel:      tel,
	}
}

// Acquire grants a slot immediately when the global and group limits allow it.
// Otherwise it queues the request and returns a ticket; onGrant is called
// once a slot frees up, outside of the manager's lock.
func (m *Manager) Acquire(req Request, onGrant func(*Slot)) (*Slot, *Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.available(req) {
		return m.grant(req), nil
	}

	m.seq++
	t := &Ticket{req: req, seq: m.seq, onGrant: onGrant}

	// Higher priority first, arrival order within the same priority.
	i := sort.Search(len(m.waiters), func(i int) bool {
		return m.waiters[i].req.Priority < req.Priority
	})

	m.waiters = append(m.waiters, nil)
	copy(m.waiters[i+1:], m.waiters[i:])
	m.waiters[i] = t

	m.tel.AddSlots(0, 1)

	return nil, t
}

// Release returns a slot and hands freed capacity to waiters. Releasing a slot
// twice is a no-op.
func (m *Manager) Release(slot *Slot) {
	if slot == nil {
		return
	}

	m.mu.Lock()

	if _, ok := m.slots[slot.ID]; !ok {
		m.mu.Unlock()

		return
	}

	delete(m.slots, slot.ID)
	m.inUse--

	m.perGroup[slot.GroupKey]--
	if m.perGroup[slot.GroupKey] <= 0 {
		delete(m.perGroup, slot.GroupKey)
	}

	m.tel.AddSlots(-1, 0)

	grants := m.dispatch()

	m.mu.Unlock()

	for _, g := range grants {
		g.ticket.onGrant(g.slot)
	}
}

// Withdraw removes a ticket from the line. It reports false when the ticket
// was already granted or withdrawn.
func (m *Manager) Withdraw(t *Ticket) bool {
	if t == nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, w := range m.waiters {
		if w == t {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			m.tel.AddSlots(0, -1)

			return true
		}
	}

	return false
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{Limit: m.limit, InUse: m.inUse, Waiting: len(m.waiters)}
}

type pendingGrant struct {
	ticket *Ticket
	slot   *Slot
}

// dispatch grants waiters in line order. A waiter held back by its group limit
// does not block the ones behind it.
func (m *Manager) dispatch() []pendingGrant {
	var grants []pendingGrant

	kept := m.waiters[:0]

	for _, t := range m.waiters {
		if m.available(t.req) {
			grants = append(grants, pendingGrant{ticket: t, slot: m.grant(t.req)})
			m.tel.AddSlots(0, -1)

			continue
		}

		kept = append(kept, t)
	}

	for i := len(kept); i < len(m.waiters); i++ {
		m.waiters[i] = nil
	}

	m.waiters = kept

	return grants
}

func (m *Manager) available(req Request) bool {
	if m.inUse >= m.limit {
		return false
	}

	return req.GroupLimit <= 0 || m.perGroup[req.GroupKey] < req.GroupLimit
}

func (m *Manager) grant(req Request) *Slot {
	s := &Slot{
		ID:         ksuid.New().String(),
		GroupKey:   req.GroupKey,
		URL:        req.URL,
		AcquiredAt: m.now(),
	}

	m.slots[s.ID] = s
	m.inUse++
	m.perGroup[req.GroupKey]++

	m.tel.AddSlots(1, 0)

	return s
}
