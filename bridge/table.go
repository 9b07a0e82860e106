package bridge

import "time"

type callKind int

const (
	kindCall callKind = iota
	kindStream
	kindInit
	kindTeardown
)

func (k callKind) String() string {
	switch k {
	case kindStream:
		return "stream"
	case kindInit:
		return "init"
	case kindTeardown:
		return "teardown"
	default:
		return "call"
	}
}

// pendingCall is one outstanding request. resolve and reject are invoked
// at most once, by the table, and always on the dispatcher goroutine.
type pendingCall struct {
	id        uint64
	kind      callKind
	method    string
	createdAt time.Time
	canceled  bool

	resolve func(result any)
	reject  func(err error)
	onChunk func(chunk any)

	watchdog *watchdog
	idle     *watchdog
}

func (p *pendingCall) stopTimers() {
	p.watchdog.stop()
	p.idle.stop()
}

// table correlates request ids with their pending calls. It is owned by a
// single dispatcher goroutine and is not safe for concurrent use.
type table struct {
	entries map[uint64]*pendingCall
	// hint sends a best-effort cancel envelope for an id.
	hint func(id uint64)
}

func newTable(hint func(id uint64)) *table {
	return &table{entries: make(map[uint64]*pendingCall), hint: hint}
}

func (t *table) register(p *pendingCall) error {
	if _, ok := t.entries[p.id]; ok {
		return &DuplicateIDError{ID: p.id}
	}
	t.entries[p.id] = p
	return nil
}

func (t *table) lookup(id uint64) (*pendingCall, bool) {
	p, ok := t.entries[id]
	return p, ok
}

func (t *table) remove(id uint64) (*pendingCall, bool) {
	p, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	delete(t.entries, id)
	p.stopTimers()
	return p, true
}

// resolve delivers a successful outcome. Unknown ids are dropped and
// reported as false.
func (t *table) resolve(id uint64, result any) bool {
	p, ok := t.remove(id)
	if !ok {
		return false
	}
	p.resolve(result)
	return true
}

func (t *table) reject(id uint64, err error) bool {
	p, ok := t.remove(id)
	if !ok {
		return false
	}
	p.reject(err)
	return true
}

// routeChunk hands a chunk to a live stream. The entry stays registered.
func (t *table) routeChunk(id uint64, chunk any) bool {
	p, ok := t.entries[id]
	if !ok || p.kind != kindStream || p.canceled {
		return false
	}
	if p.onChunk != nil {
		p.onChunk(chunk)
	}
	return true
}

// cancel abandons id without notifying its caller and sends a cancel hint.
func (t *table) cancel(id uint64) bool {
	p, ok := t.remove(id)
	if !ok {
		return false
	}
	p.canceled = true
	if t.hint != nil {
		t.hint(id)
	}
	return true
}

// drainAll rejects every pending call with err and empties the table.
func (t *table) drainAll(err error) int {
	n := len(t.entries)
	entries := t.entries
	t.entries = make(map[uint64]*pendingCall)
	for _, p := range entries {
		p.stopTimers()
		p.reject(err)
	}
	return n
}

func (t *table) len() int { return len(t.entries) }

// Stats counts outstanding work on a context.
type Stats struct {
	Calls   int
	Streams int
}

func (t *table) stats() Stats {
	var s Stats
	for _, p := range t.entries {
		switch p.kind {
		case kindStream:
			s.Streams++
		case kindCall:
			s.Calls++
		}
	}
	return s
}
