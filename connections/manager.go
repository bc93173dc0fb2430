// Package connections bounds how many connections a listener serves at once with a fixed table
// of peer slots.
package connections

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"
)

// NoOpening is returned by FindOpening when every slot is in use.
const NoOpening = -1

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

type SlotState int

const (
	SlotFree SlotState = iota
	// A connection was accepted into the slot and its worker hasn't started.
	SlotClaimed
	SlotServing
)

func (me SlotState) String() string {
	switch me {
	case SlotFree:
		return "free"
	case SlotClaimed:
		return "claimed"
	case SlotServing:
		return "serving"
	}
	return fmt.Sprintf("SlotState(%d)", int(me))
}

// Handler serves one accepted connection. The Manager closes conn and frees the slot after it
// returns.
type Handler func(ctx context.Context, slot int, conn net.Conn) error

type slot struct {
	conn  net.Conn
	state SlotState
}

// Manager owns a table of peer slots that's allocated once and never resized. A single Serve
// loop claims slots, and each slot's worker frees its own.
type Manager struct {
	Logger log.Logger

	mu       sync.Mutex
	slots    []slot
	released chansync.BroadcastCond
}

func NewManager(maxPeers int) *Manager {
	panicif.LessThan(maxPeers, 1)
	return &Manager{
		Logger: log.Default.WithNames("connections"),
		slots:  make([]slot, maxPeers),
	}
}

func (m *Manager) MaxPeers() int {
	return len(m.slots)
}

// FindOpening returns the lowest free slot index, or NoOpening.
func (m *Manager) FindOpening() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findOpeningLocked()
}

func (m *Manager) findOpeningLocked() int {
	for i := range m.slots {
		if m.slots[i].conn == nil {
			return i
		}
	}
	return NoOpening
}

func (m *Manager) InUse() (n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.slots {
		if m.slots[i].conn != nil {
			n++
		}
	}
	return
}

func (m *Manager) State(index int) SlotState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[index].state
}

func (m *Manager) claim(index int, conn net.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	panicif.NotEq(m.slots[index].state, SlotFree)
	m.slots[index] = slot{conn: conn, state: SlotClaimed}
	slotsInUse.Inc()
}

func (m *Manager) setServing(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	panicif.NotEq(m.slots[index].state, SlotClaimed)
	m.slots[index].state = SlotServing
}

func (m *Manager) release(index int) {
	m.mu.Lock()
	panicif.Nil(m.slots[index].conn)
	m.slots[index] = slot{}
	m.mu.Unlock()
	slotsInUse.Dec()
	m.released.Broadcast()
}

// Serve accepts connections from l into free slots and runs h for each on its own goroutine.
// While every slot is in use it stops calling Accept until a slot is released, so further
// connections wait in the listener's backlog. Serve closes l when ctx is done, and returns the
// context error or net.ErrClosed if the listener was closed. Other Accept errors are logged and
// retried with backoff. Workers still running are not waited for.
func (m *Manager) Serve(ctx context.Context, l net.Listener, h Handler) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	var acceptDelay time.Duration
	for {
		// Get the signal before looking for an opening so a release in between isn't missed.
		released := m.released.Signaled()
		index := m.FindOpening()
		if index == NoOpening {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-released:
			}
			continue
		}
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			// Errors like running out of file descriptors clear up once connections close.
			acceptDelay = min(max(2*acceptDelay, minAcceptDelay), maxAcceptDelay)
			m.Logger.Levelf(log.Warning, "accepting: %v (retrying in %v)", err, acceptDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(acceptDelay):
			}
			continue
		}
		acceptDelay = 0
		acceptedConns.Inc()
		m.claim(index, conn)
		m.Logger.Levelf(log.Debug, "accepted %v into slot %v", conn.RemoteAddr(), index)
		go m.work(ctx, index, conn, h)
	}
}

func (m *Manager) work(ctx context.Context, index int, conn net.Conn, h Handler) {
	defer m.release(index)
	defer conn.Close()
	m.setServing(index)
	err := h(ctx, index, conn)
	if err != nil {
		m.Logger.Levelf(log.Debug, "slot %v serving %v: %v", index, conn.RemoteAddr(), err)
	}
}
