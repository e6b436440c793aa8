// SPDX-License-Identifier: Apache-2.0

package pvaccess

import (
	"fmt"
	"sync"
	"time"
)

// EventType classifies an entry in a monitor's event queue.
type EventType uint8

const (
	// EventData carries a value update.
	EventData EventType = iota
	// EventConnected reports the channel to the PV came up.
	EventConnected
	// EventDisconnected reports the channel went down.
	EventDisconnected
	// EventFinished reports the server ended the subscription.
	EventFinished
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventData:
		return "data"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event is a single monitor queue entry. Value is set only for EventData.
type Event struct {
	Type  EventType
	Value *Value
}

// ConnectionEvent is the error form of a lifecycle event, returned by
// TryGetUpdate and GetUpdate when the oldest queued event is not data.
// Lifecycle events are never silently skipped; consuming code must observe
// them in order before the next data update.
type ConnectionEvent struct {
	Type EventType
}

func (e *ConnectionEvent) Error() string {
	return fmt.Sprintf("monitor %s event", e.Type)
}

// Monitor is a subscription to a PV delivering data and lifecycle events
// through one FIFO queue. It supports one producer (the transport) and is
// safe for concurrent consumers.
type Monitor struct {
	pv string

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []*Event
	running   bool
	cancelled bool
	connected bool

	maskConnected    bool
	maskDisconnected bool
	callback         func()

	// unsubscribe detaches the monitor from its transport. Set at Exec time.
	unsubscribe func()
}

func newMonitor(pv string, maskConnected, maskDisconnected bool, callback func()) *Monitor {
	m := &Monitor{
		pv:               pv,
		running:          true,
		maskConnected:    maskConnected,
		maskDisconnected: maskDisconnected,
		callback:         callback,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Name returns the monitored PV name.
func (m *Monitor) Name() string {
	return m.pv
}

// deliver enqueues an event from the transport. Admission masks drop
// Connected/Disconnected events at the queue boundary; connection state
// tracking still observes them. A stopped monitor drops data events without
// buffering; a cancelled monitor drops everything.
func (m *Monitor) deliver(ev *Event) {
	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		return
	}
	switch ev.Type {
	case EventConnected:
		m.connected = true
		if m.maskConnected {
			m.mu.Unlock()
			return
		}
	case EventDisconnected:
		m.connected = false
		if m.maskDisconnected {
			m.mu.Unlock()
			return
		}
	case EventFinished:
		m.connected = false
	case EventData:
		if !m.running {
			m.mu.Unlock()
			return
		}
	}
	m.queue = append(m.queue, ev)
	cb := m.callback
	m.cond.Broadcast()
	m.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Pop removes and returns the oldest queued event, or nil when the queue is
// empty. After Cancel it fails with CodeSubscriptionClosed.
func (m *Monitor) Pop() (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelled {
		return nil, pvErrorf(CodeSubscriptionClosed, m.pv, "monitor cancelled")
	}
	return m.popLocked(), nil
}

func (m *Monitor) popLocked() *Event {
	if len(m.queue) == 0 {
		return nil
	}
	ev := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return ev
}

// TryGetUpdate returns the oldest data update without blocking. An empty
// queue returns nil, nil; a queued lifecycle event is returned as a
// *ConnectionEvent error.
func (m *Monitor) TryGetUpdate() (*Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelled {
		return nil, pvErrorf(CodeSubscriptionClosed, m.pv, "monitor cancelled")
	}
	ev := m.popLocked()
	if ev == nil {
		return nil, nil
	}
	if ev.Type != EventData {
		return nil, &ConnectionEvent{Type: ev.Type}
	}
	return ev.Value, nil
}

// GetUpdate blocks until an event arrives or the timeout expires, then
// behaves like TryGetUpdate. Expiry fails with CodeNoUpdateAvailable.
func (m *Monitor) GetUpdate(timeout time.Duration) (*Value, error) {
	deadline := time.Now().Add(timeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.cancelled {
			return nil, pvErrorf(CodeSubscriptionClosed, m.pv, "monitor cancelled")
		}
		if ev := m.popLocked(); ev != nil {
			if ev.Type != EventData {
				return nil, &ConnectionEvent{Type: ev.Type}
			}
			return ev.Value, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, pvErrorf(CodeNoUpdateAvailable, m.pv, "no update within %v", timeout)
		}
		wake := time.AfterFunc(remaining, func() {
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		})
		m.cond.Wait()
		wake.Stop()
	}
}

// Start resumes data delivery after Stop. Buffered events are untouched.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelled {
		return
	}
	m.running = true
}

// Stop pauses data delivery. Already-buffered events remain poppable;
// lifecycle events are still admitted.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
}

// Cancel terminates the subscription. Later pops fail with
// CodeSubscriptionClosed. Idempotent.
func (m *Monitor) Cancel() {
	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		return
	}
	m.cancelled = true
	m.queue = nil
	unsub := m.unsubscribe
	m.cond.Broadcast()
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// IsRunning reports whether data delivery is active. It is true from
// construction until Stop and again after Start; Cancel leaves it false.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running && !m.cancelled
}

// IsConnected reports the channel state derived from observed lifecycle
// events, including masked ones.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// MonitorBuilder configures a subscription before registration. No events
// flow until Exec.
type MonitorBuilder struct {
	ctx              *Context
	pv               string
	maskConnected    bool
	maskDisconnected bool
	callback         func()
}

// MaskConnected suppresses Connected events at the queue boundary.
func (b *MonitorBuilder) MaskConnected(mask bool) *MonitorBuilder {
	b.maskConnected = mask
	return b
}

// MaskDisconnected suppresses Disconnected events at the queue boundary.
func (b *MonitorBuilder) MaskDisconnected(mask bool) *MonitorBuilder {
	b.maskDisconnected = mask
	return b
}

// Event registers a no-argument callback fired on every enqueue. It may run
// on any goroutine and must not block.
func (b *MonitorBuilder) Event(fn func()) *MonitorBuilder {
	b.callback = fn
	return b
}

// Exec registers the subscription with the transport and returns the live
// monitor. This is the sole registration point.
func (b *MonitorBuilder) Exec() (*Monitor, error) {
	return b.ctx.subscribe(b)
}
