/*
 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

     https://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

// Package framebuf implements the fixed pool of frame-sized buffers
// between the reassembly side and the sending side. Admission control is
// oldest-drop: a new frame never waits for a free slot, it reclaims the
// slot holding the oldest Ready frame instead.
package framebuf

import (
	"errors"
	"sync"

	"detlab.org/xray/go-fpd/pkg/log"
	"detlab.org/xray/go-fpd/pkg/stats"
)

const (
	// DefaultPoolSize is the default number of frame buffers in the pool
	DefaultPoolSize = 4
)

var (
	// ErrExhausted is returned when no slot is Free and every bound slot
	// is Sending. Sending slots are never preempted; the condition is
	// transient and the request may be retried.
	ErrExhausted = errors.New("all frame buffers are busy sending")
	// ErrInvalidState is returned for an operation that does not match
	// the slot lifecycle
	ErrInvalidState = errors.New("invalid buffer state for operation")
	// ErrUnknownFrame is returned when no slot is bound to the frame
	ErrUnknownFrame = errors.New("no buffer bound to frame")
)

// SlotState is the lifecycle state of one buffer slot. Transitions only
// move Free -> Filling -> Ready -> Sending -> Free.
type SlotState int

const (
	Free SlotState = iota
	Filling
	Ready
	Sending
)

func (s SlotState) String() string {
	switch s {
	case Free:
		return "free"
	case Filling:
		return "filling"
	case Ready:
		return "ready"
	case Sending:
		return "sending"
	default:
		return "unknown"
	}
}

type slot struct {
	state   SlotState
	frameID uint32
	data    []byte
}

// Manager owns the slot table. All operations are serialized on one
// mutex; each is O(pool size) at worst which stays trivial for the small
// fixed pools used here.
type Manager struct {
	mu    sync.Mutex
	slots []*slot
	// byID maps a bound frame number to its slot index. At most one slot
	// is bound to a given frame number.
	byID  map[uint32]int
	stats *stats.Stats
}

// New creates a pool of poolSize buffers of frameSize bytes each.
func New(poolSize, frameSize int, st *stats.Stats) *Manager {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	m := &Manager{
		slots: make([]*slot, poolSize),
		byID:  make(map[uint32]int),
		stats: st,
	}
	for i := range m.slots {
		m.slots[i] = &slot{data: make([]byte, frameSize)}
	}
	return m
}

// GetBuffer binds a buffer to frameID and returns it for filling. It
// never blocks: with no Free slot it reclaims the slot holding the
// oldest Ready frame, counting the reclaimed frame as dropped. If every
// slot is Sending it returns ErrExhausted.
func (m *Manager) GetBuffer(frameID uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i, ok := m.byID[frameID]; ok {
		if m.slots[i].state == Filling {
			return m.slots[i].data, nil
		}
		return nil, ErrInvalidState
	}

	for i, s := range m.slots {
		if s.state == Free {
			m.bind(i, frameID)
			return s.data, nil
		}
	}

	// No free slot: reclaim the oldest Ready one. Sending slots are
	// never preempted.
	oldest := -1
	for i, s := range m.slots {
		if s.state != Ready {
			continue
		}
		if oldest < 0 || s.frameID < m.slots[oldest].frameID {
			oldest = i
		}
	}
	if oldest < 0 {
		return nil, ErrExhausted
	}

	dropped := m.slots[oldest].frameID
	log.Warning("Buffer pool overrun: dropping frame %d for frame %d", dropped, frameID)
	delete(m.byID, dropped)
	m.stats.FramesDropped.Add(1)
	m.stats.Overruns.Add(1)
	m.bind(oldest, frameID)
	return m.slots[oldest].data, nil
}

// Commit marks the buffer bound to frameID as Ready for sending.
func (m *Manager) Commit(frameID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.byID[frameID]
	if !ok {
		return ErrUnknownFrame
	}
	if m.slots[i].state != Filling {
		return ErrInvalidState
	}
	m.slots[i].state = Ready
	m.stats.FramesReceived.Add(1)
	return nil
}

// GetReadyBuffer takes the oldest Ready buffer for sending. The third
// return value is false when nothing is Ready; that is not an error.
func (m *Manager) GetReadyBuffer() ([]byte, uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldest := -1
	for i, s := range m.slots {
		if s.state != Ready {
			continue
		}
		if oldest < 0 || s.frameID < m.slots[oldest].frameID {
			oldest = i
		}
	}
	if oldest < 0 {
		return nil, 0, false
	}
	m.slots[oldest].state = Sending
	return m.slots[oldest].data, m.slots[oldest].frameID, true
}

// Release returns the buffer bound to frameID to the pool after sending.
func (m *Manager) Release(frameID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.byID[frameID]
	if !ok {
		return ErrUnknownFrame
	}
	if m.slots[i].state != Sending {
		return ErrInvalidState
	}
	m.slots[i].state = Free
	delete(m.byID, frameID)
	m.stats.FramesSent.Add(1)
	return nil
}

// Drop unbinds the buffer bound to frameID regardless of its state,
// without counting it as sent. Used when a scan is stopped with work in
// flight. Sending slots are left alone so an in-progress send can finish.
func (m *Manager) Drop(frameID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.byID[frameID]
	if !ok {
		return ErrUnknownFrame
	}
	if m.slots[i].state == Sending {
		return ErrInvalidState
	}
	m.slots[i].state = Free
	delete(m.byID, frameID)
	return nil
}

// ReadyFrames returns the frame numbers currently Ready, for inspection.
func (m *Manager) ReadyFrames() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []uint32
	for _, s := range m.slots {
		if s.state == Ready {
			out = append(out, s.frameID)
		}
	}
	return out
}

// State returns the lifecycle state of the slot bound to frameID.
func (m *Manager) State(frameID uint32) (SlotState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.byID[frameID]
	if !ok {
		return Free, false
	}
	return m.slots[i].state, true
}

func (m *Manager) bind(i int, frameID uint32) {
	m.slots[i].state = Filling
	m.slots[i].frameID = frameID
	m.byID[frameID] = i
}
