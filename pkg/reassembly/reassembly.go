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

// Package reassembly reconstructs complete frames from headered payload
// fragments regardless of arrival order.
//
// The idea of how to handle a fragmented flow is adopted from
// https://github.com/google/gopacket/blob/master/ip4defrag/defrag.go
package reassembly

import (
	"sync"
	"time"

	"detlab.org/xray/go-fpd/pkg/layers"
	"detlab.org/xray/go-fpd/pkg/log"
	"detlab.org/xray/go-fpd/pkg/stats"
)

const (
	// DefaultMaxInFlight is the max number of concurrently tracked frames
	DefaultMaxInFlight = 8
	// DefaultDeadline is the reassembly deadline counted from the first
	// fragment of a frame
	DefaultDeadline = 2000 * time.Millisecond
)

// Geometry describes the panel readout attached to every delivered frame.
type Geometry struct {
	Width    int
	Height   int
	BitDepth int
}

// Config holds the cold reassembly parameters.
type Config struct {
	Geometry
	// PayloadSize is the nominal fragment payload size. Fragment payloads
	// are placed at FragmentIndex*PayloadSize in the frame buffer.
	PayloadSize int
	MaxInFlight int
	Deadline    time.Duration
}

// Frame is one reassembled acquisition image.
type Frame struct {
	ID          uint32
	Width       int
	Height      int
	BitDepth    int
	TimestampNS uint64
	Data        []byte
	// Complete is false for frames delivered by the timeout sweep or
	// carrying producer-side drop indicators. Missing then lists the
	// fragment indices whose payload regions are zero-filled.
	Complete bool
	Missing  []uint16
}

type Status int

const (
	Incomplete Status = iota
	Complete
	Discarded
)

type DiscardReason int

const (
	DiscardNone DiscardReason = iota
	DiscardChecksum
	DiscardBadIndex
	DiscardOversize
	DiscardConflict
	DiscardDuplicate
)

func (r DiscardReason) String() string {
	switch r {
	case DiscardChecksum:
		return "checksum mismatch"
	case DiscardBadIndex:
		return "fragment index out of range"
	case DiscardOversize:
		return "fragment payload oversized"
	case DiscardConflict:
		return "conflicting total fragment count"
	case DiscardDuplicate:
		return "duplicate fragment"
	default:
		return "none"
	}
}

// Result is the disposition of one processed fragment.
type Result struct {
	Status Status
	// Frame is set when Status is Complete
	Frame  *Frame
	Reason DiscardReason
}

// builder tracks one in-flight frame.
type builder struct {
	id        uint32
	total     uint16
	data      []byte
	bitmap    []uint64
	received  int
	dropped   []uint16
	firstSeen time.Time
	timestamp uint64
}

func newBuilder(id uint32, total uint16, payloadSize int, firstSeen time.Time, timestamp uint64) *builder {
	return &builder{
		id:        id,
		total:     total,
		data:      make([]byte, payloadSize*int(total)),
		bitmap:    make([]uint64, (int(total)+63)/64),
		firstSeen: firstSeen,
		timestamp: timestamp,
	}
}

func (b *builder) has(idx uint16) bool {
	return b.bitmap[idx/64]&(1<<(idx%64)) != 0
}

func (b *builder) set(idx uint16) {
	b.bitmap[idx/64] |= 1 << (idx % 64)
	b.received++
}

// missing scans the bitmap for unset indices. Only called off the hot
// path, when a frame expires; completion itself is detected by the
// running received counter.
func (b *builder) missing() []uint16 {
	var out []uint16
	for idx := uint16(0); idx < b.total; idx++ {
		if !b.has(idx) {
			out = append(out, idx)
		}
	}
	return append(out, b.dropped...)
}

// Reassembler reconstructs frames from fragments. It keeps a bounded map
// of in-flight frames and never blocks fragment intake: when the map is
// full the oldest tracked frame is evicted to admit the new one.
type Reassembler struct {
	mu       sync.Mutex
	cfg      Config
	inflight map[uint32]*builder
	stats    *stats.Stats
	now      func() time.Time
}

func New(cfg Config, st *stats.Stats) *Reassembler {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	return &Reassembler{
		cfg:      cfg,
		inflight: make(map[uint32]*builder),
		stats:    st,
		now:      time.Now,
	}
}

// ProcessFragment folds one fragment into its frame. It always completes
// without blocking; a full tracking map evicts its oldest frame instead.
func (r *Reassembler) ProcessFragment(h *layers.FrameHeader, payload []byte) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !h.ChecksumValid {
		r.stats.ChecksumErrors.Add(1)
		log.Debug("Discard fragment: frame: %d index: %d reason: checksum", h.FrameID, h.FragmentIndex)
		return &Result{Status: Discarded, Reason: DiscardChecksum}
	}
	if h.TotalFragments == 0 || h.FragmentIndex >= h.TotalFragments {
		r.stats.MalformedFrags.Add(1)
		log.Debug("Discard fragment: frame: %d index: %d total: %d reason: bad index",
			h.FrameID, h.FragmentIndex, h.TotalFragments)
		return &Result{Status: Discarded, Reason: DiscardBadIndex}
	}
	// An oversized payload would spill into the next fragment's region.
	if len(payload) > r.cfg.PayloadSize {
		r.stats.MalformedFrags.Add(1)
		log.Debug("Discard fragment: frame: %d index: %d payload: %d reason: oversized",
			h.FrameID, h.FragmentIndex, len(payload))
		return &Result{Status: Discarded, Reason: DiscardOversize}
	}

	b, ok := r.inflight[h.FrameID]
	if !ok {
		if len(r.inflight) >= r.cfg.MaxInFlight {
			r.evictOldest()
		}
		b = newBuilder(h.FrameID, h.TotalFragments, r.cfg.PayloadSize, r.now(), h.TimestampNS)
		r.inflight[h.FrameID] = b
	}

	// The first fragment of a frame fixes the expected total. A later
	// fragment disagreeing with it is discarded, the expectation stays.
	if h.TotalFragments != b.total {
		r.stats.MalformedFrags.Add(1)
		log.Debug("Discard fragment: frame: %d index: %d total: %d expected total: %d reason: conflict",
			h.FrameID, h.FragmentIndex, h.TotalFragments, b.total)
		return &Result{Status: Discarded, Reason: DiscardConflict}
	}

	if b.has(h.FragmentIndex) {
		r.stats.DuplicateFrags.Add(1)
		return &Result{Status: Incomplete, Reason: DiscardDuplicate}
	}

	if h.Dropped() {
		// Producer-side known loss: the payload region stays zero and the
		// index is reported missing, but the frame is not waited for.
		b.set(h.FragmentIndex)
		b.dropped = append(b.dropped, h.FragmentIndex)
	} else {
		off := int(h.FragmentIndex) * r.cfg.PayloadSize
		end := off + len(payload)
		if end > len(b.data) {
			end = len(b.data)
		}
		copy(b.data[off:end], payload)
		b.set(h.FragmentIndex)
	}

	if b.received == int(b.total) {
		delete(r.inflight, h.FrameID)
		return &Result{Status: Complete, Frame: r.finalize(b)}
	}
	return &Result{Status: Incomplete}
}

// Sweep delivers every in-flight frame whose deadline has passed as a
// partial frame with zero-filled gaps and an explicit missing list.
// Incomplete data is never discarded silently.
func (r *Reassembler) Sweep(now time.Time) []*Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*Frame
	for id, b := range r.inflight {
		if now.Sub(b.firstSeen) < r.cfg.Deadline {
			continue
		}
		delete(r.inflight, id)
		r.stats.TimedOutFrames.Add(1)
		frame := r.finalize(b)
		log.Warning("Frame %d expired: %d of %d fragments received", id, b.received, b.total)
		expired = append(expired, frame)
	}
	return expired
}

// Reset drops all in-flight state without delivering anything. Used when
// a scan is stopped.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight = make(map[uint32]*builder)
}

// InFlight returns the number of currently tracked frames.
func (r *Reassembler) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

func (r *Reassembler) finalize(b *builder) *Frame {
	var missing []uint16
	if b.received != int(b.total) {
		missing = b.missing()
	} else if len(b.dropped) > 0 {
		missing = append(missing, b.dropped...)
	}
	return &Frame{
		ID:          b.id,
		Width:       r.cfg.Width,
		Height:      r.cfg.Height,
		BitDepth:    r.cfg.BitDepth,
		TimestampNS: b.timestamp,
		Data:        b.data,
		Complete:    len(missing) == 0,
		Missing:     missing,
	}
}

// evictOldest discards the tracked frame with the earliest first arrival.
// Called with the lock held.
func (r *Reassembler) evictOldest() {
	var oldest *builder
	for _, b := range r.inflight {
		if oldest == nil || b.firstSeen.Before(oldest.firstSeen) ||
			(b.firstSeen.Equal(oldest.firstSeen) && b.id < oldest.id) {
			oldest = b
		}
	}
	if oldest == nil {
		return
	}
	delete(r.inflight, oldest.id)
	r.stats.EvictedFrames.Add(1)
	log.Warning("Evicting in-flight frame %d: tracking map is full", oldest.id)
}
