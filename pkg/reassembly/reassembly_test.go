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

package reassembly

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"detlab.org/xray/go-fpd/pkg/layers"
	"detlab.org/xray/go-fpd/pkg/stats"
)

func testConfig(payloadSize int) Config {
	return Config{
		Geometry:    Geometry{Width: 64, Height: 64, BitDepth: 16},
		PayloadSize: payloadSize,
		MaxInFlight: 8,
		Deadline:    DefaultDeadline,
	}
}

func header(frameID uint32, idx, total uint16, payloadLen int) *layers.FrameHeader {
	return &layers.FrameHeader{
		Magic:          layers.FrameMagic,
		FrameID:        frameID,
		FragmentIndex:  idx,
		TotalFragments: total,
		PayloadLen:     uint16(payloadLen),
		ChecksumValid:  true,
	}
}

// framePattern returns a deterministic pixel buffer split into fragments.
func framePattern(size, payloadSize int) ([]byte, [][]byte) {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	var frags [][]byte
	for off := 0; off < size; off += payloadSize {
		end := off + payloadSize
		if end > size {
			end = size
		}
		frags = append(frags, data[off:end])
	}
	return data, frags
}

func TestReassembleInOrder(t *testing.T) {
	const payloadSize = 256
	st := stats.New()
	r := New(testConfig(payloadSize), st)

	data, frags := framePattern(8*payloadSize, payloadSize)
	var frame *Frame
	for i, p := range frags {
		res := r.ProcessFragment(header(1, uint16(i), uint16(len(frags)), len(p)), p)
		if i < len(frags)-1 {
			require.Equal(t, Incomplete, res.Status)
		} else {
			require.Equal(t, Complete, res.Status)
			frame = res.Frame
		}
	}
	require.NotNil(t, frame)
	require.True(t, frame.Complete)
	require.Empty(t, frame.Missing)
	require.Equal(t, data, frame.Data)
	require.Equal(t, 0, r.InFlight())
}

func TestOrderIndependence(t *testing.T) {
	const payloadSize = 128
	want, frags := framePattern(16*payloadSize, payloadSize)

	rnd := rand.New(rand.NewSource(7))
	for trial := 0; trial < 10; trial++ {
		perm := rnd.Perm(len(frags))
		r := New(testConfig(payloadSize), stats.New())

		var frame *Frame
		for _, i := range perm {
			res := r.ProcessFragment(header(9, uint16(i), uint16(len(frags)), len(frags[i])), frags[i])
			if res.Status == Complete {
				frame = res.Frame
			}
		}
		require.NotNil(t, frame, "permutation %v did not complete", perm)
		require.Equal(t, want, frame.Data)
	}
}

func TestDuplicateFragmentIgnored(t *testing.T) {
	const payloadSize = 64
	st := stats.New()
	r := New(testConfig(payloadSize), st)
	want, frags := framePattern(4*payloadSize, payloadSize)

	first := frags[0]
	res := r.ProcessFragment(header(2, 0, 4, len(first)), first)
	require.Equal(t, Incomplete, res.Status)

	// redeliver with different payload bytes; the second copy must be ignored
	altered := bytes.Repeat([]byte{0xAA}, payloadSize)
	res = r.ProcessFragment(header(2, 0, 4, len(altered)), altered)
	require.Equal(t, Incomplete, res.Status)
	require.Equal(t, DiscardDuplicate, res.Reason)
	require.Equal(t, uint64(1), st.DuplicateFrags.Load())

	for i := 1; i < 4; i++ {
		res = r.ProcessFragment(header(2, uint16(i), 4, len(frags[i])), frags[i])
	}
	require.Equal(t, Complete, res.Status)
	require.Equal(t, want, res.Frame.Data)
}

func TestOversizedPayloadDiscarded(t *testing.T) {
	const payloadSize = 64
	st := stats.New()
	r := New(testConfig(payloadSize), st)
	want, frags := framePattern(4*payloadSize, payloadSize)

	// fragment 1 arrives first, then an oversized fragment 0 that would
	// spill into fragment 1's region if it were accepted
	res := r.ProcessFragment(header(4, 1, 4, len(frags[1])), frags[1])
	require.Equal(t, Incomplete, res.Status)

	oversized := bytes.Repeat([]byte{0xEE}, 2*payloadSize)
	res = r.ProcessFragment(header(4, 0, 4, len(oversized)), oversized)
	require.Equal(t, Discarded, res.Status)
	require.Equal(t, DiscardOversize, res.Reason)
	require.Equal(t, uint64(1), st.MalformedFrags.Load())

	res = r.ProcessFragment(header(4, 0, 4, len(frags[0])), frags[0])
	require.Equal(t, Incomplete, res.Status, "the discarded fragment must not count as received")
	for i := 2; i < 4; i++ {
		res = r.ProcessFragment(header(4, uint16(i), 4, len(frags[i])), frags[i])
	}
	require.Equal(t, Complete, res.Status)
	require.Equal(t, want, res.Frame.Data)
}

func TestChecksumMismatchDiscarded(t *testing.T) {
	st := stats.New()
	r := New(testConfig(64), st)

	h := header(3, 0, 4, 64)
	h.ChecksumValid = false
	res := r.ProcessFragment(h, make([]byte, 64))
	require.Equal(t, Discarded, res.Status)
	require.Equal(t, DiscardChecksum, res.Reason)
	require.Equal(t, uint64(1), st.ChecksumErrors.Load())
	require.Equal(t, 0, r.InFlight())
}

func TestBadFragmentIndexDiscarded(t *testing.T) {
	st := stats.New()
	r := New(testConfig(64), st)

	res := r.ProcessFragment(header(3, 4, 4, 64), make([]byte, 64))
	require.Equal(t, Discarded, res.Status)
	require.Equal(t, DiscardBadIndex, res.Reason)

	res = r.ProcessFragment(header(3, 0, 0, 64), make([]byte, 64))
	require.Equal(t, Discarded, res.Status)
	require.Equal(t, DiscardBadIndex, res.Reason)
	require.Equal(t, uint64(2), st.MalformedFrags.Load())
}

func TestConflictingTotalDiscarded(t *testing.T) {
	st := stats.New()
	r := New(testConfig(64), st)

	res := r.ProcessFragment(header(5, 0, 8, 64), make([]byte, 64))
	require.Equal(t, Incomplete, res.Status)

	// a fragment disagreeing on the total count is dropped, the original
	// expectation is kept
	res = r.ProcessFragment(header(5, 1, 6, 64), make([]byte, 64))
	require.Equal(t, Discarded, res.Status)
	require.Equal(t, DiscardConflict, res.Reason)
	require.Equal(t, 1, r.InFlight())
}

func TestTimeoutDeliversPartial(t *testing.T) {
	const payloadSize = 64
	st := stats.New()
	cfg := testConfig(payloadSize)
	r := New(cfg, st)

	_, frags := framePattern(8*payloadSize, payloadSize)
	lost := map[uint16]bool{2: true, 5: true}
	start := time.Now()
	for i, p := range frags {
		if lost[uint16(i)] {
			continue
		}
		res := r.ProcessFragment(header(7, uint16(i), 8, len(p)), p)
		require.Equal(t, Incomplete, res.Status)
	}

	// not expired yet
	require.Empty(t, r.Sweep(start.Add(cfg.Deadline/2)))

	expired := r.Sweep(start.Add(cfg.Deadline + time.Second))
	require.Len(t, expired, 1)
	frame := expired[0]
	require.False(t, frame.Complete)
	require.Equal(t, []uint16{2, 5}, frame.Missing)
	require.Equal(t, uint64(1), st.TimedOutFrames.Load())

	// exactly the missing regions are zero
	for i, p := range frags {
		region := frame.Data[i*payloadSize : i*payloadSize+len(p)]
		if lost[uint16(i)] {
			require.Equal(t, make([]byte, len(p)), region, "region %d must be zero-filled", i)
		} else {
			require.Equal(t, p, region)
		}
	}
	require.Equal(t, 0, r.InFlight())
}

func TestFivePercentLossScenario(t *testing.T) {
	const payloadSize = 512
	const total = 1024
	st := stats.New()
	cfg := testConfig(payloadSize)
	r := New(cfg, st)

	rnd := rand.New(rand.NewSource(42))
	lost := make(map[uint16]bool)
	for len(lost) < total/20 {
		lost[uint16(rnd.Intn(total))] = true
	}

	_, frags := framePattern(total*payloadSize, payloadSize)
	start := time.Now()
	for i, p := range frags {
		if lost[uint16(i)] {
			continue
		}
		r.ProcessFragment(header(11, uint16(i), total, len(p)), p)
	}

	expired := r.Sweep(start.Add(cfg.Deadline + time.Second))
	require.Len(t, expired, 1)
	frame := expired[0]
	require.False(t, frame.Complete)
	require.Len(t, frame.Missing, len(lost))
	for _, idx := range frame.Missing {
		require.True(t, lost[idx])
		region := frame.Data[int(idx)*payloadSize : (int(idx)+1)*payloadSize]
		require.Equal(t, make([]byte, payloadSize), region)
	}
}

func TestOldestEvictedWhenMapFull(t *testing.T) {
	st := stats.New()
	cfg := testConfig(64)
	cfg.MaxInFlight = 4
	r := New(cfg, st)

	for id := uint32(0); id < 4; id++ {
		r.ProcessFragment(header(id, 0, 2, 64), make([]byte, 64))
	}
	require.Equal(t, 4, r.InFlight())

	// a fifth frame evicts frame 0, the oldest tracked one
	res := r.ProcessFragment(header(4, 0, 2, 64), make([]byte, 64))
	require.Equal(t, Incomplete, res.Status)
	require.Equal(t, 4, r.InFlight())
	require.Equal(t, uint64(1), st.EvictedFrames.Load())

	// completing frame 0 now restarts it instead of finishing it
	res = r.ProcessFragment(header(0, 1, 2, 64), make([]byte, 64))
	require.Equal(t, Incomplete, res.Status)
}

func TestDropIndicatorReportedMissing(t *testing.T) {
	const payloadSize = 64
	r := New(testConfig(payloadSize), stats.New())
	_, frags := framePattern(4*payloadSize, payloadSize)

	var res *Result
	for i, p := range frags {
		h := header(6, uint16(i), 4, len(p))
		if i == 1 {
			h.SetDropped(true)
			res = r.ProcessFragment(h, nil)
		} else {
			res = r.ProcessFragment(h, p)
		}
	}
	require.Equal(t, Complete, res.Status)
	frame := res.Frame
	require.False(t, frame.Complete)
	require.Equal(t, []uint16{1}, frame.Missing)
	require.Equal(t, make([]byte, payloadSize), frame.Data[payloadSize:2*payloadSize])
}

func TestLargeFrameReverseOrder(t *testing.T) {
	// 2048x2048 16-bit frame split into 1024 fragments of 8192 bytes,
	// delivered in reverse order
	const payloadSize = 8192
	const total = 1024
	cfg := Config{
		Geometry:    Geometry{Width: 2048, Height: 2048, BitDepth: 16},
		PayloadSize: payloadSize,
		MaxInFlight: 8,
	}
	r := New(cfg, stats.New())

	want, frags := framePattern(total*payloadSize, payloadSize)

	deadline := time.Now().Add(10 * time.Millisecond)
	var frame *Frame
	for i := total - 1; i >= 0; i-- {
		res := r.ProcessFragment(header(1, uint16(i), total, len(frags[i])), frags[i])
		if res.Status == Complete {
			frame = res.Frame
		}
	}
	require.NotNil(t, frame)
	require.True(t, frame.Complete)
	require.True(t, bytes.Equal(want, frame.Data))
	require.True(t, time.Now().Before(deadline.Add(2*time.Second)),
		"reassembly took unreasonably long")
}

func TestResetDropsInFlight(t *testing.T) {
	r := New(testConfig(64), stats.New())
	r.ProcessFragment(header(1, 0, 4, 64), make([]byte, 64))
	r.ProcessFragment(header(2, 0, 4, 64), make([]byte, 64))
	require.Equal(t, 2, r.InFlight())
	r.Reset()
	require.Equal(t, 0, r.InFlight())
	require.Empty(t, r.Sweep(time.Now().Add(time.Hour)))
}
