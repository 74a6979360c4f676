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

package framebuf

import (
	"testing"

	"github.com/stretchr/testify/require"

	"detlab.org/xray/go-fpd/pkg/stats"
)

const frameSize = 1024

func fillCommit(t *testing.T, m *Manager, id uint32) {
	t.Helper()
	buf, err := m.GetBuffer(id)
	require.NoError(t, err)
	require.Len(t, buf, frameSize)
	require.NoError(t, m.Commit(id))
}

func TestLifecycle(t *testing.T) {
	st := stats.New()
	m := New(4, frameSize, st)

	buf, err := m.GetBuffer(1)
	require.NoError(t, err)
	state, ok := m.State(1)
	require.True(t, ok)
	require.Equal(t, Filling, state)

	copy(buf, []byte("pixels"))
	require.NoError(t, m.Commit(1))
	state, _ = m.State(1)
	require.Equal(t, Ready, state)

	out, id, ok := m.GetReadyBuffer()
	require.True(t, ok)
	require.Equal(t, uint32(1), id)
	require.Equal(t, []byte("pixels"), out[:6])
	state, _ = m.State(1)
	require.Equal(t, Sending, state)

	require.NoError(t, m.Release(1))
	_, ok = m.State(1)
	require.False(t, ok)

	require.Equal(t, uint64(1), st.FramesReceived.Load())
	require.Equal(t, uint64(1), st.FramesSent.Load())
}

func TestGetReadyBufferEmptyIsNotError(t *testing.T) {
	m := New(4, frameSize, stats.New())
	_, _, ok := m.GetReadyBuffer()
	require.False(t, ok)
}

func TestCommitWrongState(t *testing.T) {
	m := New(4, frameSize, stats.New())
	require.ErrorIs(t, m.Commit(1), ErrUnknownFrame)

	fillCommit(t, m, 1)
	require.ErrorIs(t, m.Commit(1), ErrInvalidState)
}

func TestReleaseWrongState(t *testing.T) {
	m := New(4, frameSize, stats.New())
	require.ErrorIs(t, m.Release(1), ErrUnknownFrame)

	fillCommit(t, m, 1)
	require.ErrorIs(t, m.Release(1), ErrInvalidState)
}

func TestOldestDropScenario(t *testing.T) {
	// 4-slot pool, 5 frames filled and committed without consumption:
	// the 5th request drops frame 0 and the Ready set becomes {1,2,3,4}
	st := stats.New()
	m := New(4, frameSize, st)

	for id := uint32(0); id < 4; id++ {
		fillCommit(t, m, id)
	}

	fillCommit(t, m, 4)
	require.Equal(t, uint64(1), st.FramesDropped.Load())
	require.Equal(t, uint64(1), st.Overruns.Load())
	require.ElementsMatch(t, []uint32{1, 2, 3, 4}, m.ReadyFrames())
}

func TestSendingNeverPreempted(t *testing.T) {
	st := stats.New()
	m := New(2, frameSize, st)

	fillCommit(t, m, 1)
	fillCommit(t, m, 2)

	// take frame 1 for sending; frame 2 stays Ready
	_, id, ok := m.GetReadyBuffer()
	require.True(t, ok)
	require.Equal(t, uint32(1), id)

	// a new frame must reclaim the Ready slot (frame 2), not the Sending one
	_, err := m.GetBuffer(3)
	require.NoError(t, err)
	state, _ := m.State(1)
	require.Equal(t, Sending, state)
	_, ok = m.State(2)
	require.False(t, ok, "frame 2 must have been dropped")
	require.Equal(t, uint64(1), st.FramesDropped.Load())
}

func TestExhaustedWhenAllSending(t *testing.T) {
	m := New(2, frameSize, stats.New())

	fillCommit(t, m, 1)
	fillCommit(t, m, 2)
	_, _, ok := m.GetReadyBuffer()
	require.True(t, ok)
	_, _, ok = m.GetReadyBuffer()
	require.True(t, ok)

	_, err := m.GetBuffer(3)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestGetBufferIdempotentWhileFilling(t *testing.T) {
	m := New(4, frameSize, stats.New())

	a, err := m.GetBuffer(1)
	require.NoError(t, err)
	a[0] = 0x55
	b, err := m.GetBuffer(1)
	require.NoError(t, err)
	require.Equal(t, byte(0x55), b[0], "same slot must be returned while filling")

	require.NoError(t, m.Commit(1))
	_, err = m.GetBuffer(1)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestGetReadyBufferOrder(t *testing.T) {
	m := New(4, frameSize, stats.New())
	for _, id := range []uint32{7, 3, 9} {
		fillCommit(t, m, id)
	}

	_, id, _ := m.GetReadyBuffer()
	require.Equal(t, uint32(3), id)
	_, id, _ = m.GetReadyBuffer()
	require.Equal(t, uint32(7), id)
	_, id, _ = m.GetReadyBuffer()
	require.Equal(t, uint32(9), id)
}

func TestDrop(t *testing.T) {
	m := New(4, frameSize, stats.New())

	_, err := m.GetBuffer(1)
	require.NoError(t, err)
	require.NoError(t, m.Drop(1))
	_, ok := m.State(1)
	require.False(t, ok)

	fillCommit(t, m, 2)
	_, _, ok = m.GetReadyBuffer()
	require.True(t, ok)
	require.ErrorIs(t, m.Drop(2), ErrInvalidState)
}
