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

// Package stats holds the cumulative pipeline counters. A single Stats
// handle is created per pipeline and passed to the components that
// account on it, so the counters stay cumulative-since-start without
// any process-wide globals.
package stats

import "sync/atomic"

type Stats struct {
	FramesReceived  atomic.Uint64
	FramesSent      atomic.Uint64
	FramesDropped   atomic.Uint64
	Overruns        atomic.Uint64
	ChecksumErrors  atomic.Uint64
	MalformedFrags  atomic.Uint64
	DuplicateFrags  atomic.Uint64
	EvictedFrames   atomic.Uint64
	TimedOutFrames  atomic.Uint64
	ReplaysRejected atomic.Uint64
}

// Snapshot is a plain copy of the counters, safe to marshal.
type Snapshot struct {
	FramesReceived  uint64 `json:"frames_received"`
	FramesSent      uint64 `json:"frames_sent"`
	FramesDropped   uint64 `json:"frames_dropped"`
	Overruns        uint64 `json:"overruns"`
	ChecksumErrors  uint64 `json:"checksum_errors"`
	MalformedFrags  uint64 `json:"malformed_fragments"`
	DuplicateFrags  uint64 `json:"duplicate_fragments"`
	EvictedFrames   uint64 `json:"evicted_frames"`
	TimedOutFrames  uint64 `json:"timed_out_frames"`
	ReplaysRejected uint64 `json:"replays_rejected"`
}

func New() *Stats {
	return &Stats{}
}

// Snapshot returns the current counter values. It may be called at any
// time, concurrently with the pipeline.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		FramesReceived:  s.FramesReceived.Load(),
		FramesSent:      s.FramesSent.Load(),
		FramesDropped:   s.FramesDropped.Load(),
		Overruns:        s.Overruns.Load(),
		ChecksumErrors:  s.ChecksumErrors.Load(),
		MalformedFrags:  s.MalformedFrags.Load(),
		DuplicateFrags:  s.DuplicateFrags.Load(),
		EvictedFrames:   s.EvictedFrames.Load(),
		TimedOutFrames:  s.TimedOutFrames.Load(),
		ReplaysRejected: s.ReplaysRejected.Load(),
	}
}
