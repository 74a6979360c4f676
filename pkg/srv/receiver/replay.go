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

package receiver

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"

	"github.com/google/uuid"

	"detlab.org/xray/go-fpd/pkg/config"
	"detlab.org/xray/go-fpd/pkg/framebuf"
	"detlab.org/xray/go-fpd/pkg/layers"
	"detlab.org/xray/go-fpd/pkg/log"
	"detlab.org/xray/go-fpd/pkg/sequence"
	"detlab.org/xray/go-fpd/pkg/stats"
)

// Summary is the result of one replay run.
type Summary struct {
	RunID     string         `json:"run_id"`
	Units     int            `json:"units"`
	Frames    int            `json:"frames"`
	Exhausted bool           `json:"exhausted"`
	Counters  stats.Snapshot `json:"counters"`
}

// Replay runs the receive pipeline over a recorded fragment stream: a
// file of back-to-back transport units, each a fixed header followed by
// its payload. Reassembled frames go to outPath as frame records; the
// summary reports what happened to every unit.
func Replay(ctx context.Context, cfg *config.Config, mode sequence.Mode, inPath, outPath string) (*Summary, error) {
	recv, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer recv.Close()

	if err := recv.Writer().Open(outPath); err != nil {
		return nil, err
	}
	if err := recv.StartScan(mode); err != nil {
		return nil, err
	}

	in, err := os.Open(inPath)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	reader := bufio.NewReader(in)

	summary := &Summary{RunID: uuid.NewString()}
	header := make([]byte, layers.HeaderSize)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		h, err := layers.DecodeFrameHeader(header)
		if err != nil {
			// The stream has no resync marker, a bad header is fatal.
			return nil, err
		}
		payload := make([]byte, h.PayloadLen)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return nil, err
		}
		summary.Units++

		if err := recv.HandleFrame(h, payload); err != nil {
			if errors.Is(err, framebuf.ErrExhausted) {
				summary.Exhausted = true
			}
		}
		recv.Drain()
	}

	recv.FlushInFlight()
	recv.Drain()

	summary.Frames = recv.Writer().Frames()
	if err := recv.Writer().Flush(); err != nil {
		return nil, err
	}
	if err := recv.StopScan(); err != nil {
		log.Warning("Error while stopping scan after replay: %s", err)
	}
	summary.Counters = recv.Stats().Snapshot()
	return summary, nil
}
