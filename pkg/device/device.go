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

// Package device models the panel register interface driven by the
// sequence engine. The simulated panel is the golden reference for the
// embedded firmware: its register writes and its fragment stream are the
// ground truth hardware verification compares against.
package device

import (
	"sync"

	"detlab.org/xray/go-fpd/pkg/config"
	"detlab.org/xray/go-fpd/pkg/layers"
	"detlab.org/xray/go-fpd/pkg/log"
	"detlab.org/xray/go-fpd/pkg/sequence"
	"detlab.org/xray/go-fpd/pkg/stats"
)

// Panel register map
const (
	RegCtrl     uint16 = 0x0001
	RegMode     uint16 = 0x0002
	RegExposure uint16 = 0x0003
	RegArm      uint16 = 0x0004
	RegWidth    uint16 = 0x0010
	RegHeight   uint16 = 0x0011
	RegBitDepth uint16 = 0x0012
)

// RegCtrl values, see the acquisition start/stop sequence in
// Panel.Arm and Panel.Stop
const (
	CtrlIdle  uint16 = 0x0000
	CtrlHalt  uint16 = 0x0001
	CtrlStart uint16 = 0x8000
)

// Panel is the simulated detector panel. It implements the hardware
// surface of the sequence engine by writing the register shadow store.
type Panel struct {
	cfg   *config.Config
	state *RegState

	counterMu sync.Mutex
	persisted stats.Snapshot
}

var _ sequence.Hardware = &Panel{}

func NewPanel(cfg *config.Config) (*Panel, error) {
	state, err := NewRegState(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return &Panel{
		cfg:   cfg,
		state: state,
	}, nil
}

func (p *Panel) Close() {
	p.state.Close()
}

// Registers exposes the register shadow store.
func (p *Panel) Registers() *RegState {
	return p.state
}

// Configure programs the panel geometry and scan mode. In calibration
// mode the physical exposure signal is suppressed.
func (p *Panel) Configure(mode sequence.Mode, suppressExposure bool) error {
	log.Info("Configuring panel: mode: %s suppress exposure: %t", mode, suppressExposure)
	writes := []struct{ addr, value uint16 }{
		{RegCtrl, CtrlIdle},
		{RegWidth, uint16(p.cfg.Panel.Width)},
		{RegHeight, uint16(p.cfg.Panel.Height)},
		{RegBitDepth, uint16(p.cfg.Panel.BitDepth)},
		{RegMode, uint16(mode)},
		{RegExposure, exposureValue(suppressExposure)},
	}
	for _, w := range writes {
		if err := p.state.SetReg(w.addr, w.value); err != nil {
			return err
		}
	}
	return nil
}

// Arm latches the armed bit and raises the acquisition start bit.
func (p *Panel) Arm() error {
	log.Info("Arming panel")
	if err := p.state.SetReg(RegArm, 1); err != nil {
		return err
	}
	return p.state.SetReg(RegCtrl, CtrlStart)
}

// Stop halts the acquisition and disarms the panel.
func (p *Panel) Stop() error {
	log.Info("Stopping panel")
	if err := p.state.SetReg(RegCtrl, CtrlHalt); err != nil {
		return err
	}
	if err := p.state.SetReg(RegArm, 0); err != nil {
		return err
	}
	return p.state.SetReg(RegCtrl, CtrlIdle)
}

// Apply executes command-channel register operations against the shadow
// store and returns the response operations carrying read results.
func (p *Panel) Apply(ops []*layers.RegOp) ([]*layers.RegOp, error) {
	var out []*layers.RegOp
	for _, op := range ops {
		if op.Read {
			value, err := p.state.GetReg(op.Addr)
			if err != nil {
				return nil, err
			}
			out = append(out, &layers.RegOp{Addr: op.Addr, Value: value})
			continue
		}
		if err := p.state.SetReg(op.Addr, op.Value); err != nil {
			return nil, err
		}
		out = append(out, &layers.RegOp{Addr: op.Addr, Value: op.Value})
	}
	return out, nil
}

// PersistCounters folds the counters accumulated since the previous
// call into the persistent scan counters.
func (p *Panel) PersistCounters(snap stats.Snapshot) error {
	p.counterMu.Lock()
	defer p.counterMu.Unlock()
	deltas := map[string]uint64{
		"frames_received":  snap.FramesReceived - p.persisted.FramesReceived,
		"frames_sent":      snap.FramesSent - p.persisted.FramesSent,
		"frames_dropped":   snap.FramesDropped - p.persisted.FramesDropped,
		"overruns":         snap.Overruns - p.persisted.Overruns,
		"checksum_errors":  snap.ChecksumErrors - p.persisted.ChecksumErrors,
		"timed_out_frames": snap.TimedOutFrames - p.persisted.TimedOutFrames,
	}
	for name, delta := range deltas {
		if delta == 0 {
			continue
		}
		if err := p.state.AddCounter(name, delta); err != nil {
			return err
		}
	}
	p.persisted = snap
	return nil
}

// Counters returns the cumulative scan counters across runs.
func (p *Panel) Counters() (map[string]uint64, error) {
	return p.state.GetCounterAll()
}

func exposureValue(suppress bool) uint16 {
	if suppress {
		return 0
	}
	return 1
}
