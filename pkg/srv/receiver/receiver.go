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

// Package receiver implements the acquisition receiver: the data-channel
// UDP server feeding the reassembler and the frame buffer pool, the
// command-channel server driving the panel registers, and the REST API.
package receiver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"

	"detlab.org/xray/go-fpd/pkg/config"
	"detlab.org/xray/go-fpd/pkg/device"
	"detlab.org/xray/go-fpd/pkg/framebuf"
	"detlab.org/xray/go-fpd/pkg/layers"
	"detlab.org/xray/go-fpd/pkg/log"
	"detlab.org/xray/go-fpd/pkg/reassembly"
	"detlab.org/xray/go-fpd/pkg/sequence"
	"detlab.org/xray/go-fpd/pkg/srv"
	"detlab.org/xray/go-fpd/pkg/stats"
)

const (
	// SweepInterval is how often the reassembler is checked for frames
	// past their completion deadline
	SweepInterval = 100 * time.Millisecond

	// DrainInterval is how often Ready buffers are drained to the sink
	DrainInterval = 10 * time.Millisecond
)

// frameMeta carries reassembly metadata from delivery to drain time,
// after the pixel data moved into a pool buffer.
type frameMeta struct {
	timestamp uint64
	complete  bool
	missing   []uint16
}

type Receiver struct {
	srv.Server

	stats   *stats.Stats
	reasm   *reassembly.Reassembler
	buffers *framebuf.Manager
	engine  *sequence.Engine
	panel   *device.Panel
	writer  *Writer

	metaMu sync.Mutex
	meta   map[uint32]frameMeta

	// stopEngine terminates the sequence engine loop started by New
	stopEngine context.CancelFunc
}

func New(ctx context.Context, cfg *config.Config) (*Receiver, error) {
	log.Debug("Initializing receiver with address: %s port: %d", cfg.IP, cfg.DataPort)

	uaddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.IP, cfg.DataPort))
	if err != nil {
		return nil, err
	}

	panel, err := device.NewPanel(cfg)
	if err != nil {
		return nil, err
	}

	st := stats.New()
	buffers := framebuf.New(cfg.Pool.Size, cfg.FrameBytes(), st)
	reasm := reassembly.New(reassembly.Config{
		Geometry: reassembly.Geometry{
			Width:    cfg.Panel.Width,
			Height:   cfg.Panel.Height,
			BitDepth: cfg.Panel.BitDepth,
		},
		PayloadSize: cfg.Panel.PayloadSize,
		MaxInFlight: cfg.Reassembly.MaxInFlight,
		Deadline:    time.Duration(cfg.Reassembly.DeadlineMs) * time.Millisecond,
	}, st)

	r := &Receiver{
		Server: srv.Server{
			Context: ctx,
			Config:  cfg,
			UDPAddr: uaddr,
			ChIn:    make(chan srv.InPacket),
			ChOut:   make(chan srv.OutPacket),
		},
		stats:   st,
		reasm:   reasm,
		buffers: buffers,
		engine:  sequence.New(panel, buffers),
		panel:   panel,
		writer:  NewWriter(),
		meta:    make(map[uint32]frameMeta),
	}

	// All sequence events funnel through the engine loop; the pipeline
	// and the API submit them with Apply.
	engineCtx, cancel := context.WithCancel(ctx)
	r.stopEngine = cancel
	go r.engine.Run(engineCtx)

	return r, nil
}

func (r *Receiver) Stats() *stats.Stats        { return r.stats }
func (r *Receiver) Engine() *sequence.Engine   { return r.engine }
func (r *Receiver) Buffers() *framebuf.Manager { return r.buffers }
func (r *Receiver) Panel() *device.Panel       { return r.panel }
func (r *Receiver) Writer() *Writer            { return r.writer }

// InFlight returns the number of frames currently being reassembled.
func (r *Receiver) InFlight() int { return r.reasm.InFlight() }

func (r *Receiver) Close() {
	r.stopEngine()
	r.panel.Close()
}

func (r *Receiver) Run() error {
	conn, err := net.ListenUDP("udp", r.UDPAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	errChan := make(chan error, 1)

	// Read packets from wire and put them to input queue
	go func() {
		buffer := make([]byte, 65536)
		for {
			length, addr, readErr := conn.ReadFrom(buffer)
			if readErr != nil {
				errChan <- readErr
				return
			}
			udpAddr, readErr := net.ResolveUDPAddr("udp", addr.String())
			if readErr != nil {
				errChan <- readErr
				return
			}
			log.Debug("Received packet from %s", udpAddr)

			data := make([]byte, length)
			copy(data, buffer[:length])
			captureInfo := gopacket.CaptureInfo{
				Length:        length,
				CaptureLength: length,
				Timestamp:     time.Now(),
				AncillaryData: []interface{}{udpAddr},
			}
			r.ChIn <- srv.InPacket{Data: data, CaptureInfo: captureInfo}
		}
	}()

	// Read packets from input queue and feed them to the reassembler
	go func() {
		source := gopacket.NewPacketSource(&r.Server, layers.FrameLayerType)
		for packet := range source.Packets() {
			layer := packet.Layer(layers.FrameLayerType)
			if layer == nil {
				log.Debug("Dropping packet that is not a data-channel unit")
				r.stats.MalformedFrags.Add(1)
				continue
			}
			fl := layer.(*layers.FrameLayer)
			r.HandleFrame(&fl.FrameHeader, fl.Data)
		}
	}()

	// Deliver frames whose completion deadline passed
	go func() {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context.Done():
				return
			case now := <-ticker.C:
				for _, f := range r.reasm.Sweep(now) {
					r.Deliver(f)
				}
			}
		}
	}()

	// Drain Ready buffers to the frame sink
	go func() {
		ticker := time.NewTicker(DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context.Done():
				return
			case <-ticker.C:
				r.Drain()
			}
		}
	}()

	select {
	case <-r.Context.Done():
		return r.Context.Err()
	case err = <-errChan:
		return err
	}
}

// HandleFrame feeds one decoded data-channel unit to the reassembler and
// delivers the frame downstream if this unit completed it.
func (r *Receiver) HandleFrame(h *layers.FrameHeader, payload []byte) error {
	result := r.reasm.ProcessFragment(h, payload)
	switch result.Status {
	case reassembly.Discarded:
		log.Debug("Fragment %d of frame %d discarded: %s", h.FragmentIndex, h.FrameID, result.Reason)
	case reassembly.Complete:
		return r.Deliver(result.Frame)
	}
	return nil
}

// Deliver moves a reassembled frame into the buffer pool through the
// sequence engine. Frames arriving while no scan accepts them are
// counted as dropped.
func (r *Receiver) Deliver(f *reassembly.Frame) error {
	if err := r.engine.Apply(sequence.Event{Type: sequence.EvFrameReady, FrameID: f.ID}); err != nil {
		log.Warning("Frame %d not accepted in state %s: %s", f.ID, r.engine.State(), err)
		r.stats.FramesDropped.Add(1)
		return err
	}
	buf, err := r.buffers.GetBuffer(f.ID)
	if err != nil {
		log.Error("Frame %d lost its buffer: %s", f.ID, err)
		return err
	}
	copy(buf, f.Data)
	r.metaMu.Lock()
	r.meta[f.ID] = frameMeta{timestamp: f.TimestampNS, complete: f.Complete, missing: f.Missing}
	r.metaMu.Unlock()
	if err := r.engine.Apply(sequence.Event{Type: sequence.EvComplete}); err != nil {
		log.Error("Frame %d not committed: %s", f.ID, err)
		return err
	}
	return nil
}

// FlushInFlight force-expires every in-flight frame and delivers the
// partials. Used at the end of a replay run.
func (r *Receiver) FlushInFlight() {
	horizon := time.Now().
		Add(time.Duration(r.Config.Reassembly.DeadlineMs) * time.Millisecond).
		Add(time.Second)
	for _, f := range r.reasm.Sweep(horizon) {
		r.Deliver(f)
	}
}

// Drain writes every Ready buffer to the frame sink and returns the
// buffers to the pool.
func (r *Receiver) Drain() {
	for {
		buf, id, ok := r.buffers.GetReadyBuffer()
		if !ok {
			return
		}
		f := &reassembly.Frame{
			ID:       id,
			Width:    r.Config.Panel.Width,
			Height:   r.Config.Panel.Height,
			BitDepth: r.Config.Panel.BitDepth,
			Data:     buf,
			Complete: true,
		}
		r.metaMu.Lock()
		if meta, ok := r.meta[id]; ok {
			f.TimestampNS = meta.timestamp
			f.Complete = meta.complete
			f.Missing = meta.missing
			delete(r.meta, id)
		}
		r.metaMu.Unlock()
		if err := r.writer.WriteFrame(f); err != nil {
			log.Error("Error while writing frame %d: %s", id, err)
		}
		if err := r.buffers.Release(id); err != nil {
			log.Error("Error while releasing buffer of frame %d: %s", id, err)
		}
	}
}

// StartScan drives the engine from Idle into Scanning. The simulated
// panel completes its register sequences synchronously, so the
// intermediate lifecycle events are applied back to back.
func (r *Receiver) StartScan(mode sequence.Mode) error {
	if err := r.engine.Apply(sequence.Event{Type: sequence.EvStartScan, Mode: mode}); err != nil {
		return err
	}
	if err := r.engine.Apply(sequence.Event{Type: sequence.EvConfigDone}); err != nil {
		return err
	}
	return r.engine.Apply(sequence.Event{Type: sequence.EvArmDone})
}

// StopScan stops the active scan, abandons in-flight reassembly work
// and persists the cumulative counters.
func (r *Receiver) StopScan() error {
	if err := r.engine.Apply(sequence.Event{Type: sequence.EvStopScan}); err != nil {
		return err
	}
	r.reasm.Reset()
	if err := r.panel.PersistCounters(r.stats.Snapshot()); err != nil {
		log.Warning("Error while persisting scan counters: %s", err)
	}
	return nil
}
