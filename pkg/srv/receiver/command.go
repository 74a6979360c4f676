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
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"

	"detlab.org/xray/go-fpd/pkg/config"
	"detlab.org/xray/go-fpd/pkg/device"
	"detlab.org/xray/go-fpd/pkg/layers"
	"detlab.org/xray/go-fpd/pkg/log"
	"detlab.org/xray/go-fpd/pkg/srv"
	"detlab.org/xray/go-fpd/pkg/stats"
)

// CommandServer serves the command channel: authenticated register
// operations against the panel, answered with signed response units.
type CommandServer struct {
	srv.Server

	panel *device.Panel
	guard *layers.ReplayGuard
	key   []byte
	st    *stats.Stats
}

func NewCommandServer(ctx context.Context, cfg *config.Config, panel *device.Panel, st *stats.Stats) (*CommandServer, error) {
	log.Debug("Initializing command server with address: %s port: %d", cfg.IP, cfg.CommandPort)

	uaddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.IP, cfg.CommandPort))
	if err != nil {
		return nil, err
	}
	key, err := cfg.Key()
	if err != nil {
		return nil, err
	}

	s := &CommandServer{
		Server: srv.Server{
			Context: ctx,
			Config:  cfg,
			UDPAddr: uaddr,
			ChIn:    make(chan srv.InPacket),
			ChOut:   make(chan srv.OutPacket),
		},
		panel: panel,
		guard: layers.NewReplayGuard(),
		key:   key,
		st:    st,
	}
	return s, nil
}

func (s *CommandServer) Run() error {
	conn, err := net.ListenUDP("udp", s.UDPAddr)
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
			log.Debug("Received command packet from %s", udpAddr)

			data := make([]byte, length)
			copy(data, buffer[:length])
			captureInfo := gopacket.CaptureInfo{
				Length:        length,
				CaptureLength: length,
				Timestamp:     time.Now(),
				AncillaryData: []interface{}{udpAddr},
			}
			s.ChIn <- srv.InPacket{Data: data, CaptureInfo: captureInfo}
		}
	}()

	// Read packets from input queue and handle them
	go func() {
		source := gopacket.NewPacketSource(&s.Server, layers.CommandLayerType)
		for packet := range source.Packets() {
			layer := packet.Layer(layers.CommandLayerType)
			if layer == nil {
				log.Debug("Dropping packet that is not a command unit")
				continue
			}
			udpAddr, err := srv.GetAddrPort(packet)
			if err != nil {
				log.Error("Error while getting udpaddr for a packet from input queue")
				continue
			}
			response, err := s.HandleCommand(layer.(*layers.CommandLayer), udpAddr.IP.String())
			if err != nil {
				log.Warning("Command from %s rejected: %s", udpAddr, err)
				continue
			}
			s.ChOut <- srv.OutPacket{Data: response, UDPAddr: udpAddr}
		}
	}()

	// Read packets from output queue and send them to wire
	go func() {
		for {
			outPacket := <-s.ChOut
			log.Debug("Sending response to %s", outPacket.UDPAddr)
			if _, sendErr := conn.WriteToUDP(outPacket.Data, outPacket.UDPAddr); sendErr != nil {
				log.Error("Error while sending response to %s", outPacket.UDPAddr)
				errChan <- sendErr
				return
			}
		}
	}()

	select {
	case <-s.Context.Done():
		return s.Context.Err()
	case err = <-errChan:
		return err
	}
}

// HandleCommand authenticates one command unit from source, applies its
// register operations and returns the serialized signed response.
func (s *CommandServer) HandleCommand(cl *layers.CommandLayer, source string) ([]byte, error) {
	if !cl.ChecksumValid {
		s.st.ChecksumErrors.Add(1)
		return nil, fmt.Errorf("header checksum mismatch")
	}
	if !cl.VerifyTag(s.key) {
		return nil, layers.ErrBadTag
	}
	if !s.guard.Admit(source, cl.Seq()) {
		s.st.ReplaysRejected.Add(1)
		return nil, fmt.Errorf("stale sequence number %d", cl.Seq())
	}

	ops, err := s.panel.Apply(cl.Ops)
	if err != nil {
		return nil, err
	}

	response := &layers.CommandLayer{
		FrameHeader: layers.FrameHeader{
			Magic:       layers.ResponseMagic,
			FrameID:     cl.Seq(),
			TimestampNS: srv.Now(),
		},
		Ops: ops,
	}
	if err := response.Sign(s.key); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, response); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
