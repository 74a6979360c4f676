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

package layers

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"detlab.org/xray/go-fpd/pkg/crc"
)

const (
	// FrameLayerNum identifies the layer
	FrameLayerNum = 2101

	// HeaderSize is the fixed size of the transport header in bytes
	HeaderSize = 32

	// FrameMagic marks a data-frame transport unit
	FrameMagic uint32 = 0x46504431
	// CommandMagic marks a command-channel unit
	CommandMagic uint32 = 0x46504332
	// ResponseMagic marks a command-response unit
	ResponseMagic uint32 = 0x46505233
)

// Header flag bits
const (
	FlagFirstFragment uint16 = 1 << 0
	FlagLastFragment  uint16 = 1 << 1
	// FlagDrop is set by the producer when it knowingly dropped the
	// fragment payload on its side
	FlagDrop uint16 = 1 << 15
)

var (
	ErrHeaderTooShort = errors.New("transport header too short. Must be at least 32 bytes")
	ErrWrongMagic     = errors.New("wrong transport magic")
)

// FrameHeader is the fixed 32-byte little-endian header carried by every
// transport unit.
//
//	offset size field
//	0      4    magic
//	4      4    frame_id
//	8      2    fragment_index
//	10     2    total_fragments
//	12     2    payload_len
//	14     2    flags
//	16     8    timestamp_ns
//	24     4    reserved
//	28     2    checksum over bytes 0-27
type FrameHeader struct {
	Magic          uint32
	FrameID        uint32
	FragmentIndex  uint16
	TotalFragments uint16
	PayloadLen     uint16
	Flags          uint16
	TimestampNS    uint64
	Checksum       uint16
	// ChecksumValid is set on decode. A mismatch is not a decode error,
	// the reassembler decides what to do with the fragment.
	ChecksumValid bool
}

// Serialize writes the header to buf which must be at least HeaderSize
// bytes long. The checksum field is computed over bytes 0-27.
func (h *FrameHeader) Serialize(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrHeaderTooShort
	}
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.FrameID)
	binary.LittleEndian.PutUint16(buf[8:10], h.FragmentIndex)
	binary.LittleEndian.PutUint16(buf[10:12], h.TotalFragments)
	binary.LittleEndian.PutUint16(buf[12:14], h.PayloadLen)
	binary.LittleEndian.PutUint16(buf[14:16], h.Flags)
	binary.LittleEndian.PutUint64(buf[16:24], h.TimestampNS)
	binary.LittleEndian.PutUint32(buf[24:28], 0)
	h.Checksum = crc.Checksum(buf[0:28])
	binary.LittleEndian.PutUint16(buf[28:30], h.Checksum)
	return nil
}

// DecodeFrameHeader decodes the fixed header. It fails only on a short
// buffer or a wrong magic; a checksum mismatch is reported through
// ChecksumValid.
func DecodeFrameHeader(data []byte) (*FrameHeader, error) {
	if len(data) < HeaderSize {
		return nil, ErrHeaderTooShort
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != FrameMagic && magic != CommandMagic && magic != ResponseMagic {
		return nil, fmt.Errorf("%w: 0x%08x", ErrWrongMagic, magic)
	}
	h := &FrameHeader{
		Magic:          magic,
		FrameID:        binary.LittleEndian.Uint32(data[4:8]),
		FragmentIndex:  binary.LittleEndian.Uint16(data[8:10]),
		TotalFragments: binary.LittleEndian.Uint16(data[10:12]),
		PayloadLen:     binary.LittleEndian.Uint16(data[12:14]),
		Flags:          binary.LittleEndian.Uint16(data[14:16]),
		TimestampNS:    binary.LittleEndian.Uint64(data[16:24]),
		Checksum:       binary.LittleEndian.Uint16(data[28:30]),
	}
	h.ChecksumValid = crc.Verify(data[0:28], h.Checksum)
	return h, nil
}

func (h *FrameHeader) FirstFragment() bool { return h.Flags&FlagFirstFragment != 0 }
func (h *FrameHeader) LastFragment() bool  { return h.Flags&FlagLastFragment != 0 }
func (h *FrameHeader) Dropped() bool       { return h.Flags&FlagDrop != 0 }

func (h *FrameHeader) SetFirstFragment(v bool) { h.setFlag(FlagFirstFragment, v) }
func (h *FrameHeader) SetLastFragment(v bool)  { h.setFlag(FlagLastFragment, v) }
func (h *FrameHeader) SetDropped(v bool)       { h.setFlag(FlagDrop, v) }

func (h *FrameHeader) setFlag(bit uint16, v bool) {
	if v {
		h.Flags |= bit
	} else {
		h.Flags &^= bit
	}
}

// FrameLayer is one data-channel transport unit: a FrameHeader followed
// by a variable payload carrying part of a frame's pixel data.
type FrameLayer struct {
	layers.BaseLayer
	FrameHeader
	Data []byte
}

var FrameLayerType = gopacket.RegisterLayerType(FrameLayerNum,
	gopacket.LayerTypeMetadata{Name: "FrameLayerType", Decoder: gopacket.DecodeFunc(DecodeFrameLayer)})

// LayerType returns the type of the frame layer in the layer catalog
func (fl *FrameLayer) LayerType() gopacket.LayerType {
	return FrameLayerType
}

// SerializeTo serializes the frame layer into bytes and writes the bytes
// to the SerializeBuffer
func (fl *FrameLayer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	fl.Magic = FrameMagic
	fl.PayloadLen = uint16(len(fl.Data))
	headerBytes, err := b.AppendBytes(HeaderSize)
	if err != nil {
		return err
	}
	if err := fl.FrameHeader.Serialize(headerBytes); err != nil {
		return err
	}
	payloadBytes, err := b.AppendBytes(len(fl.Data))
	if err != nil {
		return err
	}
	copy(payloadBytes, fl.Data)
	return nil
}

// DecodeFromBytes attempts to decode the byte slice as one transport unit
func (fl *FrameLayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	h, err := DecodeFrameHeader(data)
	if err != nil {
		if errors.Is(err, ErrHeaderTooShort) {
			df.SetTruncated()
		}
		return err
	}
	if h.Magic != FrameMagic {
		return fmt.Errorf("%w: 0x%08x is not a data-frame magic", ErrWrongMagic, h.Magic)
	}
	end := HeaderSize + int(h.PayloadLen)
	if len(data) < end {
		df.SetTruncated()
		return errors.New("transport unit shorter than payload_len")
	}
	fl.BaseLayer = layers.BaseLayer{
		Contents: data[0:HeaderSize],
		Payload:  data[HeaderSize:end],
	}
	fl.FrameHeader = *h
	fl.Data = data[HeaderSize:end]
	return nil
}

func DecodeFrameLayer(data []byte, p gopacket.PacketBuilder) error {
	fl := &FrameLayer{}
	err := fl.DecodeFromBytes(data, p)
	if err != nil {
		return err
	}
	p.AddLayer(fl)
	return nil
}
