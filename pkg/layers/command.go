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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// CommandLayerNum identifies the layer
	CommandLayerNum = 2102

	// TagSize is the size of the message-authentication tag appended to
	// every command-channel unit
	TagSize = sha256.Size
)

var (
	ErrCommandTooShort = errors.New("command unit too short. Must carry at least the authentication tag")
	ErrBadTag          = errors.New("command authentication tag mismatch")
)

// RegOp is one register read or write operation. On the wire it is a
// single little-endian 32-bit word: bit 31 is the read flag, bits 30-16
// the register address, bits 15-0 the value (ignored for reads).
type RegOp struct {
	Read  bool
	Addr  uint16
	Value uint16
}

func (op *RegOp) Serialize(buf []byte) {
	word := (uint32(op.Addr) & 0x7fff) << 16
	if op.Read {
		word |= 0x80000000
	} else {
		word |= uint32(op.Value)
	}
	binary.LittleEndian.PutUint32(buf[0:4], word)
}

func decodeRegOp(data []byte) *RegOp {
	word := binary.LittleEndian.Uint32(data[0:4])
	return &RegOp{
		Read:  word&0x80000000 != 0,
		Addr:  uint16((word & 0x7fff0000) >> 16),
		Value: uint16(word & 0xffff),
	}
}

// CommandLayer is one command-channel or command-response unit: the fixed
// transport header, a list of register operations and a 32-byte HMAC-SHA256
// tag over header and operations. On this channel the FrameID header field
// carries the per-source monotonic sequence number.
type CommandLayer struct {
	layers.BaseLayer
	FrameHeader
	Ops []*RegOp
	Tag [TagSize]byte

	// signed holds the decoded header+ops bytes the tag was computed over
	signed []byte
}

var CommandLayerType = gopacket.RegisterLayerType(CommandLayerNum,
	gopacket.LayerTypeMetadata{Name: "CommandLayerType", Decoder: gopacket.DecodeFunc(DecodeCommandLayer)})

// LayerType returns the type of the command layer in the layer catalog
func (cl *CommandLayer) LayerType() gopacket.LayerType {
	return CommandLayerType
}

// Seq returns the per-source sequence number of the unit.
func (cl *CommandLayer) Seq() uint32 {
	return cl.FrameID
}

func (cl *CommandLayer) serializeSigned() ([]byte, error) {
	if cl.Magic != CommandMagic && cl.Magic != ResponseMagic {
		cl.Magic = CommandMagic
	}
	cl.PayloadLen = uint16(4*len(cl.Ops) + TagSize)
	buf := make([]byte, HeaderSize+4*len(cl.Ops))
	if err := cl.FrameHeader.Serialize(buf); err != nil {
		return nil, err
	}
	for i, op := range cl.Ops {
		op.Serialize(buf[HeaderSize+4*i:])
	}
	return buf, nil
}

// Sign computes the authentication tag over header and operations.
// It must be called before SerializeTo.
func (cl *CommandLayer) Sign(key []byte) error {
	signed, err := cl.serializeSigned()
	if err != nil {
		return err
	}
	cl.signed = signed
	mac := hmac.New(sha256.New, key)
	mac.Write(signed)
	copy(cl.Tag[:], mac.Sum(nil))
	return nil
}

// VerifyTag reports whether the tag of a decoded unit matches the key.
func (cl *CommandLayer) VerifyTag(key []byte) bool {
	mac := hmac.New(sha256.New, key)
	mac.Write(cl.signed)
	return hmac.Equal(mac.Sum(nil), cl.Tag[:])
}

// SerializeTo serializes the command layer into bytes and writes the bytes
// to the SerializeBuffer. Sign must have been called with the channel key.
func (cl *CommandLayer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if cl.signed == nil {
		return errors.New("command unit is not signed")
	}
	bytes, err := b.AppendBytes(len(cl.signed) + TagSize)
	if err != nil {
		return err
	}
	copy(bytes, cl.signed)
	copy(bytes[len(cl.signed):], cl.Tag[:])
	return nil
}

// DecodeFromBytes attempts to decode the byte slice as a command unit
func (cl *CommandLayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	h, err := DecodeFrameHeader(data)
	if err != nil {
		if errors.Is(err, ErrHeaderTooShort) {
			df.SetTruncated()
		}
		return err
	}
	if h.Magic != CommandMagic && h.Magic != ResponseMagic {
		return ErrWrongMagic
	}
	if int(h.PayloadLen) < TagSize || len(data) < HeaderSize+int(h.PayloadLen) {
		df.SetTruncated()
		return ErrCommandTooShort
	}
	opsLen := int(h.PayloadLen) - TagSize
	if opsLen%4 != 0 {
		return errors.New("command ops region is not word aligned")
	}

	cl.FrameHeader = *h
	cl.signed = data[0 : HeaderSize+opsLen]
	cl.Ops = nil
	for off := HeaderSize; off < HeaderSize+opsLen; off += 4 {
		cl.Ops = append(cl.Ops, decodeRegOp(data[off:]))
	}
	copy(cl.Tag[:], data[HeaderSize+opsLen:HeaderSize+int(h.PayloadLen)])
	cl.BaseLayer = layers.BaseLayer{
		Contents: data[0:HeaderSize],
		Payload:  data[HeaderSize : HeaderSize+int(h.PayloadLen)],
	}
	return nil
}

func DecodeCommandLayer(data []byte, p gopacket.PacketBuilder) error {
	cl := &CommandLayer{}
	err := cl.DecodeFromBytes(data, p)
	if err != nil {
		return err
	}
	p.AddLayer(cl)
	return nil
}

// ReplayGuard tracks the last accepted sequence number per command source.
// A unit with a sequence number not greater than the last seen one for its
// source is rejected.
type ReplayGuard struct {
	last *xsync.MapOf[string, uint32]
}

func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{
		last: xsync.NewMapOf[string, uint32](),
	}
}

// Admit records seq for source and reports whether the unit is fresh.
func (g *ReplayGuard) Admit(source string, seq uint32) bool {
	admitted := false
	g.last.Compute(source, func(old uint32, loaded bool) (uint32, bool) {
		if !loaded || seq > old {
			admitted = true
			return seq, false
		}
		return old, false
	})
	return admitted
}
