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
	"testing"

	"github.com/google/gopacket"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("panel-command-channel-test-key")

func buildCommand(t *testing.T, seq uint32, ops []*RegOp) []byte {
	t.Helper()
	cl := &CommandLayer{
		FrameHeader: FrameHeader{Magic: CommandMagic, FrameID: seq},
		Ops:         ops,
	}
	require.NoError(t, cl.Sign(testKey))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, cl))
	return buf.Bytes()
}

func TestCommandRoundTrip(t *testing.T) {
	ops := []*RegOp{
		{Read: true, Addr: 0x0010},
		{Read: false, Addr: 0x0012, Value: 0x8000},
	}
	data := buildCommand(t, 5, ops)

	packet := gopacket.NewPacket(data, CommandLayerType, gopacket.Default)
	layer := packet.Layer(CommandLayerType)
	require.NotNil(t, layer)
	cl := layer.(*CommandLayer)

	require.Equal(t, uint32(5), cl.Seq())
	require.True(t, cl.ChecksumValid)
	require.True(t, cl.VerifyTag(testKey))
	require.Len(t, cl.Ops, 2)
	require.True(t, cl.Ops[0].Read)
	require.Equal(t, uint16(0x0010), cl.Ops[0].Addr)
	require.False(t, cl.Ops[1].Read)
	require.Equal(t, uint16(0x0012), cl.Ops[1].Addr)
	require.Equal(t, uint16(0x8000), cl.Ops[1].Value)
}

func TestCommandTagRejectsTampering(t *testing.T) {
	data := buildCommand(t, 1, []*RegOp{{Read: false, Addr: 1, Value: 2}})
	data[HeaderSize+1] ^= 0xff // flip a bit inside the op word

	cl := &CommandLayer{}
	require.NoError(t, cl.DecodeFromBytes(data, gopacket.NilDecodeFeedback))
	require.False(t, cl.VerifyTag(testKey))
}

func TestCommandTagRejectsWrongKey(t *testing.T) {
	data := buildCommand(t, 1, []*RegOp{{Read: true, Addr: 1}})
	cl := &CommandLayer{}
	require.NoError(t, cl.DecodeFromBytes(data, gopacket.NilDecodeFeedback))
	require.True(t, cl.VerifyTag(testKey))
	require.False(t, cl.VerifyTag([]byte("some other key")))
}

func TestReplayGuard(t *testing.T) {
	g := NewReplayGuard()

	require.True(t, g.Admit("10.0.0.2", 1))
	require.True(t, g.Admit("10.0.0.2", 2))
	require.False(t, g.Admit("10.0.0.2", 2), "equal sequence must be rejected")
	require.False(t, g.Admit("10.0.0.2", 1), "stale sequence must be rejected")
	require.True(t, g.Admit("10.0.0.2", 10))

	// sources are tracked independently
	require.True(t, g.Admit("10.0.0.3", 1))
}

func TestRegOpWireFormat(t *testing.T) {
	buf := make([]byte, 4)
	(&RegOp{Read: true, Addr: 0x7fff}).Serialize(buf)
	require.Equal(t, []byte{0x00, 0x00, 0xff, 0xff}, buf)

	(&RegOp{Read: false, Addr: 0x0001, Value: 0xabcd}).Serialize(buf)
	op := decodeRegOp(buf)
	require.False(t, op.Read)
	require.Equal(t, uint16(0x0001), op.Addr)
	require.Equal(t, uint16(0xabcd), op.Value)
}
