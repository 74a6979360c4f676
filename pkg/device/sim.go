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

package device

import (
	"encoding/binary"

	"github.com/google/gopacket"

	"detlab.org/xray/go-fpd/pkg/config"
	"detlab.org/xray/go-fpd/pkg/layers"
)

// SynthesizeFrame generates the deterministic test pattern the panel
// emits for frame frameID: a 16-bit gradient seeded by the frame number,
// so consecutive frames differ and bit-exactness is checkable.
func SynthesizeFrame(cfg *config.Config, frameID uint32) []byte {
	data := make([]byte, cfg.FrameBytes())
	if cfg.Panel.BitDepth > 8 {
		for i := 0; i < len(data); i += 2 {
			sample := uint16(uint32(i/2) + frameID*131)
			binary.LittleEndian.PutUint16(data[i:], sample)
		}
	} else {
		for i := range data {
			data[i] = byte(uint32(i) + frameID*131)
		}
	}
	return data
}

// FragmentFrame splits a frame pixel buffer into serialized data-channel
// transport units, one per fragment payload.
func FragmentFrame(cfg *config.Config, frameID uint32, data []byte, timestampNS uint64) ([][]byte, error) {
	payloadSize := cfg.Panel.PayloadSize
	total := (len(data) + payloadSize - 1) / payloadSize

	var units [][]byte
	for idx := 0; idx < total; idx++ {
		off := idx * payloadSize
		end := off + payloadSize
		if end > len(data) {
			end = len(data)
		}
		fl := &FrameUnit{
			FrameID:        frameID,
			FragmentIndex:  uint16(idx),
			TotalFragments: uint16(total),
			TimestampNS:    timestampNS,
			First:          idx == 0,
			Last:           idx == total-1,
			Payload:        data[off:end],
		}
		unit, err := fl.Serialize()
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, nil
}

// FrameUnit is one producer-side transport unit before serialization.
type FrameUnit struct {
	FrameID        uint32
	FragmentIndex  uint16
	TotalFragments uint16
	TimestampNS    uint64
	First          bool
	Last           bool
	Payload        []byte
}

func (u *FrameUnit) Serialize() ([]byte, error) {
	fl := &layers.FrameLayer{
		FrameHeader: layers.FrameHeader{
			FrameID:        u.FrameID,
			FragmentIndex:  u.FragmentIndex,
			TotalFragments: u.TotalFragments,
			TimestampNS:    u.TimestampNS,
		},
		Data: u.Payload,
	}
	fl.SetFirstFragment(u.First)
	fl.SetLastFragment(u.Last)

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, fl); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
