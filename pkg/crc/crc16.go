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

// Package crc implements the CRC-16/CCITT checksum used to authenticate
// every transport unit of the panel protocol. The parameters match the
// panel firmware: polynomial 0x1021 (0x8408 in reflected notation),
// initial value 0xFFFF, no final XOR. Check value of "123456789" is 0x29B1.
package crc

const (
	// Poly is the CCITT generator polynomial, MSB-first notation.
	Poly uint16 = 0x1021
	// Init is the initial shift register value.
	Init uint16 = 0xFFFF
)

var table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ Poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
}

// Update feeds data into a running checksum. Header and payload checksums
// compose by chaining Update calls.
func Update(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = crc<<8 ^ table[byte(crc>>8)^b]
	}
	return crc
}

// Checksum computes the checksum of data in one shot.
func Checksum(data []byte) uint16 {
	return Update(Init, data)
}

// Verify reports whether data checksums to expected.
func Verify(data []byte, expected uint16) bool {
	return Checksum(data) == expected
}
