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
	"fmt"

	"go.etcd.io/bbolt"

	"detlab.org/xray/go-fpd/pkg/log"
)

const (
	BucketName        = "panel_regs"
	CounterBucketName = "scan_counters"
)

// RegState is the persistent shadow copy of the panel registers.
type RegState struct {
	DB *bbolt.DB
}

func NewRegState(dbPath string) (*RegState, error) {
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{BucketName, CounterBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &RegState{DB: db}, nil
}

func uint16ToByte(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func (s *RegState) Close() {
	s.DB.Close()
}

// SetReg ...
func (s *RegState) SetReg(addr, value uint16) error {
	log.Debug("Setting register: Addr: %x Value: %x", addr, value)
	return s.DB.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketName))
		if b == nil {
			return fmt.Errorf("Bucket not found: %s", BucketName)
		}
		return b.Put(uint16ToByte(addr), uint16ToByte(value))
	})
}

// GetReg ...
func (s *RegState) GetReg(addr uint16) (uint16, error) {
	var value uint16
	if err := s.DB.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketName))
		if b == nil {
			return fmt.Errorf("Bucket not found: %s", BucketName)
		}
		valueBytes := b.Get(uint16ToByte(addr))
		if valueBytes == nil {
			return fmt.Errorf("Key not found: %d", addr)
		}
		value = binary.BigEndian.Uint16(valueBytes)
		return nil
	}); err != nil {
		return 0, err
	}
	return value, nil
}

// AddCounter adds delta to the named cumulative counter. Counters
// survive restarts of the receiver.
func (s *RegState) AddCounter(name string, delta uint64) error {
	return s.DB.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(CounterBucketName))
		if b == nil {
			return fmt.Errorf("Bucket not found: %s", CounterBucketName)
		}
		var value uint64
		if valueBytes := b.Get([]byte(name)); valueBytes != nil {
			value = binary.BigEndian.Uint64(valueBytes)
		}
		valueBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(valueBytes, value+delta)
		return b.Put([]byte(name), valueBytes)
	})
}

// GetCounterAll returns all cumulative counters.
func (s *RegState) GetCounterAll() (map[string]uint64, error) {
	counters := make(map[string]uint64)
	if err := s.DB.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(CounterBucketName))
		if b == nil {
			return fmt.Errorf("Bucket not found: %s", CounterBucketName)
		}
		return b.ForEach(func(k, v []byte) error {
			counters[string(k)] = binary.BigEndian.Uint64(v)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	return counters, nil
}

// GetRegAll returns the values of all known panel registers.
func (s *RegState) GetRegAll() (map[uint16]uint16, error) {
	regs := make(map[uint16]uint16)
	if err := s.DB.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketName))
		if b == nil {
			return fmt.Errorf("Bucket not found: %s", BucketName)
		}
		return b.ForEach(func(k, v []byte) error {
			regs[binary.BigEndian.Uint16(k)] = binary.BigEndian.Uint16(v)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	return regs, nil
}
