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
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"

	"detlab.org/xray/go-fpd/pkg/log"
	"detlab.org/xray/go-fpd/pkg/reassembly"
)

const (
	// RecordMagic marks one frame record in the output stream
	RecordMagic uint32 = 0x46504452

	// RecordHeaderSize is the fixed size of the per-frame record header
	RecordHeaderSize = 32
)

var ErrBadRecordMagic = errors.New("wrong frame record magic")

// Writer persists reassembled frames to a file as a flat stream of
// records. Each record is a fixed header, the missing fragment indices
// of a partial frame, then the pixel data.
//
//	offset size field
//	0      4    magic
//	4      4    frame_id
//	8      4    width
//	12     4    height
//	16     2    bit_depth
//	18     2    complete
//	20     2    missing_count
//	22     2    reserved
//	24     8    timestamp_ns
//
// The writer starts without an output file and drops frames until one
// is opened, so a slow or absent sink never stalls the receive path.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	bw     *bufio.Writer
	frames int
}

func NewWriter() *Writer {
	return &Writer{}
}

// Open directs the frame stream to path, closing the previous output
// file if there is one.
func (w *Writer) Open(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.closeLocked(); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		log.Error("Error while creating file: %s", path)
		return err
	}
	w.file = file
	w.bw = bufio.NewWriter(file)
	return nil
}

// WriteFrame appends one frame record. With no output file open the
// frame is dropped silently.
func (w *Writer) WriteFrame(f *reassembly.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		log.Debug("No output file open, skipping frame %d", f.ID)
		return nil
	}

	header := make([]byte, RecordHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], RecordMagic)
	binary.LittleEndian.PutUint32(header[4:8], f.ID)
	binary.LittleEndian.PutUint32(header[8:12], uint32(f.Width))
	binary.LittleEndian.PutUint32(header[12:16], uint32(f.Height))
	binary.LittleEndian.PutUint16(header[16:18], uint16(f.BitDepth))
	if f.Complete {
		binary.LittleEndian.PutUint16(header[18:20], 1)
	}
	binary.LittleEndian.PutUint16(header[20:22], uint16(len(f.Missing)))
	binary.LittleEndian.PutUint64(header[24:32], f.TimestampNS)

	if _, err := w.bw.Write(header); err != nil {
		return err
	}
	for _, idx := range f.Missing {
		var word [2]byte
		binary.LittleEndian.PutUint16(word[:], idx)
		if _, err := w.bw.Write(word[:]); err != nil {
			return err
		}
	}
	if _, err := w.bw.Write(f.Data); err != nil {
		return err
	}
	w.frames++
	return nil
}

// Frames returns the number of records written to the current file.
func (w *Writer) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Flush flushes and closes the current output file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) closeLocked() error {
	if w.file == nil {
		return nil
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	w.file.Sync()
	err := w.file.Close()
	w.file = nil
	w.bw = nil
	w.frames = 0
	return err
}

// ReadRecord decodes one frame record from r. It returns io.EOF at the
// clean end of the stream.
func ReadRecord(r io.Reader) (*reassembly.Frame, error) {
	header := make([]byte, RecordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(header[0:4]) != RecordMagic {
		return nil, ErrBadRecordMagic
	}
	f := &reassembly.Frame{
		ID:          binary.LittleEndian.Uint32(header[4:8]),
		Width:       int(binary.LittleEndian.Uint32(header[8:12])),
		Height:      int(binary.LittleEndian.Uint32(header[12:16])),
		BitDepth:    int(binary.LittleEndian.Uint16(header[16:18])),
		Complete:    binary.LittleEndian.Uint16(header[18:20]) == 1,
		TimestampNS: binary.LittleEndian.Uint64(header[24:32]),
	}
	missingCount := int(binary.LittleEndian.Uint16(header[20:22]))
	if missingCount > 0 {
		missing := make([]byte, 2*missingCount)
		if _, err := io.ReadFull(r, missing); err != nil {
			return nil, err
		}
		for i := 0; i < missingCount; i++ {
			f.Missing = append(f.Missing, binary.LittleEndian.Uint16(missing[2*i:]))
		}
	}
	sampleBytes := (f.BitDepth + 7) / 8
	f.Data = make([]byte, f.Width*f.Height*sampleBytes)
	if _, err := io.ReadFull(r, f.Data); err != nil {
		return nil, err
	}
	return f, nil
}
