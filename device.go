// This package implements a crash-consistent write journal that sits between
// a filesystem and a flash block-device. This file describes the block-device
// contract that the journal consumes and provides the two stock
// implementations.

package jrnl

import (
	"io"
	"os"
	"reflect"

	"github.com/dsoprea/go-logging"
)

const (
	// Flash reads back all ones after an erase.
	erasedByte = 0xff

	minimumSectorSize = 512
)

// BlockDevice is the contract for the underlying storage. All offsets and
// lengths are in bytes and must be sector-aligned. Flash discipline applies:
// a region must be erased before it is written. Errors propagate verbatim and
// are never retried by the journal.
type BlockDevice interface {
	Read(offset uint64, data []byte) (err error)
	Write(offset uint64, data []byte) (err error)
	EraseRange(offset, length uint64) (err error)
	SectorSize() uint32
	TotalSize() uint64
}

func checkDeviceBounds(device BlockDevice, offset, length uint64) {
	sectorSize := uint64(device.SectorSize())

	if offset%sectorSize != 0 || length%sectorSize != 0 {
		log.Panicf("offset and length must be sector-aligned: (%d) (%d)", offset, length)
	}

	if offset+length > device.TotalSize() {
		log.Panic(ErrInvalidArgument)
	}
}

// FileBlockDevice adapts a file to the BlockDevice contract. The erase state
// is simulated by filling with 0xff, so images look like raw NOR dumps.
type FileBlockDevice struct {
	f          *os.File
	sectorSize uint32
	totalSize  uint64
}

// NewFileBlockDevice returns a device over an already-opened file. The file
// size must be a non-zero multiple of the sector-size.
func NewFileBlockDevice(f *os.File, sectorSize uint32) (fbd *FileBlockDevice, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(err).Name(), err)
			}
		}
	}()

	if sectorSize < minimumSectorSize {
		log.Panic(ErrInvalidArgument)
	}

	fi, err := f.Stat()
	log.PanicIf(err)

	totalSize := uint64(fi.Size())

	if totalSize == 0 || totalSize%uint64(sectorSize) != 0 {
		log.Panicf("file size is not a multiple of the sector-size: (%d)", totalSize)
	}

	fbd = &FileBlockDevice{
		f:          f,
		sectorSize: sectorSize,
		totalSize:  totalSize,
	}

	return fbd, nil
}

// Read reads one or more whole sectors starting at `offset`.
func (fbd *FileBlockDevice) Read(offset uint64, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	checkDeviceBounds(fbd, offset, uint64(len(data)))

	_, err = fbd.f.ReadAt(data, int64(offset))
	if err != nil && err != io.EOF {
		log.Panic(err)
	}

	return nil
}

// Write writes one or more whole sectors starting at `offset`. The region is
// expected to have been erased first.
func (fbd *FileBlockDevice) Write(offset uint64, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	checkDeviceBounds(fbd, offset, uint64(len(data)))

	_, err = fbd.f.WriteAt(data, int64(offset))
	log.PanicIf(err)

	return nil
}

// EraseRange resets whole sectors to the erased state.
func (fbd *FileBlockDevice) EraseRange(offset, length uint64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	checkDeviceBounds(fbd, offset, length)

	blank := make([]byte, fbd.sectorSize)
	for i := range blank {
		blank[i] = erasedByte
	}

	for current := offset; current < offset+length; current += uint64(fbd.sectorSize) {
		_, err := fbd.f.WriteAt(blank, int64(current))
		log.PanicIf(err)
	}

	return nil
}

// SectorSize returns the atomic I/O unit of the device.
func (fbd *FileBlockDevice) SectorSize() uint32 {
	return fbd.sectorSize
}

// TotalSize returns the device capacity in bytes.
func (fbd *FileBlockDevice) TotalSize() uint64 {
	return fbd.totalSize
}

// MemoryBlockDevice keeps the whole volume in a byte-slice. It backs the
// tests and is convenient for building scratch images.
type MemoryBlockDevice struct {
	data       []byte
	sectorSize uint32
}

// NewMemoryBlockDevice returns an erased in-memory device of the given
// geometry.
func NewMemoryBlockDevice(totalSize uint64, sectorSize uint32) (mbd *MemoryBlockDevice, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if sectorSize < minimumSectorSize || totalSize == 0 || totalSize%uint64(sectorSize) != 0 {
		log.Panic(ErrInvalidArgument)
	}

	data := make([]byte, totalSize)
	for i := range data {
		data[i] = erasedByte
	}

	mbd = &MemoryBlockDevice{
		data:       data,
		sectorSize: sectorSize,
	}

	return mbd, nil
}

// Read copies whole sectors out of the device.
func (mbd *MemoryBlockDevice) Read(offset uint64, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	checkDeviceBounds(mbd, offset, uint64(len(data)))

	copy(data, mbd.data[offset:])

	return nil
}

// Write copies whole sectors into the device.
func (mbd *MemoryBlockDevice) Write(offset uint64, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	checkDeviceBounds(mbd, offset, uint64(len(data)))

	copy(mbd.data[offset:], data)

	return nil
}

// EraseRange resets whole sectors to the erased state.
func (mbd *MemoryBlockDevice) EraseRange(offset, length uint64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	checkDeviceBounds(mbd, offset, length)

	for i := offset; i < offset+length; i++ {
		mbd.data[i] = erasedByte
	}

	return nil
}

// SectorSize returns the atomic I/O unit of the device.
func (mbd *MemoryBlockDevice) SectorSize() uint32 {
	return mbd.sectorSize
}

// TotalSize returns the device capacity in bytes.
func (mbd *MemoryBlockDevice) TotalSize() uint64 {
	return uint64(len(mbd.data))
}
