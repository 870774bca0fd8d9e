// This file manages the low-level, on-disk storage structures: the master
// record that anchors a journal store and the header that precedes each
// buffered operation.

package jrnl

import (
	"fmt"
	"reflect"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	// StoreMagic identifies a journal store. Any other value in the magic
	// field of the last sector means there is no store on the volume.
	StoreMagic = uint32(0x6a6b6c6d)

	// MinimumStoreSectors is the smallest reservation accepted: one master
	// sector, one header sector and one data sector. Because the capacity
	// check keeps one sector of slack before the master, a store of this
	// size accepts no operation; buffering needs at least four sectors.
	MinimumStoreSectors = 3

	masterRecordSize    = 32
	operationHeaderSize = 16

	// The header checksum covers the three preceding words.
	operationHeaderChecksummedSize = 12
)

var (
	defaultEncoding = binary.LittleEndian
)

// JournalStatus is the persisted transaction state of a store.
type JournalStatus uint32

const (
	// StatusInit is the direct-I/O state used while the filesystem is being
	// formatted or mounted. It is never written to disk as a distinct value;
	// it serialises as StatusReady.
	StatusInit JournalStatus = 0

	// StatusReady means no transaction is active.
	StatusReady JournalStatus = 1

	// StatusOpen means writes are being buffered into the store.
	StatusOpen JournalStatus = 2

	// StatusCommit means a replay is in progress. Finding this at mount means
	// the replay must be re-run to completion.
	StatusCommit JournalStatus = 3
)

// String returns the conventional name of the status.
func (status JournalStatus) String() string {
	switch status {
	case StatusInit:
		return "INIT"
	case StatusReady:
		return "READY"
	case StatusOpen:
		return "OPEN"
	case StatusCommit:
		return "COMMIT"
	}

	return fmt.Sprintf("UNKNOWN<(%d)>", uint32(status))
}

// persisted collapses the in-memory INIT alias onto READY. Both states mean
// "no buffered transaction" on disk.
func (status JournalStatus) persisted() JournalStatus {
	if status == StatusInit {
		return StatusReady
	}

	return status
}

// MasterRecord is the single persistent record describing a store. It always
// occupies the last sector of the volume, zero-padded to the sector-size, all
// fields little-endian.
type MasterRecord struct {
	// Magic: This field identifies the sector as a journal master. The valid
	// value for this field is 0x6a6b6c6d.
	Magic uint32 `struct:"uint32"`

	// StoreSizeSectors: The length of the reserved region at the tail of the
	// volume, in sectors. The valid range is at least three and less than the
	// total sector count of the volume.
	StoreSizeSectors uint32 `struct:"uint32"`

	// StoreOffsetSector: The absolute sector index where the store begins.
	// The valid value is the total sector count minus StoreSizeSectors.
	StoreOffsetSector uint32 `struct:"uint32"`

	// NextFreeSector: The append cursor inside the store, in store-relative
	// sectors. Zero when no operation is buffered. The valid range keeps the
	// last sector of the store for this record.
	NextFreeSector uint32 `struct:"uint32"`

	// Status: The persisted transaction state. The valid values are READY,
	// OPEN and COMMIT; INIT serialises as READY.
	Status JournalStatus `struct:"uint32"`

	// VolumeSize: The size of the hosting volume in bytes, cached so a
	// remount can detect a configuration mismatch.
	VolumeSize uint64 `struct:"uint64"`

	// SectorSize: The sector-size of the hosting volume in bytes, cached for
	// the same consistency check.
	SectorSize uint32 `struct:"uint32"`
}

// newMasterRecord returns a fresh master for the given geometry with no
// buffered operations.
func newMasterRecord(storeSizeSectors uint32, volumeSize uint64, sectorSize uint32) MasterRecord {
	totalSectors := uint32(volumeSize / uint64(sectorSize))

	return MasterRecord{
		Magic:             StoreMagic,
		StoreSizeSectors:  storeSizeSectors,
		StoreOffsetSector: totalSectors - storeSizeSectors,
		NextFreeSector:    0,
		Status:            StatusReady,
		VolumeSize:        volumeSize,
		SectorSize:        sectorSize,
	}
}

// parseMasterRecord unpacks a master from a raw sector.
func parseMasterRecord(raw []byte) (mr MasterRecord, err error) {
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

	if len(raw) < masterRecordSize {
		log.Panicf("master sector too small to unpack: (%d)", len(raw))
	}

	err = restruct.Unpack(raw[:masterRecordSize], defaultEncoding, &mr)
	log.PanicIf(err)

	return mr, nil
}

// pack serialises the master into a zero-padded sector buffer. The in-memory
// INIT alias is collapsed before hitting the disk.
func (mr MasterRecord) pack(sectorSize uint32) (raw []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	persistable := mr
	persistable.Status = mr.Status.persisted()

	packed, err := restruct.Pack(defaultEncoding, &persistable)
	log.PanicIf(err)

	raw = make([]byte, sectorSize)
	copy(raw, packed)

	return raw, nil
}

// IsStore indicates whether the magic marks this as a journal master.
func (mr MasterRecord) IsStore() bool {
	return mr.Magic == StoreMagic
}

// String returns a description of the master.
func (mr MasterRecord) String() string {
	return fmt.Sprintf("MasterRecord<STATUS=[%s] NEXT-FREE=(%d) STORE-SIZE=(%d)>", mr.Status, mr.NextFreeSector, mr.StoreSizeSectors)
}

// Dump prints all of the master parameters.
func (mr MasterRecord) Dump() {
	fmt.Printf("Master Record\n")
	fmt.Printf("=============\n")
	fmt.Printf("\n")

	fmt.Printf("Magic: (0x%08x)\n", mr.Magic)
	fmt.Printf("StoreSizeSectors: (%d)\n", mr.StoreSizeSectors)
	fmt.Printf("StoreOffsetSector: (%d)\n", mr.StoreOffsetSector)
	fmt.Printf("NextFreeSector: (%d)\n", mr.NextFreeSector)
	fmt.Printf("Status: [%s]\n", mr.Status)
	fmt.Printf("VolumeSize: (%d)\n", mr.VolumeSize)
	fmt.Printf("SectorSize: (%d)\n", mr.SectorSize)

	fmt.Printf("\n")
}

// OperationHeader precedes the payload of each buffered operation in the
// store: four little-endian 32-bit words, zero-padded to the sector-size.
type OperationHeader struct {
	// TargetSector: The absolute destination sector in the filesystem area.
	TargetSector uint32 `struct:"uint32"`

	// SectorCount: The number of contiguous payload sectors. At least one.
	SectorCount uint32 `struct:"uint32"`

	// Crc32Data: The checksum of the full payload.
	Crc32Data uint32 `struct:"uint32"`

	// Crc32Header: The checksum of the three preceding words as laid out on
	// disk. Verified before the payload is even read back.
	Crc32Header uint32 `struct:"uint32"`
}

// newOperationHeader builds a checksummed header for one buffered write.
func newOperationHeader(targetSector uint32, sectorCount uint32, data []byte) (oh OperationHeader, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	oh = OperationHeader{
		TargetSector: targetSector,
		SectorCount:  sectorCount,
		Crc32Data:    Checksum(data),
	}

	packed, err := restruct.Pack(defaultEncoding, &oh)
	log.PanicIf(err)

	oh.Crc32Header = Checksum(packed[:operationHeaderChecksummedSize])

	return oh, nil
}

// parseOperationHeader unpacks a header from a raw sector and verifies its
// own checksum.
func parseOperationHeader(raw []byte) (oh OperationHeader, err error) {
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

	if len(raw) < operationHeaderSize {
		log.Panicf("header sector too small to unpack: (%d)", len(raw))
	}

	err = restruct.Unpack(raw[:operationHeaderSize], defaultEncoding, &oh)
	log.PanicIf(err)

	if Checksum(raw[:operationHeaderChecksummedSize]) != oh.Crc32Header {
		log.Panic(ErrInvalidChecksum)
	}

	return oh, nil
}

// pack serialises the header into a zero-padded sector buffer.
func (oh OperationHeader) pack(sectorSize uint32) (raw []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	packed, err := restruct.Pack(defaultEncoding, &oh)
	log.PanicIf(err)

	raw = make([]byte, sectorSize)
	copy(raw, packed)

	return raw, nil
}

// VerifyPayload checks the payload checksum.
func (oh OperationHeader) VerifyPayload(data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if Checksum(data) != oh.Crc32Data {
		log.Panic(ErrInvalidChecksum)
	}

	return nil
}

// String returns a description of the header.
func (oh OperationHeader) String() string {
	return fmt.Sprintf("OperationHeader<TARGET=(%d) COUNT=(%d) DATA-CRC=(0x%08x)>", oh.TargetSector, oh.SectorCount, oh.Crc32Data)
}

// Dump prints all of the header parameters.
func (oh OperationHeader) Dump() {
	fmt.Printf("Operation Header\n")
	fmt.Printf("================\n")
	fmt.Printf("\n")

	fmt.Printf("TargetSector: (%d)\n", oh.TargetSector)
	fmt.Printf("SectorCount: (%d)\n", oh.SectorCount)
	fmt.Printf("Crc32Data: (0x%08x)\n", oh.Crc32Data)
	fmt.Printf("Crc32Header: (0x%08x)\n", oh.Crc32Header)

	fmt.Printf("\n")
}
