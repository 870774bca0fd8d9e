// This file supports sector-addressed I/O relative to the reserved store
// region at the tail of the volume, and enumerating the operation entries
// packed inside it.

package jrnl

import (
	"reflect"

	"github.com/dsoprea/go-logging"
)

// Store provides sector read/write relative to the reserved region. The last
// sector of the store (which is also the last sector of the volume) holds the
// master record. No locking happens at this layer.
type Store struct {
	device            BlockDevice
	storeSizeSectors  uint32
	storeOffsetSector uint32
}

// NewStore returns a store over the last `storeSizeSectors` sectors of the
// device.
func NewStore(device BlockDevice, storeSizeSectors uint32) (store *Store, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	totalSectors := uint32(device.TotalSize() / uint64(device.SectorSize()))

	if storeSizeSectors < MinimumStoreSectors || storeSizeSectors >= totalSectors {
		log.Panic(ErrInvalidArgument)
	}

	store = &Store{
		device:            device,
		storeSizeSectors:  storeSizeSectors,
		storeOffsetSector: totalSectors - storeSizeSectors,
	}

	return store, nil
}

// StoreSizeSectors returns the length of the reserved region, in sectors.
func (store *Store) StoreSizeSectors() uint32 {
	return store.storeSizeSectors
}

// StoreOffsetSector returns the absolute sector index where the store begins.
func (store *Store) StoreOffsetSector() uint32 {
	return store.storeOffsetSector
}

func (store *Store) checkBounds(storeSector, count uint32) {
	if storeSector+count > store.storeSizeSectors {
		log.Panic(ErrInvalidArgument)
	}
}

func (store *Store) byteOffset(storeSector uint32) uint64 {
	return uint64(store.storeOffsetSector+storeSector) * uint64(store.device.SectorSize())
}

// ReadSectors reads `count` sectors starting at the store-relative sector.
func (store *Store) ReadSectors(storeSector, count uint32) (data []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	store.checkBounds(storeSector, count)

	data = make([]byte, uint64(count)*uint64(store.device.SectorSize()))

	err = store.device.Read(store.byteOffset(storeSector), data)
	log.PanicIf(err)

	return data, nil
}

// WriteSectors erases and then writes whole sectors starting at the store-
// relative sector.
func (store *Store) WriteSectors(storeSector uint32, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	sectorSize := store.device.SectorSize()

	if len(data) == 0 || uint64(len(data))%uint64(sectorSize) != 0 {
		log.Panic(ErrInvalidArgument)
	}

	count := uint32(uint64(len(data)) / uint64(sectorSize))
	store.checkBounds(storeSector, count)

	offset := store.byteOffset(storeSector)

	err = store.device.EraseRange(offset, uint64(len(data)))
	log.PanicIf(err)

	err = store.device.Write(offset, data)
	log.PanicIf(err)

	return nil
}

// EraseSectors erases whole store-relative sectors without writing anything.
// The append path erases the full entry range up front so that a torn write
// is detectable.
func (store *Store) EraseSectors(storeSector, count uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	store.checkBounds(storeSector, count)

	sectorSize := uint64(store.device.SectorSize())

	err = store.device.EraseRange(store.byteOffset(storeSector), uint64(count)*sectorSize)
	log.PanicIf(err)

	return nil
}

// writeSectorsNoErase writes into a range that has already been erased.
func (store *Store) writeSectorsNoErase(storeSector uint32, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	count := uint32(uint64(len(data)) / uint64(store.device.SectorSize()))
	store.checkBounds(storeSector, count)

	err = store.device.Write(store.byteOffset(storeSector), data)
	log.PanicIf(err)

	return nil
}

// masterSector returns the store-relative sector holding the master record.
func (store *Store) masterSector() uint32 {
	return store.storeSizeSectors - 1
}

// ReadMaster reads and unpacks the master record from the last sector of the
// volume. The magic is not validated here; the mount sequence decides what a
// missing magic means.
func (store *Store) ReadMaster() (mr MasterRecord, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw, err := store.ReadSectors(store.masterSector(), 1)
	log.PanicIf(err)

	mr, err = parseMasterRecord(raw)
	log.PanicIf(err)

	return mr, nil
}

// WriteMaster persists the master record to the last sector of the volume.
func (store *Store) WriteMaster(mr MasterRecord) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw, err := mr.pack(store.device.SectorSize())
	log.PanicIf(err)

	err = store.WriteSectors(store.masterSector(), raw)
	log.PanicIf(err)

	return nil
}

// ReadMasterFromDevice reads and unpacks whatever occupies the last sector of
// the device. Inspection tools use this before the store geometry is known.
func ReadMasterFromDevice(device BlockDevice) (mr MasterRecord, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	sectorSize := uint64(device.SectorSize())
	raw := make([]byte, sectorSize)

	err = device.Read(device.TotalSize()-sectorSize, raw)
	log.PanicIf(err)

	mr, err = parseMasterRecord(raw)
	log.PanicIf(err)

	return mr, nil
}

// OperationVisitorFunc is a visitor callback that is called for each buffered
// operation entry, with the store-relative sector of its header and its
// verified payload.
type OperationVisitorFunc func(storeSector uint32, oh OperationHeader, data []byte) (doContinue bool, err error)

// EnumerateOperations walks the operation entries packed in
// [0, nextFreeSector), verifying both checksums of each entry before handing
// it to the callback. A corrupted entry stops the walk with
// ErrInvalidChecksum.
func (store *Store) EnumerateOperations(nextFreeSector uint32, cb OperationVisitorFunc) (err error) {
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

	if nextFreeSector > store.storeSizeSectors-1 {
		log.Panic(ErrInvalidArgument)
	}

	cursor := uint32(0)
	for cursor < nextFreeSector {
		headerRaw, err := store.ReadSectors(cursor, 1)
		log.PanicIf(err)

		oh, err := parseOperationHeader(headerRaw)
		log.PanicIf(err)

		// A header that passes its own checksum but points past the cursor
		// limit did not come from a completed append.
		if oh.SectorCount == 0 || cursor+1+oh.SectorCount > nextFreeSector {
			log.Panic(ErrInvalidChecksum)
		}

		data, err := store.ReadSectors(cursor+1, oh.SectorCount)
		log.PanicIf(err)

		err = oh.VerifyPayload(data)
		log.PanicIf(err)

		doContinue, err := cb(cursor, oh, data)
		log.PanicIf(err)

		if doContinue == false {
			break
		}

		cursor += 1 + oh.SectorCount
	}

	return nil
}
