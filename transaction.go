// This file implements the transaction engine: begin, intercepted writes,
// commit/cancel, replay, crash recovery and the mount sequence. One journal
// instance owns the master record in memory; every state change is persisted
// before any dependent action.

package jrnl

import (
	"reflect"
	"sync"

	"github.com/dsoprea/go-logging"
)

var (
	jrnlLogger = log.NewLogger("jrnl.transaction")
)

// MountConfig is supplied when a journal is mounted on a device.
type MountConfig struct {
	// StoreSizeSectors is the length of the reserved region at the tail of
	// the volume. At least three sectors.
	StoreSizeSectors uint32

	// OverwriteExisting discards any master already on the volume.
	OverwriteExisting bool

	// ReplayAfterMount finishes or discards an interrupted transaction found
	// on the volume.
	ReplayAfterMount bool

	// ForceFormat indicates that the caller intends to reformat the
	// filesystem; the store is initialised fresh, like OverwriteExisting.
	ForceFormat bool
}

// abortPoint marks a crash point that the tests can arm to simulate power
// loss. A zero value never fires.
type abortPoint int

const (
	abortNone abortPoint = iota

	// In Write, after the operation entry has landed in the store but before
	// the master is updated to cover it.
	abortAfterAppend

	// In End, before the COMMIT status is persisted.
	abortBeforeCommitStatus

	// In End, immediately after the COMMIT status is persisted.
	abortAfterCommitStatus

	// In replay, between the erase of a target range and the write into it.
	abortAfterTargetErase

	// In replay, after every payload has been applied but before the master
	// is reset.
	abortBeforeMasterReset
)

// Journal is one mounted journal instance. All transactional operations are
// serialised by the per-instance mutex; a commit is atomic from the caller's
// perspective.
type Journal struct {
	device BlockDevice
	store  *Store
	master MasterRecord
	mutex  sync.Mutex

	abortPoint abortPoint
}

// NewJournal mounts a journal on the device, running the full mount sequence:
// either adopt the master already on the volume (optionally recovering an
// interrupted transaction) or initialise a fresh one. The instance is left in
// the direct-I/O state for the filesystem's own format/mount phase.
func NewJournal(device BlockDevice, config MountConfig) (jr *Journal, err error) {
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

	sectorSize := device.SectorSize()
	totalSize := device.TotalSize()

	if sectorSize < minimumSectorSize || totalSize%uint64(sectorSize) != 0 {
		log.Panic(ErrInvalidArgument)
	}

	store, err := NewStore(device, config.StoreSizeSectors)
	log.PanicIf(err)

	jr = &Journal{
		device: device,
		store:  store,
	}

	if config.OverwriteExisting == true || config.ForceFormat == true {
		err = jr.initializeFresh()
		log.PanicIf(err)

		return jr, nil
	}

	mr, err := store.ReadMaster()
	log.PanicIf(err)

	if mr.IsStore() != true {
		err = jr.initializeFresh()
		log.PanicIf(err)

		return jr, nil
	}

	if mr.VolumeSize != totalSize || mr.SectorSize != sectorSize || mr.StoreSizeSectors != config.StoreSizeSectors || mr.StoreOffsetSector != store.StoreOffsetSector() {
		log.Panic(ErrInconsistentState)
	}

	jr.master = mr

	if config.ReplayAfterMount == true {
		err = jr.recoverCurrent()
		log.PanicIf(err)
	}

	// Whatever recovery decided, the instance starts out in the direct-I/O
	// state until the filesystem has been brought up.
	mr = jr.master
	mr.Status = StatusInit
	mr.NextFreeSector = 0

	err = jr.persistMaster(mr)
	log.PanicIf(err)

	return jr, nil
}

func (jr *Journal) initializeFresh() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	mr := newMasterRecord(jr.store.StoreSizeSectors(), jr.device.TotalSize(), jr.device.SectorSize())
	mr.Status = StatusInit

	err = jr.persistMaster(mr)
	log.PanicIf(err)

	return nil
}

// persistMaster writes the master to disk and only then adopts it in memory,
// so the in-memory copy never runs ahead of the volume.
func (jr *Journal) persistMaster(mr MasterRecord) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = jr.store.WriteMaster(mr)
	log.PanicIf(err)

	jr.master = mr

	return nil
}

func (jr *Journal) checkAbort(point abortPoint) {
	if jr.abortPoint == point {
		log.Panic(ErrAborted)
	}
}

// Master returns a copy of the in-memory master record.
func (jr *Journal) Master() MasterRecord {
	return jr.master
}

// SectorSize returns the sector-size of the underlying device.
func (jr *Journal) SectorSize() uint32 {
	return jr.device.SectorSize()
}

// SectorCount returns the number of sectors available to the filesystem: the
// device's sector count reduced by the store reservation. The filesystem must
// use this as its disk size.
func (jr *Journal) SectorCount() uint32 {
	return jr.store.StoreOffsetSector()
}

// Begin opens a transaction. Legal only in the READY state.
func (jr *Journal) Begin() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	jr.mutex.Lock()
	defer jr.mutex.Unlock()

	if jr.master.Status != StatusReady {
		log.Panic(ErrInvalidState)
	}

	mr := jr.master
	mr.Status = StatusOpen
	mr.NextFreeSector = 0

	err = jr.persistMaster(mr)
	log.PanicIf(err)

	return nil
}

// Write intercepts one block-write of the wrapped filesystem call. In the
// OPEN state the write is appended to the store as an operation entry; in the
// direct-I/O state it passes straight through to the device. The buffer must
// be a non-empty whole number of sectors.
func (jr *Journal) Write(targetSector uint32, data []byte) (err error) {
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

	sectorSize := uint64(jr.device.SectorSize())

	if data == nil || len(data) == 0 || uint64(len(data))%sectorSize != 0 {
		log.Panic(ErrInvalidArgument)
	}

	count := uint32(uint64(len(data)) / sectorSize)

	jr.mutex.Lock()
	defer jr.mutex.Unlock()

	// The store sectors belong exclusively to the engine.
	if targetSector+count > jr.store.StoreOffsetSector() {
		log.Panic(ErrInvalidArgument)
	}

	switch jr.master.Status {
	case StatusInit:
		// Format/mount passthrough. No journaling, no checksums; callers
		// bracketing a format with SetDirectIO are trusted.
		offset := uint64(targetSector) * sectorSize

		err = jr.device.EraseRange(offset, uint64(len(data)))
		log.PanicIf(err)

		err = jr.device.Write(offset, data)
		log.PanicIf(err)

		return nil

	case StatusOpen:
		err = jr.appendOperation(targetSector, count, data)
		log.PanicIf(err)

		return nil
	}

	log.Panic(ErrInvalidState)
	return nil
}

func (jr *Journal) appendOperation(targetSector, count uint32, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	nextFree := jr.master.NextFreeSector

	// Strict check, keeping the last sector for the master. The single
	// sector of slack before the master is part of the on-disk contract.
	if nextFree+1+count >= jr.store.StoreSizeSectors()-1 {
		log.Panic(ErrNoMemory)
	}

	oh, err := newOperationHeader(targetSector, count, data)
	log.PanicIf(err)

	headerRaw, err := oh.pack(jr.device.SectorSize())
	log.PanicIf(err)

	// Erase the whole entry range first, then lay down the header and the
	// payload. A crash anywhere in between leaves the master untouched and
	// the partial entry invisible to replay.
	err = jr.store.EraseSectors(nextFree, 1+count)
	log.PanicIf(err)

	err = jr.store.writeSectorsNoErase(nextFree, headerRaw)
	log.PanicIf(err)

	err = jr.store.writeSectorsNoErase(nextFree+1, data)
	log.PanicIf(err)

	jr.checkAbort(abortAfterAppend)

	mr := jr.master
	mr.NextFreeSector = nextFree + 1 + count

	err = jr.persistMaster(mr)
	log.PanicIf(err)

	return nil
}

// End retires the open transaction. With commit=false the buffered entries
// are discarded and no target sector is touched; with commit=true the COMMIT
// status is persisted first and then every buffered entry is replayed to its
// target, in the order the writes were issued.
func (jr *Journal) End(commit bool) (err error) {
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

	jr.mutex.Lock()
	defer jr.mutex.Unlock()

	if commit == false {
		// Cancelling with nothing open is a no-op.
		if jr.master.Status == StatusReady {
			return nil
		}

		if jr.master.Status != StatusOpen {
			log.Panic(ErrInvalidState)
		}

		mr := jr.master
		mr.Status = StatusReady
		mr.NextFreeSector = 0

		err = jr.persistMaster(mr)
		log.PanicIf(err)

		return nil
	}

	if jr.master.Status != StatusOpen {
		log.Panic(ErrInvalidState)
	}

	jr.checkAbort(abortBeforeCommitStatus)

	mr := jr.master
	mr.Status = StatusCommit

	err = jr.persistMaster(mr)
	log.PanicIf(err)

	jr.checkAbort(abortAfterCommitStatus)

	err = jr.replay()
	log.PanicIf(err)

	return nil
}

// replay applies every buffered entry to its target range (erase, then
// write), then resets the master as its very last step. Re-running the same
// replay after an interruption re-applies the same bytes to the same
// addresses, so the whole procedure is idempotent. Expects the mutex to be
// held.
func (jr *Journal) replay() (err error) {
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

	sectorSize := uint64(jr.device.SectorSize())
	fsSectors := jr.store.StoreOffsetSector()

	visitor := func(storeSector uint32, oh OperationHeader, data []byte) (doContinue bool, err error) {
		defer func() {
			if errRaw := recover(); errRaw != nil {
				err = log.Wrap(errRaw.(error))
			}
		}()

		if oh.TargetSector+oh.SectorCount > fsSectors {
			log.Panic(ErrInvalidArgument)
		}

		offset := uint64(oh.TargetSector) * sectorSize

		err = jr.device.EraseRange(offset, uint64(len(data)))
		log.PanicIf(err)

		jr.checkAbort(abortAfterTargetErase)

		err = jr.device.Write(offset, data)
		log.PanicIf(err)

		return true, nil
	}

	err = jr.store.EnumerateOperations(jr.master.NextFreeSector, visitor)
	log.PanicIf(err)

	jr.checkAbort(abortBeforeMasterReset)

	mr := jr.master
	mr.Status = StatusReady
	mr.NextFreeSector = 0

	err = jr.persistMaster(mr)
	log.PanicIf(err)

	return nil
}

// Recover resolves whatever transaction state the persisted master carries:
// READY needs nothing, OPEN is discarded (the transaction was never
// committed), COMMIT re-runs the replay to completion.
func (jr *Journal) Recover() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	jr.mutex.Lock()
	defer jr.mutex.Unlock()

	err = jr.recoverCurrent()
	log.PanicIf(err)

	return nil
}

func (jr *Journal) recoverCurrent() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	switch jr.master.Status {
	case StatusReady, StatusInit:
		return nil

	case StatusOpen:
		// Never committed. Discard without touching any target sector; the
		// caller is not told.
		jrnlLogger.Debugf(nil, "Discarding uncommitted transaction of (%d) store sectors.", jr.master.NextFreeSector)

		mr := jr.master
		mr.Status = StatusReady
		mr.NextFreeSector = 0

		err = jr.persistMaster(mr)
		log.PanicIf(err)

		return nil

	case StatusCommit:
		err = jr.replay()
		log.PanicIf(err)

		return nil
	}

	log.Panic(ErrInvalidState)
	return nil
}

// SetDirectIO brackets the filesystem's own format operations: on=true moves
// the instance into the passthrough state, on=false back to READY. Legal only
// when no transaction is active.
func (jr *Journal) SetDirectIO(on bool) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	jr.mutex.Lock()
	defer jr.mutex.Unlock()

	if jr.master.Status != StatusInit && jr.master.Status != StatusReady {
		log.Panic(ErrInvalidState)
	}

	mr := jr.master

	if on == true {
		mr.Status = StatusInit
	} else {
		mr.Status = StatusReady
	}

	err = jr.persistMaster(mr)
	log.PanicIf(err)

	return nil
}

// Read is a bounds-checked passthrough to the device. The store is write-only
// with respect to the outside world: readers only ever see the filesystem
// area, which reflects the last successfully replayed transaction.
func (jr *Journal) Read(targetSector uint32, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	sectorSize := uint64(jr.device.SectorSize())

	if data == nil || len(data) == 0 || uint64(len(data))%sectorSize != 0 {
		log.Panic(ErrInvalidArgument)
	}

	count := uint32(uint64(len(data)) / sectorSize)

	if targetSector+count > jr.store.StoreOffsetSector() {
		log.Panic(ErrInvalidArgument)
	}

	err = jr.device.Read(uint64(targetSector)*sectorSize, data)
	log.PanicIf(err)

	return nil
}
