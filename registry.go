// This file keeps the process-wide table of mounted journal instances. Other
// components identify a device by a small integer handle; the table is the
// only global state and it initialises lazily on first mount.

package jrnl

import (
	"sync"

	"github.com/dsoprea/go-logging"
)

const (
	// maxHandles bounds the number of simultaneously-mounted instances.
	maxHandles = 8
)

// InvalidHandle is the reserved out-of-band handle value.
const InvalidHandle = -1

var (
	registry      [maxHandles]*Journal
	registryMutex sync.Mutex
)

// Mount runs the journal mount sequence on the device and registers the
// instance in the lowest free slot, returning its handle. Fails with
// ErrNoMemory when the table is full.
func Mount(device BlockDevice, config MountConfig) (handle int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	jr, err := NewJournal(device, config)
	log.PanicIf(err)

	registryMutex.Lock()
	defer registryMutex.Unlock()

	for i := 0; i < maxHandles; i++ {
		if registry[i] == nil {
			registry[i] = jr
			return i, nil
		}
	}

	log.Panic(ErrNoMemory)
	return InvalidHandle, nil
}

// Unmount removes the instance from the table. The underlying device stays
// open; it belongs to the caller.
func Unmount(handle int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	registryMutex.Lock()
	defer registryMutex.Unlock()

	if handle < 0 || handle >= maxHandles {
		log.Panic(ErrInvalidArgument)
	}

	if registry[handle] == nil {
		log.Panic(ErrNotFound)
	}

	registry[handle] = nil

	return nil
}

// ByHandle resolves a handle to its registered instance.
func ByHandle(handle int) (jr *Journal, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	registryMutex.Lock()
	defer registryMutex.Unlock()

	if handle < 0 || handle >= maxHandles {
		log.Panic(ErrInvalidArgument)
	}

	jr = registry[handle]
	if jr == nil {
		log.Panic(ErrNotFound)
	}

	return jr, nil
}

// TransactionBegin opens a transaction on the instance behind the handle.
func TransactionBegin(handle int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	jr, err := ByHandle(handle)
	log.PanicIf(err)

	err = jr.Begin()
	log.PanicIf(err)

	return nil
}

// TransactionEnd commits or cancels the open transaction on the instance
// behind the handle.
func TransactionEnd(handle int, commit bool) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	jr, err := ByHandle(handle)
	log.PanicIf(err)

	err = jr.End(commit)
	log.PanicIf(err)

	return nil
}

// WriteSectors routes one block-write through the instance behind the handle.
func WriteSectors(handle int, targetSector uint32, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	jr, err := ByHandle(handle)
	log.PanicIf(err)

	err = jr.Write(targetSector, data)
	log.PanicIf(err)

	return nil
}

// ReadSectors reads from the filesystem area of the instance behind the
// handle.
func ReadSectors(handle int, targetSector uint32, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	jr, err := ByHandle(handle)
	log.PanicIf(err)

	err = jr.Read(targetSector, data)
	log.PanicIf(err)

	return nil
}

// SetDirectIO toggles the format passthrough on the instance behind the
// handle.
func SetDirectIO(handle int, on bool) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	jr, err := ByHandle(handle)
	log.PanicIf(err)

	err = jr.SetDirectIO(on)
	log.PanicIf(err)

	return nil
}

// SectorCount returns the sector count the filesystem should use as its disk
// size: the device's count reduced by the store reservation.
func SectorCount(handle int) (count uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	jr, err := ByHandle(handle)
	log.PanicIf(err)

	return jr.SectorCount(), nil
}

// SectorSize returns the sector-size of the device behind the handle.
func SectorSize(handle int) (sectorSize uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	jr, err := ByHandle(handle)
	log.PanicIf(err)

	return jr.SectorSize(), nil
}
