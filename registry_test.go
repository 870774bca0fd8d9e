package jrnl

import (
	"bytes"
	"testing"

	"github.com/dsoprea/go-logging"
)

func mountTestHandle() (mbd *MemoryBlockDevice, handle int) {
	mbd = newTestDevice()

	handle, err := Mount(mbd, defaultTestConfig())
	log.PanicIf(err)

	err = SetDirectIO(handle, false)
	log.PanicIf(err)

	return mbd, handle
}

func TestMountUnmount(t *testing.T) {
	_, handle := mountTestHandle()

	defer Unmount(handle)

	if handle < 0 || handle >= maxHandles {
		t.Fatalf("Handle out of range: (%d)", handle)
	}

	jr, err := ByHandle(handle)
	log.PanicIf(err)

	if jr == nil {
		t.Fatalf("Registered instance not resolvable.")
	}

	err = Unmount(handle)
	log.PanicIf(err)

	_, err = ByHandle(handle)
	if err == nil {
		t.Fatalf("Expected an unmounted handle to be unresolvable.")
	} else if log.Is(err, ErrNotFound) != true {
		t.Fatalf("Expected not-found error: [%s]", err)
	}

	err = Unmount(handle)
	if err == nil {
		t.Fatalf("Expected a second unmount to fail.")
	} else if log.Is(err, ErrNotFound) != true {
		t.Fatalf("Expected not-found error: [%s]", err)
	}
}

func TestHandleValidation(t *testing.T) {
	_, err := ByHandle(InvalidHandle)
	if err == nil {
		t.Fatalf("Expected the reserved handle to be rejected.")
	} else if log.Is(err, ErrInvalidArgument) != true {
		t.Fatalf("Expected invalid-argument error: [%s]", err)
	}

	_, err = ByHandle(maxHandles)
	if err == nil {
		t.Fatalf("Expected an out-of-range handle to be rejected.")
	} else if log.Is(err, ErrInvalidArgument) != true {
		t.Fatalf("Expected invalid-argument error: [%s]", err)
	}

	err = TransactionBegin(InvalidHandle)
	if err == nil {
		t.Fatalf("Expected the reserved handle to be rejected.")
	}
}

func TestRegistryExhaustion(t *testing.T) {
	handles := make([]int, 0, maxHandles)

	defer func() {
		for _, handle := range handles {
			Unmount(handle)
		}
	}()

	for i := 0; i < maxHandles; i++ {
		handle, err := Mount(newTestDevice(), defaultTestConfig())
		log.PanicIf(err)

		handles = append(handles, handle)
	}

	_, err := Mount(newTestDevice(), defaultTestConfig())
	if err == nil {
		t.Fatalf("Expected the registry to be full.")
	} else if log.Is(err, ErrNoMemory) != true {
		t.Fatalf("Expected no-space error: [%s]", err)
	}
}

func TestLowestFreeSlotReuse(t *testing.T) {
	_, first := mountTestHandle()
	_, second := mountTestHandle()

	defer Unmount(second)

	err := Unmount(first)
	log.PanicIf(err)

	reused, err := Mount(newTestDevice(), defaultTestConfig())
	log.PanicIf(err)

	defer Unmount(reused)

	if reused != first {
		t.Fatalf("Lowest free slot not reused: (%d) != (%d)", reused, first)
	}
}

func TestHandleApi_EndToEnd(t *testing.T) {
	_, handle := mountTestHandle()

	defer Unmount(handle)

	count, err := SectorCount(handle)
	log.PanicIf(err)

	if count != testTotalSectors-testStoreSectors {
		t.Fatalf("Reduced sector-count not correct: (%d)", count)
	}

	sectorSize, err := SectorSize(handle)
	log.PanicIf(err)

	if sectorSize != testSectorSize {
		t.Fatalf("Sector-size not correct: (%d)", sectorSize)
	}

	payload := fillTestSectors(1, 0x31)

	err = TransactionBegin(handle)
	log.PanicIf(err)

	err = WriteSectors(handle, 20, payload)
	log.PanicIf(err)

	err = TransactionEnd(handle, true)
	log.PanicIf(err)

	data := make([]byte, testSectorSize)

	err = ReadSectors(handle, 20, data)
	log.PanicIf(err)

	if bytes.Equal(data, payload) != true {
		t.Fatalf("Committed data not readable through the handle.")
	}
}
