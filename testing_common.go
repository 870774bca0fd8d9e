package jrnl

import (
	"github.com/dsoprea/go-logging"
)

const (
	testSectorSize   = 4096
	testStoreSectors = 16
	testTotalSectors = 64
)

func newTestDevice() *MemoryBlockDevice {
	mbd, err := NewMemoryBlockDevice(uint64(testTotalSectors)*testSectorSize, testSectorSize)
	log.PanicIf(err)

	return mbd
}

func defaultTestConfig() MountConfig {
	return MountConfig{
		StoreSizeSectors: testStoreSectors,
	}
}

// newTestJournal mounts a journal on a fresh device and moves it out of the
// direct-I/O state so transactions can be opened immediately.
func newTestJournal() (mbd *MemoryBlockDevice, jr *Journal) {
	mbd = newTestDevice()

	jr, err := NewJournal(mbd, defaultTestConfig())
	log.PanicIf(err)

	err = jr.SetDirectIO(false)
	log.PanicIf(err)

	return mbd, jr
}

func fillTestSectors(count int, c byte) []byte {
	data := make([]byte, count*testSectorSize)
	for i := range data {
		data[i] = c
	}

	return data
}

// clonedTestDevice duplicates the full contents of a device into a new in-
// memory one.
func clonedTestDevice(device BlockDevice) *MemoryBlockDevice {
	mbd, err := NewMemoryBlockDevice(device.TotalSize(), device.SectorSize())
	log.PanicIf(err)

	data := make([]byte, device.TotalSize())

	err = device.Read(0, data)
	log.PanicIf(err)

	err = mbd.Write(0, data)
	log.PanicIf(err)

	return mbd
}

func readTestMaster(device BlockDevice) MasterRecord {
	store, err := NewStore(device, testStoreSectors)
	log.PanicIf(err)

	mr, err := store.ReadMaster()
	log.PanicIf(err)

	return mr
}

func readFsSector(device BlockDevice, targetSector uint32) []byte {
	data := make([]byte, device.SectorSize())

	err := device.Read(uint64(targetSector)*uint64(device.SectorSize()), data)
	log.PanicIf(err)

	return data
}
