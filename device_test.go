package jrnl

import (
	"bytes"
	"io/ioutil"
	"os"
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestMemoryBlockDevice_Lifecycle(t *testing.T) {
	mbd := newTestDevice()

	if mbd.SectorSize() != testSectorSize {
		t.Fatalf("Sector-size not correct: (%d)", mbd.SectorSize())
	} else if mbd.TotalSize() != uint64(testTotalSectors)*testSectorSize {
		t.Fatalf("Total-size not correct: (%d)", mbd.TotalSize())
	}

	// A fresh device reads back erased.

	data := make([]byte, testSectorSize)

	err := mbd.Read(0, data)
	log.PanicIf(err)

	if isErased(data) != true {
		t.Fatalf("Fresh device not erased.")
	}

	payload := fillTestSectors(1, 0x5a)

	err = mbd.EraseRange(3*testSectorSize, testSectorSize)
	log.PanicIf(err)

	err = mbd.Write(3*testSectorSize, payload)
	log.PanicIf(err)

	err = mbd.Read(3*testSectorSize, data)
	log.PanicIf(err)

	if bytes.Equal(data, payload) != true {
		t.Fatalf("Read did not return written data.")
	}

	err = mbd.EraseRange(3*testSectorSize, testSectorSize)
	log.PanicIf(err)

	err = mbd.Read(3*testSectorSize, data)
	log.PanicIf(err)

	if isErased(data) != true {
		t.Fatalf("Erase did not reset the sector.")
	}
}

func TestMemoryBlockDevice_Unaligned(t *testing.T) {
	mbd := newTestDevice()

	err := mbd.Read(100, make([]byte, testSectorSize))
	if err == nil {
		t.Fatalf("Expected unaligned read to fail.")
	}

	err = mbd.Write(0, make([]byte, 100))
	if err == nil {
		t.Fatalf("Expected unaligned write to fail.")
	}
}

func TestMemoryBlockDevice_OutOfRange(t *testing.T) {
	mbd := newTestDevice()

	err := mbd.Read(uint64(testTotalSectors)*testSectorSize, make([]byte, testSectorSize))
	if err == nil {
		t.Fatalf("Expected out-of-range read to fail.")
	} else if log.Is(err, ErrInvalidArgument) != true {
		t.Fatalf("Expected invalid-argument error: [%s]", err)
	}
}

func TestNewMemoryBlockDevice_BadGeometry(t *testing.T) {
	_, err := NewMemoryBlockDevice(testSectorSize*4+100, testSectorSize)
	if err == nil {
		t.Fatalf("Expected bad geometry to fail.")
	}

	_, err = NewMemoryBlockDevice(1024, 256)
	if err == nil {
		t.Fatalf("Expected undersized sector to fail.")
	}
}

func TestFileBlockDevice_Lifecycle(t *testing.T) {
	f, err := ioutil.TempFile("", "jrnl_device_test")
	log.PanicIf(err)

	defer os.Remove(f.Name())
	defer f.Close()

	err = f.Truncate(int64(testTotalSectors) * testSectorSize)
	log.PanicIf(err)

	fbd, err := NewFileBlockDevice(f, testSectorSize)
	log.PanicIf(err)

	if fbd.TotalSize() != uint64(testTotalSectors)*testSectorSize {
		t.Fatalf("Total-size not correct: (%d)", fbd.TotalSize())
	}

	payload := fillTestSectors(2, 0xc3)

	err = fbd.EraseRange(5*testSectorSize, 2*testSectorSize)
	log.PanicIf(err)

	err = fbd.Write(5*testSectorSize, payload)
	log.PanicIf(err)

	data := make([]byte, 2*testSectorSize)

	err = fbd.Read(5*testSectorSize, data)
	log.PanicIf(err)

	if bytes.Equal(data, payload) != true {
		t.Fatalf("Read did not return written data.")
	}

	err = fbd.EraseRange(5*testSectorSize, testSectorSize)
	log.PanicIf(err)

	err = fbd.Read(5*testSectorSize, data[:testSectorSize])
	log.PanicIf(err)

	if isErased(data[:testSectorSize]) != true {
		t.Fatalf("Erase did not reset the sector.")
	}
}

func TestNewFileBlockDevice_BadSize(t *testing.T) {
	f, err := ioutil.TempFile("", "jrnl_device_test")
	log.PanicIf(err)

	defer os.Remove(f.Name())
	defer f.Close()

	err = f.Truncate(100)
	log.PanicIf(err)

	_, err = NewFileBlockDevice(f, testSectorSize)
	if err == nil {
		t.Fatalf("Expected non-sector-multiple file to fail.")
	}
}

func TestJournalOnFileBlockDevice(t *testing.T) {
	f, err := ioutil.TempFile("", "jrnl_device_test")
	log.PanicIf(err)

	defer os.Remove(f.Name())
	defer f.Close()

	err = f.Truncate(int64(testTotalSectors) * testSectorSize)
	log.PanicIf(err)

	fbd, err := NewFileBlockDevice(f, testSectorSize)
	log.PanicIf(err)

	jr, err := NewJournal(fbd, defaultTestConfig())
	log.PanicIf(err)

	err = jr.SetDirectIO(false)
	log.PanicIf(err)

	payload := fillTestSectors(1, 0x77)

	err = jr.Begin()
	log.PanicIf(err)

	err = jr.Write(20, payload)
	log.PanicIf(err)

	err = jr.End(true)
	log.PanicIf(err)

	data := make([]byte, testSectorSize)

	err = jr.Read(20, data)
	log.PanicIf(err)

	if bytes.Equal(data, payload) != true {
		t.Fatalf("Committed data not visible on the file device.")
	}
}
