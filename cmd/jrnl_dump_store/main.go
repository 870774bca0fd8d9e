package main

import (
	"fmt"
	"os"

	"encoding/hex"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-jrnl"
)

type rootParameters struct {
	Filepath   string `short:"f" long:"filepath" description:"File-path of journal image" required:"true"`
	SectorSize uint32 `short:"s" long:"sector-size" description:"Sector-size of the image" default:"4096"`
	ShowDetail bool   `short:"d" long:"detail" description:"Show header detail and a payload excerpt"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	f, err := os.Open(rootArguments.Filepath)
	log.PanicIf(err)

	defer f.Close()

	device, err := jrnl.NewFileBlockDevice(f, rootArguments.SectorSize)
	log.PanicIf(err)

	mr, err := jrnl.ReadMasterFromDevice(device)
	log.PanicIf(err)

	if mr.IsStore() != true {
		fmt.Printf("No journal store on this image (magic is (0x%08x)).\n", mr.Magic)
		os.Exit(2)
	}

	mr.Dump()

	if mr.NextFreeSector == 0 {
		fmt.Printf("No buffered operations.\n")
		return
	}

	store, err := jrnl.NewStore(device, mr.StoreSizeSectors)
	log.PanicIf(err)

	operationNumber := 0

	cb := func(storeSector uint32, oh jrnl.OperationHeader, data []byte) (doContinue bool, err error) {
		defer func() {
			if errRaw := recover(); errRaw != nil {
				err = log.Wrap(errRaw.(error))
			}
		}()

		if rootArguments.ShowDetail == true {
			fmt.Printf("## Operation %d (store sector %d)\n", operationNumber, storeSector)
			fmt.Printf("\n")

			oh.Dump()

			fmt.Printf("Payload (first 64 bytes):\n")
			fmt.Printf("\n")
			fmt.Printf("%s\n", hex.Dump(data[:64]))
		} else {
			fmt.Printf("%4d %10d -> %-10d %15s\n", operationNumber, storeSector, oh.TargetSector, humanize.Comma(int64(len(data))))
		}

		operationNumber++

		return true, nil
	}

	err = store.EnumerateOperations(mr.NextFreeSector, cb)
	log.PanicIf(err)

	fmt.Printf("\n")
	fmt.Printf("(%d) operations buffered.\n", operationNumber)
}
