package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-jrnl"
)

type rootParameters struct {
	Filepath   string `short:"f" long:"filepath" description:"File-path of journal image" required:"true"`
	SectorSize uint32 `short:"s" long:"sector-size" description:"Sector-size of the image" default:"4096"`
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
}
