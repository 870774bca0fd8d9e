package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-jrnl"
)

type rootParameters struct {
	Filepath         string `short:"f" long:"filepath" description:"File-path of journal image" required:"true"`
	SectorSize       uint32 `short:"s" long:"sector-size" description:"Sector-size of the image" default:"4096"`
	StoreSizeSectors uint32 `short:"n" long:"store-sectors" description:"Size of the reserved store region, in sectors" required:"true"`
	Overwrite        bool   `short:"o" long:"overwrite" description:"Discard the on-disk store instead of recovering it (destructive)"`
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

	f, err := os.OpenFile(rootArguments.Filepath, os.O_RDWR, 0)
	log.PanicIf(err)

	defer f.Close()

	device, err := jrnl.NewFileBlockDevice(f, rootArguments.SectorSize)
	log.PanicIf(err)

	before, err := jrnl.ReadMasterFromDevice(device)
	log.PanicIf(err)

	if before.IsStore() == true {
		fmt.Printf("Persisted status before recovery: [%s]\n", before.Status)
	} else {
		fmt.Printf("No journal store on this image; one will be created.\n")
	}

	jr, err := jrnl.NewJournal(device, jrnl.MountConfig{
		StoreSizeSectors:  rootArguments.StoreSizeSectors,
		OverwriteExisting: rootArguments.Overwrite,
		ReplayAfterMount:  true,
	})
	log.PanicIf(err)

	err = jr.SetDirectIO(false)
	log.PanicIf(err)

	fmt.Printf("Recovery complete.\n")
	fmt.Printf("\n")

	jr.Master().Dump()
}
