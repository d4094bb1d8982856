package main

import (
	"fmt"

	"periph.io/x/host/v3/ftdi"
)

func infoCommand(cfg config) {
	t := open(cfg)
	defer t.Close()
	c := t.card

	fmt.Printf("OCR:             %#08x\n", c.OCR())
	fmt.Printf("High capacity:   %t\n", c.HighCapacity())

	csd, err := c.ReadCSD()
	if err != nil {
		fatalf("read CSD failed: %v", err)
	}
	fmt.Printf("CSD:             %s\n", csd)

	cid, err := c.ReadCID()
	if err != nil {
		fatalf("read CID failed: %v", err)
	}
	major, minor := cid.Revision()
	year, month := cid.Manufactured()
	fmt.Printf("Manufacturer:    %#02x %s\n", cid.ManufacturerID(), cid.Manufacturer())
	fmt.Printf("OEM:             %s\n", cid.OEMID())
	fmt.Printf("Product:         %s\n", cid.ProductName())
	fmt.Printf("Revision:        %d.%d\n", major, minor)
	fmt.Printf("Serial:          %08X\n", cid.Serial())
	fmt.Printf("Manufactured:    %04d-%02d\n", year, month)

	r1, r2, err := c.Status()
	if err != nil {
		fatalf("send status failed: %v", err)
	}
	fmt.Printf("Status:          %s %08b\n", r1, r2)

	if t.ftdi == nil {
		return
	}

	// Reference: https://github.com/periph/cmd/tree/main/ftdi-list
	i := ftdi.Info{}
	t.ftdi.Info(&i)
	fmt.Printf("Adapter:         %s %#04x:%#04x\n", i.Type, i.VenID, i.DevID)
	ee := ftdi.EEPROM{}
	if err := t.ftdi.EEPROM(&ee); err != nil {
		fatalf("failed to read EEPROM: %v", err)
	}
	fmt.Printf("Adapter serial:  %s\n", ee.Serial)
}
