// Package sdspi drives an SD card in SPI mode: command framing, R1 status
// polling, the power-up initialization handshake and 512-byte single block
// transfers.
//
// # References:
//
// SD Association (https://www.sdcard.org/downloads/pls/)
//   - [SD-PLS]: Physical Layer Simplified Specification Version 9.10
//   - [SD-PLS|7.2 SPI Bus Protocol]
//   - [SD-PLS|7.3.1.3 Detailed Command Description]
//   - [SD-PLS|7.3.3 Control Tokens]
//   - [SD-PLS|5.1 OCR register], [SD-PLS|5.2 CID register], [SD-PLS|5.3 CSD Register]
//
// FTDI (https://ftdichip.com/document/application-notes/)
//   - [FTDI-AN_114]: Interfacing FT2232H Hi-Speed Devices To SPI Bus (https://ftdichip.com/wp-content/uploads/2020/08/AN_114_FTDI_Hi_Speed_USB_To_SPI_Example.pdf)
//   - [FTDI-AN_135]: FTDI MPSSE Basics (https://ftdichip.com/wp-content/uploads/2020/08/AN_135_MPSSE_Basics.pdf)
//
// The driver holds no lock. A Card must be used by one goroutine at a time;
// callers sharing a card wrap it in their own mutex.
package sdspi
