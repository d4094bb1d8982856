package sdspi

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestCommandEncode(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{"CMD0 reset", cmd0(), "400000000095"},
		{"CMD8 interface condition", cmd8(), "48000001AA87"},
		{"CMD9 send CSD", cmd9(), "490000000001"},
		{"CMD10 send CID", cmd10(), "4A0000000001"},
		{"CMD13 send status", cmd13(), "4D0000000001"},
		{"CMD16 block length", cmd16(), "500000020001"},
		{"CMD17 read block", cmd17(0xDEADBEEF), "51DEADBEEF01"},
		{"CMD18 read multiple", Command{Index: cmdReadMultipleBlock}, "520000000001"},
		{"CMD24 write block", cmd24(0x00000200), "580000020001"},
		{"CMD25 write multiple", Command{Index: cmdWriteMultipleBlock}, "590000000001"},
		{"CMD55 app command", cmd55(), "770000000001"},
		{"ACMD41 op condition", acmd41(), "694000000001"},
		{"CMD58 read OCR", cmd58(), "7A0000000001"},
		{"index masked to 6 bits", Command{Index: 0xFF, CRC: 0x94}, "7F0000000095"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := tt.cmd.Encode()
			got := strings.ToUpper(hex.EncodeToString(frame[:]))
			if got != tt.want {
				t.Errorf("Encode() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResponseTrailing(t *testing.T) {
	tests := []struct {
		r    Response
		want int
	}{
		{R1, 0},
		{R1b, 0},
		{R2, 1},
		{R3, 4},
		{R7, 4},
	}
	for _, tt := range tests {
		if got := tt.r.trailing(); got != tt.want {
			t.Errorf("Response(%d).trailing() = %d, want %d", tt.r, got, tt.want)
		}
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		s    Status
		want string
	}{
		{StatusReady, "00000000"},
		{StatusIdle, "00000001 IDLE"},
		{Status(0x05), "00000101 ILLEGAL,IDLE"},
		{Status(0x68), "01101000 PARAM,ADDR,CRC"},
		{NoResponse, "no response"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Status(%#02x).String() = %q, want %q", byte(tt.s), got, tt.want)
		}
	}
}

func TestDataResponse(t *testing.T) {
	tests := []struct {
		b    byte
		want string
	}{
		{0xE5, "accepted"},
		{0x05, "accepted"},
		{0xEB, "CRC error"},
		{0xED, "write error"},
		{0x1F, "invalid token 0x1f"},
	}
	for _, tt := range tests {
		if got := dataResponse(tt.b); got != tt.want {
			t.Errorf("dataResponse(%#02x) = %q, want %q", tt.b, got, tt.want)
		}
	}
}
