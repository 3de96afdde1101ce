//go:build !linux

package link

import (
	"io"

	"go.bug.st/serial"
)

func openSerial(path string, baud int) (io.ReadCloser, error) {
	return serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}
