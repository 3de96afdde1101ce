//go:build !linux

package led

import "fmt"

func openGPIO(pin int) (output, error) {
	return nil, fmt.Errorf("led: gpio unsupported on this platform")
}
