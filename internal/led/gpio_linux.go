//go:build linux

package led

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// openGPIO requests BCM GPIO pin as an output, initially low, through the
// GPIO character device.
func openGPIO(pin int) (output, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("led: invalid gpio pin %d", pin)
	}

	// Pi kernels name header lines "GPIO17"; other boards may not name
	// them at all, in which case the pin is taken as an offset on gpiochip0.
	name := fmt.Sprintf("GPIO%d", pin)
	chip, offset, err := gpiocdev.FindLine(name)
	if err != nil {
		chip, offset = "gpiochip0", pin
	}

	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("zephirus-bridge-led"))
	if err != nil {
		return nil, fmt.Errorf("led: request %s (%s:%d): %w", name, chip, offset, err)
	}
	return line, nil
}
