package can

import (
	"fmt"

	updater "github.com/PAE-HP-TARDOR-2025/firmware-updater"
)

type NewInterfaceFunc func(channel string) (updater.Bus, error)

var interfaceRegistry = make(map[string]NewInterfaceFunc)

// Register a new CAN bus interface type
// This should be called inside an init() function of the driver package
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	interfaceRegistry[interfaceType] = newInterface
}

// Create a new CAN bus with given interface
// Currently supported : socketcan, loopback
func NewBus(canInterface string, channel string, bitrate int) (updater.Bus, error) {
	createInterface, ok := interfaceRegistry[canInterface]
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v", canInterface)
	}
	return createInterface(channel)
}
