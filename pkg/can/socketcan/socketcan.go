package socketcan

import (
	"github.com/brutella/can"

	updater "github.com/PAE-HP-TARDOR-2025/firmware-updater"
	drivers "github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/can"
)

func init() {
	drivers.RegisterInterface("socketcan", NewSocketCanBus)
	drivers.RegisterInterface("can", NewSocketCanBus)
}

// Basic wrapper for socketcan, using the implementation from brutella/can.
// Adding a custom driver is possible by implementing the Bus interface
type Bus struct {
	bus          *can.Bus
	frameHandler updater.FrameListener
}

func NewSocketCanBus(name string) (updater.Bus, error) {
	bus, err := can.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &Bus{bus: bus}, nil
}

// "Connect" implementation of Bus interface
func (socketcan *Bus) Connect(...any) error {
	go socketcan.bus.ConnectAndPublish()
	return nil
}

// "Disconnect" implementation of Bus interface
func (socketcan *Bus) Disconnect() error {
	return socketcan.bus.Disconnect()
}

// "Send" implementation of Bus interface
func (socketcan *Bus) Send(frame updater.Frame) error {
	return socketcan.bus.Publish(
		can.Frame{
			ID:     frame.ID,
			Length: frame.DLC,
			Flags:  frame.Flags,
			Res0:   0,
			Res1:   0,
			Data:   frame.Data,
		})
}

// "Subscribe" implementation of Bus interface
func (socketcan *Bus) Subscribe(framehandler updater.FrameListener) error {
	socketcan.frameHandler = framehandler
	// brutella/can defines a "Handle" interface for handling received CAN frames
	socketcan.bus.Subscribe(socketcan)
	return nil
}

// brutella/can specific "Handle" implementation
func (socketcan *Bus) Handle(frame can.Frame) {
	socketcan.frameHandler.Handle(updater.Frame{
		ID:    frame.ID,
		DLC:   frame.Length,
		Flags: frame.Flags,
		Data:  frame.Data,
	})
}
