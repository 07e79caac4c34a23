package updater

import (
	"log/slog"
	"sync"
)

type subscriber struct {
	id       uint64
	callback FrameListener
}

// BusManager is a wrapper around the CAN bus interface.
// It dispatches received frames to the services that subscribed to a
// specific CAN id (SDO client, SDO server, ...).
type BusManager struct {
	logger *slog.Logger
	mu     sync.Mutex
	bus    Bus
	// CAN id indexed subscribers
	listeners [MaxCanId + 1][]subscriber
	nextSubId uint64
}

func NewBusManager(logger *slog.Logger, bus Bus) *BusManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusManager{logger: logger.With("service", "[BUS]"), bus: bus}
}

// Implements the FrameListener interface.
// This handles all received CAN frames from Bus.
// Subscriber callbacks should not be blocking !
func (bm *BusManager) Handle(frame Frame) {
	canId := frame.ID & CanSffMask
	if canId > MaxCanId {
		return
	}
	bm.mu.Lock()
	listeners := bm.listeners[canId]
	bm.mu.Unlock()

	for _, sub := range listeners {
		sub.callback.Handle(frame)
	}
}

func (bm *BusManager) SetBus(bus Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Send a CAN message on the bus
func (bm *BusManager) Send(frame Frame) error {
	err := bm.bus.Send(frame)
	if err != nil {
		bm.logger.Warn("error sending frame", "err", err)
	}
	return err
}

// Subscribe to a specific CAN ID
// Returns a cancel func to remove the subscription
func (bm *BusManager) Subscribe(ident uint32, mask uint32, callback FrameListener) (cancel func(), err error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	idx := ident & mask
	if idx > MaxCanId {
		return nil, ErrIllegalArgument
	}

	bm.nextSubId++
	subId := bm.nextSubId
	bm.listeners[idx] = append(bm.listeners[idx], subscriber{id: subId, callback: callback})

	cancel = func() {
		bm.mu.Lock()
		defer bm.mu.Unlock()
		subs := bm.listeners[idx]
		for i, sub := range subs {
			if sub.id == subId {
				bm.listeners[idx] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	return cancel, nil
}
