package loopback

import (
	"errors"
	"sync"

	updater "github.com/PAE-HP-TARDOR-2025/firmware-updater"
	drivers "github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/can"
)

// In-memory CAN bus used for tests and simulations : endpoints opened from
// the same [Broker] exchange frames without touching a real interface.
// Frames are delivered on a dedicated goroutine per endpoint so subscriber
// callbacks never run on the sender's goroutine.

func init() {
	drivers.RegisterInterface("loopback", func(channel string) (updater.Bus, error) {
		return defaultBroker.NewEndpoint(), nil
	})
}

var defaultBroker = NewBroker()

var ErrClosed = errors.New("loopback bus is closed")

type Broker struct {
	mu        sync.Mutex
	closed    bool
	endpoints map[*Endpoint]struct{}
}

func NewBroker() *Broker {
	return &Broker{endpoints: make(map[*Endpoint]struct{})}
}

// NewEndpoint creates a new endpoint attached to the broker
func (b *Broker) NewEndpoint() *Endpoint {
	ep := &Endpoint{
		broker: b,
		rx:     make(chan updater.Frame, 255),
		stop:   make(chan struct{}),
	}
	b.mu.Lock()
	b.endpoints[ep] = struct{}{}
	b.mu.Unlock()
	return ep
}

// broadcast delivers a frame to every endpoint except the sender
func (b *Broker) broadcast(frame updater.Frame, sender *Endpoint) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	targets := make([]*Endpoint, 0, len(b.endpoints))
	for ep := range b.endpoints {
		if ep != sender {
			targets = append(targets, ep)
		}
	}
	b.mu.Unlock()

	for _, t := range targets {
		select {
		case t.rx <- frame:
		default:
			// Receiver queue full, frame dropped like on a saturated bus
		}
	}
	return nil
}

func (b *Broker) remove(ep *Endpoint) {
	b.mu.Lock()
	delete(b.endpoints, ep)
	b.mu.Unlock()
}

// Endpoint is one connection to the loopback bus, implementing the Bus
// interface
type Endpoint struct {
	broker       *Broker
	mu           sync.Mutex
	rx           chan updater.Frame
	stop         chan struct{}
	frameHandler updater.FrameListener
	running      bool
}

// "Connect" implementation of Bus interface
func (ep *Endpoint) Connect(...any) error {
	return nil
}

// "Disconnect" implementation of Bus interface
func (ep *Endpoint) Disconnect() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.running {
		close(ep.stop)
		ep.running = false
	}
	ep.broker.remove(ep)
	return nil
}

// "Send" implementation of Bus interface
func (ep *Endpoint) Send(frame updater.Frame) error {
	return ep.broker.broadcast(frame, ep)
}

// "Subscribe" implementation of Bus interface
func (ep *Endpoint) Subscribe(framehandler updater.FrameListener) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.frameHandler = framehandler
	if ep.running {
		return nil
	}
	ep.running = true
	go ep.handleReception()
	return nil
}

func (ep *Endpoint) handleReception() {
	for {
		select {
		case <-ep.stop:
			return
		case frame := <-ep.rx:
			ep.mu.Lock()
			handler := ep.frameHandler
			ep.mu.Unlock()
			if handler != nil {
				handler.Handle(frame)
			}
		}
	}
}
