package sdo

import (
	"encoding/binary"
	"log/slog"
	"sync"

	updater "github.com/PAE-HP-TARDOR-2025/firmware-updater"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/internal/fifo"
)

// Client is an SDO client restricted to the download (master writes slave)
// direction : the firmware transfer protocol only ever pushes data to the
// installer. The caller drives one transfer at a time with
// [Client.DownloadInitiate], [Client.DownloadBufWrite] and a
// [Client.DownloadPoll] loop.
type Client struct {
	*updater.BusManager
	logger              *slog.Logger
	mu                  sync.Mutex
	nodeId              uint8
	nodeIdServer        uint8
	cobIdClientToServer uint32
	cobIdServerToClient uint32
	cancelSubscription  func()
	valid               bool
	txBuffer            updater.Frame
	fifo                *fifo.Fifo
	index               uint16
	subindex            uint8
	sizeIndicated       uint32
	sizeTransferred     uint32
	finished            bool
	toggle              uint8
	state               internalState
	timeoutTimeUs       uint32
	timeoutTimer        uint32
	rxNew               bool
	response            Message
}

func NewClient(bm *updater.BusManager, logger *slog.Logger, nodeId uint8, timeoutUs uint32) (*Client, error) {
	if bm == nil {
		return nil, updater.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeoutUs == 0 {
		timeoutUs = DefaultTimeoutUs
	}
	client := &Client{BusManager: bm}
	client.logger = logger.With("service", "[CLIENT]")
	client.nodeId = nodeId
	client.timeoutTimeUs = timeoutUs
	client.fifo = fifo.NewFifo(ClientBufferSize)
	client.state = stateIdle
	return client, nil
}

// Handle implements the [updater.FrameListener] interface, receiving
// server to client frames
func (c *Client) Handle(frame updater.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateIdle || frame.DLC != 8 {
		return
	}
	// A server abort always takes priority over a pending response
	if !c.rxNew || frame.Data[0] == 0x80 {
		c.response.raw = frame.Data
		c.rxNew = true
	}
}

// Setup binds the client to an SDO server.
// If the endpoints are unchanged this is a no-op, so it can be called
// defensively before every transfer.
func (c *Client) Setup(cobIdClientToServer uint32, cobIdServerToClient uint32, nodeIdServer uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = stateIdle
	c.rxNew = false
	c.nodeIdServer = nodeIdServer
	// If the server is the same don't re-initialize the buffers
	if c.cobIdClientToServer == cobIdClientToServer && c.cobIdServerToClient == cobIdServerToClient {
		return nil
	}
	c.cobIdClientToServer = cobIdClientToServer
	c.cobIdServerToClient = cobIdServerToClient
	// Check the valid bit
	var canIdC2S, canIdS2C uint16
	if cobIdClientToServer&0x80000000 == 0 {
		canIdC2S = uint16(cobIdClientToServer & 0x7FF)
	}
	if cobIdServerToClient&0x80000000 == 0 {
		canIdS2C = uint16(cobIdServerToClient & 0x7FF)
	}
	if canIdC2S != 0 && canIdS2C != 0 {
		c.valid = true
	} else {
		canIdC2S = 0
		canIdS2C = 0
		c.valid = false
	}
	if c.cancelSubscription != nil {
		c.cancelSubscription()
		c.cancelSubscription = nil
	}
	cancel, err := c.Subscribe(uint32(canIdS2C), updater.CanSffMask, c)
	if err != nil {
		c.valid = false
		return err
	}
	c.cancelSubscription = cancel
	c.txBuffer = updater.NewFrame(uint32(canIdC2S), 0, 8)
	return nil
}

// DownloadInitiate starts a new download sequence of sizeIndicated bytes
// to the given index / subindex.
// Block transfers are not supported : the flag is accepted for interface
// compatibility and downgraded to a segmented transfer.
func (c *Client) DownloadInitiate(index uint16, subindex uint8, sizeIndicated uint32, timeoutUs uint32, blockEnabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		return updater.ErrIllegalArgument
	}
	if c.state != stateIdle {
		return updater.ErrInvalidState
	}
	if blockEnabled {
		c.logger.Debug("block transfer requested, using segmented transfer instead")
	}
	if timeoutUs > 0 {
		c.timeoutTimeUs = timeoutUs
	}
	c.index = index
	c.subindex = subindex
	c.sizeIndicated = sizeIndicated
	c.sizeTransferred = 0
	c.finished = false
	c.timeoutTimer = 0
	c.fifo.Reset()
	c.state = stateDownloadInitiateReq
	c.rxNew = false
	return nil
}

// DownloadBufWrite pushes bytes into the transfer buffer and returns how
// many were accepted. The remainder must be pushed once the transport asks
// for more (poll returns a positive state with bufferPartial set).
func (c *Client) DownloadBufWrite(data []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fifo.Write(data, nil)
}

// DownloadPoll runs the download state machine for one step.
// timeDifferenceUs is the elapsed time since the previous call and is used
// for timeout accounting. bufferPartial indicates that more data will be
// pushed with [Client.DownloadBufWrite]. sendAbort forces a client side
// abort of the transfer.
//
// The returned state is negative if the transfer was aborted (abortCode is
// then populated), positive while the transfer needs more polling and zero
// once the transfer completed successfully.
func (c *Client) DownloadPoll(timeDifferenceUs uint32, sendAbort bool, bufferPartial bool, abortCode *Abort) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	ret := WaitingResponse
	var abort Abort = AbortNone

	if !c.valid {
		setAbort(abortCode, AbortDeviceIncompat)
		return Aborted
	}
	if c.state == stateIdle {
		return Success
	}

	if c.rxNew {
		response := c.response
		c.rxNew = false
		switch {
		case response.IsAbort():
			abort = response.GetAbortCode()
			c.logger.Debug("[RX] server abort",
				"nodeId", c.nodeIdServer,
				"index", hex16(c.index),
				"subindex", c.subindex,
				"code", abort,
			)
			c.state = stateIdle
			setAbort(abortCode, abort)
			return Aborted
		case sendAbort:
			abort = AbortDeviceIncompat
			c.state = stateAbort
		case !response.isResponseCommandValid(c.state):
			c.logger.Warn("unexpected response code from server", "code", response.raw[0])
			abort = AbortCmd
			c.state = stateAbort
		default:
			switch c.state {
			case stateDownloadInitiateRsp:
				if response.GetIndex() != c.index || response.GetSubindex() != c.subindex {
					abort = AbortParamIncompat
					c.state = stateAbort
					break
				}
				if c.finished {
					// Expedited transfer
					c.state = stateIdle
					ret = Success
				} else {
					c.toggle = 0x00
					c.state = stateDownloadSegmentReq
				}

			case stateDownloadSegmentRsp:
				// Verify and alternate toggle bit
				if response.GetToggle() != c.toggle {
					abort = AbortToggleBit
					c.state = stateAbort
					break
				}
				c.toggle ^= 0x10
				if c.finished {
					c.state = stateIdle
					ret = Success
				} else {
					c.state = stateDownloadSegmentReq
				}
			}
		}
		c.timeoutTimer = 0
		timeDifferenceUs = 0
	} else if sendAbort {
		abort = AbortDeviceIncompat
		c.state = stateAbort
	}

	if ret == WaitingResponse && c.state != stateAbort {
		if c.timeoutTimer < c.timeoutTimeUs {
			c.timeoutTimer += timeDifferenceUs
		}
		if c.timeoutTimer >= c.timeoutTimeUs {
			abort = AbortTimeout
			c.state = stateAbort
		}
	}

	if ret == WaitingResponse {
		c.txBuffer.Data = [8]byte{}
		switch c.state {
		case stateDownloadInitiateReq:
			if err := c.downloadInitiate(); err != AbortNone {
				c.state = stateIdle
				setAbort(abortCode, err)
				return Aborted
			}
			c.state = stateDownloadInitiateRsp

		case stateDownloadSegmentReq:
			if c.fifo.GetOccupied() == 0 && bufferPartial {
				// Starved, wait for the caller to refill the buffer
				break
			}
			if err := c.downloadSegment(bufferPartial); err != AbortNone {
				abort = err
				c.state = stateAbort
				break
			}
			c.state = stateDownloadSegmentRsp
		}
	}

	if c.state == stateAbort {
		c.abort(abort)
		c.state = stateIdle
		setAbort(abortCode, abort)
		return Aborted
	}
	if ret == Success {
		return Success
	}
	return WaitingResponse
}

// Helper function for starting download
// Valid for expedited or segmented transfer
func (c *Client) downloadInitiate() Abort {
	c.txBuffer.Data[0] = 0x20
	c.txBuffer.Data[1] = byte(c.index)
	c.txBuffer.Data[2] = byte(c.index >> 8)
	c.txBuffer.Data[3] = c.subindex

	count := uint32(c.fifo.GetOccupied())
	if (c.sizeIndicated == 0 && count <= 4) || (c.sizeIndicated > 0 && c.sizeIndicated <= 4) {
		c.txBuffer.Data[0] |= 0x02
		// Check length
		if count == 0 || (c.sizeIndicated > 0 && c.sizeIndicated != count) {
			return AbortTypeMismatch
		}
		if c.sizeIndicated > 0 {
			c.txBuffer.Data[0] |= byte(0x01 | ((4 - count) << 2))
		}
		// Copy the data in queue and add the count
		count = uint32(c.fifo.Read(c.txBuffer.Data[4:]))
		c.sizeTransferred = count
		c.finished = true
		c.logger.Debug("[TX] download expedited",
			"nodeId", c.nodeIdServer,
			"index", hex16(c.index),
			"subindex", c.subindex,
			"raw", c.txBuffer.Data,
		)
	} else {
		// Segmented transfer, indicate data size
		if c.sizeIndicated > 0 {
			c.txBuffer.Data[0] |= 0x01
			binary.LittleEndian.PutUint32(c.txBuffer.Data[4:], c.sizeIndicated)
		}
		c.logger.Debug("[TX] download initiate",
			"nodeId", c.nodeIdServer,
			"index", hex16(c.index),
			"subindex", c.subindex,
			"size", c.sizeIndicated,
		)
	}
	c.timeoutTimer = 0
	c.Send(c.txBuffer)
	return AbortNone
}

// Helper function for downloading one segment of a segmented transfer
func (c *Client) downloadSegment(bufferPartial bool) Abort {
	// Fill data part
	count := uint32(c.fifo.Read(c.txBuffer.Data[1:]))
	c.sizeTransferred += count
	if c.sizeIndicated > 0 && c.sizeTransferred > c.sizeIndicated {
		c.sizeTransferred -= count
		return AbortDataLong
	}

	// Command specifier
	c.txBuffer.Data[0] = uint8(uint32(c.toggle) | ((7 - count) << 1))
	if c.fifo.GetOccupied() == 0 && !bufferPartial {
		if c.sizeIndicated > 0 && c.sizeTransferred < c.sizeIndicated {
			return AbortDataShort
		}
		c.txBuffer.Data[0] |= 0x01
		c.finished = true
	}

	c.timeoutTimer = 0
	c.logger.Debug("[TX] download segment",
		"nodeId", c.nodeIdServer,
		"index", hex16(c.index),
		"subindex", c.subindex,
		"raw", c.txBuffer.Data,
	)
	c.Send(c.txBuffer)
	return AbortNone
}

// Create & send abort on bus
func (c *Client) abort(abortCode Abort) {
	code := uint32(abortCode)
	c.txBuffer.Data = [8]byte{}
	c.txBuffer.Data[0] = 0x80
	c.txBuffer.Data[1] = uint8(c.index)
	c.txBuffer.Data[2] = uint8(c.index >> 8)
	c.txBuffer.Data[3] = c.subindex
	binary.LittleEndian.PutUint32(c.txBuffer.Data[4:], code)
	c.logger.Warn("[TX] client abort",
		"nodeId", c.nodeIdServer,
		"index", hex16(c.index),
		"subindex", c.subindex,
		"code", abortCode,
	)
	c.Send(c.txBuffer)
}

// SetTimeout sets the timeout for SDO transfers
func (c *Client) SetTimeout(timeoutUs uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeoutTimeUs = timeoutUs
}

func setAbort(dst *Abort, code Abort) {
	if dst != nil {
		*dst = code
	}
}
