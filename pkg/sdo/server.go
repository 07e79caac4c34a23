package sdo

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"time"

	updater "github.com/PAE-HP-TARDOR-2025/firmware-updater"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/od"
)

// Server is an SDO server handling expedited and segmented downloads to
// the local object dictionary. Received bytes are accumulated in a buffer
// and flushed through the OD streamer, so entry extensions observe partial
// writes with an increasing DataOffset for long transfers.
type Server struct {
	*updater.BusManager
	logger          *slog.Logger
	od              *od.ObjectDictionary
	nodeId          uint8
	rx              chan Message
	streamer        *od.Streamer
	txBuffer        updater.Frame
	buf             *bytes.Buffer
	index           uint16
	subindex        uint8
	sizeIndicated   uint32
	sizeTransferred uint32
	toggle          uint8
	finished        bool
	state           internalState
	timeoutTimeUs   uint32
}

func NewServer(bm *updater.BusManager, logger *slog.Logger, odict *od.ObjectDictionary, nodeId uint8, timeoutUs uint32) (*Server, error) {
	if bm == nil || odict == nil {
		return nil, updater.ErrIllegalArgument
	}
	if nodeId < 1 || nodeId > 127 {
		return nil, updater.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeoutUs == 0 {
		timeoutUs = AlternateTimeoutUs
	}
	server := &Server{BusManager: bm}
	server.logger = logger.With("service", "[SERVER]")
	server.od = odict
	server.nodeId = nodeId
	server.timeoutTimeUs = timeoutUs
	server.rx = make(chan Message, 127)
	server.buf = bytes.NewBuffer(make([]byte, 0, ServerBufferSize))
	server.state = stateIdle
	_, err := server.Subscribe(uint32(ClientServiceId)+uint32(nodeId), updater.CanSffMask, server)
	if err != nil {
		return nil, err
	}
	server.txBuffer = updater.NewFrame(uint32(ServerServiceId)+uint32(nodeId), 0, 8)
	return server, nil
}

// Handle implements the [updater.FrameListener] interface, receiving
// client to server frames. It only enqueues, processing happens on the
// [Server.Process] goroutine which is the single owner of all transfer
// state.
func (s *Server) Handle(frame updater.Frame) {
	if frame.DLC != 8 {
		return
	}
	rx := Message{raw: frame.Data}
	select {
	case s.rx <- rx:
	default:
		s.logger.Warn("dropped SDO server RX frame")
	}
}

// Process runs the server state machine until ctx is cancelled.
// This should be started once, in its own goroutine.
func (s *Server) Process(ctx context.Context) {
	s.logger.Info("starting sdo server processing", "nodeId", s.nodeId)
	timeout := time.Duration(s.timeoutTimeUs) * time.Microsecond

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("exiting sdo server process")
			return

		case rx := <-s.rx:
			respond, abort := s.processIncoming(rx)
			if abort != AbortNone {
				s.txAbort(abort)
				break
			}
			if respond {
				s.processOutgoing()
			}

		case <-time.After(timeout):
			if s.state != stateIdle {
				s.txAbort(AbortTimeout)
			}
		}
	}
}

// processIncoming runs the state machine for one received message.
// It prepares the response inside txBuffer and reports whether a response
// should be sent, or the abort code on failure.
func (s *Server) processIncoming(rx Message) (respond bool, abort Abort) {
	if rx.IsAbort() {
		if s.state != stateIdle {
			s.logger.Warn("[RX] client abort, transfer dropped",
				"index", hex16(s.index),
				"subindex", s.subindex,
				"code", rx.GetAbortCode(),
			)
			s.resetTransfer()
		}
		return false, AbortNone
	}

	switch s.state {
	case stateIdle:
		header := rx.raw[0]
		switch {
		case (header & 0xF0) == 0x20:
			return s.processDownloadInitiate(rx)
		case (header & 0xF0) == 0x40:
			// The firmware download objects are write only
			s.index = rx.GetIndex()
			s.subindex = rx.GetSubindex()
			return false, AbortWriteOnly
		default:
			s.index = rx.GetIndex()
			s.subindex = rx.GetSubindex()
			return false, AbortCmd
		}

	case stateDownloading:
		if (rx.raw[0] & 0xE0) != 0x00 {
			return false, AbortCmd
		}
		return s.processDownloadSegment(rx)

	default:
		return false, AbortCmd
	}
}

func (s *Server) processDownloadInitiate(rx Message) (bool, Abort) {
	s.index = rx.GetIndex()
	s.subindex = rx.GetSubindex()

	streamer, err := s.od.Streamer(s.index, s.subindex, false)
	if err != nil {
		odr, ok := err.(od.ODR)
		if !ok {
			s.logger.Warn("unexpected error creating streamer", "err", err)
			odr = od.ErrGeneral
		}
		return false, ConvertOdToSdoAbort(odr)
	}
	if !streamer.HasAttribute(od.AttributeSdoRw) {
		return false, AbortUnsupportedAccess
	}
	if !streamer.HasAttribute(od.AttributeSdoW) {
		return false, AbortReadOnly
	}
	s.streamer = streamer
	s.buf.Reset()
	s.sizeTransferred = 0
	s.toggle = 0x00
	s.finished = false

	header := rx.raw[0]
	if (header & 0x02) != 0 {
		// Expedited transfer, data is part of the initiate frame
		count := uint32(4)
		if (header & 0x01) != 0 {
			count -= uint32((header >> 2) & 0x03)
		}
		s.sizeIndicated = count
		if s.streamer.DataLength == 0 {
			// Streamed entry, actual length comes from the transfer
			s.streamer.DataLength = count
		}
		s.buf.Write(rx.raw[4 : 4+count])
		s.sizeTransferred = count
		s.finished = true
		if abort := s.flush(true); abort != AbortNone {
			return false, abort
		}
		s.logger.Debug("[RX] download expedited",
			"index", hex16(s.index),
			"subindex", s.subindex,
			"size", count,
		)
		s.resetTransfer()
		s.prepareInitiateResponse()
		return true, AbortNone
	}

	// Segmented transfer
	if (header & 0x01) != 0 {
		s.sizeIndicated = binary.LittleEndian.Uint32(rx.raw[4:])
	} else {
		s.sizeIndicated = 0
	}
	if s.streamer.DataLength == 0 {
		s.streamer.DataLength = s.sizeIndicated
	}
	s.state = stateDownloading
	s.logger.Debug("[RX] download initiate",
		"index", hex16(s.index),
		"subindex", s.subindex,
		"size", s.sizeIndicated,
	)
	s.prepareInitiateResponse()
	return true, AbortNone
}

func (s *Server) processDownloadSegment(rx Message) (bool, Abort) {
	header := rx.raw[0]
	if rx.GetToggle() != s.toggle {
		return false, AbortToggleBit
	}
	count := 7 - ((header >> 1) & 0x07)
	s.buf.Write(rx.raw[1 : 1+count])
	s.sizeTransferred += uint32(count)
	if s.sizeIndicated > 0 && s.sizeTransferred > s.sizeIndicated {
		return false, AbortDataLong
	}

	if (header & 0x01) != 0 {
		// Last segment of the transfer
		if s.sizeIndicated > 0 && s.sizeTransferred < s.sizeIndicated {
			return false, AbortDataShort
		}
		if abort := s.flush(true); abort != AbortNone {
			return false, abort
		}
		s.logger.Debug("[RX] download finished",
			"index", hex16(s.index),
			"subindex", s.subindex,
			"size", s.sizeTransferred,
		)
		s.finished = true
		// Response carries the toggle of the last segment, prepare it
		// before the transfer state is cleared
		s.prepareSegmentResponse()
		s.resetTransfer()
		return true, AbortNone
	} else if s.buf.Len() >= ServerFlushThreshold {
		if abort := s.flush(false); abort != AbortNone {
			return false, abort
		}
	}

	s.prepareSegmentResponse()
	return true, AbortNone
}

// flush writes the accumulated bytes through the OD streamer.
// Extensions see one write per flush : a final flush must complete the
// entry, a partial flush must not.
func (s *Server) flush(final bool) Abort {
	if s.streamer == nil {
		return AbortDeviceIncompat
	}
	data := s.buf.Bytes()
	_, err := s.streamer.Write(data)
	s.buf.Reset()

	if err == nil {
		if !final {
			// Writer believes transfer is complete but more segments
			// are expected
			return AbortDataLong
		}
		return AbortNone
	}
	if odr, ok := err.(od.ODR); ok {
		if odr == od.ErrPartial {
			if final {
				return AbortDataShort
			}
			return AbortNone
		}
		return ConvertOdToSdoAbort(odr)
	}
	s.logger.Warn("unexpected error on OD write", "err", err)
	return AbortGeneral
}

func (s *Server) prepareInitiateResponse() {
	s.txBuffer.Data = [8]byte{}
	s.txBuffer.Data[0] = 0x60
	s.txBuffer.Data[1] = byte(s.index)
	s.txBuffer.Data[2] = byte(s.index >> 8)
	s.txBuffer.Data[3] = s.subindex
}

func (s *Server) prepareSegmentResponse() {
	s.txBuffer.Data = [8]byte{}
	s.txBuffer.Data[0] = 0x20 | s.toggle
	s.toggle ^= 0x10
}

func (s *Server) processOutgoing() {
	s.Send(s.txBuffer)
}

func (s *Server) resetTransfer() {
	s.state = stateIdle
	s.buf.Reset()
	s.streamer = nil
	s.toggle = 0x00
}

// Create & send abort on bus
func (s *Server) txAbort(abortCode Abort) {
	code := uint32(abortCode)
	s.txBuffer.Data = [8]byte{}
	s.txBuffer.Data[0] = 0x80
	s.txBuffer.Data[1] = uint8(s.index)
	s.txBuffer.Data[2] = uint8(s.index >> 8)
	s.txBuffer.Data[3] = s.subindex
	binary.LittleEndian.PutUint32(s.txBuffer.Data[4:], code)
	s.Send(s.txBuffer)
	s.logger.Warn("[TX] server abort",
		"index", hex16(s.index),
		"subindex", s.subindex,
		"code", code,
		"description", abortCode.Description(),
	)
	s.resetTransfer()
}
