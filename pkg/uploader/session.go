package uploader

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/PAE-HP-TARDOR-2025/firmware-updater/internal/crc"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/sdo"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/update"
)

// Session drives the four phase upload protocol on the master side :
// metadata, start command, data chunks, finalize. Every exchange is an SDO
// download to the installer's object dictionary.
//
// A session owns the SDO client for its whole duration and is strictly
// sequential : the first failed write aborts the session, the caller
// decides whether to restart.
type Session struct {
	logger      *slog.Logger
	client      *sdo.Client
	timeoutUs   uint32
	pollUs      uint32
	boundNodeId uint8
}

func NewSession(client *sdo.Client, logger *slog.Logger, timeoutUs uint32, pollUs uint32) (*Session, error) {
	if client == nil {
		return nil, errors.New("CANopen transport not bound")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeoutUs == 0 {
		timeoutUs = sdo.DefaultTimeoutUs
	}
	if pollUs == 0 {
		pollUs = sdo.DefaultPollUs
	}
	return &Session{
		logger:    logger.With("service", "[MASTER]"),
		client:    client,
		timeoutUs: timeoutUs,
		pollUs:    pollUs,
	}, nil
}

// Run performs a complete upload session following plan.
// On success the installer has validated and committed the image ; on any
// failure an error is returned and all acquired resources are released.
// No partial success is observable to the caller.
func (s *Session) Run(plan Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	if err := s.selectTarget(plan.TargetNodeId); err != nil {
		return err
	}

	payload, err := os.Open(plan.FirmwarePath)
	if err != nil {
		return fmt.Errorf("cannot open firmware file %v : %w", plan.FirmwarePath, err)
	}
	defer payload.Close()

	info, err := payload.Stat()
	if err != nil {
		return fmt.Errorf("cannot stat firmware file %v : %w", plan.FirmwarePath, err)
	}
	if info.Size() <= 0 {
		return ErrEmptyPayload
	}
	imageBytes := uint32(info.Size())
	scratch := make([]byte, plan.MaxChunkBytes)
	s.logger.Info("opened firmware payload", "path", plan.FirmwarePath, "size", imageBytes)

	imageCrc := plan.ExpectedCRC
	if imageCrc == 0 {
		streamed, err := crc.Stream(payload, scratch)
		if err != nil {
			return fmt.Errorf("failed to compute firmware CRC : %w", err)
		}
		imageCrc = uint16(streamed)
		s.logger.Info("auto-computed crc", "crc", fmt.Sprintf("x%04x", imageCrc))
	}

	if err := s.sendMetadata(plan, imageBytes, imageCrc); err != nil {
		return err
	}
	if err := s.sendStartCommand(plan); err != nil {
		return err
	}
	if err := s.streamPayload(plan, payload, scratch); err != nil {
		return err
	}
	if err := s.sendFinalizeRequest(plan, imageCrc); err != nil {
		return err
	}
	s.logger.Info("upload session completed", "node", plan.TargetNodeId)
	return nil
}

// selectTarget configures the SDO client endpoints for the node.
// Re-selecting an already bound node is a no-op, so this is repeated
// defensively before every write.
func (s *Session) selectTarget(nodeId uint8) error {
	if s.boundNodeId == nodeId {
		return nil
	}
	err := s.client.Setup(
		uint32(sdo.ClientServiceId)+uint32(nodeId),
		uint32(sdo.ServerServiceId)+uint32(nodeId),
		nodeId,
	)
	if err != nil {
		return fmt.Errorf("unable to reach node %v : %w", nodeId, err)
	}
	s.boundNodeId = nodeId
	return nil
}

func (s *Session) sendMetadata(plan Plan, imageBytes uint32, imageCrc uint16) error {
	s.logger.Info("sending metadata",
		"node", plan.TargetNodeId,
		"imageBytes", imageBytes,
		"crc", fmt.Sprintf("x%04x", imageCrc),
		"imageType", plan.ImageType,
		"bank", plan.TargetBank,
	)
	if err := s.selectTarget(plan.TargetNodeId); err != nil {
		return err
	}
	meta := update.MetadataRecord{
		ImageBytes: imageBytes,
		CRC:        imageCrc,
		ImageType:  plan.ImageType,
		Bank:       plan.TargetBank,
	}
	return s.download(update.IndexProgramMetadata, 1, meta.Marshal(), "metadata")
}

func (s *Session) sendStartCommand(plan Plan) error {
	s.logger.Info("issuing start command")
	if err := s.selectTarget(plan.TargetNodeId); err != nil {
		return err
	}
	control := update.ControlPayload{
		Command:   update.CommandStart,
		ImageType: plan.ImageType,
		Bank:      plan.TargetBank,
	}
	return s.download(update.IndexProgramControl, 1, control.Marshal(), "start command")
}

// streamPayload transfers the image chunk by chunk through the scratch
// buffer. A short read at end of file produces the final, smaller chunk.
// The installer reconstructs absolute offsets from its own received
// counter.
func (s *Session) streamPayload(plan Plan, payload io.Reader, scratch []byte) error {
	offset := uint32(0)
	for {
		n, err := io.ReadFull(payload, scratch)
		if n > 0 {
			s.logger.Info("sending chunk", "offset", offset, "len", n)
			if err := s.selectTarget(plan.TargetNodeId); err != nil {
				return err
			}
			if err := s.download(update.IndexProgramData, 1, scratch[:n], "chunk"); err != nil {
				return err
			}
			offset += uint32(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("short read on firmware file : %w", err)
		}
	}
}

func (s *Session) sendFinalizeRequest(plan Plan, imageCrc uint16) error {
	s.logger.Info("sending finalize request", "crc", fmt.Sprintf("x%04x", imageCrc))
	if err := s.selectTarget(plan.TargetNodeId); err != nil {
		return err
	}
	return s.download(update.IndexProgramStatus, 1, update.MarshalStatus(imageCrc), "finalize request")
}

// download performs one complete SDO download : initiate, push bytes into
// the transport buffer, then poll until completion, yielding to the
// scheduler between polls. Abort codes from the transport are fatal for
// the session.
func (s *Session) download(index uint16, subindex uint8, data []byte, label string) error {
	err := s.client.DownloadInitiate(index, subindex, uint32(len(data)), s.timeoutUs, false)
	if err != nil {
		return fmt.Errorf("SDO init failed for %v : %w", label, err)
	}

	totalWritten := s.client.DownloadBufWrite(data)
	bufferPartial := totalWritten < len(data)

	for {
		var abortCode sdo.Abort
		state := s.client.DownloadPoll(s.pollUs, false, bufferPartial, &abortCode)
		if state < 0 {
			return fmt.Errorf("SDO download for %v aborted : %w", label, abortCode)
		}
		if state == sdo.Success {
			return nil
		}
		if bufferPartial && totalWritten < len(data) {
			totalWritten += s.client.DownloadBufWrite(data[totalWritten:])
			bufferPartial = totalWritten < len(data)
		}
		time.Sleep(time.Duration(s.pollUs) * time.Microsecond)
	}
}
