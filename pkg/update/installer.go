package update

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/PAE-HP-TARDOR-2025/firmware-updater/internal/crc"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/ota"
)

// Default installer limits, both runtime overridable through [Config]
const (
	DefaultMaxImageBytes uint32 = 512 * 1024
	DefaultMaxChunkBytes uint32 = 256
)

var (
	ErrWrongStage         = errors.New("operation not allowed in current stage")
	ErrSizeZero           = errors.New("metadata rejected: size is zero")
	ErrSizeTooLarge       = errors.New("metadata rejected: size exceeds limit")
	ErrCrcZero            = errors.New("metadata rejected: CRC cannot be zero")
	ErrNoMetadata         = errors.New("start command received before metadata")
	ErrUnsupportedCommand = errors.New("unsupported control command")
	ErrFlashNotPrepared   = errors.New("chunk rejected: flash not prepared")
	ErrOtaNotReady        = errors.New("OTA session not active")
	ErrOffsetMismatch     = errors.New("chunk rejected: unexpected offset")
	ErrOverflow           = errors.New("chunk rejected: would overflow image size")
	ErrChunkTooLarge      = errors.New("chunk too large")
	ErrSizeMismatch       = errors.New("finalize refused: size mismatch")
	ErrCrcMismatch        = errors.New("CRC mismatch")
)

// Config holds the installer side limits
type Config struct {
	MaxImageBytes uint32
	MaxChunkBytes uint32
}

// Installer owns the firmware download context and state machine.
// It is wired into the object dictionary by [RegisterObjects] and driven
// exclusively from the SDO server task : all state transitions happen on
// that single goroutine, so no locking is needed.
type Installer struct {
	logger    *slog.Logger
	manager   ota.Manager
	scheduler ota.Scheduler

	maxImageBytes uint32
	maxChunkBytes uint32

	stage            Stage
	expectedSize     uint32
	receivedBytes    uint32
	currentChunkBase uint32
	expectedCrc      uint16
	runningCrc       crc.CRC16
	currentBank      uint8
	imageType        uint8
	metadataReceived bool
	flashPrepared    bool
	crcMatched       bool
	chunkInProgress  bool

	targetPartition ota.Partition
	otaSession      ota.Session
	otaOpen         bool
	rebootScheduled bool
}

func NewInstaller(logger *slog.Logger, manager ota.Manager, scheduler ota.Scheduler, cfg Config) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxImageBytes == 0 {
		cfg.MaxImageBytes = DefaultMaxImageBytes
	}
	if cfg.MaxChunkBytes == 0 {
		cfg.MaxChunkBytes = DefaultMaxChunkBytes
	}
	inst := &Installer{
		logger:        logger.With("service", "[INSTALLER]"),
		manager:       manager,
		scheduler:     scheduler,
		maxImageBytes: cfg.MaxImageBytes,
		maxChunkBytes: cfg.MaxChunkBytes,
	}
	inst.resetContext()
	return inst
}

// resetContext brings the context back to a cold start state
func (inst *Installer) resetContext() {
	inst.stage = StageIdle
	inst.expectedSize = 0
	inst.receivedBytes = 0
	inst.currentChunkBase = 0
	inst.expectedCrc = 0
	inst.runningCrc = crc.Seed
	inst.currentBank = 0
	inst.imageType = 0
	inst.metadataReceived = false
	inst.flashPrepared = false
	inst.crcMatched = false
	inst.chunkInProgress = false
	inst.targetPartition = nil
	inst.otaSession = nil
	inst.otaOpen = false
}

// Reset is the explicit reset hook (cold start, tests).
// There is deliberately no wire-level equivalent : a stuck installer is
// recovered by reboot only. Any open OTA session is discarded.
func (inst *Installer) Reset() {
	if inst.otaOpen && inst.otaSession != nil {
		_ = inst.otaSession.Abort()
	}
	inst.resetContext()
}

// StoreMetadata validates and stores the metadata record issued by the
// master. Accepting new metadata is only allowed from IDLE or
// METADATA_READY ; a valid record resets the context for a fresh attempt.
func (inst *Installer) StoreMetadata(meta MetadataRecord) error {
	if inst.stage != StageIdle && inst.stage != StageMetadataReady {
		inst.logger.Error("metadata rejected: wrong stage", "stage", inst.stage.String())
		return ErrWrongStage
	}
	inst.logger.Info("received metadata",
		"size", meta.ImageBytes,
		"crc", hexCrc(meta.CRC),
		"type", meta.ImageType,
		"bank", meta.Bank,
	)
	if meta.ImageBytes == 0 {
		inst.logger.Error("metadata rejected: size is zero")
		return ErrSizeZero
	}
	if meta.ImageBytes > inst.maxImageBytes {
		inst.logger.Error("metadata rejected: size exceeds limit",
			"size", meta.ImageBytes,
			"limit", inst.maxImageBytes,
		)
		return ErrSizeTooLarge
	}
	if meta.CRC == 0 {
		inst.logger.Error("metadata rejected: CRC cannot be zero")
		return ErrCrcZero
	}

	inst.expectedSize = meta.ImageBytes
	inst.expectedCrc = meta.CRC
	inst.imageType = meta.ImageType
	inst.currentBank = meta.Bank
	inst.receivedBytes = 0
	inst.currentChunkBase = 0
	inst.chunkInProgress = false
	inst.targetPartition = nil
	inst.otaSession = nil
	inst.otaOpen = false
	inst.runningCrc = crc.Seed
	inst.stage = StageMetadataReady
	inst.metadataReceived = true
	inst.flashPrepared = false
	inst.crcMatched = false

	inst.logger.Info("metadata accepted", "expecting", inst.expectedSize)
	return nil
}

// HandleControl processes the control payload of 0x1F51:1
func (inst *Installer) HandleControl(payload ControlPayload) error {
	if payload.Command != CommandStart {
		inst.logger.Error("unsupported control command", "command", fmt.Sprintf("x%02x", payload.Command))
		return ErrUnsupportedCommand
	}
	if !inst.metadataReceived {
		inst.logger.Error("start command received before metadata")
		return ErrNoMetadata
	}
	return inst.prepareStorage()
}

// prepareStorage queries the host for the next update partition, opens the
// OTA write session and enters the receiving stage. ERASING is observable
// only transiently, for diagnostics.
func (inst *Installer) prepareStorage() error {
	if inst.stage != StageMetadataReady {
		inst.logger.Error("cannot prepare storage before valid metadata", "stage", inst.stage.String())
		return ErrWrongStage
	}
	partition, err := inst.manager.NextUpdatePartition()
	if err != nil || partition == nil {
		inst.logger.Error("no OTA partition available for update", "err", err)
		return ota.ErrNoPartition
	}
	if inst.expectedSize > partition.Size() {
		inst.logger.Error("image size exceeds OTA partition size",
			"size", inst.expectedSize,
			"label", partition.Label(),
			"partitionSize", partition.Size(),
		)
		return ota.ErrImageTooLarge
	}
	inst.stage = StageErasing
	inst.logger.Info("preparing flash bank for new image", "bank", inst.currentBank, "label", partition.Label())
	session, err := inst.manager.Begin(partition, inst.expectedSize)
	if err != nil {
		inst.stage = StageMetadataReady
		inst.logger.Error("opening OTA session failed", "label", partition.Label(), "err", err)
		return err
	}
	inst.targetPartition = partition
	inst.otaSession = session
	inst.otaOpen = true
	inst.flashPrepared = true
	inst.stage = StageReceiving
	inst.logger.Info("prepared OTA partition", "label", partition.Label(), "size", partition.Size())
	return nil
}

// ReceiveChunk accepts one data chunk at the given absolute offset,
// writing it to flash and maintaining the running CRC and counters.
// Chunks must arrive in strict order : no gaps, no overlap, no rewind.
func (inst *Installer) ReceiveChunk(offset uint32, data []byte) error {
	if !inst.flashPrepared || inst.stage != StageReceiving {
		inst.logger.Error("chunk rejected: flash not prepared or wrong stage", "stage", inst.stage.String())
		return ErrFlashNotPrepared
	}
	if !inst.otaOpen || inst.targetPartition == nil {
		inst.logger.Error("chunk rejected: OTA partition not ready")
		return ErrOtaNotReady
	}
	if len(data) == 0 {
		return ErrOverflow
	}
	if offset != inst.receivedBytes {
		inst.logger.Error("chunk rejected: unexpected offset",
			"expected", inst.receivedBytes,
			"got", offset,
		)
		return ErrOffsetMismatch
	}
	count := uint32(len(data))
	if inst.receivedBytes+count > inst.expectedSize {
		inst.logger.Error("chunk rejected: would overflow image size",
			"size", inst.expectedSize,
		)
		return ErrOverflow
	}
	if err := inst.otaSession.Write(data); err != nil {
		inst.logger.Error("OTA write failed", "offset", offset, "err", err)
		inst.closeOtaBestEffort()
		return err
	}
	inst.receivedBytes += count
	inst.runningCrc.Block(data)
	inst.logger.Info("chunk accepted",
		"offset", offset,
		"len", count,
		"total", inst.receivedBytes,
		"expected", inst.expectedSize,
	)
	return nil
}

// Finalize verifies total size and CRC, commits the boot partition and
// schedules the reboot. All three CRC values must match : the running one,
// the one declared in metadata and the one carried by the finalize write.
func (inst *Installer) Finalize(wireCrc uint16) error {
	if inst.stage != StageReceiving {
		inst.logger.Error("finalize refused: wrong stage", "stage", inst.stage.String())
		return ErrWrongStage
	}
	if !inst.otaOpen || inst.targetPartition == nil {
		inst.logger.Error("finalize refused: OTA session not active")
		return ErrOtaNotReady
	}
	if inst.receivedBytes != inst.expectedSize {
		inst.logger.Error("finalize refused: size mismatch",
			"received", inst.receivedBytes,
			"expected", inst.expectedSize,
		)
		return ErrSizeMismatch
	}
	inst.stage = StageVerifying
	if uint16(inst.runningCrc) != wireCrc || uint16(inst.runningCrc) != inst.expectedCrc {
		inst.logger.Error("CRC mismatch",
			"computed", hexCrc(uint16(inst.runningCrc)),
			"declared", hexCrc(inst.expectedCrc),
			"finalize", hexCrc(wireCrc),
		)
		inst.crcMatched = false
		inst.closeOtaBestEffort()
		return ErrCrcMismatch
	}
	if err := inst.otaSession.Close(); err != nil {
		inst.otaOpen = false
		inst.logger.Error("closing OTA session failed", "err", err)
		return err
	}
	inst.otaOpen = false
	if err := inst.manager.SetBootPartition(inst.targetPartition); err != nil {
		inst.logger.Error("failed to set boot partition",
			"label", inst.targetPartition.Label(),
			"err", err,
		)
		return err
	}
	inst.crcMatched = true
	inst.stage = StageReadyToBoot
	inst.logger.Info("firmware image validated",
		"crc", hexCrc(uint16(inst.runningCrc)),
		"label", inst.targetPartition.Label(),
	)
	inst.scheduleReboot()
	return nil
}

// closeOtaBestEffort abandons the OTA session without clearing the
// counters, so diagnostics remain readable until the next valid metadata
// write
func (inst *Installer) closeOtaBestEffort() {
	if inst.otaSession != nil {
		_ = inst.otaSession.Abort()
	}
	inst.otaOpen = false
}

// scheduleReboot schedules the one-shot reboot into the new image.
// Only ever called from READY_TO_BOOT, and only once.
func (inst *Installer) scheduleReboot() {
	if inst.rebootScheduled {
		return
	}
	inst.rebootScheduled = true
	inst.logger.Info("scheduling reboot to new firmware")
	if inst.scheduler != nil {
		inst.scheduler.ScheduleReboot(ota.DefaultRebootDelay)
	}
}

// MarkChunkStart latches the base offset of a new SDO chunk : absolute
// image offsets within the chunk are currentChunkBase + stream offset
func (inst *Installer) MarkChunkStart() {
	inst.currentChunkBase = inst.receivedBytes
	inst.chunkInProgress = true
}

// MarkChunkEnd completes the current chunk
func (inst *Installer) MarkChunkEnd() {
	inst.chunkInProgress = false
	inst.currentChunkBase = inst.receivedBytes
}

// ChunkBase returns the absolute image offset of the chunk being received
func (inst *Installer) ChunkBase() uint32 {
	return inst.currentChunkBase
}

// MaxChunkBytes returns the per chunk limit
func (inst *Installer) MaxChunkBytes() uint32 {
	return inst.maxChunkBytes
}

// Stage returns the current state machine position
func (inst *Installer) Stage() Stage {
	return inst.stage
}

// Snapshot is a copy of every key context field, for diagnostics
type Snapshot struct {
	Stage            Stage
	ExpectedSize     uint32
	ReceivedBytes    uint32
	CurrentChunkBase uint32
	ExpectedCrc      uint16
	RunningCrc       uint16
	CurrentBank      uint8
	ImageType        uint8
	MetadataReceived bool
	FlashPrepared    bool
	CrcMatched       bool
	ChunkInProgress  bool
	OtaOpen          bool
}

// Snapshot returns a copy of the context so the operator can inspect
// current progress
func (inst *Installer) Snapshot() Snapshot {
	return Snapshot{
		Stage:            inst.stage,
		ExpectedSize:     inst.expectedSize,
		ReceivedBytes:    inst.receivedBytes,
		CurrentChunkBase: inst.currentChunkBase,
		ExpectedCrc:      inst.expectedCrc,
		RunningCrc:       uint16(inst.runningCrc),
		CurrentBank:      inst.currentBank,
		ImageType:        inst.imageType,
		MetadataReceived: inst.metadataReceived,
		FlashPrepared:    inst.flashPrepared,
		CrcMatched:       inst.crcMatched,
		ChunkInProgress:  inst.chunkInProgress,
		OtaOpen:          inst.otaOpen,
	}
}

// LogSnapshot prints every key field so the operator can inspect current
// progress
func (inst *Installer) LogSnapshot() {
	s := inst.Snapshot()
	inst.logger.Info("firmware context snapshot",
		"stage", s.Stage.String(),
		"metadataReceived", s.MetadataReceived,
		"flashPrepared", s.FlashPrepared,
		"expectedSize", s.ExpectedSize,
		"receivedBytes", s.ReceivedBytes,
		"expectedCrc", hexCrc(s.ExpectedCrc),
		"runningCrc", hexCrc(s.RunningCrc),
		"crcMatched", s.CrcMatched,
	)
}

func hexCrc(v uint16) string {
	return fmt.Sprintf("x%04x", v)
}
