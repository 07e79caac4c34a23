package uploader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	updater "github.com/PAE-HP-TARDOR-2025/firmware-updater"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/internal/crc"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/can/loopback"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/od"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/ota"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/sdo"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/update"
)

const testNodeId = 10

type countingScheduler struct {
	reboots int
}

func (c *countingScheduler) ScheduleReboot(after time.Duration) {
	c.reboots++
}

type testRig struct {
	session   *Session
	installer *update.Installer
	manager   *ota.MemoryManager
	scheduler *countingScheduler
}

// newTestRig wires a complete uploader / installer pair over an in-memory
// bus : SDO client and session on one side, SDO server, dictionary,
// installer and memory flash on the other.
func newTestRig(t *testing.T, cfg update.Config) *testRig {
	t.Helper()
	broker := loopback.NewBroker()

	installerBus := broker.NewEndpoint()
	installerManager := updater.NewBusManager(nil, installerBus)
	assert.Nil(t, installerBus.Subscribe(installerManager))

	flash := ota.NewMemoryManager(nil, update.DefaultMaxImageBytes)
	scheduler := &countingScheduler{}
	installer := update.NewInstaller(nil, flash, scheduler, cfg)
	dict := od.NewObjectDictionary(nil)
	assert.Nil(t, update.RegisterObjects(dict, installer))

	server, err := sdo.NewServer(installerManager, nil, dict, testNodeId, 0)
	assert.Nil(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go server.Process(ctx)
	t.Cleanup(cancel)

	uploaderBus := broker.NewEndpoint()
	uploaderManager := updater.NewBusManager(nil, uploaderBus)
	assert.Nil(t, uploaderBus.Subscribe(uploaderManager))

	client, err := sdo.NewClient(uploaderManager, nil, 0, 0)
	assert.Nil(t, err)
	session, err := NewSession(client, nil, 0, 0)
	assert.Nil(t, err)

	return &testRig{
		session:   session,
		installer: installer,
		manager:   flash,
		scheduler: scheduler,
	}
}

func writeFirmwareFile(t *testing.T, image []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "firmware.bin")
	assert.Nil(t, os.WriteFile(path, image, 0644))
	return path
}

func patternImage(size int) []byte {
	image := make([]byte, size)
	for i := range image {
		image[i] = byte(i)
	}
	return image
}

func TestUploadSessionHappyPath(t *testing.T) {
	rig := newTestRig(t, update.Config{})
	image := patternImage(512)
	path := writeFirmwareFile(t, image)

	plan := Plan{
		FirmwarePath:  path,
		ImageType:     update.ImageMain,
		TargetBank:    1,
		TargetNodeId:  testNodeId,
		MaxChunkBytes: 64,
	}
	assert.Nil(t, rig.session.Run(plan))

	snapshot := rig.installer.Snapshot()
	assert.Equal(t, update.StageReadyToBoot, snapshot.Stage)
	assert.True(t, snapshot.CrcMatched)
	assert.EqualValues(t, 512, snapshot.ReceivedBytes)
	assert.Equal(t, 1, rig.scheduler.reboots)
	assert.Equal(t, image, rig.manager.BootPartition().Bytes())
}

// The CRC the uploader computes over the file equals the CRC the installer
// accumulates over the received bytes
func TestUploadCrcRoundTrip(t *testing.T) {
	rig := newTestRig(t, update.Config{})
	image := []byte("round-trip firmware payload with an odd length...")
	path := writeFirmwareFile(t, image)

	plan := Plan{
		FirmwarePath:  path,
		TargetBank:    1,
		TargetNodeId:  testNodeId,
		MaxChunkBytes: 16,
	}
	assert.Nil(t, rig.session.Run(plan))

	snapshot := rig.installer.Snapshot()
	assert.Equal(t, uint16(crc.Hash(image)), snapshot.RunningCrc)
	assert.Equal(t, snapshot.ExpectedCrc, snapshot.RunningCrc)
}

func TestUploadShortFinalChunk(t *testing.T) {
	rig := newTestRig(t, update.Config{MaxChunkBytes: 64})
	image := patternImage(130)
	path := writeFirmwareFile(t, image)

	plan := Plan{
		FirmwarePath:  path,
		TargetBank:    1,
		TargetNodeId:  testNodeId,
		MaxChunkBytes: 64,
	}
	assert.Nil(t, rig.session.Run(plan))

	snapshot := rig.installer.Snapshot()
	assert.Equal(t, update.StageReadyToBoot, snapshot.Stage)
	assert.EqualValues(t, 130, snapshot.ReceivedBytes)
	assert.Equal(t, image, rig.manager.BootPartition().Bytes())
}

func TestUploadDeclaredCrcMismatch(t *testing.T) {
	rig := newTestRig(t, update.Config{})
	image := patternImage(128)
	path := writeFirmwareFile(t, image)

	// A wrong declared CRC passes metadata validation but fails the
	// triple check at finalize
	plan := Plan{
		FirmwarePath:  path,
		TargetBank:    1,
		TargetNodeId:  testNodeId,
		MaxChunkBytes: 64,
		ExpectedCRC:   uint16(crc.Hash(image)) ^ 0x5555,
	}
	err := rig.session.Run(plan)
	assert.NotNil(t, err)
	assert.Equal(t, 0, rig.scheduler.reboots)
	assert.Equal(t, update.StageVerifying, rig.installer.Stage())
}

func TestUploadEmptyFile(t *testing.T) {
	rig := newTestRig(t, update.Config{})
	path := writeFirmwareFile(t, nil)

	plan := Plan{
		FirmwarePath:  path,
		TargetNodeId:  testNodeId,
		MaxChunkBytes: 64,
	}
	err := rig.session.Run(plan)
	assert.Equal(t, ErrEmptyPayload, err)
	assert.Equal(t, update.StageIdle, rig.installer.Stage())
}

func TestUploadMissingFile(t *testing.T) {
	rig := newTestRig(t, update.Config{})
	plan := Plan{
		FirmwarePath:  filepath.Join(t.TempDir(), "missing.bin"),
		TargetNodeId:  testNodeId,
		MaxChunkBytes: 64,
	}
	assert.NotNil(t, rig.session.Run(plan))
}

func TestPlanValidation(t *testing.T) {
	assert.Equal(t, ErrNoPath, Plan{}.Validate())
	assert.Equal(t, ErrBadNodeId, Plan{FirmwarePath: "fw.bin", TargetNodeId: 128, MaxChunkBytes: 64}.Validate())
	assert.Equal(t, ErrBadNodeId, Plan{FirmwarePath: "fw.bin", TargetNodeId: 0, MaxChunkBytes: 64}.Validate())
	assert.Equal(t, ErrZeroChunk, Plan{FirmwarePath: "fw.bin", TargetNodeId: 10}.Validate())
	assert.Nil(t, Plan{FirmwarePath: "fw.bin", TargetNodeId: 10, MaxChunkBytes: 1}.Validate())
}
