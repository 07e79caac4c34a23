package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	updater "github.com/PAE-HP-TARDOR-2025/firmware-updater"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/internal/crc"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/can"
	_ "github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/can/loopback"
	_ "github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/can/socketcan"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/config"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/od"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/ota"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/sdo"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/update"
)

// Firmware installer : exposes the firmware download objects on an SDO
// server and commits received images to a (simulated) dual bank flash.

func main() {
	configPath := flag.String("config", "", "optional ini configuration file")
	channel := flag.String("c", "", "CAN channel e.g. can0, vcan0")
	canInterface := flag.String("i", "", "CAN interface type e.g. socketcan")
	nodeId := flag.Uint("node", 0, "own node id")
	drill := flag.Bool("drill", false, "run the scripted in-process update drill and exit")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		log.SetLevel(log.DebugLevel)
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Errorf("unable to load configuration %v : %v", *configPath, err)
			os.Exit(-1)
		}
		cfg = loaded
	}
	if *channel != "" {
		cfg.Channel = *channel
	}
	if *canInterface != "" {
		cfg.Interface = *canInterface
	}
	if *nodeId != 0 {
		cfg.NodeId = uint8(*nodeId)
	}

	manager := ota.NewMemoryManager(logger, cfg.MaxImageBytes)
	scheduler := ota.NewTimerScheduler(func() {
		log.Info("restarting to boot new firmware")
		os.Exit(0)
	})
	installer := update.NewInstaller(logger, manager, scheduler, update.Config{
		MaxImageBytes: cfg.MaxImageBytes,
		MaxChunkBytes: cfg.MaxChunkBytes,
	})

	if *drill {
		if !runUpdateDrill(installer) {
			os.Exit(-1)
		}
		return
	}

	dict := od.NewObjectDictionary(logger)
	if err := update.RegisterObjects(dict, installer); err != nil {
		log.Errorf("unable to register firmware download objects : %v", err)
		os.Exit(-1)
	}

	bus, err := can.NewBus(cfg.Interface, cfg.Channel, cfg.BitrateKbps*1000)
	if err != nil {
		log.Errorf("unable to create CAN bus : %v", err)
		os.Exit(-1)
	}
	busManager := updater.NewBusManager(logger, bus)
	if err := bus.Subscribe(busManager); err != nil {
		log.Errorf("unable to subscribe to CAN bus : %v", err)
		os.Exit(-1)
	}
	if err := bus.Connect(); err != nil {
		log.Errorf("unable to connect to CAN bus : %v", err)
		os.Exit(-1)
	}
	defer bus.Disconnect()

	server, err := sdo.NewServer(busManager, logger, dict, cfg.NodeId, cfg.SDOTimeoutUs)
	if err != nil {
		log.Errorf("unable to create SDO server : %v", err)
		os.Exit(-1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go server.Process(ctx)

	log.Infof("firmware download objects registered, listening as node %v", cfg.NodeId)
	<-ctx.Done()
}

// runUpdateDrill drives a scripted end-to-end update against the state
// machine to exercise all guardrails without a bus or hardware
func runUpdateDrill(installer *update.Installer) bool {
	// First, demonstrate that invalid metadata is rejected
	if err := installer.StoreMetadata(update.MetadataRecord{ImageBytes: 0, CRC: 0x1234, Bank: 0}); err != nil {
		log.Warn("as expected, metadata validation prevented the update; retrying with sane values")
	}

	const imageSize = 512
	const chunkSize = 64
	image := make([]byte, imageSize)
	for i := range image {
		image[i] = byte(i)
	}
	expectedCrc := uint16(crc.Hash(image))

	meta := update.MetadataRecord{ImageBytes: imageSize, CRC: expectedCrc, ImageType: update.ImageMain, Bank: 1}
	if err := installer.StoreMetadata(meta); err != nil {
		log.Errorf("unable to register valid metadata : %v", err)
		return false
	}
	control := update.ControlPayload{Command: update.CommandStart, ImageType: update.ImageMain, Bank: 1}
	if err := installer.HandleControl(control); err != nil {
		log.Errorf("failed to prepare flash : %v", err)
		return false
	}
	for offset := 0; offset < imageSize; offset += chunkSize {
		if err := installer.ReceiveChunk(uint32(offset), image[offset:offset+chunkSize]); err != nil {
			log.Errorf("chunk processing failed at offset %v : %v", offset, err)
			return false
		}
	}
	if err := installer.Finalize(expectedCrc); err != nil {
		log.Errorf("drill failed during final verification : %v", err)
		return false
	}
	log.Info("firmware image accepted; reboot scheduled")
	installer.LogSnapshot()
	return true
}
