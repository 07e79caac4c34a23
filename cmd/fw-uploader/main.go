package main

import (
	"flag"
	"log/slog"
	"os"

	log "github.com/sirupsen/logrus"

	updater "github.com/PAE-HP-TARDOR-2025/firmware-updater"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/can"
	_ "github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/can/loopback"
	_ "github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/can/socketcan"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/config"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/sdo"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/uploader"
)

// Firmware uploader : streams a binary image to an installer node over
// CANopen SDO. Usage : fw-uploader [flags] <firmware.bin>

func main() {
	configPath := flag.String("config", "", "optional ini configuration file")
	channel := flag.String("c", "", "CAN channel e.g. can0, vcan0")
	canInterface := flag.String("i", "", "CAN interface type e.g. socketcan")
	nodeId := flag.Uint("node", 0, "target node id")
	bank := flag.Uint("bank", 0, "target flash bank")
	imageType := flag.Uint("type", 0, "image type : 0 main, 1 bootloader, 2 config")
	chunk := flag.Uint("chunk", 0, "max chunk size in bytes")
	expectedCrc := flag.Uint("crc", 0, "expected CRC-16, 0 computes it from the file")
	timeoutUs := flag.Uint("sdo-timeout-us", 0, "per SDO write timeout in microseconds")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		log.SetLevel(log.DebugLevel)
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if flag.NArg() < 1 {
		log.Error("usage: fw-uploader [flags] <firmware.bin>")
		os.Exit(-1)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Errorf("unable to load configuration %v : %v", *configPath, err)
			os.Exit(-1)
		}
		cfg = loaded
	}
	cfg.FirmwarePath = flag.Arg(0)
	if *channel != "" {
		cfg.Channel = *channel
	}
	if *canInterface != "" {
		cfg.Interface = *canInterface
	}
	if *nodeId != 0 {
		cfg.TargetNodeId = uint8(*nodeId)
	}
	if *bank != 0 {
		cfg.TargetBank = uint8(*bank)
	}
	if *chunk != 0 {
		cfg.MaxChunkBytes = uint32(*chunk)
	}
	if *timeoutUs != 0 {
		cfg.SDOTimeoutUs = uint32(*timeoutUs)
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

	client, err := sdo.NewClient(busManager, logger, 0, cfg.SDOTimeoutUs)
	if err != nil {
		log.Errorf("unable to create SDO client : %v", err)
		os.Exit(-1)
	}
	session, err := uploader.NewSession(client, logger, cfg.SDOTimeoutUs, cfg.SDOPollUs)
	if err != nil {
		log.Errorf("unable to create upload session : %v", err)
		os.Exit(-1)
	}

	plan := uploader.Plan{
		FirmwarePath:  cfg.FirmwarePath,
		ImageType:     uint8(*imageType),
		TargetBank:    cfg.TargetBank,
		TargetNodeId:  cfg.TargetNodeId,
		MaxChunkBytes: cfg.MaxChunkBytes,
		ExpectedCRC:   uint16(*expectedCrc),
	}
	if err := session.Run(plan); err != nil {
		log.Errorf("firmware upload sequence failed : %v", err)
		os.Exit(-1)
	}
	log.Info("firmware upload sequence completed; the installer reboots into the new image")
}
