package config

import (
	"gopkg.in/ini.v1"

	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/sdo"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/update"
)

// Config regroups every runtime overridable knob of the updater.
// Values come from the defaults below, optionally overridden by an ini
// file and finally by command line flags in the front-ends.
type Config struct {
	// Installer side hard cap on the image size
	MaxImageBytes uint32
	// Installer side per chunk cap
	MaxChunkBytes uint32
	// Per SDO write timeout. The 60 ms default suits interactive testing,
	// the 1 s alternative (sdo.AlternateTimeoutUs) is safer when the
	// installer performs slow flash writes inside the handler.
	SDOTimeoutUs uint32
	// SDO poll granularity
	SDOPollUs uint32
	// CAN settings
	Interface   string
	Channel     string
	BitrateKbps int
	// Own node id (installer side)
	NodeId uint8
	// Upload target
	TargetNodeId uint8
	TargetBank   uint8
	FirmwarePath string
}

func Default() *Config {
	return &Config{
		MaxImageBytes: update.DefaultMaxImageBytes,
		MaxChunkBytes: update.DefaultMaxChunkBytes,
		SDOTimeoutUs:  sdo.DefaultTimeoutUs,
		SDOPollUs:     sdo.DefaultPollUs,
		Interface:     "socketcan",
		Channel:       "can0",
		BitrateKbps:   125,
		NodeId:        10,
		TargetNodeId:  10,
		TargetBank:    1,
	}
}

// Load reads overrides from an ini file on top of the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	f, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	firmware := f.Section("firmware")
	cfg.MaxImageBytes = uint32(firmware.Key("max_image_bytes").MustUint(uint(cfg.MaxImageBytes)))
	cfg.MaxChunkBytes = uint32(firmware.Key("max_chunk_bytes").MustUint(uint(cfg.MaxChunkBytes)))
	cfg.FirmwarePath = firmware.Key("path").MustString(cfg.FirmwarePath)
	cfg.TargetBank = uint8(firmware.Key("bank").MustUint(uint(cfg.TargetBank)))

	sdoSection := f.Section("sdo")
	cfg.SDOTimeoutUs = uint32(sdoSection.Key("timeout_us").MustUint(uint(cfg.SDOTimeoutUs)))
	cfg.SDOPollUs = uint32(sdoSection.Key("poll_us").MustUint(uint(cfg.SDOPollUs)))

	canSection := f.Section("can")
	cfg.Interface = canSection.Key("interface").MustString(cfg.Interface)
	cfg.Channel = canSection.Key("channel").MustString(cfg.Channel)
	cfg.BitrateKbps = canSection.Key("bitrate_kbps").MustInt(cfg.BitrateKbps)
	cfg.NodeId = uint8(canSection.Key("node_id").MustUint(uint(cfg.NodeId)))
	cfg.TargetNodeId = uint8(canSection.Key("target_node_id").MustUint(uint(cfg.TargetNodeId)))

	return cfg, nil
}
