package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.EqualValues(t, 512*1024, cfg.MaxImageBytes)
	assert.EqualValues(t, 256, cfg.MaxChunkBytes)
	assert.EqualValues(t, 60_000, cfg.SDOTimeoutUs)
	assert.EqualValues(t, 1_000, cfg.SDOPollUs)
	assert.Equal(t, "socketcan", cfg.Interface)
}

func TestLoadOverrides(t *testing.T) {
	content := `
[firmware]
max_image_bytes = 1048576
max_chunk_bytes = 128
path = image.bin
bank = 2

[sdo]
timeout_us = 1000000

[can]
interface = loopback
channel = vcan1
bitrate_kbps = 500
node_id = 5
target_node_id = 12
`
	path := filepath.Join(t.TempDir(), "updater.ini")
	assert.Nil(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	assert.Nil(t, err)
	assert.EqualValues(t, 1048576, cfg.MaxImageBytes)
	assert.EqualValues(t, 128, cfg.MaxChunkBytes)
	assert.Equal(t, "image.bin", cfg.FirmwarePath)
	assert.EqualValues(t, 2, cfg.TargetBank)
	assert.EqualValues(t, 1_000_000, cfg.SDOTimeoutUs)
	// Keys not present keep their defaults
	assert.EqualValues(t, 1_000, cfg.SDOPollUs)
	assert.Equal(t, "loopback", cfg.Interface)
	assert.Equal(t, "vcan1", cfg.Channel)
	assert.Equal(t, 500, cfg.BitrateKbps)
	assert.EqualValues(t, 5, cfg.NodeId)
	assert.EqualValues(t, 12, cfg.TargetNodeId)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.ini"))
	assert.NotNil(t, err)
}
