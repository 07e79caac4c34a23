package update

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/PAE-HP-TARDOR-2025/firmware-updater/internal/crc"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/od"
)

func newTestDictionary(t *testing.T, cfg Config) (*od.ObjectDictionary, *Installer, *countingScheduler) {
	t.Helper()
	inst, _, scheduler := newTestInstaller(cfg)
	dict := od.NewObjectDictionary(nil)
	assert.Nil(t, RegisterObjects(dict, inst))
	return dict, inst, scheduler
}

// writeEntry performs one complete OD write the way the SDO server flushes
// a finished transfer
func writeEntry(t *testing.T, dict *od.ObjectDictionary, index uint16, data []byte) error {
	t.Helper()
	streamer, err := dict.Streamer(index, 1, false)
	assert.Nil(t, err)
	if streamer.DataLength == 0 {
		streamer.DataLength = uint32(len(data))
	}
	_, err = streamer.Write(data)
	return err
}

func TestRegisterObjects(t *testing.T) {
	dict, _, _ := newTestDictionary(t, Config{})
	for _, index := range []uint16{IndexProgramData, IndexProgramControl, IndexProgramMetadata, IndexProgramStatus} {
		entry := dict.Index(index)
		assert.NotNil(t, entry)
		assert.Equal(t, 2, entry.SubCount())
		count, err := entry.Uint8(0)
		assert.Nil(t, err)
		assert.EqualValues(t, 1, count)
	}
}

func TestMetadataWriteThroughOd(t *testing.T) {
	dict, inst, _ := newTestDictionary(t, Config{})
	meta := MetadataRecord{ImageBytes: 512, CRC: 0x9C21, ImageType: ImageMain, Bank: 1}

	err := writeEntry(t, dict, IndexProgramMetadata, meta.Marshal())
	assert.Nil(t, err)
	assert.Equal(t, StageMetadataReady, inst.Stage())

	snapshot := inst.Snapshot()
	assert.EqualValues(t, 512, snapshot.ExpectedSize)
	assert.EqualValues(t, 0x9C21, snapshot.ExpectedCrc)
	assert.EqualValues(t, 1, snapshot.CurrentBank)

	// The OD backing buffer observes the record for subsequent reads
	entry := dict.Index(IndexProgramMetadata)
	variable, err := entry.SubIndex(1)
	assert.Nil(t, err)
	assert.Equal(t, meta.Marshal(), variable.Bytes())
}

func TestMetadataPartialWriteDoesNotAdvance(t *testing.T) {
	dict, inst, _ := newTestDictionary(t, Config{})
	meta := MetadataRecord{ImageBytes: 512, CRC: 0x9C21, Bank: 1}
	raw := meta.Marshal()

	streamer, err := dict.Streamer(IndexProgramMetadata, 1, false)
	assert.Nil(t, err)

	// First half : partial, state machine untouched
	_, err = streamer.Write(raw[:4])
	assert.Equal(t, od.ErrPartial, err)
	assert.Equal(t, StageIdle, inst.Stage())

	// Final half : record parsed on the last byte
	_, err = streamer.Write(raw[4:])
	assert.Nil(t, err)
	assert.Equal(t, StageMetadataReady, inst.Stage())
}

func TestMetadataRejectionThroughOd(t *testing.T) {
	dict, inst, _ := newTestDictionary(t, Config{})
	meta := MetadataRecord{ImageBytes: 0, CRC: 0x1234}

	err := writeEntry(t, dict, IndexProgramMetadata, meta.Marshal())
	assert.Equal(t, od.ErrInvalidValue, err)
	assert.Equal(t, StageIdle, inst.Stage())
}

func TestMetadataOversizeWriteRejected(t *testing.T) {
	dict, _, _ := newTestDictionary(t, Config{})
	err := writeEntry(t, dict, IndexProgramMetadata, make([]byte, MetadataRecordSize+1))
	assert.Equal(t, od.ErrDataLong, err)
}

func TestControlWriteThroughOd(t *testing.T) {
	dict, inst, _ := newTestDictionary(t, Config{})
	meta := MetadataRecord{ImageBytes: 128, CRC: 0x1234, Bank: 1}
	assert.Nil(t, writeEntry(t, dict, IndexProgramMetadata, meta.Marshal()))

	control := ControlPayload{Command: CommandStart, ImageType: ImageMain, Bank: 1}
	assert.Nil(t, writeEntry(t, dict, IndexProgramControl, control.Marshal()))
	assert.Equal(t, StageReceiving, inst.Stage())
	assert.True(t, inst.Snapshot().FlashPrepared)
}

func TestControlWrongSize(t *testing.T) {
	dict, inst, _ := newTestDictionary(t, Config{})
	meta := MetadataRecord{ImageBytes: 128, CRC: 0x1234}
	assert.Nil(t, writeEntry(t, dict, IndexProgramMetadata, meta.Marshal()))

	err := writeEntry(t, dict, IndexProgramControl, []byte{CommandStart, 0})
	assert.NotNil(t, err)
	assert.Equal(t, StageMetadataReady, inst.Stage())
}

func TestControlUnsupportedCommand(t *testing.T) {
	dict, inst, _ := newTestDictionary(t, Config{})
	meta := MetadataRecord{ImageBytes: 128, CRC: 0x1234}
	assert.Nil(t, writeEntry(t, dict, IndexProgramMetadata, meta.Marshal()))

	err := writeEntry(t, dict, IndexProgramControl, []byte{0x7F, 0, 1})
	assert.Equal(t, od.ErrInvalidValue, err)
	assert.Equal(t, StageMetadataReady, inst.Stage())
}

// startReceiving brings the installer into the receiving stage through the
// object dictionary
func startReceiving(t *testing.T, dict *od.ObjectDictionary, imageBytes uint32, imageCrc uint16) {
	t.Helper()
	meta := MetadataRecord{ImageBytes: imageBytes, CRC: imageCrc, Bank: 1}
	assert.Nil(t, writeEntry(t, dict, IndexProgramMetadata, meta.Marshal()))
	control := ControlPayload{Command: CommandStart, Bank: 1}
	assert.Nil(t, writeEntry(t, dict, IndexProgramControl, control.Marshal()))
}

func TestDataChunkSegmentedWrites(t *testing.T) {
	dict, inst, _ := newTestDictionary(t, Config{MaxChunkBytes: 128})
	image := patternImage(128)
	startReceiving(t, dict, 128, uint16(crc.Hash(image)))

	// One 128 byte chunk delivered as two SDO segments of 64
	streamer, err := dict.Streamer(IndexProgramData, 1, false)
	assert.Nil(t, err)
	streamer.DataLength = 128

	_, err = streamer.Write(image[:64])
	assert.Equal(t, od.ErrPartial, err)
	assert.True(t, inst.Snapshot().ChunkInProgress)
	assert.EqualValues(t, 64, inst.Snapshot().ReceivedBytes)

	_, err = streamer.Write(image[64:])
	assert.Nil(t, err)
	snapshot := inst.Snapshot()
	assert.False(t, snapshot.ChunkInProgress)
	assert.EqualValues(t, 128, snapshot.ReceivedBytes)
	assert.Equal(t, uint16(crc.Hash(image)), snapshot.RunningCrc)
}

func TestDataChunkBaseLatching(t *testing.T) {
	dict, inst, _ := newTestDictionary(t, Config{MaxChunkBytes: 64})
	image := patternImage(128)
	startReceiving(t, dict, 128, uint16(crc.Hash(image)))

	// Two consecutive chunks, each with its own streamer, reconstruct
	// absolute offsets from the received counter
	for offset := 0; offset < 128; offset += 64 {
		streamer, err := dict.Streamer(IndexProgramData, 1, false)
		assert.Nil(t, err)
		streamer.DataLength = 64
		_, err = streamer.Write(image[offset : offset+64])
		assert.Nil(t, err)
		assert.EqualValues(t, offset+64, inst.Snapshot().ReceivedBytes)
	}
}

func TestDataChunkTooLargeRejectedBeforeFlash(t *testing.T) {
	dict, inst, _ := newTestDictionary(t, Config{MaxChunkBytes: 64})
	startReceiving(t, dict, 256, 0x1234)

	streamer, err := dict.Streamer(IndexProgramData, 1, false)
	assert.Nil(t, err)
	streamer.DataLength = 65

	_, err = streamer.Write(make([]byte, 65))
	assert.Equal(t, od.ErrDataLong, err)
	assert.EqualValues(t, 0, inst.Snapshot().ReceivedBytes)
}

func TestDataChunkBoundarySize(t *testing.T) {
	dict, inst, _ := newTestDictionary(t, Config{MaxChunkBytes: 64})
	image := patternImage(64)
	startReceiving(t, dict, 64, uint16(crc.Hash(image)))

	err := writeEntry(t, dict, IndexProgramData, image)
	assert.Nil(t, err)
	assert.EqualValues(t, 64, inst.Snapshot().ReceivedBytes)
}

func TestDataZeroLengthRejected(t *testing.T) {
	dict, _, _ := newTestDictionary(t, Config{})
	startReceiving(t, dict, 64, 0x1234)

	streamer, err := dict.Streamer(IndexProgramData, 1, false)
	assert.Nil(t, err)
	var countWritten uint16
	err = streamer.Writer()(&streamer.Stream, []byte{}, &countWritten)
	assert.Equal(t, od.ErrNoData, err)
}

func TestDataBeforeStartRejected(t *testing.T) {
	dict, inst, _ := newTestDictionary(t, Config{})
	meta := MetadataRecord{ImageBytes: 64, CRC: 0x1234}
	assert.Nil(t, writeEntry(t, dict, IndexProgramMetadata, meta.Marshal()))

	err := writeEntry(t, dict, IndexProgramData, patternImage(64))
	assert.Equal(t, od.ErrInvalidValue, err)
	assert.Equal(t, StageMetadataReady, inst.Stage())
}

func TestStatusWriteCommits(t *testing.T) {
	dict, inst, scheduler := newTestDictionary(t, Config{})
	image := patternImage(130)
	imageCrc := uint16(crc.Hash(image))
	startReceiving(t, dict, 130, imageCrc)

	for offset := 0; offset < 130; offset += 64 {
		end := offset + 64
		if end > 130 {
			end = 130
		}
		assert.Nil(t, writeEntry(t, dict, IndexProgramData, image[offset:end]))
	}

	assert.Nil(t, writeEntry(t, dict, IndexProgramStatus, MarshalStatus(imageCrc)))
	assert.Equal(t, StageReadyToBoot, inst.Stage())
	assert.Equal(t, 1, scheduler.reboots)
}

func TestStatusCrcMismatchThroughOd(t *testing.T) {
	dict, inst, scheduler := newTestDictionary(t, Config{})
	image := patternImage(64)
	imageCrc := uint16(crc.Hash(image))
	startReceiving(t, dict, 64, imageCrc)
	assert.Nil(t, writeEntry(t, dict, IndexProgramData, image))

	err := writeEntry(t, dict, IndexProgramStatus, MarshalStatus(imageCrc^0xFFFF))
	assert.Equal(t, od.ErrInvalidValue, err)
	assert.Equal(t, StageVerifying, inst.Stage())
	assert.Equal(t, 0, scheduler.reboots)
}

func TestStatusWrongSize(t *testing.T) {
	dict, _, _ := newTestDictionary(t, Config{})
	startReceiving(t, dict, 64, 0x1234)
	err := writeEntry(t, dict, IndexProgramStatus, []byte{0x34})
	assert.NotNil(t, err)
}

func TestUnknownSubindexRejected(t *testing.T) {
	dict, _, _ := newTestDictionary(t, Config{})
	_, err := dict.Streamer(IndexProgramMetadata, 2, false)
	assert.Equal(t, od.ErrSubNotExist, err)
}
