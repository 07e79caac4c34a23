package update

import (
	"encoding/binary"

	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/od"
)

// Object dictionary indices of the firmware download objects,
// CiA 302-3 inspired
const (
	IndexProgramData     uint16 = 0x1F50 // Program data (chunks)
	IndexProgramControl  uint16 = 0x1F51 // Program control {cmd,type,bank}
	IndexProgramMetadata uint16 = 0x1F57 // Program identification / metadata
	IndexProgramStatus   uint16 = 0x1F5A // Program status / finalize CRC
)

// The only defined control command
const CommandStart uint8 = 0x01

// Image types carried in the metadata record
const (
	ImageMain       uint8 = 0
	ImageBootloader uint8 = 1
	ImageConfig     uint8 = 2
)

// Wire sizes
const (
	MetadataRecordSize = 8
	ControlPayloadSize = 3
	StatusPayloadSize  = 2
)

// MetadataRecord is the 8 byte record written to 0x1F57:1.
// Encoding is little-endian, packed :
// u32 imageBytes | u16 crc | u8 imageType | u8 bank
type MetadataRecord struct {
	ImageBytes uint32
	CRC        uint16
	ImageType  uint8
	Bank       uint8
}

func (r MetadataRecord) Marshal() []byte {
	b := make([]byte, MetadataRecordSize)
	binary.LittleEndian.PutUint32(b[0:], r.ImageBytes)
	binary.LittleEndian.PutUint16(b[4:], r.CRC)
	b[6] = r.ImageType
	b[7] = r.Bank
	return b
}

func ParseMetadataRecord(b []byte) (MetadataRecord, error) {
	if len(b) != MetadataRecordSize {
		return MetadataRecord{}, od.ErrTypeMismatch
	}
	return MetadataRecord{
		ImageBytes: binary.LittleEndian.Uint32(b[0:]),
		CRC:        binary.LittleEndian.Uint16(b[4:]),
		ImageType:  b[6],
		Bank:       b[7],
	}, nil
}

// ControlPayload is the 3 byte payload written to 0x1F51:1
type ControlPayload struct {
	Command   uint8
	ImageType uint8
	Bank      uint8
}

func (p ControlPayload) Marshal() []byte {
	return []byte{p.Command, p.ImageType, p.Bank}
}

func ParseControlPayload(b []byte) (ControlPayload, error) {
	if len(b) != ControlPayloadSize {
		return ControlPayload{}, od.ErrTypeMismatch
	}
	return ControlPayload{Command: b[0], ImageType: b[1], Bank: b[2]}, nil
}

// MarshalStatus encodes the 2 byte finalize payload written to 0x1F5A:1
func MarshalStatus(crc uint16) []byte {
	b := make([]byte, StatusPayloadSize)
	binary.LittleEndian.PutUint16(b, crc)
	return b
}

func ParseStatus(b []byte) (uint16, error) {
	if len(b) != StatusPayloadSize {
		return 0, od.ErrTypeMismatch
	}
	return binary.LittleEndian.Uint16(b), nil
}
