package update

import (
	"errors"

	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/od"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/ota"
)

// This file wires the installer into the object dictionary.
// The four firmware download objects are implemented as OD extensions :
// the extension handlers are the only place aware of SDO segment framing,
// the installer state machine itself sees clean (offset, bytes) events.

// RegisterObjects creates the firmware download entries in the dictionary
// and installs their extensions, with inst as the user object reachable
// through [od.Stream.Object] in every handler.
func RegisterObjects(dict *od.ObjectDictionary, inst *Installer) error {
	if dict == nil || inst == nil {
		return od.ErrDevIncompat
	}

	data := od.NewRecord()
	data.AddSubObject(0, "Highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, 1)
	data.AddSubObject(1, "Program data", od.DOMAIN, od.AttributeSdoW, 0)
	dataEntry := dict.AddVariableList(IndexProgramData, "Program download", data)
	dataEntry.AddExtension(inst, nil, writeProgramData)

	control := od.NewRecord()
	control.AddSubObject(0, "Highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, 1)
	control.AddSubObject(1, "Program control", od.OCTET_STRING, od.AttributeSdoRw, ControlPayloadSize)
	controlEntry := dict.AddVariableList(IndexProgramControl, "Program control", control)
	controlEntry.AddExtension(inst, od.ReadEntryDefault, writeProgramControl)

	metadata := od.NewRecord()
	metadata.AddSubObject(0, "Highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, 1)
	metadata.AddSubObject(1, "Program metadata", od.OCTET_STRING, od.AttributeSdoRw, MetadataRecordSize)
	metadataEntry := dict.AddVariableList(IndexProgramMetadata, "Program identification", metadata)
	metadataEntry.AddExtension(inst, od.ReadEntryDefault, writeProgramMetadata)

	status := od.NewRecord()
	status.AddSubObject(0, "Highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, 1)
	status.AddSubObject(1, "Program status", od.OCTET_STRING, od.AttributeSdoRw, StatusPayloadSize)
	statusEntry := dict.AddVariableList(IndexProgramStatus, "Program status", status)
	statusEntry.AddExtension(inst, od.ReadEntryDefault, writeProgramStatus)

	for _, entry := range []*od.Entry{dataEntry, controlEntry, metadataEntry, statusEntry} {
		if err := entry.WriteExactly(0, []byte{1}, true); err != nil {
			return err
		}
	}
	return nil
}

// [SDO] Custom function for writing the metadata record to 0x1F57:1.
// Partial writes fill the OD entry buffer and must not advance the state
// machine ; the record is parsed on the final byte.
func writeProgramMetadata(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || countWritten == nil {
		return od.ErrDevIncompat
	}
	inst, ok := stream.Object.(*Installer)
	if !ok {
		return od.ErrDevIncompat
	}
	if stream.Subindex == 0 {
		return od.WriteEntryDefault(stream, data, countWritten)
	}
	if stream.Subindex != 1 {
		return od.ErrSubNotExist
	}
	if len(data) == 0 {
		return od.ErrNoData
	}
	if stream.DataOffset+uint32(len(data)) > MetadataRecordSize {
		return od.ErrDataLong
	}
	err := od.WriteEntryDefault(stream, data, countWritten)
	if err != nil {
		// Includes partial writes : state machine untouched
		return err
	}
	rec, parseErr := ParseMetadataRecord(stream.Data[:MetadataRecordSize])
	if parseErr != nil {
		return od.ErrTypeMismatch
	}
	if storeErr := inst.StoreMetadata(rec); storeErr != nil {
		return toOdr(storeErr)
	}
	return nil
}

// [SDO] Custom function for writing the control payload to 0x1F51:1.
// Exactly 3 bytes in a single write.
func writeProgramControl(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || countWritten == nil {
		return od.ErrDevIncompat
	}
	inst, ok := stream.Object.(*Installer)
	if !ok {
		return od.ErrDevIncompat
	}
	if stream.Subindex == 0 {
		return od.WriteEntryDefault(stream, data, countWritten)
	}
	if stream.Subindex != 1 {
		return od.ErrSubNotExist
	}
	if stream.DataOffset != 0 || len(data) != ControlPayloadSize {
		return od.ErrDataLong
	}
	err := od.WriteEntryDefault(stream, data, countWritten)
	if err != nil {
		return err
	}
	payload, parseErr := ParseControlPayload(data)
	if parseErr != nil {
		return od.ErrTypeMismatch
	}
	if ctrlErr := inst.HandleControl(payload); ctrlErr != nil {
		return toOdr(ctrlErr)
	}
	return nil
}

// [SDO] Custom function for streaming program data through 0x1F50:1.
// Data is never buffered in the OD : every segment goes straight to the
// state machine, with the absolute image offset reconstructed from the
// chunk base and the stream offset.
func writeProgramData(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || countWritten == nil {
		return od.ErrDevIncompat
	}
	inst, ok := stream.Object.(*Installer)
	if !ok {
		return od.ErrDevIncompat
	}
	if stream.Subindex == 0 {
		return od.ErrReadonly
	}
	if stream.Subindex != 1 {
		return od.ErrSubNotExist
	}
	if len(data) == 0 || stream.DataLength == 0 {
		return od.ErrNoData
	}
	// Reject oversized chunks before anything reaches the flash
	if stream.DataLength > inst.MaxChunkBytes() || uint32(len(data)) > inst.MaxChunkBytes() {
		return od.ErrDataLong
	}
	if stream.DataOffset == 0 {
		inst.MarkChunkStart()
	}
	absoluteOffset := inst.ChunkBase() + stream.DataOffset
	if err := inst.ReceiveChunk(absoluteOffset, data); err != nil {
		return toOdr(err)
	}
	stream.DataOffset += uint32(len(data))
	*countWritten = uint16(len(data))
	if stream.DataOffset >= stream.DataLength {
		inst.MarkChunkEnd()
		return nil
	}
	return od.ErrPartial
}

// [SDO] Custom function for writing the finalize payload to 0x1F5A:1.
// Exactly 2 bytes in a single write.
func writeProgramStatus(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || countWritten == nil {
		return od.ErrDevIncompat
	}
	inst, ok := stream.Object.(*Installer)
	if !ok {
		return od.ErrDevIncompat
	}
	if stream.Subindex == 0 {
		return od.WriteEntryDefault(stream, data, countWritten)
	}
	if stream.Subindex != 1 {
		return od.ErrSubNotExist
	}
	if stream.DataOffset != 0 || len(data) != StatusPayloadSize {
		return od.ErrDataLong
	}
	err := od.WriteEntryDefault(stream, data, countWritten)
	if err != nil {
		return err
	}
	wireCrc, parseErr := ParseStatus(data)
	if parseErr != nil {
		return od.ErrTypeMismatch
	}
	if finErr := inst.Finalize(wireCrc); finErr != nil {
		return toOdr(finErr)
	}
	return nil
}

// toOdr translates state machine rejections to OD result codes, which the
// SDO server turns into abort codes on the wire
func toOdr(err error) od.ODR {
	switch {
	case errors.Is(err, ota.ErrNoPartition):
		return od.ErrNoRessource
	case errors.Is(err, ota.ErrImageTooLarge),
		errors.Is(err, ota.ErrSessionClosed),
		errors.Is(err, ota.ErrSessionAlready):
		return od.ErrHw
	case errors.Is(err, ErrWrongStage),
		errors.Is(err, ErrSizeZero),
		errors.Is(err, ErrSizeTooLarge),
		errors.Is(err, ErrCrcZero),
		errors.Is(err, ErrNoMetadata),
		errors.Is(err, ErrUnsupportedCommand),
		errors.Is(err, ErrFlashNotPrepared),
		errors.Is(err, ErrOtaNotReady),
		errors.Is(err, ErrOffsetMismatch),
		errors.Is(err, ErrOverflow),
		errors.Is(err, ErrSizeMismatch),
		errors.Is(err, ErrCrcMismatch):
		return od.ErrInvalidValue
	case errors.Is(err, ErrChunkTooLarge):
		return od.ErrDataLong
	default:
		return od.ErrGeneral
	}
}
