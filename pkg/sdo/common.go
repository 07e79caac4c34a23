package sdo

import (
	"encoding/binary"
	"fmt"

	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/od"
)

// Common defines to both SDO server and SDO client

const (
	ClientServiceId uint16 = 0x600
	ServerServiceId uint16 = 0x580
)

const (
	// Per write timeout, as used on the bench setup. The slower 1s tuning
	// is safer when the peer performs flash writes inside the handler.
	DefaultTimeoutUs     uint32 = 60_000
	AlternateTimeoutUs   uint32 = 1_000_000
	DefaultPollUs        uint32 = 1_000
	ClientBufferSize            = 1000
	ServerBufferSize            = 2000
	ServerFlushThreshold        = 1000
)

type internalState uint8

const (
	stateIdle                internalState = 0x00
	stateAbort               internalState = 0x01
	stateDownloadInitiateReq internalState = 0x11
	stateDownloadInitiateRsp internalState = 0x12
	stateDownloadSegmentReq  internalState = 0x13
	stateDownloadSegmentRsp  internalState = 0x14
	stateDownloading         internalState = 0x15
)

// Client poll states, the contract of [Client.DownloadPoll] :
// negative means aborted, positive means keep polling, zero means success.
const (
	Success         = 0
	WaitingResponse = 1
	Aborted         = -1
)

type Abort uint32

const (
	AbortNone              Abort = 0x00000000
	AbortToggleBit         Abort = 0x05030000
	AbortTimeout           Abort = 0x05040000
	AbortCmd               Abort = 0x05040001
	AbortBlockSize         Abort = 0x05040002
	AbortSeqNum            Abort = 0x05040003
	AbortCRC               Abort = 0x05040004
	AbortOutOfMem          Abort = 0x05040005
	AbortUnsupportedAccess Abort = 0x06010000
	AbortWriteOnly         Abort = 0x06010001
	AbortReadOnly          Abort = 0x06010002
	AbortNotExist          Abort = 0x06020000
	AbortNoMap             Abort = 0x06040041
	AbortMapLen            Abort = 0x06040042
	AbortParamIncompat     Abort = 0x06040043
	AbortDeviceIncompat    Abort = 0x06040047
	AbortHardware          Abort = 0x06060000
	AbortTypeMismatch      Abort = 0x06070010
	AbortDataLong          Abort = 0x06070012
	AbortDataShort         Abort = 0x06070013
	AbortSubUnknown        Abort = 0x06090011
	AbortInvalidValue      Abort = 0x06090030
	AbortValueHigh         Abort = 0x06090031
	AbortValueLow          Abort = 0x06090032
	AbortMaxLessMin        Abort = 0x06090036
	AbortNoRessource       Abort = 0x060A0023
	AbortGeneral           Abort = 0x08000000
	AbortDataTransfer      Abort = 0x08000020
	AbortDataLocalControl  Abort = 0x08000021
	AbortDataDeviceState   Abort = 0x08000022
	AbortDataOD            Abort = 0x08000023
	AbortNoData            Abort = 0x08000024
)

var AbortCodeDescriptionMap = map[Abort]string{
	AbortToggleBit:         "Toggle bit not altered",
	AbortTimeout:           "SDO protocol timed out",
	AbortCmd:               "Command specifier not valid or unknown",
	AbortBlockSize:         "Invalid block size in block mode",
	AbortSeqNum:            "Invalid sequence number in block mode",
	AbortCRC:               "CRC error (block mode only)",
	AbortOutOfMem:          "Out of memory",
	AbortUnsupportedAccess: "Unsupported access to an object",
	AbortWriteOnly:         "Attempt to read a write only object",
	AbortReadOnly:          "Attempt to write a read only object",
	AbortNotExist:          "Object does not exist in the object dictionary",
	AbortNoMap:             "Object cannot be mapped to the PDO",
	AbortMapLen:            "Num and len of object to be mapped exceeds PDO len",
	AbortParamIncompat:     "General parameter incompatibility reasons",
	AbortDeviceIncompat:    "General internal incompatibility in device",
	AbortHardware:          "Access failed due to hardware error",
	AbortTypeMismatch:      "Data type does not match, length does not match",
	AbortDataLong:          "Data type does not match, length too high",
	AbortDataShort:         "Data type does not match, length too short",
	AbortSubUnknown:        "Sub index does not exist",
	AbortInvalidValue:      "Invalid value for parameter (download only)",
	AbortValueHigh:         "Value range of parameter written too high",
	AbortValueLow:          "Value range of parameter written too low",
	AbortMaxLessMin:        "Maximum value is less than minimum value.",
	AbortNoRessource:       "Resource not available: SDO connection",
	AbortGeneral:           "General error",
	AbortDataTransfer:      "Data cannot be transferred or stored to application",
	AbortDataLocalControl:  "Data cannot be transferred because of local control",
	AbortDataDeviceState:   "Data cannot be tran. because of present device state",
	AbortDataOD:            "Object dict. not present or dynamic generation fails",
	AbortNoData:            "No data available",
}

var odToAbortMap = map[od.ODR]Abort{
	od.ErrOutOfMem:     AbortOutOfMem,
	od.ErrUnsuppAccess: AbortUnsupportedAccess,
	od.ErrWriteOnly:    AbortWriteOnly,
	od.ErrReadonly:     AbortReadOnly,
	od.ErrIdxNotExist:  AbortNotExist,
	od.ErrNoMap:        AbortNoMap,
	od.ErrMapLen:       AbortMapLen,
	od.ErrParIncompat:  AbortParamIncompat,
	od.ErrDevIncompat:  AbortDeviceIncompat,
	od.ErrHw:           AbortHardware,
	od.ErrTypeMismatch: AbortTypeMismatch,
	od.ErrDataLong:     AbortDataLong,
	od.ErrDataShort:    AbortDataShort,
	od.ErrSubNotExist:  AbortSubUnknown,
	od.ErrInvalidValue: AbortInvalidValue,
	od.ErrValueHigh:    AbortValueHigh,
	od.ErrValueLow:     AbortValueLow,
	od.ErrMaxLessMin:   AbortMaxLessMin,
	od.ErrNoRessource:  AbortNoRessource,
	od.ErrGeneral:      AbortGeneral,
	od.ErrDataTransf:   AbortDataTransfer,
	od.ErrDataLocCtrl:  AbortDataLocalControl,
	od.ErrDataDevState: AbortDataDeviceState,
	od.ErrOdMissing:    AbortDataOD,
	od.ErrNoData:       AbortNoData,
}

// Get the associated abort code, if the code is not present in map,
// return AbortDeviceIncompat
func ConvertOdToSdoAbort(oderr od.ODR) Abort {
	abortCode, ok := odToAbortMap[oderr]
	if ok {
		return abortCode
	}
	return AbortDeviceIncompat
}

func (abort Abort) Error() string {
	return fmt.Sprintf("x%x : %s", uint32(abort), abort.Description())
}

func (abort Abort) Description() string {
	description, ok := AbortCodeDescriptionMap[abort]
	if ok {
		return description
	}
	return AbortCodeDescriptionMap[AbortGeneral]
}

// Message is a raw SDO transfer frame payload
type Message struct {
	raw [8]byte
}

func (m *Message) IsAbort() bool {
	return m.raw[0] == 0x80
}

func (m *Message) GetAbortCode() Abort {
	return Abort(binary.LittleEndian.Uint32(m.raw[4:]))
}

func (m *Message) GetIndex() uint16 {
	return binary.LittleEndian.Uint16(m.raw[1:3])
}

func (m *Message) GetSubindex() uint8 {
	return m.raw[3]
}

func (m *Message) GetToggle() uint8 {
	return m.raw[0] & 0x10
}

func hex16(v uint16) string {
	return fmt.Sprintf("x%x", v)
}

// Checks whether the response command is an expected value in the present
// state
func (m *Message) isResponseCommandValid(state internalState) bool {
	switch state {
	case stateDownloadInitiateRsp:
		return m.raw[0] == 0x60
	case stateDownloadSegmentRsp:
		return (m.raw[0] & 0xEF) == 0x20
	}
	return false
}
