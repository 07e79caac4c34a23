package sdo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	updater "github.com/PAE-HP-TARDOR-2025/firmware-updater"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/can/loopback"
	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/od"
)

const testNodeId = 0x10

func newTestNetwork(t *testing.T, dict *od.ObjectDictionary) *Client {
	t.Helper()
	broker := loopback.NewBroker()

	serverBus := broker.NewEndpoint()
	serverManager := updater.NewBusManager(nil, serverBus)
	assert.Nil(t, serverBus.Subscribe(serverManager))

	clientBus := broker.NewEndpoint()
	clientManager := updater.NewBusManager(nil, clientBus)
	assert.Nil(t, clientBus.Subscribe(clientManager))

	server, err := NewServer(serverManager, nil, dict, testNodeId, 0)
	assert.Nil(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go server.Process(ctx)
	t.Cleanup(cancel)

	client, err := NewClient(clientManager, nil, 0, 0)
	assert.Nil(t, err)
	err = client.Setup(
		uint32(ClientServiceId)+testNodeId,
		uint32(ServerServiceId)+testNodeId,
		testNodeId,
	)
	assert.Nil(t, err)
	return client
}

// download drives one complete transfer the way a session does
func download(t *testing.T, client *Client, index uint16, subindex uint8, data []byte) Abort {
	t.Helper()
	err := client.DownloadInitiate(index, subindex, uint32(len(data)), 0, false)
	assert.Nil(t, err)
	written := client.DownloadBufWrite(data)
	bufferPartial := written < len(data)

	for i := 0; i < 1000; i++ {
		var abortCode Abort
		state := client.DownloadPoll(DefaultPollUs, false, bufferPartial, &abortCode)
		if state < 0 {
			return abortCode
		}
		if state == Success {
			return AbortNone
		}
		if bufferPartial && written < len(data) {
			written += client.DownloadBufWrite(data[written:])
			bufferPartial = written < len(data)
		}
		time.Sleep(time.Duration(DefaultPollUs) * time.Microsecond)
	}
	t.Fatal("download did not terminate")
	return AbortGeneral
}

func TestDownloadExpedited(t *testing.T) {
	dict := od.NewObjectDictionary(nil)
	entry := dict.AddVariableType(0x2000, "Test value", od.UNSIGNED32, od.AttributeSdoRw, 4)
	client := newTestNetwork(t, dict)

	abort := download(t, client, 0x2000, 0, []byte{0xEF, 0xBE, 0xAD, 0xDE})
	assert.Equal(t, AbortNone, abort)

	value, err := entry.Uint32(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0xDEADBEEF, value)
}

func TestDownloadSegmented(t *testing.T) {
	dict := od.NewObjectDictionary(nil)
	entry := dict.AddVariableType(0x2001, "Test octet", od.OCTET_STRING, od.AttributeSdoRw, 16)
	client := newTestNetwork(t, dict)

	data := []byte("0123456789abcdef")
	abort := download(t, client, 0x2001, 0, data)
	assert.Equal(t, AbortNone, abort)

	readback := make([]byte, 16)
	assert.Nil(t, entry.ReadExactly(0, readback, true))
	assert.Equal(t, data, readback)
}

func TestDownloadUnknownIndex(t *testing.T) {
	dict := od.NewObjectDictionary(nil)
	client := newTestNetwork(t, dict)

	abort := download(t, client, 0x5555, 0, []byte{1, 2, 3, 4, 5})
	assert.Equal(t, AbortNotExist, abort)
}

func TestDownloadReadOnlyEntry(t *testing.T) {
	dict := od.NewObjectDictionary(nil)
	dict.AddVariableType(0x2002, "Read only", od.UNSIGNED32, od.AttributeSdoR, 4)
	client := newTestNetwork(t, dict)

	abort := download(t, client, 0x2002, 0, []byte{1, 2, 3, 4, 5})
	assert.Equal(t, AbortReadOnly, abort)
}

func TestDownloadSizeMismatch(t *testing.T) {
	dict := od.NewObjectDictionary(nil)
	dict.AddVariableType(0x2003, "Test octet", od.OCTET_STRING, od.AttributeSdoRw, 16)
	client := newTestNetwork(t, dict)

	// 8 bytes into a 16 byte entry : too short for the OD variable
	abort := download(t, client, 0x2003, 0, []byte("01234567"))
	assert.Equal(t, AbortDataShort, abort)
}

func TestSetupIsIdempotent(t *testing.T) {
	dict := od.NewObjectDictionary(nil)
	entry := dict.AddVariableType(0x2004, "Test value", od.UNSIGNED32, od.AttributeSdoRw, 4)
	client := newTestNetwork(t, dict)

	// Re-selecting the already bound node must not break anything
	for i := 0; i < 3; i++ {
		err := client.Setup(
			uint32(ClientServiceId)+testNodeId,
			uint32(ServerServiceId)+testNodeId,
			testNodeId,
		)
		assert.Nil(t, err)
	}
	abort := download(t, client, 0x2004, 0, []byte{1, 0, 0, 0})
	assert.Equal(t, AbortNone, abort)

	value, err := entry.Uint32(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 1, value)
}

func TestInitiateRequiresSetup(t *testing.T) {
	broker := loopback.NewBroker()
	bus := broker.NewEndpoint()
	manager := updater.NewBusManager(nil, bus)
	assert.Nil(t, bus.Subscribe(manager))

	client, err := NewClient(manager, nil, 0, 0)
	assert.Nil(t, err)
	err = client.DownloadInitiate(0x2000, 0, 4, 0, false)
	assert.Equal(t, updater.ErrIllegalArgument, err)
}

func TestConvertOdToSdoAbort(t *testing.T) {
	assert.Equal(t, AbortNotExist, ConvertOdToSdoAbort(od.ErrIdxNotExist))
	assert.Equal(t, AbortSubUnknown, ConvertOdToSdoAbort(od.ErrSubNotExist))
	assert.Equal(t, AbortInvalidValue, ConvertOdToSdoAbort(od.ErrInvalidValue))
	assert.Equal(t, AbortDeviceIncompat, ConvertOdToSdoAbort(od.ODR(99)))
}
