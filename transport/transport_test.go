package transport

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub037/crypto"
)

func testEnvelope() *TransportEnvelope {
	return &TransportEnvelope{
		Source:      crypto.NewID(),
		Destination: crypto.NewID(),
		Context:     crypto.NewID(),
		Payload:     []byte("hello"),
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("payload")))
	require.NoError(t, WriteFrame(&buf, nil))

	first, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), first)

	second, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestFrameSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)

	// Oversized header without the body behind it.
	buf.Reset()
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err = ReadFrame(&buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("payload")))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])
	_, err := ReadFrame(truncated)
	require.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	envelope := testEnvelope()
	envelope.Metadata = map[string]string{"trace": "abc"}

	data, err := envelope.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, envelope, decoded)
}

func TestLocalForRouting(t *testing.T) {
	authority := crypto.NewID()
	device := crypto.NewID()
	other := crypto.NewID()

	envelope := testEnvelope()
	envelope.Destination = authority

	// No device metadata: any device of the authority accepts.
	ok, err := envelope.LocalFor(authority, device)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = envelope.LocalFor(other, device)
	require.NoError(t, err)
	require.False(t, ok)

	// Device metadata pins delivery to one device.
	envelope.Metadata = map[string]string{MetadataDeviceId: device.String()}
	ok, err = envelope.LocalFor(authority, device)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = envelope.LocalFor(authority, other)
	require.NoError(t, err)
	require.False(t, ok)

	envelope.Metadata[MetadataDeviceId] = "not-a-device-id"
	_, err = envelope.LocalFor(authority, device)
	require.Error(t, err)
}

func TestInboxPoll(t *testing.T) {
	inbox := NewInbox()
	_, err := inbox.Poll()
	require.ErrorIs(t, err, ErrNoMessage)

	first := testEnvelope()
	second := testEnvelope()
	inbox.Push(first)
	inbox.Push(second)
	require.Equal(t, 2, inbox.Len())

	got, err := inbox.Poll()
	require.NoError(t, err)
	require.Equal(t, first, got)

	got, err = inbox.Poll()
	require.NoError(t, err)
	require.Equal(t, second, got)

	_, err = inbox.Poll()
	require.ErrorIs(t, err, ErrNoMessage)
}

func TestDescriptorTableResolution(t *testing.T) {
	table := NewDescriptorTable()
	contextId := crypto.NewID()
	peer := crypto.NewID()

	_, err := table.ResolvePeerAddr(contextId, peer)
	require.ErrorIs(t, err, ErrDestinationUnreachable)

	table.Put(Descriptor{
		Context:   contextId,
		Authority: peer,
		Hints:     []TransportHint{{Kind: "carrier_pigeon"}, {Kind: HintTcpDirect, Addr: "127.0.0.1:9000"}},
	})
	addr, err := table.ResolvePeerAddr(contextId, peer)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", addr)

	// No dialable hint is still unreachable.
	table.Put(Descriptor{Context: contextId, Authority: peer, Hints: []TransportHint{{Kind: "carrier_pigeon"}}})
	_, err = table.ResolvePeerAddr(contextId, peer)
	require.ErrorIs(t, err, ErrDestinationUnreachable)

	table.Remove(contextId, peer)
	_, ok := table.Get(contextId, peer)
	require.False(t, ok)
}

func TestSenderDeliversOverTcp(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	delivered := make(chan *TransportEnvelope, 1)
	receiver := NewReceiver(DefaultConfig(), func(envelope *TransportEnvelope) {
		delivered <- envelope
	})
	go receiver.Serve(listener) //nolint:errcheck

	envelope := testEnvelope()
	table := NewDescriptorTable()
	table.Put(Descriptor{
		Context:   envelope.Context,
		Authority: envelope.Destination,
		Hints:     []TransportHint{{Kind: HintTcpDirect, Addr: listener.Addr().String()}},
	})

	sender := NewSender(DefaultConfig(), table)
	require.NoError(t, sender.Send(envelope))

	select {
	case got := <-delivered:
		require.Equal(t, envelope, got)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope was not delivered")
	}
	require.Zero(t, sender.Failures())
}

func TestSenderCountsFailures(t *testing.T) {
	envelope := testEnvelope()
	sender := NewSender(DefaultConfig(), NewDescriptorTable())

	// Unknown peer.
	require.ErrorIs(t, sender.Send(envelope), ErrDestinationUnreachable)
	require.Equal(t, uint64(1), sender.Failures())

	// Known peer, nothing listening.
	table := NewDescriptorTable()
	table.Put(Descriptor{
		Context:   envelope.Context,
		Authority: envelope.Destination,
		Hints:     []TransportHint{{Kind: HintTcpDirect, Addr: "127.0.0.1:1"}},
	})
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 500 * time.Millisecond
	sender = NewSender(cfg, table)
	require.ErrorIs(t, sender.Send(envelope), ErrDestinationUnreachable)
	require.Equal(t, uint64(1), sender.Failures())
}
