package proxy

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacket_ReadWriteRoundTrip(t *testing.T) {
	data := &DataPayload{
		Src:   Endpoint{Addr: [4]byte{10, 13, 0, 2}, Port: 50000},
		Dst:   Endpoint{Addr: [4]byte{10, 13, 0, 3}, Port: 50001},
		Proto: WireProtoUDP,
		Data:  []byte("ldn frame body"),
	}
	pkt := &Packet{Kind: KindData, Payload: data.Marshal()}

	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, pkt, DefaultMTU))

	got, err := ReadPacket(&buf, DefaultMTU)
	require.NoError(t, err)
	assert.Equal(t, KindData, got.Kind)

	parsed, err := ParseDataPayload(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, data.Src, parsed.Src)
	assert.Equal(t, data.Dst, parsed.Dst)
	assert.Equal(t, data.Proto, parsed.Proto)
	assert.Equal(t, data.Data, parsed.Data)
}

func TestPacket_RejectsOversizedData(t *testing.T) {
	payload := (&DataPayload{Data: make([]byte, DefaultMTU+1)}).Marshal()
	pkt := &Packet{Kind: KindData, Payload: payload}

	var buf bytes.Buffer
	err := WritePacket(&buf, pkt, DefaultMTU)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReadPacket_UnknownKind(t *testing.T) {
	frame := []byte{0x7f, 0, 0, 0}
	_, err := ReadPacket(bytes.NewReader(frame), DefaultMTU)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReadPacket_InboundOverMTU(t *testing.T) {
	big := &Packet{Kind: KindData, Payload: make([]byte, dataOverhead+100)}
	frame, err := big.Marshal()
	require.NoError(t, err)

	_, err = ReadPacket(bytes.NewReader(frame), 50)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestConnectReply_RoundTrip(t *testing.T) {
	reply := &ConnectReplyPayload{
		Src:    Endpoint{Addr: [4]byte{10, 13, 0, 2}, Port: 1},
		Dst:    Endpoint{Addr: [4]byte{10, 13, 0, 9}, Port: 2},
		Result: ResultRefused,
	}
	parsed, err := ParseConnectReplyPayload(reply.Marshal())
	require.NoError(t, err)
	assert.Equal(t, reply, parsed)

	_, err = ParseConnectReplyPayload(reply.Marshal()[:5])
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestConfigHandshake_RoundTrip(t *testing.T) {
	req := &ConfigRequestPayload{Version: ProtocolVersion, MTU: DefaultMTU}
	copy(req.Token[:], bytes.Repeat([]byte{0xab}, 16))

	parsedReq, err := ParseConfigRequestPayload(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, parsedReq)

	reply := &ConfigReplyPayload{Version: ProtocolVersion, MTU: 1280, Result: ResultSuccess}
	parsedReply, err := ParseConfigReplyPayload(reply.Marshal())
	require.NoError(t, err)
	assert.Equal(t, reply, parsedReply)
}

func TestDisconnect_RoundTrip(t *testing.T) {
	d := &DisconnectPayload{
		Endpoint: Endpoint{Addr: [4]byte{10, 13, 0, 4}, Port: 50002},
		Reason:   DisconnectReasonMasterLeft,
	}
	parsed, err := ParseDisconnectPayload(d.Marshal())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
}

func TestEndpointFromIP(t *testing.T) {
	ep, err := EndpointFromIP(net.ParseIP("10.13.0.2"), 50000)
	require.NoError(t, err)
	assert.Equal(t, "10.13.0.2:50000", ep.String())

	_, err = EndpointFromIP(net.ParseIP("fe80::1"), 1)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}
