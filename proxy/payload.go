package proxy

import (
	"encoding/binary"
	"fmt"
)

// dataOverhead is the fixed prefix of a Data payload before the raw bytes:
// source endpoint, destination endpoint and a protocol octet.
const dataOverhead = 2*EndpointSize + 1

// Wire protocol octet values for the Data payload.
const (
	WireProtoTCP byte = 6
	WireProtoUDP byte = 17
)

// DataPayload carries virtual-socket traffic between two endpoints.
type DataPayload struct {
	Src   Endpoint
	Dst   Endpoint
	Proto byte
	Data  []byte
}

// Marshal encodes the payload for transmission.
func (d *DataPayload) Marshal() []byte {
	buf := make([]byte, dataOverhead+len(d.Data))
	putEndpoint(buf[0:], d.Src)
	putEndpoint(buf[EndpointSize:], d.Dst)
	buf[2*EndpointSize] = d.Proto
	copy(buf[dataOverhead:], d.Data)
	return buf
}

// ParseDataPayload decodes a Data packet payload.
func ParseDataPayload(b []byte) (*DataPayload, error) {
	if len(b) < dataOverhead {
		return nil, fmt.Errorf("%w: data payload too short (%d bytes)", ErrProtocolViolation, len(b))
	}
	d := &DataPayload{
		Src:   getEndpoint(b[0:]),
		Dst:   getEndpoint(b[EndpointSize:]),
		Proto: b[2*EndpointSize],
		Data:  make([]byte, len(b)-dataOverhead),
	}
	copy(d.Data, b[dataOverhead:])
	return d, nil
}

// ConnectPayload requests a virtual connection between two endpoints.
type ConnectPayload struct {
	Src Endpoint
	Dst Endpoint
}

// Marshal encodes the payload for transmission.
func (c *ConnectPayload) Marshal() []byte {
	buf := make([]byte, 2*EndpointSize)
	putEndpoint(buf[0:], c.Src)
	putEndpoint(buf[EndpointSize:], c.Dst)
	return buf
}

// ParseConnectPayload decodes a Connect packet payload.
func ParseConnectPayload(b []byte) (*ConnectPayload, error) {
	if len(b) < 2*EndpointSize {
		return nil, fmt.Errorf("%w: connect payload too short (%d bytes)", ErrProtocolViolation, len(b))
	}
	return &ConnectPayload{
		Src: getEndpoint(b[0:]),
		Dst: getEndpoint(b[EndpointSize:]),
	}, nil
}

// ConnectReplyPayload answers a Connect with a result code.
type ConnectReplyPayload struct {
	Src    Endpoint
	Dst    Endpoint
	Result byte
}

// Marshal encodes the payload for transmission.
func (c *ConnectReplyPayload) Marshal() []byte {
	buf := make([]byte, 2*EndpointSize+1)
	putEndpoint(buf[0:], c.Src)
	putEndpoint(buf[EndpointSize:], c.Dst)
	buf[2*EndpointSize] = c.Result
	return buf
}

// ParseConnectReplyPayload decodes a ConnectReply packet payload.
func ParseConnectReplyPayload(b []byte) (*ConnectReplyPayload, error) {
	if len(b) < 2*EndpointSize+1 {
		return nil, fmt.Errorf("%w: connect reply payload too short (%d bytes)", ErrProtocolViolation, len(b))
	}
	return &ConnectReplyPayload{
		Src:    getEndpoint(b[0:]),
		Dst:    getEndpoint(b[EndpointSize:]),
		Result: b[2*EndpointSize],
	}, nil
}

// DisconnectPayload announces teardown of everything bound to an endpoint.
type DisconnectPayload struct {
	Endpoint Endpoint
	Reason   byte
}

// Disconnect reasons.
const (
	DisconnectReasonNormal byte = iota
	DisconnectReasonMasterLeft
	DisconnectReasonTimeout
)

// Marshal encodes the payload for transmission.
func (d *DisconnectPayload) Marshal() []byte {
	buf := make([]byte, EndpointSize+1)
	putEndpoint(buf[0:], d.Endpoint)
	buf[EndpointSize] = d.Reason
	return buf
}

// ParseDisconnectPayload decodes a Disconnect packet payload.
func ParseDisconnectPayload(b []byte) (*DisconnectPayload, error) {
	if len(b) < EndpointSize+1 {
		return nil, fmt.Errorf("%w: disconnect payload too short (%d bytes)", ErrProtocolViolation, len(b))
	}
	return &DisconnectPayload{
		Endpoint: getEndpoint(b[0:]),
		Reason:   b[EndpointSize],
	}, nil
}

// ConfigRequestPayload is the first frame a client sends: protocol version,
// requested MTU and the 16-byte registration token. The layout is part of the
// handshake contract.
type ConfigRequestPayload struct {
	Version uint16
	MTU     uint16
	Token   [16]byte
}

// ProtocolVersion is the version offered and accepted by this implementation.
const ProtocolVersion uint16 = 1

// ConfigRequestSize is the wire size of a ConfigRequestPayload.
const ConfigRequestSize = 2 + 2 + 16

// Marshal encodes the payload for transmission.
func (c *ConfigRequestPayload) Marshal() []byte {
	buf := make([]byte, ConfigRequestSize)
	binary.BigEndian.PutUint16(buf[0:2], c.Version)
	binary.BigEndian.PutUint16(buf[2:4], c.MTU)
	copy(buf[4:], c.Token[:])
	return buf
}

// ParseConfigRequestPayload decodes a handshake request.
func ParseConfigRequestPayload(b []byte) (*ConfigRequestPayload, error) {
	if len(b) < ConfigRequestSize {
		return nil, fmt.Errorf("%w: config request too short (%d bytes)", ErrProtocolViolation, len(b))
	}
	c := &ConfigRequestPayload{
		Version: binary.BigEndian.Uint16(b[0:2]),
		MTU:     binary.BigEndian.Uint16(b[2:4]),
	}
	copy(c.Token[:], b[4:4+16])
	return c, nil
}

// ConfigReplyPayload is the server's handshake answer carrying the negotiated
// values and a result code.
type ConfigReplyPayload struct {
	Version uint16
	MTU     uint16
	Result  byte
}

// ConfigReplySize is the wire size of a ConfigReplyPayload.
const ConfigReplySize = 2 + 2 + 1

// Marshal encodes the payload for transmission.
func (c *ConfigReplyPayload) Marshal() []byte {
	buf := make([]byte, ConfigReplySize)
	binary.BigEndian.PutUint16(buf[0:2], c.Version)
	binary.BigEndian.PutUint16(buf[2:4], c.MTU)
	buf[4] = c.Result
	return buf
}

// ParseConfigReplyPayload decodes a handshake reply.
func ParseConfigReplyPayload(b []byte) (*ConfigReplyPayload, error) {
	if len(b) < ConfigReplySize {
		return nil, fmt.Errorf("%w: config reply too short (%d bytes)", ErrProtocolViolation, len(b))
	}
	return &ConfigReplyPayload{
		Version: binary.BigEndian.Uint16(b[0:2]),
		MTU:     binary.BigEndian.Uint16(b[2:4]),
		Result:  b[4],
	}, nil
}
