// Package proxy implements the wire protocol spoken between LDN peers and the
// relay, and the dispatcher that routes decoded packets to handlers.
//
// Every frame starts with a fixed four byte header (kind, flags, big-endian
// payload length) followed by a kind-specific payload. Endpoints on the wire
// are a 4-byte IPv4 address and a 2-byte big-endian port. Byte order and field
// widths are part of the handshake contract and must not change.
package proxy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// Kind identifies the type of a proxy packet.
type Kind byte

const (
	KindConfig Kind = iota + 1
	KindConnect
	KindConnectReply
	KindData
	KindDisconnect
)

// String returns the name of the packet kind.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindConnect:
		return "connect"
	case KindConnectReply:
		return "connect_reply"
	case KindData:
		return "data"
	case KindDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Header flag bits.
const (
	// FlagPing marks a Config packet as a keepalive probe carrying a
	// timestamp. The receiver echoes it unchanged so the sender can
	// measure round-trip time.
	FlagPing byte = 1 << 0
)

// Connect result codes carried in a ConnectReply.
const (
	ResultSuccess byte = iota
	ResultRefused
	ResultNotFound
)

const (
	// HeaderSize is the fixed frame header length.
	HeaderSize = 4
	// EndpointSize is the wire size of an address:port pair.
	EndpointSize = 6
	// DefaultMTU bounds a Data payload unless the handshake negotiates
	// another value. Oversized application writes are fragmented by the
	// caller, never here.
	DefaultMTU = 1452
	// MaxPayload is the hard limit imposed by the 2-byte length field.
	MaxPayload = 65535
)

// ErrProtocolViolation is returned for malformed or oversized frames.
var ErrProtocolViolation = errors.New("proxy: protocol violation")

// Endpoint is a virtual address:port pair as carried on the wire.
type Endpoint struct {
	Addr [4]byte
	Port uint16
}

// EndpointFromIP builds an Endpoint from a native IP address.
func EndpointFromIP(ip net.IP, port uint16) (Endpoint, error) {
	v4 := ip.To4()
	if v4 == nil {
		return Endpoint{}, fmt.Errorf("%w: non-IPv4 address %s", ErrProtocolViolation, ip)
	}
	var ep Endpoint
	copy(ep.Addr[:], v4)
	ep.Port = port
	return ep, nil
}

// IP returns the endpoint address as a net.IP.
func (e Endpoint) IP() net.IP {
	return net.IPv4(e.Addr[0], e.Addr[1], e.Addr[2], e.Addr[3])
}

// String formats the endpoint as host:port.
func (e Endpoint) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", e.Addr[0], e.Addr[1], e.Addr[2], e.Addr[3], e.Port)
}

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e.Addr == [4]byte{} && e.Port == 0
}

func putEndpoint(b []byte, e Endpoint) {
	copy(b[0:4], e.Addr[:])
	binary.BigEndian.PutUint16(b[4:6], e.Port)
}

func getEndpoint(b []byte) Endpoint {
	var e Endpoint
	copy(e.Addr[:], b[0:4])
	e.Port = binary.BigEndian.Uint16(b[4:6])
	return e
}

// Packet is one decoded proxy frame.
type Packet struct {
	Kind    Kind
	Flags   byte
	Payload []byte
}

// Marshal serializes the packet with its header.
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload %d exceeds frame limit", ErrProtocolViolation, len(p.Payload))
	}
	buf := make([]byte, HeaderSize+len(p.Payload))
	buf[0] = byte(p.Kind)
	buf[1] = p.Flags
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(p.Payload)))
	copy(buf[HeaderSize:], p.Payload)
	return buf, nil
}

// WritePacket frames and writes one packet, enforcing the negotiated MTU on
// Data payloads.
func WritePacket(w io.Writer, p *Packet, mtu int) error {
	if p.Kind == KindData && len(p.Payload) > mtu+dataOverhead {
		return fmt.Errorf("%w: data payload %d exceeds mtu %d", ErrProtocolViolation, len(p.Payload)-dataOverhead, mtu)
	}
	buf, err := p.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadPacket reads one framed packet from the stream. Payloads larger than
// the negotiated limit are rejected without being consumed further.
func ReadPacket(r io.Reader, mtu int) (*Packet, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	kind := Kind(header[0])
	if kind < KindConfig || kind > KindDisconnect {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrProtocolViolation, header[0])
	}

	length := int(binary.BigEndian.Uint16(header[2:4]))
	if kind == KindData && length > mtu+dataOverhead {
		return nil, fmt.Errorf("%w: inbound data payload %d exceeds mtu %d", ErrProtocolViolation, length-dataOverhead, mtu)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return &Packet{Kind: kind, Flags: header[1], Payload: payload}, nil
}
