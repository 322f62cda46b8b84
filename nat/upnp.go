package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
)

// ErrNoUPnPDevice is returned when no internet gateway device answers
// discovery.
var ErrNoUPnPDevice = errors.New("nat: no UPnP gateway found")

// mappingDescription labels our entries in the gateway's mapping table.
const mappingDescription = "ldn-proxy"

// igdClient is the subset of goupnp's generated WAN connection clients the
// mapper needs. Every IGDv1 and IGDv2 WAN*Connection1 client implements it.
type igdClient interface {
	AddPortMapping(
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
		NewInternalPort uint16,
		NewInternalClient string,
		NewEnabled bool,
		NewPortMappingDescription string,
		NewLeaseDuration uint32,
	) error
	DeletePortMapping(NewRemoteHost string, NewExternalPort uint16, NewProtocol string) error
	GetExternalIPAddress() (string, error)
}

type upnpMapper struct {
	client igdClient
}

// discoverUPnP probes for an internet gateway device, newest service version
// first. Discovery on a quiet network can block well past the useful window,
// hence the hard timeout.
func discoverUPnP(timeout time.Duration) (*upnpMapper, error) {
	type result struct {
		mapper *upnpMapper
		err    error
	}
	ch := make(chan result, 1)

	go func() {
		client, err := findIGDClient()
		ch <- result{mapper: &upnpMapper{client: client}, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.mapper, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: discovery timeout after %v", ErrNoUPnPDevice, timeout)
	}
}

func findIGDClient() (igdClient, error) {
	if clients, _, err := internetgateway2.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	if clients, _, err := internetgateway2.NewWANPPPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	if clients, _, err := internetgateway1.NewWANPPPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	return nil, ErrNoUPnPDevice
}

func (u *upnpMapper) Name() string { return "upnp" }

func (u *upnpMapper) AddMapping(_ context.Context, proto string, internalPort, externalPort int, lease time.Duration) (int, error) {
	localIP, err := GetLocalIPAddress()
	if err != nil {
		return 0, err
	}
	if externalPort == 0 {
		externalPort = internalPort
	}

	err = u.client.AddPortMapping(
		"",
		uint16(externalPort),
		proto,
		uint16(internalPort),
		localIP.String(),
		true,
		mappingDescription,
		uint32(lease/time.Second),
	)
	if err != nil {
		return 0, err
	}
	return externalPort, nil
}

func (u *upnpMapper) DeleteMapping(_ context.Context, proto string, externalPort int) error {
	return u.client.DeletePortMapping("", uint16(externalPort), proto)
}

func (u *upnpMapper) ExternalIP(_ context.Context) (net.IP, error) {
	addr, err := u.client.GetExternalIPAddress()
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("nat: gateway returned invalid address %q", addr)
	}
	return ip, nil
}
