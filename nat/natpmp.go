package nat

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

type natpmpMapper struct {
	client *natpmp.Client
}

// discoverNATPMP finds the default gateway and verifies it answers NAT-PMP
// by fetching the external address once.
func discoverNATPMP(timeout time.Duration) (*natpmpMapper, error) {
	type result struct {
		ip  net.IP
		err error
	}
	ch := make(chan result, 1)

	go func() {
		ip, err := gateway.DiscoverGateway()
		ch <- result{ip: ip, err: err}
	}()

	var gatewayIP net.IP
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("nat: discover gateway: %w", res.err)
		}
		gatewayIP = res.ip
	case <-time.After(timeout):
		return nil, fmt.Errorf("nat: discover gateway: timeout after %v", timeout)
	}

	client := natpmp.NewClientWithTimeout(gatewayIP, timeout)
	if _, err := client.GetExternalAddress(); err != nil {
		return nil, fmt.Errorf("nat: gateway does not answer NAT-PMP: %w", err)
	}

	return &natpmpMapper{client: client}, nil
}

func (n *natpmpMapper) Name() string { return "natpmp" }

func (n *natpmpMapper) AddMapping(_ context.Context, proto string, internalPort, externalPort int, lease time.Duration) (int, error) {
	result, err := n.client.AddPortMapping(strings.ToLower(proto), internalPort, externalPort, int(lease/time.Second))
	if err != nil {
		return 0, err
	}
	return int(result.MappedExternalPort), nil
}

func (n *natpmpMapper) DeleteMapping(_ context.Context, proto string, externalPort int) error {
	// A zero lease withdraws the mapping.
	_, err := n.client.AddPortMapping(strings.ToLower(proto), externalPort, 0, 0)
	return err
}

func (n *natpmpMapper) ExternalIP(_ context.Context) (net.IP, error) {
	result, err := n.client.GetExternalAddress()
	if err != nil {
		return nil, err
	}
	return net.IPv4(
		result.ExternalIPAddress[0],
		result.ExternalIPAddress[1],
		result.ExternalIPAddress[2],
		result.ExternalIPAddress[3],
	), nil
}
