// Package ldn glues the proxy stack together: intercepted BSD-socket calls
// flow through a virtual socket table and out over a relay (or NAT-traversed)
// link to the other members of a virtual local network.
//
// Typical use:
//
//	cfg, _ := config.Load("ldn.toml")
//	core, err := ldn.New(cfg, token)
//	if err != nil {
//		// ...
//	}
//	defer core.Kill()
//
//	core.Start(ctx)
//	for core.IsRunning() {
//		core.Iterate()
//		time.Sleep(core.IterationInterval())
//	}
package ldn

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Ethiquema/ryu-ldn-nx-sub005/client"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/config"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/intercept"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/nat"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/ports"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/proxy"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/vsock"
)

// Core owns the full client-side stack and the background goroutines
// driving it.
type Core struct {
	cfg *config.Config

	alloc       *ports.Allocator
	table       *vsock.Table
	policy      *intercept.ProgramPolicy
	interceptor *intercept.Interceptor
	dispatcher  *proxy.Dispatcher
	client      *client.Client
	natMgr      *nat.Manager
	network     *NetworkState

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires the stack from configuration. The token authenticates this peer
// to the relay and is issued out of band.
func New(cfg *config.Config, token [16]byte) (*Core, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	alloc, err := ports.NewAllocator(cfg.Client.PortRangeLow, cfg.Client.PortRangeHigh)
	if err != nil {
		return nil, err
	}

	table := vsock.NewTable(alloc, vsock.DefaultRecvQueueCap)
	dispatcher := proxy.NewDispatcher(cfg.Client.QueueCapacity)

	opts := client.DefaultOptions()
	opts.ServerAddress = cfg.Client.ServerAddress
	opts.UseTLS = cfg.Client.UseTLS
	opts.ConnectTimeout = cfg.Client.ConnectTimeout.Std()
	opts.HandshakeTimeout = cfg.Client.HandshakeTimeout.Std()
	opts.PingInterval = cfg.Client.PingInterval.Std()
	opts.ReconnectDelay = cfg.Client.ReconnectDelay.Std()
	opts.MaxReconnectAttempts = cfg.Client.MaxReconnectAttempts
	opts.AutoReconnect = cfg.Client.AutoReconnect
	opts.MTU = cfg.Client.MTU
	opts.Token = token

	relayClient := client.New(opts, dispatcher)

	policy := intercept.NewProgramPolicy()
	policy.SetEnabled(cfg.Client.Enabled)
	interceptor := intercept.NewInterceptor(policy, table, relayClient, cfg.Client.MTU)

	core := &Core{
		cfg:         cfg,
		alloc:       alloc,
		table:       table,
		policy:      policy,
		interceptor: interceptor,
		dispatcher:  dispatcher,
		client:      relayClient,
		natMgr:      nat.NewManager(),
		network:     NewNetworkState(),
	}

	dispatcher.RegisterHandler(proxy.KindData, core.handleData)
	dispatcher.RegisterHandler(proxy.KindConnect, core.handleConnect)
	dispatcher.RegisterHandler(proxy.KindConnectReply, core.handleConnectReply)
	dispatcher.RegisterHandler(proxy.KindDisconnect, core.handleDisconnect)

	relayClient.OnRTT(core.network.RecordRTT)
	relayClient.StateMachine().OnChange(func(old, new client.State) {
		if new == client.StateConnected {
			core.network.Revive()
		}
	})

	interceptor.OnOwnerIdle(func(owner string) {
		logrus.WithFields(logrus.Fields{
			"function": "OnOwnerIdle",
			"owner":    owner,
		}).Debug("Owner released its last virtual socket")
	})

	return core, nil
}

// Start connects to the relay and, when enabled, tries to open a gateway
// mapping for direct reachability. NAT failure is not fatal; traffic stays
// on the relay.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	if c.cfg.Client.EnableNAT {
		if err := c.natMgr.Discover(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"error":    err.Error(),
			}).Info("NAT traversal unavailable")
		}
	}

	if err := c.client.Connect(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"error":    err.Error(),
		}).Warn("Initial relay connection failed, retrying in background")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.IterationInterval())
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				c.Iterate()
			}
		}
	}()

	return nil
}

// Iterate performs one tick of periodic work. Safe to call manually when
// the caller drives its own loop instead of Start's.
func (c *Core) Iterate() {
	c.client.Update(context.Background())
}

// IterationInterval returns how often Iterate should run.
func (c *Core) IterationInterval() time.Duration {
	return 50 * time.Millisecond
}

// IsRunning reports whether Start has been called and Kill has not.
func (c *Core) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Interceptor exposes the BSD-socket interception surface.
func (c *Core) Interceptor() *intercept.Interceptor { return c.interceptor }

// Policy exposes the interception policy for runtime program management.
func (c *Core) Policy() *intercept.ProgramPolicy { return c.policy }

// Client exposes the relay link.
func (c *Core) Client() *client.Client { return c.client }

// NAT exposes the gateway mapping manager.
func (c *Core) NAT() *nat.Manager { return c.natMgr }

// Network exposes the shared virtual-network state.
func (c *Core) Network() *NetworkState { return c.network }

// Kill tears everything down: relay link, gateway mappings, loops. The Core
// cannot be restarted afterwards.
func (c *Core) Kill() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.running = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.client.Disconnect()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()
	c.natMgr.Cleanup(ctx)
}

func protocolFromWire(p byte) ports.Protocol {
	if p == proxy.WireProtoTCP {
		return ports.ProtocolTCP
	}
	return ports.ProtocolUDP
}

// handleData delivers an inbound fragment to the virtual socket bound to
// its destination endpoint.
func (c *Core) handleData(_ string, pkt *proxy.Packet) error {
	data, err := proxy.ParseDataPayload(pkt.Payload)
	if err != nil {
		return err
	}
	c.network.MarkSeen(data.Src)
	return c.interceptor.Deliver(protocolFromWire(data.Proto), data.Dst, data.Src, data.Data)
}

// handleConnect queues an inbound connection request on the matching
// listener. No listener means the sender gets a refusal.
func (c *Core) handleConnect(_ string, pkt *proxy.Packet) error {
	req, err := proxy.ParseConnectPayload(pkt.Payload)
	if err != nil {
		return err
	}
	c.network.MarkSeen(req.Src)
	return c.interceptor.DeliverConnect(ports.ProtocolTCP, req.Dst, req.Src)
}

// handleConnectReply records the peer's answer to an optimistic connect.
// Only failures matter here; success means data can already flow.
func (c *Core) handleConnectReply(_ string, pkt *proxy.Packet) error {
	reply, err := proxy.ParseConnectReplyPayload(pkt.Payload)
	if err != nil {
		return err
	}
	if reply.Result != proxy.ResultSuccess {
		c.network.Forget(reply.Src)
		logrus.WithFields(logrus.Fields{
			"function": "handleConnectReply",
			"peer":     reply.Src.String(),
			"result":   reply.Result,
		}).Debug("Virtual connect refused by peer")
		return nil
	}
	c.network.MarkSeen(reply.Src)
	return nil
}

// handleDisconnect removes the endpoint from the member view. A master
// departure dissolves the whole network.
func (c *Core) handleDisconnect(_ string, pkt *proxy.Packet) error {
	disc, err := proxy.ParseDisconnectPayload(pkt.Payload)
	if err != nil {
		return err
	}
	if disc.Reason == proxy.DisconnectReasonMasterLeft {
		c.network.Dissolve()
		logrus.WithFields(logrus.Fields{
			"function": "handleDisconnect",
		}).Info("Master left, virtual network dissolved")
		return nil
	}
	c.network.Forget(disc.Endpoint)
	return nil
}
