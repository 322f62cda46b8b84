package client

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Ethiquema/ryu-ldn-nx-sub005/ports"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/proxy"
)

var (
	// ErrTimeout is returned when the handshake reply does not arrive
	// within the configured window.
	ErrTimeout = errors.New("client: handshake timeout")
	// ErrNotConnected is returned when forwarding without a live link.
	ErrNotConnected = errors.New("client: not connected")
	// ErrHandshakeRejected is returned when the relay refuses registration.
	ErrHandshakeRejected = errors.New("client: handshake rejected")
)

// Options configure a relay client. They are treated as immutable for the
// duration of a connection attempt; a config reload applies to subsequent
// attempts only.
type Options struct {
	ServerAddress        string
	UseTLS               bool
	TLSConfig            *tls.Config
	ConnectTimeout       time.Duration
	HandshakeTimeout     time.Duration
	PingInterval         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	MTU                  int
	Token                [16]byte
	SessionID            string
	AutoReconnect        bool
}

// DefaultOptions returns conservative client defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:       10 * time.Second,
		HandshakeTimeout:     5 * time.Second,
		PingInterval:         15 * time.Second,
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 5,
		MTU:                  proxy.DefaultMTU,
		AutoReconnect:        true,
	}
}

// maxBackoff caps the exponential retry delay.
const maxBackoff = 30 * time.Second

// Client owns exactly one outbound connection to the relay server (or, after
// NAT traversal succeeds, directly to a peer) and forwards virtual-socket
// traffic over it.
type Client struct {
	opts Options
	sm   *StateMachine
	disp *proxy.Dispatcher

	mu           sync.Mutex
	conn         net.Conn
	loopCancel   context.CancelFunc
	attempts     int
	backoffUntil time.Time
	lastPing     time.Time
	rnd          *rand.Rand
	rttObserver  func(time.Duration)
}

// New creates a client feeding decoded frames into the given dispatcher.
func New(opts Options, disp *proxy.Dispatcher) *Client {
	if opts.MTU <= 0 {
		opts.MTU = proxy.DefaultMTU
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	c := &Client{
		opts: opts,
		sm:   NewStateMachine(),
		disp: disp,
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	disp.RegisterHandler(proxy.KindConfig, c.handleConfig)
	return c
}

// StateMachine exposes the connection state machine for observers.
func (c *Client) StateMachine() *StateMachine { return c.sm }

// State returns the current link state.
func (c *Client) State() State { return c.sm.State() }

// SessionID returns the client's session identity.
func (c *Client) SessionID() string { return c.opts.SessionID }

// MACAddress returns the stable virtual link-layer address for this session.
func (c *Client) MACAddress() net.HardwareAddr {
	return GenerateMACAddress(c.opts.SessionID)
}

// OnRTT registers an observer for round-trip time samples from keepalives.
func (c *Client) OnRTT(fn func(time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rttObserver = fn
}

// Connect starts the link from Disconnected. Failures schedule a retry with
// exponential backoff; the Error state after exhausted attempts is terminal
// until Reset.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.sm.Transition(StateConnecting); err != nil {
		return err
	}
	return c.connectAttempt(ctx)
}

func (c *Client) connectAttempt(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		c.enterBackoff(err)
		return err
	}

	if err := c.handshake(conn); err != nil {
		conn.Close()
		c.enterBackoff(err)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.loopCancel = cancel
	c.attempts = 0
	c.backoffUntil = time.Time{}
	c.lastPing = time.Now()
	c.mu.Unlock()

	if err := c.sm.Transition(StateConnected); err != nil {
		// The link was torn down concurrently; drop the connection.
		cancel()
		conn.Close()
		return err
	}

	go c.recvLoop(loopCtx, conn)

	logrus.WithFields(logrus.Fields{
		"function": "connectAttempt",
		"server":   c.opts.ServerAddress,
		"session":  c.opts.SessionID,
	}).Info("Relay link established")

	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.opts.ConnectTimeout}
	if c.opts.UseTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: c.opts.TLSConfig}
		return tlsDialer.DialContext(ctx, "tcp", c.opts.ServerAddress)
	}
	return dialer.DialContext(ctx, "tcp", c.opts.ServerAddress)
}

// handshake sends the Config request and waits for the server's answer
// within the handshake window.
func (c *Client) handshake(conn net.Conn) error {
	req := &proxy.ConfigRequestPayload{
		Version: proxy.ProtocolVersion,
		MTU:     uint16(c.opts.MTU),
		Token:   c.opts.Token,
	}
	pkt := &proxy.Packet{Kind: proxy.KindConfig, Payload: req.Marshal()}

	if err := conn.SetDeadline(time.Now().Add(c.opts.HandshakeTimeout)); err != nil {
		return err
	}
	defer conn.SetDeadline(time.Time{})

	if err := proxy.WritePacket(conn, pkt, c.opts.MTU); err != nil {
		if isHandshakeTimeout(err) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return err
	}

	replyPkt, err := proxy.ReadPacket(conn, c.opts.MTU)
	if err != nil {
		if isHandshakeTimeout(err) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return err
	}
	if replyPkt.Kind != proxy.KindConfig {
		return fmt.Errorf("%w: unexpected %s frame", proxy.ErrProtocolViolation, replyPkt.Kind)
	}

	reply, err := proxy.ParseConfigReplyPayload(replyPkt.Payload)
	if err != nil {
		return err
	}
	if reply.Result != proxy.ResultSuccess {
		return fmt.Errorf("%w: result %d", ErrHandshakeRejected, reply.Result)
	}
	if int(reply.MTU) < c.opts.MTU {
		c.opts.MTU = int(reply.MTU)
	}
	return nil
}

// isHandshakeTimeout reports whether an error is a deadline expiry rather
// than a hard transport fault.
func isHandshakeTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// enterBackoff records a failed attempt and either schedules the next retry
// or parks the machine in terminal Error.
func (c *Client) enterBackoff(cause error) {
	if err := c.sm.Transition(StateBackoff); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "enterBackoff",
			"error":    err.Error(),
		}).Debug("Backoff transition rejected")
		return
	}

	c.mu.Lock()
	c.attempts++
	attempts := c.attempts
	c.mu.Unlock()

	if attempts > c.opts.MaxReconnectAttempts {
		_ = c.sm.Transition(StateError)
		c.mu.Lock()
		c.backoffUntil = time.Time{}
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "enterBackoff",
			"attempts": attempts,
			"error":    cause.Error(),
		}).Error("Reconnect attempts exhausted, link in terminal error state")
		return
	}

	delay := c.backoffDelay(attempts)
	c.mu.Lock()
	c.backoffUntil = time.Now().Add(delay)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "enterBackoff",
		"attempt":  attempts,
		"delay":    delay.String(),
		"error":    cause.Error(),
	}).Warn("Connection attempt failed, retry scheduled")
}

// backoffDelay doubles the base delay per attempt, capped with ±20% jitter.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.opts.ReconnectDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			delay = maxBackoff
			break
		}
	}
	c.mu.Lock()
	jitter := time.Duration(c.rnd.Int63n(int64(delay)*2/5+1)) - delay/5
	c.mu.Unlock()
	return delay + jitter
}

// Update drives periodic work: backoff expiry and keepalive pings. Callers
// run it on a short tick.
func (c *Client) Update(ctx context.Context) {
	switch c.sm.State() {
	case StateBackoff:
		c.mu.Lock()
		due := !c.backoffUntil.IsZero() && time.Now().After(c.backoffUntil)
		if due {
			c.backoffUntil = time.Time{}
		}
		c.mu.Unlock()
		if due {
			if err := c.sm.Transition(StateConnecting); err != nil {
				return
			}
			_ = c.connectAttempt(ctx)
		}
	case StateConnected:
		c.mu.Lock()
		due := time.Since(c.lastPing) >= c.opts.PingInterval && c.opts.PingInterval > 0
		if due {
			c.lastPing = time.Now()
		}
		c.mu.Unlock()
		if due {
			if err := c.sendPing(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Update",
					"error":    err.Error(),
				}).Debug("Keepalive ping failed")
			}
		}
	}
}

// BackoffDeadline returns the scheduled retry time, zero when none pending.
func (c *Client) BackoffDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoffUntil
}

// Disconnect tears down the link and cancels any pending backoff timer.
// A terminal Error state is left intact; use Reset for that.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.backoffUntil = time.Time{}
	c.attempts = 0
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	switch c.sm.State() {
	case StateConnected:
		_ = c.sm.Transition(StateDisconnected)
	case StateConnecting, StateBackoff:
		// Explicit teardown is the caller asking to return to the idle
		// state, which is what Reset is for.
		c.sm.Reset()
	}
	return nil
}

// Reset clears a terminal Error state so a fresh Connect may be attempted.
func (c *Client) Reset() {
	c.mu.Lock()
	c.attempts = 0
	c.backoffUntil = time.Time{}
	c.mu.Unlock()
	c.sm.Reset()
}

// recvLoop decodes frames off the link and feeds the dispatcher until the
// connection fails or the loop is cancelled.
func (c *Client) recvLoop(ctx context.Context, conn net.Conn) {
	for {
		pkt, err := proxy.ReadPacket(conn, c.opts.MTU)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.handleLinkFailure(err)
			return
		}

		if err := c.disp.Enqueue("server", pkt); err != nil {
			continue // shed, already counted by the dispatcher
		}
		c.disp.ProcessQueue()
	}
}

// handleLinkFailure reacts to a transport fault on an established link:
// backoff/reconnect when enabled, plain disconnect otherwise.
func (c *Client) handleLinkFailure(cause error) {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.loopCancel = nil
	c.mu.Unlock()

	if c.sm.State() != StateConnected {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleLinkFailure",
		"error":    cause.Error(),
	}).Warn("Relay link lost")

	if c.opts.AutoReconnect {
		c.enterBackoff(cause)
		return
	}
	_ = c.sm.Transition(StateDisconnected)
}

// send writes one frame under a write deadline. No lock is held across the
// blocking write.
func (c *Client) send(pkt *proxy.Packet) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	defer conn.SetWriteDeadline(time.Time{})

	return proxy.WritePacket(conn, pkt, c.opts.MTU)
}

// sendPing emits a keepalive Config frame carrying a timestamp the server
// echoes back for RTT measurement.
func (c *Client) sendPing() error {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(time.Now().UnixNano()))
	return c.send(&proxy.Packet{Kind: proxy.KindConfig, Flags: proxy.FlagPing, Payload: payload})
}

// handleConfig processes Config frames received while connected. A ping echo
// yields an RTT sample; anything else is ignored here because handshake
// Config frames are consumed synchronously during connect.
func (c *Client) handleConfig(_ string, pkt *proxy.Packet) error {
	if pkt.Flags&proxy.FlagPing == 0 || len(pkt.Payload) < 8 {
		return nil
	}
	sent := int64(binary.BigEndian.Uint64(pkt.Payload))
	rtt := time.Since(time.Unix(0, sent))

	c.mu.Lock()
	observer := c.rttObserver
	c.mu.Unlock()

	if observer != nil && rtt >= 0 {
		observer(rtt)
	}
	return nil
}

// ForwardData sends one virtual-socket fragment toward its destination. The
// caller is responsible for MTU fragmentation.
func (c *Client) ForwardData(src, dst proxy.Endpoint, proto ports.Protocol, payload []byte) error {
	wireProto := proxy.WireProtoUDP
	if proto == ports.ProtocolTCP {
		wireProto = proxy.WireProtoTCP
	}
	data := &proxy.DataPayload{Src: src, Dst: dst, Proto: wireProto, Data: payload}
	return c.send(&proxy.Packet{Kind: proxy.KindData, Payload: data.Marshal()})
}

// ForwardConnect announces a virtual connection request.
func (c *Client) ForwardConnect(src, dst proxy.Endpoint) error {
	payload := &proxy.ConnectPayload{Src: src, Dst: dst}
	return c.send(&proxy.Packet{Kind: proxy.KindConnect, Payload: payload.Marshal()})
}

// ForwardConnectReply answers a virtual connection request.
func (c *Client) ForwardConnectReply(src, dst proxy.Endpoint, result byte) error {
	payload := &proxy.ConnectReplyPayload{Src: src, Dst: dst, Result: result}
	return c.send(&proxy.Packet{Kind: proxy.KindConnectReply, Payload: payload.Marshal()})
}

// ForwardDisconnect announces teardown of a virtual endpoint.
func (c *Client) ForwardDisconnect(ep proxy.Endpoint) error {
	payload := &proxy.DisconnectPayload{Endpoint: ep, Reason: proxy.DisconnectReasonNormal}
	return c.send(&proxy.Packet{Kind: proxy.KindDisconnect, Payload: payload.Marshal()})
}
