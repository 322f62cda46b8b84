package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Ethiquema/ryu-ldn-nx-sub005/internal/obs"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/proxy"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/vsock"
)

var (
	// ErrUnauthorized is returned when a registration token is unknown or
	// expired. Registration fails closed.
	ErrUnauthorized = errors.New("relay: unauthorized token")
	// ErrNotFound is returned when no session speaks for a destination.
	ErrNotFound = errors.New("relay: no route to endpoint")
	// ErrServerClosed is returned from Serve after Shutdown.
	ErrServerClosed = errors.New("relay: server closed")
)

// ServerOptions configure a relay server.
type ServerOptions struct {
	Address          string
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
	MTU              int
	Tokens           TokenStore
	// LocalTable, when set, lets the relay host participate in the
	// network itself: Data frames with no routed session are delivered
	// into this socket table.
	LocalTable *vsock.Table
}

// Server accepts peer sessions, authenticates them with a token store and
// routes virtual-network frames between them by destination endpoint. The
// first registered session is the master; when it leaves, the remaining
// sessions are told the network dissolved.
type Server struct {
	opts       ServerOptions
	dispatcher *proxy.Dispatcher
	stopDrain  chan struct{}

	mu       sync.Mutex
	ln       net.Listener
	sessions map[string]*Session
	routes   map[proxy.Endpoint]*Session
	master   *Session
	closed   bool

	wg sync.WaitGroup
}

// NewServer creates a relay server. A token store must be supplied; there is
// no unauthenticated mode.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Tokens == nil {
		return nil, errors.New("relay: token store required")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.MTU <= 0 {
		opts.MTU = proxy.DefaultMTU
	}
	s := &Server{
		opts:       opts,
		dispatcher: proxy.NewDispatcher(proxy.DefaultQueueCapacity),
		stopDrain:  make(chan struct{}),
		sessions:   make(map[string]*Session),
		routes:     make(map[proxy.Endpoint]*Session),
	}
	s.dispatcher.RegisterHandler(proxy.KindConfig, s.handleConfig)
	s.dispatcher.RegisterHandler(proxy.KindData, s.handleData)
	s.dispatcher.RegisterHandler(proxy.KindConnect, s.handleConnect)
	s.dispatcher.RegisterHandler(proxy.KindConnectReply, s.handleConnectReply)
	s.dispatcher.RegisterHandler(proxy.KindDisconnect, s.handleDisconnect)

	s.wg.Add(1)
	go s.drainLoop()

	return s, nil
}

// drainLoop drains the dispatch queue whenever session read loops enqueue
// work. One goroutine processes the whole queue so frames keep their arrival
// order.
func (s *Server) drainLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopDrain:
			return
		case <-s.dispatcher.Notify():
			s.dispatcher.ProcessQueue()
		}
	}
}

// Dispatcher exposes the server's packet dispatcher, mainly for inspecting
// queue statistics.
func (s *Server) Dispatcher() *proxy.Dispatcher {
	return s.dispatcher
}

// ListenAndServe binds the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	var (
		ln  net.Listener
		err error
	)
	if s.opts.TLSConfig != nil {
		ln, err = tls.Listen("tcp", s.opts.Address, s.opts.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", s.opts.Address)
	}
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve runs the accept loop on the given listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"address":  ln.Addr().String(),
	}).Info("Relay server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Addr returns the listener address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// handleConn performs the handshake and, on success, runs the session until
// its connection ends.
func (s *Server) handleConn(conn net.Conn) {
	sess, err := s.TryRegisterUser(conn)
	if err != nil {
		conn.Close()
		logrus.WithFields(logrus.Fields{
			"function": "handleConn",
			"remote":   conn.RemoteAddr().String(),
			"error":    err.Error(),
		}).Warn("Session registration failed")
		return
	}
	sess.run()
}

// TryRegisterUser reads the handshake frame off a fresh connection,
// validates its token and registers a session. Unknown and expired tokens
// are refused on the wire and rejected with ErrUnauthorized.
func (s *Server) TryRegisterUser(conn net.Conn) (*Session, error) {
	if err := conn.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout)); err != nil {
		return nil, err
	}
	defer conn.SetDeadline(time.Time{})

	pkt, err := proxy.ReadPacket(conn, s.opts.MTU)
	if err != nil {
		return nil, err
	}
	if pkt.Kind != proxy.KindConfig || pkt.Flags&proxy.FlagPing != 0 {
		return nil, fmt.Errorf("%w: expected handshake frame", proxy.ErrProtocolViolation)
	}

	req, err := proxy.ParseConfigRequestPayload(pkt.Payload)
	if err != nil {
		return nil, err
	}
	if req.Version != proxy.ProtocolVersion {
		s.replyHandshake(conn, proxy.ResultRefused)
		return nil, fmt.Errorf("%w: version %d", proxy.ErrProtocolViolation, req.Version)
	}

	ok, err := s.opts.Tokens.Validate(context.Background(), req.Token)
	if err != nil {
		return nil, err
	}
	if !ok {
		obs.SessionsRejected.Inc()
		s.replyHandshake(conn, proxy.ResultRefused)
		return nil, ErrUnauthorized
	}

	mtu := s.opts.MTU
	if int(req.MTU) < mtu && req.MTU > 0 {
		mtu = int(req.MTU)
	}

	sess := newSession(uuid.NewString(), conn, s, mtu)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServerClosed
	}
	s.sessions[sess.ID] = sess
	isMaster := s.master == nil
	if isMaster {
		s.master = sess
	}
	count := len(s.sessions)
	s.mu.Unlock()

	if err := s.replyHandshake(conn, proxy.ResultSuccess); err != nil {
		s.unregister(sess)
		return nil, err
	}

	obs.SessionsRegistered.Inc()
	obs.ActiveSessions.Set(float64(count))

	logrus.WithFields(logrus.Fields{
		"function": "TryRegisterUser",
		"session":  sess.ID,
		"remote":   conn.RemoteAddr().String(),
		"master":   isMaster,
		"sessions": count,
	}).Info("Session registered")

	return sess, nil
}

func (s *Server) replyHandshake(conn net.Conn, result byte) error {
	reply := &proxy.ConfigReplyPayload{
		Version: proxy.ProtocolVersion,
		MTU:     uint16(s.opts.MTU),
		Result:  result,
	}
	return proxy.WritePacket(conn, &proxy.Packet{
		Kind:    proxy.KindConfig,
		Payload: reply.Marshal(),
	}, s.opts.MTU)
}

// learnRoute binds a virtual source endpoint to the session that sent from
// it. Later frames addressed to that endpoint go back the same way.
func (s *Server) learnRoute(src proxy.Endpoint, sess *Session) {
	if src.IsZero() {
		return
	}
	s.mu.Lock()
	s.routes[src] = sess
	s.mu.Unlock()
}

// forgetRoute drops a route, but only when it still points at the session
// asking. A peer cannot evict another peer's endpoint.
func (s *Server) forgetRoute(ep proxy.Endpoint, sess *Session) {
	s.mu.Lock()
	if s.routes[ep] == sess {
		delete(s.routes, ep)
	}
	s.mu.Unlock()
}

func (s *Server) localTable() *vsock.Table {
	return s.opts.LocalTable
}

// session returns the registered session for an ID. A frame can outlive its
// session in the dispatch queue, so handlers treat a miss as a drop.
func (s *Server) session(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// handleConfig answers keepalive probes. Any other Config frame after the
// handshake is a protocol violation and is dropped.
func (s *Server) handleConfig(sessionID string, pkt *proxy.Packet) error {
	sess, ok := s.session(sessionID)
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if pkt.Flags&proxy.FlagPing != 0 {
		// Echoed back unchanged so the peer can measure round-trip time.
		return sess.Send(pkt)
	}
	obs.PacketsDroppedTotal.WithLabelValues("protocol").Inc()
	return proxy.ErrProtocolViolation
}

// handleData routes a bulk frame toward the session speaking for its
// destination, falling back to the relay host's own socket table.
func (s *Server) handleData(sessionID string, pkt *proxy.Packet) error {
	sess, ok := s.session(sessionID)
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	data, err := proxy.ParseDataPayload(pkt.Payload)
	if err != nil {
		obs.PacketsDroppedTotal.WithLabelValues("malformed").Inc()
		return err
	}
	s.learnRoute(data.Src, sess)
	if err := s.RouteMessage(data.Dst, pkt, sess); err != nil {
		// The destination may live on the relay host itself.
		if localErr := sess.ProcessData(data); localErr == nil {
			obs.PacketsProcessedTotal.Inc()
			return nil
		}
		return err
	}
	return nil
}

// handleConnect routes a connect request and answers the sender with
// NotFound when nobody speaks for the destination, instead of leaving the
// connect hanging.
func (s *Server) handleConnect(sessionID string, pkt *proxy.Packet) error {
	sess, ok := s.session(sessionID)
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	conn, err := proxy.ParseConnectPayload(pkt.Payload)
	if err != nil {
		obs.PacketsDroppedTotal.WithLabelValues("malformed").Inc()
		return err
	}
	s.learnRoute(conn.Src, sess)
	if err := s.RouteMessage(conn.Dst, pkt, sess); err != nil {
		reply := &proxy.ConnectReplyPayload{
			Src:    conn.Dst,
			Dst:    conn.Src,
			Result: proxy.ResultNotFound,
		}
		return sess.Send(&proxy.Packet{
			Kind:    proxy.KindConnectReply,
			Payload: reply.Marshal(),
		})
	}
	return nil
}

func (s *Server) handleConnectReply(sessionID string, pkt *proxy.Packet) error {
	sess, ok := s.session(sessionID)
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	reply, err := proxy.ParseConnectReplyPayload(pkt.Payload)
	if err != nil {
		obs.PacketsDroppedTotal.WithLabelValues("malformed").Inc()
		return err
	}
	s.learnRoute(reply.Src, sess)
	return s.RouteMessage(reply.Dst, pkt, sess)
}

// handleDisconnect withdraws the sender's endpoint and tells the other
// sessions about the departure.
func (s *Server) handleDisconnect(sessionID string, pkt *proxy.Packet) error {
	sess, ok := s.session(sessionID)
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	disc, err := proxy.ParseDisconnectPayload(pkt.Payload)
	if err != nil {
		obs.PacketsDroppedTotal.WithLabelValues("malformed").Inc()
		return err
	}
	s.forgetRoute(disc.Endpoint, sess)
	s.broadcast(pkt, sess)
	return nil
}

// HandleExternalProxy marks a session as having a direct peer path: the
// relay keeps mediating its signaling but stops carrying its bulk data.
func (s *Server) HandleExternalProxy(sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	sess.setExternallyHandled(true)

	logrus.WithFields(logrus.Fields{
		"function": "HandleExternalProxy",
		"session":  sessionID,
	}).Info("Session bulk data delegated to direct path")
	return nil
}

// RouteMessage forwards a frame to the session speaking for dst. Unknown
// destinations fail closed with ErrNotFound; nothing is broadcast. Data for
// an externally handled session is dropped here because it already travels
// the direct path; signaling frames still go through.
func (s *Server) RouteMessage(dst proxy.Endpoint, pkt *proxy.Packet, from *Session) error {
	s.mu.Lock()
	target, ok := s.routes[dst]
	s.mu.Unlock()

	if !ok || target == from {
		obs.PacketsDroppedTotal.WithLabelValues("no_route").Inc()
		return fmt.Errorf("%w: %s", ErrNotFound, dst)
	}

	if pkt.Kind == proxy.KindData && target.ExternallyHandled() {
		obs.PacketsDroppedTotal.WithLabelValues("external_path").Inc()
		return nil
	}

	if err := target.Send(pkt); err != nil {
		target.Close()
		return err
	}
	obs.PacketsProcessedTotal.Inc()
	return nil
}

// broadcast sends a frame to every session except the origin.
func (s *Server) broadcast(pkt *proxy.Packet, from *Session) {
	s.mu.Lock()
	targets := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess != from {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range targets {
		if err := sess.Send(pkt); err != nil {
			sess.Close()
		}
	}
}

// unregister removes a session and its routes. When the master leaves, the
// remaining sessions are told the network dissolved.
func (s *Server) unregister(sess *Session) {
	s.mu.Lock()
	if _, ok := s.sessions[sess.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess.ID)
	for ep, owner := range s.routes {
		if owner == sess {
			delete(s.routes, ep)
		}
	}
	wasMaster := s.master == sess
	if wasMaster {
		s.master = nil
	}
	count := len(s.sessions)
	s.mu.Unlock()

	// Frames still queued from this session must not be routed after the
	// session is gone.
	s.dispatcher.ClearQueue(sess.ID)

	obs.ActiveSessions.Set(float64(count))

	logrus.WithFields(logrus.Fields{
		"function": "unregister",
		"session":  sess.ID,
		"master":   wasMaster,
		"sessions": count,
	}).Info("Session removed")

	if wasMaster {
		s.NotifyMasterDisconnect(sess)
	}
}

// NotifyMasterDisconnect fans a Disconnect out to every remaining session so
// peers tear down their virtual network instead of waiting on a dead host.
func (s *Server) NotifyMasterDisconnect(master *Session) {
	payload := &proxy.DisconnectPayload{Reason: proxy.DisconnectReasonMasterLeft}
	pkt := &proxy.Packet{Kind: proxy.KindDisconnect, Payload: payload.Marshal()}

	logrus.WithFields(logrus.Fields{
		"function": "NotifyMasterDisconnect",
		"session":  master.ID,
	}).Info("Master session left, notifying peers")

	s.broadcast(pkt, master)
}

// SessionCount returns the number of registered sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown stops accepting, closes every session and waits for their
// goroutines to finish or the context to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, sess := range sessions {
		sess.Close()
	}
	close(s.stopDrain)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
