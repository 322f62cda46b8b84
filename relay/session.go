package relay

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Ethiquema/ryu-ldn-nx-sub005/ports"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/proxy"
)

// sendTimeout bounds one frame write toward a peer. A stalled peer must not
// wedge the goroutine routing on its behalf.
const sendTimeout = 5 * time.Second

// Session is one authenticated peer connection. The server learns which
// virtual endpoints a session speaks for from the traffic it sends and
// routes frames addressed to those endpoints back to it.
type Session struct {
	ID     string
	conn   net.Conn
	server *Server
	mtu    int

	sendMu sync.Mutex

	mu                sync.Mutex
	lastActivity      time.Time
	externallyHandled bool

	closeOnce sync.Once
}

func newSession(id string, conn net.Conn, server *Server, mtu int) *Session {
	return &Session{
		ID:           id,
		conn:         conn,
		server:       server,
		mtu:          mtu,
		lastActivity: time.Now(),
	}
}

// RemoteAddr returns the transport address of the peer.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// LastActivity returns the time of the last frame received from the peer.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// ExternallyHandled reports whether bulk data for this session travels a
// direct peer path instead of through the relay.
func (s *Session) ExternallyHandled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.externallyHandled
}

func (s *Session) setExternallyHandled(v bool) {
	s.mu.Lock()
	s.externallyHandled = v
	s.mu.Unlock()
}

// ProcessData delivers an inbound Data frame into the server's local socket
// table, for deployments where the relay host is itself a network member.
func (s *Session) ProcessData(data *proxy.DataPayload) error {
	table := s.server.localTable()
	if table == nil {
		return ErrNotFound
	}
	proto := ports.ProtocolUDP
	if data.Proto == proxy.WireProtoTCP {
		proto = ports.ProtocolTCP
	}
	return table.Deliver(proto, data.Dst, data.Src, data.Data)
}

// Send writes one frame to the peer under a deadline. Safe for concurrent
// use; frames from different routing goroutines are serialized.
func (s *Session) Send(pkt *proxy.Packet) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return err
	}
	defer s.conn.SetWriteDeadline(time.Time{})

	return proxy.WritePacket(s.conn, pkt, s.mtu)
}

// run reads frames from the peer until the connection fails, feeding each
// one into the server's dispatcher. Teardown always goes through Close.
func (s *Session) run() {
	defer s.Close()

	for {
		pkt, err := proxy.ReadPacket(s.conn, s.mtu)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"session":  s.ID,
				"error":    err.Error(),
			}).Debug("Session read ended")
			return
		}
		s.touch()

		if err := s.server.dispatcher.Enqueue(s.ID, pkt); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"session":  s.ID,
				"kind":     pkt.Kind.String(),
				"error":    err.Error(),
			}).Debug("Frame not queued")
		}
	}
}

// Close tears the session down exactly once: the connection is closed and
// the server drops its registration and routes.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
		s.server.unregister(s)
	})
}
