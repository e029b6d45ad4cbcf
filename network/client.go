// Package network connects a replication Session to an authority server: a
// websocket carries the join handshake and the reliable stream, a UDP socket
// carries unreliable pose updates.
package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/automoto/grabsync/config"
	"github.com/automoto/grabsync/replication"
	"github.com/automoto/grabsync/shared/messages"
	"github.com/automoto/grabsync/shared/netconfig"
	"github.com/automoto/grabsync/shared/pose"
	"github.com/automoto/grabsync/shared/protocol"
)

type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateJoined
	StateError
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateError:
		return "error"
	}
	return "unknown"
}

var (
	ErrNotConnected = errors.New("not connected")
	ErrRejected     = errors.New("join rejected")
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
	maxDatagram  = 2048
)

// Client owns the connection to one authority. It implements
// replication.Transport for the session it creates on join.
// All shared fields are protected by mu.
type Client struct {
	cfg    config.Replication
	logger *log.Logger

	mu             sync.RWMutex
	state          ClientState
	lastError      error
	participantID  netconfig.ParticipantID
	reconnectToken string
	sessionName    string
	tickRate       int
	conn           *websocket.Conn
	udp            *net.UDPConn
	session        *replication.Session
	cancel         context.CancelFunc
}

func NewClient(cfg config.Replication, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{cfg: cfg, logger: logger, state: StateDisconnected}
}

// Connect dials address, performs the join handshake and returns once the
// session is initialized. Packets received afterwards are queued on the
// session for its next Tick.
func (c *Client) Connect(ctx context.Context, address string, hello messages.Hello) error {
	c.setState(StateConnecting)

	conn, _, err := websocket.Dial(ctx, "ws://"+address+"/ws", nil)
	if err != nil {
		return c.fail(fmt.Errorf("dial %s: %w", address, err))
	}
	conn.SetReadLimit(readLimit)

	welcome, err := handshake(ctx, conn, hello)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return c.fail(err)
	}

	self := netconfig.ParticipantID(welcome.ParticipantID)
	session, err := replication.NewSession(c.cfg, self, c, replication.WithLogger(c.logger))
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return c.fail(err)
	}
	session.Init(InitialObjects(welcome.Objects))

	var udp *net.UDPConn
	if welcome.UDPPort > 0 {
		udp, err = dialUDP(address, welcome.UDPPort)
		if err != nil {
			c.logger.Printf("[client] udp unavailable, using websocket only: %v", err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.udp = udp
	c.session = session
	c.cancel = cancel
	c.participantID = self
	c.reconnectToken = welcome.ReconnectToken
	c.sessionName = welcome.SessionName
	c.tickRate = welcome.TickRate
	c.state = StateJoined
	c.lastError = nil
	c.mu.Unlock()

	c.logger.Printf("[client] joined %q as participant %d (%d objects, tick rate %d)",
		welcome.SessionName, self, len(welcome.Objects), welcome.TickRate)

	go c.readReliable(loopCtx, conn, session)
	if udp != nil {
		go c.readUnreliable(udp, session)
		// announce our UDP address before any pose traffic
		if err := c.SendUnreliable(headerOnly(self)); err != nil {
			c.logger.Printf("[client] udp hello: %v", err)
		}
	}
	return nil
}

func handshake(ctx context.Context, conn *websocket.Conn, hello messages.Hello) (*messages.Welcome, error) {
	frame, err := messages.Encode(messages.Control{Hello: &hello})
	if err != nil {
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	ctrl, err := messages.Decode(data)
	if err != nil {
		return nil, err
	}
	switch {
	case ctrl.Rejected != nil:
		return nil, fmt.Errorf("%w: %s", ErrRejected, ctrl.Rejected.Reason)
	case ctrl.Welcome == nil:
		return nil, errors.New("server did not answer hello")
	}
	return ctrl.Welcome, nil
}

func dialUDP(address string, port int) (*net.UDPConn, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return net.DialUDP("udp", nil, raddr)
}

func headerOnly(self netconfig.ParticipantID) []byte {
	p := protocol.NewPacker(protocol.Codec{}, protocol.HeaderSize)
	p.Begin(protocol.Header{Sender: self})
	return p.Bytes()
}

// InitialObjects converts the join-time object table for Session.Init.
func InitialObjects(infos []messages.ObjectInfo) []replication.InitialObject {
	out := make([]replication.InitialObject, 0, len(infos))
	for _, o := range infos {
		pos, rot := o.Pose()
		out = append(out, replication.InitialObject{
			ID:     netconfig.ObjectID(o.ID),
			Name:   o.Name,
			Pose:   pose.Snapshot{Position: pos, Rotation: rot},
			Owner:  netconfig.ParticipantID(o.Owner),
			AtRest: o.AtRest,
		})
	}
	return out
}

func (c *Client) readReliable(ctx context.Context, conn *websocket.Conn, session *replication.Session) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.disconnected(err)
			return
		}
		if typ == websocket.MessageBinary {
			session.Deliver(data, protocol.Reliable)
		}
	}
}

func (c *Client) readUnreliable(udp *net.UDPConn, session *replication.Session) {
	buf := make([]byte, maxDatagram)
	for {
		n, err := udp.Read(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.logger.Printf("[client] udp read: %v", err)
			}
			return
		}
		session.Deliver(append([]byte(nil), buf[:n]...), protocol.Unreliable)
	}
}

// SendReliable implements replication.Transport.
func (c *Client) SendReliable(packet []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageBinary, packet)
}

// SendUnreliable implements replication.Transport. Without UDP the packet
// goes over the websocket.
func (c *Client) SendUnreliable(packet []byte) error {
	c.mu.RLock()
	udp := c.udp
	c.mu.RUnlock()
	if udp == nil {
		return c.SendReliable(packet)
	}
	_, err := udp.Write(packet)
	return err
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	conn, udp, cancel := c.conn, c.udp, c.cancel
	c.state = StateDisconnected
	c.conn, c.udp, c.cancel = nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if udp != nil {
		_ = udp.Close()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

func (c *Client) disconnected(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateJoined {
		return
	}
	c.logger.Printf("[client] disconnected: %v", err)
	c.state = StateDisconnected
	c.lastError = err
	c.conn = nil
	if c.udp != nil {
		_ = c.udp.Close()
		c.udp = nil
	}
}

func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

func (c *Client) ParticipantID() netconfig.ParticipantID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.participantID
}

func (c *Client) ReconnectToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnectToken
}

func (c *Client) TickRate() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tickRate
}

func (c *Client) SessionName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionName
}

// Session is the replication session created on join, nil before.
func (c *Client) Session() *replication.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) fail(err error) error {
	c.mu.Lock()
	c.state = StateError
	c.lastError = err
	c.mu.Unlock()
	return err
}
