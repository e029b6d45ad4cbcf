package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/automoto/grabsync/config"
	"github.com/automoto/grabsync/master"
	"github.com/automoto/grabsync/shared/messages"
	"github.com/automoto/grabsync/shared/netconfig"
	"github.com/automoto/grabsync/shared/protocol"
	"github.com/automoto/grabsync/shared/scene"
)

const (
	helloTimeout   = 5 * time.Second
	sendQueueDepth = 256
	maxDatagram    = 2048
)

type participant struct {
	id      netconfig.ParticipantID
	name    string
	token   string
	send    chan []byte
	cancel  context.CancelFunc
	udpAddr *net.UDPAddr // loop goroutine only
}

// enqueue hands a reliable packet to the participant's writer. A participant
// that cannot keep up is disconnected rather than silently losing reliable
// data.
func (p *participant) enqueue(packet []byte) bool {
	select {
	case p.send <- packet:
		return true
	default:
		p.cancel()
		return false
	}
}

type joinResult struct {
	p       *participant
	welcome *messages.Welcome
	reason  string
}

// Server hosts one shared session: the websocket endpoint carries the
// reliable stream, a UDP socket carries unreliable pose updates, and the
// game loop applies everything to the Authority.
type Server struct {
	cfg       config.Server
	authority *Authority
	metrics   *Metrics
	codec     protocol.Codec
	logger    *log.Logger
	loop      *GameLoop
	started   time.Time

	cmdMu    sync.Mutex
	commands []func()

	// owned by the loop goroutine
	participants map[netconfig.ParticipantID]*participant
	tokens       map[string]netconfig.ParticipantID
	nextID       netconfig.ParticipantID
	outgoing     []Outgoing

	participantCount atomic.Int32
	heldCount        atomic.Int32
	udp              *net.UDPConn
	httpServer       *http.Server
	stopRegistration context.CancelFunc
	stopOnce         sync.Once
}

func NewServer(cfg config.Server, objects []scene.Object, logger *log.Logger) (*Server, error) {
	if err := cfg.Replication.Validate(); err != nil {
		return nil, fmt.Errorf("new server: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	metrics := NewMetrics()
	s := &Server{
		cfg:          cfg,
		metrics:      metrics,
		authority:    NewAuthority(objects, metrics, logger),
		codec:        protocol.NewCodec(cfg.Replication.PositionRange, cfg.Replication.PositionBits),
		logger:       logger,
		started:      time.Now(),
		participants: make(map[netconfig.ParticipantID]*participant),
		tokens:       make(map[string]netconfig.ParticipantID),
	}
	s.loop = NewGameLoop(s, cfg.TickRate)
	return s, nil
}

// Handler serves the websocket endpoint, metrics and health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start begins the game loop, the UDP listener and the HTTP server. It blocks
// until the HTTP server stops.
func (s *Server) Start() error {
	udp, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(s.cfg.UDPPort)})
	if err != nil {
		return fmt.Errorf("listen udp %d: %w", s.cfg.UDPPort, err)
	}
	s.udp = udp
	go s.readUDP()
	go s.loop.Run()

	if s.cfg.MasterURL != "" {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopRegistration = cancel
		go NewRegistration(s.cfg.MasterURL, s.listing(), s, s.logger).Run(ctx)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.loop.Stop()
		if s.stopRegistration != nil {
			s.stopRegistration()
		}
		if s.udp != nil {
			_ = s.udp.Close()
		}
		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.httpServer.Shutdown(ctx)
		}
	})
}

// ParticipantCount returns the number of connected participants
func (s *Server) ParticipantCount() int {
	return int(s.participantCount.Load())
}

func (s *Server) ObjectCount() int {
	return s.authority.ObjectCount()
}

// Occupancy implements OccupancySource.
func (s *Server) Occupancy() master.Occupancy {
	return master.Occupancy{
		Participants: s.ParticipantCount(),
		Objects:      s.ObjectCount(),
		Held:         int(s.heldCount.Load()),
	}
}

// listing is the static part of the directory entry.
func (s *Server) listing() master.SessionInfo {
	address := s.cfg.Address
	if address == "" {
		address = fmt.Sprintf("localhost:%d", s.cfg.Port)
	}
	return master.SessionInfo{
		Name:            s.cfg.Name,
		Address:         address,
		MaxParticipants: s.cfg.MaxParticipants,
		Version:         s.cfg.Version,
		Region:          s.cfg.Region,
	}
}

func (s *Server) enqueue(cmd func()) {
	s.cmdMu.Lock()
	s.commands = append(s.commands, cmd)
	s.cmdMu.Unlock()
}

// ProcessCommands runs queued network events on the loop goroutine.
func (s *Server) ProcessCommands() {
	s.cmdMu.Lock()
	cmds := s.commands
	s.commands = nil
	s.cmdMu.Unlock()

	for _, cmd := range cmds {
		cmd()
	}
	s.heldCount.Store(int32(s.authority.HeldCount()))
}

func (s *Server) header() protocol.Header {
	return protocol.Header{
		Version: protocol.Version,
		Sender:  AuthorityID,
		SentAt:  uint32(time.Since(s.started).Milliseconds()),
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("[server] websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	hello, err := readHello(ctx, conn)
	if err != nil {
		s.logger.Printf("[server] handshake failed: %v", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "bad handshake")
		return
	}

	result := make(chan joinResult, 1)
	s.enqueue(func() { result <- s.join(hello, cancel) })

	var res joinResult
	select {
	case res = <-result:
	case <-ctx.Done():
		return
	}

	if res.p == nil {
		frame, _ := messages.Encode(messages.Control{Rejected: &messages.Rejected{Reason: res.reason}})
		_ = conn.Write(ctx, websocket.MessageBinary, frame)
		_ = conn.Close(websocket.StatusPolicyViolation, res.reason)
		return
	}
	p := res.p
	defer s.enqueue(func() { s.leave(p.id) })

	frame, err := messages.Encode(messages.Control{Welcome: res.welcome})
	if err != nil {
		s.logger.Printf("[server] %v", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		s.logger.Printf("[server] welcome to %d: %v", p.id, err)
		return
	}

	go s.writeLoop(ctx, conn, p)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.logger.Printf("[server] participant %d disconnected: %v", p.id, err)
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		s.enqueue(func() { s.handlePacket(p.id, protocol.Reliable, data) })
	}
}

func readHello(ctx context.Context, conn *websocket.Conn) (*messages.Hello, error) {
	ctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	ctrl, err := messages.Decode(data)
	if err != nil {
		return nil, err
	}
	if ctrl.Hello == nil {
		return nil, errors.New("first frame is not hello")
	}
	return ctrl.Hello, nil
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, p *participant) {
	for {
		select {
		case <-ctx.Done():
			return
		case packet := <-p.send:
			if err := conn.Write(ctx, websocket.MessageBinary, packet); err != nil {
				p.cancel()
				return
			}
		}
	}
}

func (s *Server) join(hello *messages.Hello, cancel context.CancelFunc) joinResult {
	if s.cfg.Version != "" && hello.Version != s.cfg.Version {
		return joinResult{reason: fmt.Sprintf("version mismatch: server requires %s", s.cfg.Version)}
	}
	if s.cfg.MaxParticipants > 0 && len(s.participants) >= s.cfg.MaxParticipants {
		return joinResult{reason: "session full"}
	}

	id, reused := s.tokens[hello.ReconnectToken]
	if !reused || s.participants[id] != nil {
		s.nextID++
		id = s.nextID
	}
	token := uuid.NewString()
	delete(s.tokens, hello.ReconnectToken)
	s.tokens[token] = id

	p := &participant{
		id:     id,
		name:   hello.DisplayName,
		token:  token,
		send:   make(chan []byte, sendQueueDepth),
		cancel: cancel,
	}
	s.participants[id] = p
	s.participantCount.Store(int32(len(s.participants)))
	s.authority.Join(id)
	s.logger.Printf("[server] participant %d (%q) joined", id, hello.DisplayName)

	return joinResult{p: p, welcome: &messages.Welcome{
		ParticipantID:  uint32(id),
		SessionName:    s.cfg.Name,
		TickRate:       s.cfg.TickRate,
		UDPPort:        int(s.cfg.UDPPort),
		ReconnectToken: token,
		Objects:        s.authority.Objects(),
	}}
}

func (s *Server) leave(id netconfig.ParticipantID) {
	if _, ok := s.participants[id]; !ok {
		return
	}
	delete(s.participants, id)
	s.participantCount.Store(int32(len(s.participants)))
	s.outgoing = append(s.outgoing, s.authority.Leave(id, s.header())...)
	s.logger.Printf("[server] participant %d left", id)
}

func (s *Server) readUDP() {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Printf("[server] udp read: %v", err)
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		s.enqueue(func() { s.handleDatagram(data, addr) })
	}
}

func (s *Server) handleDatagram(data []byte, addr *net.UDPAddr) {
	rd, err := s.codec.NewReader(data)
	if err != nil {
		s.metrics.Dropped.WithLabelValues("malformed").Inc()
		return
	}
	p, ok := s.participants[rd.Header.Sender]
	if !ok {
		s.metrics.Dropped.WithLabelValues("unknown_participant").Inc()
		return
	}
	p.udpAddr = addr
	s.handlePacket(p.id, protocol.Unreliable, data)
}

// handlePacket feeds every message of a packet from participant from to the
// authority.
func (s *Server) handlePacket(from netconfig.ParticipantID, ch protocol.Channel, data []byte) {
	if _, ok := s.participants[from]; !ok {
		return
	}
	rd, err := s.codec.NewReader(data)
	if err != nil {
		s.logger.Printf("[server] dropping %s packet from %d: %v", ch, from, err)
		s.metrics.Dropped.WithLabelValues("malformed").Inc()
		return
	}
	hdr := rd.Header
	hdr.Sender = from
	origin := s.header()
	for rd.More() {
		msg, err := rd.Next()
		if err != nil {
			s.logger.Printf("[server] malformed %s packet from %d, dropping remainder: %v", ch, from, err)
			s.metrics.Dropped.WithLabelValues("malformed").Inc()
			return
		}
		s.outgoing = append(s.outgoing, s.authority.Handle(from, ch, hdr, origin, msg)...)
	}
}

type batch struct {
	channel protocol.Channel
	origin  protocol.Header
	msgs    []protocol.Message
}

// FlushOutgoing packs everything produced this tick per recipient, keeping
// the production order, and sends it.
func (s *Server) FlushOutgoing() {
	if len(s.outgoing) == 0 {
		return
	}
	perRecipient := make(map[netconfig.ParticipantID][]*batch)
	add := func(to netconfig.ParticipantID, o Outgoing) {
		batches := perRecipient[to]
		if n := len(batches); n > 0 && batches[n-1].channel == o.Channel && batches[n-1].origin == o.Origin {
			batches[n-1].msgs = append(batches[n-1].msgs, o.Message)
			return
		}
		perRecipient[to] = append(batches, &batch{channel: o.Channel, origin: o.Origin, msgs: []protocol.Message{o.Message}})
	}

	for _, o := range s.outgoing {
		if o.To != netconfig.NoParticipant {
			add(o.To, o)
			continue
		}
		for id := range s.participants {
			if id != o.Except {
				add(id, o)
			}
		}
	}
	s.outgoing = s.outgoing[:0]

	for id, batches := range perRecipient {
		p, ok := s.participants[id]
		if !ok {
			continue
		}
		for _, b := range batches {
			for _, packet := range protocol.Pack(s.codec, b.origin, s.cfg.Replication.MaxPacketSize, b.msgs) {
				s.send(p, b.channel, packet)
			}
		}
	}
}

func (s *Server) send(p *participant, ch protocol.Channel, packet []byte) {
	if ch == protocol.Unreliable && p.udpAddr != nil && s.udp != nil {
		if _, err := s.udp.WriteToUDP(packet, p.udpAddr); err != nil {
			s.logger.Printf("[server] udp send to %d: %v", p.id, err)
		}
		return
	}
	if !p.enqueue(packet) {
		s.logger.Printf("[server] participant %d send queue full, disconnecting", p.id)
	}
}
