package server

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gelogrammer/speech-metrics-service/internal/config"
	"github.com/gelogrammer/speech-metrics-service/internal/engine"
	"github.com/gelogrammer/speech-metrics-service/internal/metrics"
	"github.com/gelogrammer/speech-metrics-service/internal/protocol"
	"github.com/gelogrammer/speech-metrics-service/internal/stream"
)

// queueDepth is the per-worker packet buffer
const queueDepth = 256

// UDPServer ingests classifier frames as JSON datagrams and pushes metric
// updates back to the sender
type UDPServer struct {
	conn      *net.UDPConn
	config    *config.ServerConfig
	logger    *slog.Logger
	streamMgr *stream.Manager
	metrics   *metrics.Metrics

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// One queue per worker; a session always hashes to the same worker so
	// its frames are processed in arrival order
	queues []chan *incomingPacket

	// Update forwarding, keyed by session ID
	subs   map[string]func()
	subsMu sync.Mutex

	// Basic counters
	packetsReceived  uint64
	packetsProcessed uint64
	packetsDropped   uint64
	parseErrors      uint64
	mu               sync.RWMutex
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	msg        *protocol.Message
	size       int
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// NewUDPServer creates a new UDP server instance
func NewUDPServer(cfg *config.ServerConfig, logger *slog.Logger, streamMgr *stream.Manager, m *metrics.Metrics) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	workers := max(cfg.Workers, 1)
	queues := make([]chan *incomingPacket, workers)
	for i := range queues {
		queues[i] = make(chan *incomingPacket, queueDepth)
	}

	s := &UDPServer{
		config:    cfg,
		logger:    logger,
		streamMgr: streamMgr,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		queues:    queues,
		subs:      make(map[string]func()),
	}

	// Sessions can also disappear by expiry; drop their forwarders then
	if err := streamMgr.Bus().Subscribe(stream.TopicSessionRemoved, s.onSessionRemoved); err != nil {
		logger.Warn("Failed to watch session removals", slog.Any("error", err))
	}

	return s
}

// Start begins listening for UDP packets
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.Any("error", err),
		)
	}

	s.logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
		slog.Int("workers", len(s.queues)),
	)

	for i := range s.queues {
		s.wg.Add(1)
		go s.packetProcessor(i)
	}

	s.wg.Add(1)
	go s.receiveLoop()

	return nil
}

// Addr returns the bound address, or nil before Start
func (s *UDPServer) Addr() *net.UDPAddr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Stop gracefully stops the UDP server
func (s *UDPServer) Stop() error {
	s.logger.Info("Stopping UDP server...")

	s.cancel()

	// Close UDP connection to unblock the receive loop
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Error closing UDP connection", slog.Any("error", err))
		}
	}

	s.wg.Wait()

	s.subsMu.Lock()
	for id, cancel := range s.subs {
		cancel()
		delete(s.subs, id)
	}
	s.subsMu.Unlock()

	stats := s.GetStatistics()
	s.logger.Info("UDP server stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("packets_dropped", stats.PacketsDropped),
		slog.Uint64("parse_errors", stats.ParseErrors),
	)

	return nil
}

// receiveLoop is the main packet receiving loop
func (s *UDPServer) receiveLoop() {
	defer s.wg.Done()
	// Workers drain and exit once their queues close
	defer func() {
		for _, q := range s.queues {
			close(q)
		}
	}()

	buffer := make([]byte, s.config.BufferSize)

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Receive loop stopping due to context cancellation")
			return
		default:
		}

		// Set read deadline to check for context cancellation periodically
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.Any("error", err))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to read UDP packet", slog.Any("error", err))
				continue
			}
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()
		s.metrics.RecordPacketReceived()

		// Decoding copies out of the reused buffer
		msg, err := protocol.Parse(buffer[:n])
		if err != nil {
			s.recordParseError(remoteAddr, n, err)
			continue
		}

		packet := &incomingPacket{
			msg:        msg,
			size:       n,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		q := s.queues[s.shard(msg.SessionID)]
		select {
		case q <- packet:
			s.metrics.SetQueueSize(s.queueSize())
		default:
			s.mu.Lock()
			s.packetsDropped++
			s.mu.Unlock()
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.String("session_id", msg.SessionID),
				slog.Int("packet_size", n),
			)
		}
	}
}

// shard maps a session to a worker. Start messages without an ID always
// land on worker 0.
func (s *UDPServer) shard(sessionID string) int {
	if sessionID == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(len(s.queues)))
}

func (s *UDPServer) queueSize() int {
	total := 0
	for _, q := range s.queues {
		total += len(q)
	}
	return total
}

// packetProcessor processes packets from one worker queue
func (s *UDPServer) packetProcessor(workerID int) {
	defer s.wg.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))

	for packet := range s.queues[workerID] {
		s.handlePacket(packet, workerID)
	}

	s.logger.Debug("Packet processor stopped", slog.Int("worker_id", workerID))
}

func (s *UDPServer) recordParseError(addr *net.UDPAddr, size int, err error) {
	s.mu.Lock()
	s.parseErrors++
	s.mu.Unlock()
	s.metrics.RecordParseError()

	s.logger.Warn("Failed to parse packet",
		slog.String("remote_addr", addr.String()),
		slog.Int("packet_size", size),
		slog.Any("error", err),
	)
	s.reply(addr, protocol.ErrorMessage("", err, time.Now()))
}

// handlePacket processes a single queued packet
func (s *UDPServer) handlePacket(packet *incomingPacket, workerID int) {
	msg := packet.msg

	var err error
	switch msg.Type {
	case protocol.TypeStart:
		err = s.processStart(msg, packet.remoteAddr)
	case protocol.TypeFrame:
		err = s.processFrame(msg, packet.remoteAddr)
	case protocol.TypeReset:
		err = s.streamMgr.ResetSession(msg.SessionID)
	case protocol.TypeEnd:
		if !s.streamMgr.RemoveSession(msg.SessionID) {
			err = fmt.Errorf("%w: %s", stream.ErrSessionNotFound, msg.SessionID)
		}
	}

	if err != nil {
		if !errors.Is(err, stream.ErrStaleFrame) {
			s.logger.Warn("Failed to process message",
				slog.String("type", msg.Type),
				slog.String("session_id", msg.SessionID),
				slog.String("remote_addr", packet.remoteAddr.String()),
				slog.Int("packet_size", packet.size),
				slog.Duration("queued", time.Since(packet.timestamp)),
				slog.Int("worker_id", workerID),
				slog.Any("error", err),
			)
		}
		s.reply(packet.remoteAddr, protocol.ErrorMessage(msg.SessionID, err, time.Now()))
		return
	}

	s.mu.Lock()
	s.packetsProcessed++
	s.mu.Unlock()
	s.metrics.RecordPacketProcessed()
	s.metrics.SetQueueSize(s.queueSize())
}

// processStart opens a session and forwards its updates to the sender
func (s *UDPServer) processStart(msg *protocol.Message, addr *net.UDPAddr) error {
	session, err := s.streamMgr.CreateSession(msg.SessionID, addr.String())
	if err != nil {
		return err
	}

	if err := s.forwardUpdates(session.ID, addr); err != nil {
		return err
	}

	s.reply(addr, protocol.SessionMessage(session.ID, time.Now()))
	s.logger.Debug("Session started over UDP",
		slog.String("session_id", session.ID),
		slog.String("remote_addr", addr.String()),
	)
	return nil
}

// processFrame routes a frame, starting the session on first sight
func (s *UDPServer) processFrame(msg *protocol.Message, addr *net.UDPAddr) error {
	if msg.Frame == nil {
		return errors.New("frame message without frame payload")
	}

	if _, ok := s.streamMgr.GetSession(msg.SessionID); !ok {
		if err := s.processStart(&protocol.Message{Type: protocol.TypeStart, SessionID: msg.SessionID}, addr); err != nil {
			return err
		}
	}

	_, err := s.streamMgr.SubmitFrame(msg.SessionID, msg.Sequence, msg.Frame.Input())
	return err
}

// forwardUpdates replaces any previous forwarder for the session
func (s *UDPServer) forwardUpdates(sessionID string, addr *net.UDPAddr) error {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	if cancel, ok := s.subs[sessionID]; ok {
		cancel()
	}

	cancel, err := s.streamMgr.Subscribe(sessionID, func(u engine.Update) {
		s.reply(addr, protocol.FromUpdate(sessionID, u, time.Now()))
	})
	if err != nil {
		delete(s.subs, sessionID)
		return err
	}
	s.subs[sessionID] = cancel
	return nil
}

func (s *UDPServer) onSessionRemoved(e stream.SessionEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	if cancel, ok := s.subs[e.SessionID]; ok {
		cancel()
		delete(s.subs, e.SessionID)
	}
}

func (s *UDPServer) reply(addr *net.UDPAddr, out *protocol.Outbound) {
	data, err := protocol.Encode(out)
	if err != nil {
		s.logger.Error("Failed to encode reply", slog.Any("error", err))
		return
	}
	if _, err := s.conn.WriteToUDP(data, addr); err != nil && s.ctx.Err() == nil {
		s.logger.Debug("Failed to send reply",
			slog.String("remote_addr", addr.String()),
			slog.Any("error", err),
		)
	}
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStatistics{
		PacketsReceived:  s.packetsReceived,
		PacketsProcessed: s.packetsProcessed,
		PacketsDropped:   s.packetsDropped,
		ParseErrors:      s.parseErrors,
		ActiveSessions:   uint64(s.streamMgr.GetActiveSessionCount()),
		QueueSize:        uint64(s.queueSize()),
		QueueCapacity:    uint64(queueDepth * len(s.queues)),
	}
}

// ServerStatistics represents server performance metrics
type ServerStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	ParseErrors      uint64 `json:"parse_errors"`
	ActiveSessions   uint64 `json:"active_sessions"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
}
