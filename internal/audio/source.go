package audio

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/martinnss/spik-conversation-service/internal/config"
	"github.com/martinnss/spik-conversation-service/internal/metrics"
)

// Opus frames from the capture client carry 20ms of 48kHz audio.
const frameSamples = 960

// Sink receives microphone frames. The boolean result reports whether the
// frame actually went out on the wire (false while the session is muted or
// absent).
type Sink interface {
	WriteAudio(opusFrame []byte, samples uint32) (bool, error)
}

// Source ingests Opus microphone frames over UDP and forwards them to the
// session. Each datagram is one complete Opus frame.
type Source struct {
	conn    *net.UDPConn
	config  *config.AudioConfig
	logger  *slog.Logger
	sink    Sink
	metrics *metrics.Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	recvWG   sync.WaitGroup
	fwdWG    sync.WaitGroup
	stopOnce sync.Once

	frameChan chan []byte

	framesReceived  uint64
	framesForwarded uint64
	framesMuted     uint64
	writeErrors     uint64
	mu              sync.RWMutex
}

// NewSource creates a microphone ingest source.
func NewSource(cfg *config.AudioConfig, sink Sink, m *metrics.Metrics, logger *slog.Logger) *Source {
	ctx, cancel := context.WithCancel(context.Background())

	return &Source{
		config:    cfg,
		logger:    logger,
		sink:      sink,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		frameChan: make(chan []byte, 256),
	}
}

// Start begins listening for microphone frames.
func (s *Source) Start() error {
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
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("Microphone ingest started",
		slog.String("address", addr.String()),
		slog.Int("buffer_size", s.config.BufferSize),
	)

	s.fwdWG.Add(1)
	go s.forwardLoop()

	s.recvWG.Add(1)
	go s.receiveLoop()

	return nil
}

// Stop gracefully stops the source. Safe to call more than once.
func (s *Source) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping microphone ingest...")

		s.cancel()

		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
			}
		}

		// The receiver owns frameChan and closes it on exit, so a datagram in
		// flight can never be sent on a closed channel. The forwarder drains
		// the channel and exits after that.
		s.recvWG.Wait()
		s.fwdWG.Wait()

		stats := s.GetStatistics()
		s.logger.Info("Microphone ingest stopped",
			slog.Uint64("frames_received", stats.FramesReceived),
			slog.Uint64("frames_forwarded", stats.FramesForwarded),
			slog.Uint64("frames_muted", stats.FramesMuted),
			slog.Uint64("write_errors", stats.WriteErrors),
		)
	})
	return nil
}

// receiveLoop is the main datagram receiving loop.
func (s *Source) receiveLoop() {
	defer s.recvWG.Done()
	defer close(s.frameChan)

	buffer := make([]byte, s.config.BufferSize)

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Receive loop stopping due to context cancellation")
			return
		default:
		}

		// Periodic deadline so shutdown is observed promptly.
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to read UDP datagram", slog.String("error", err.Error()))
				continue
			}
		}

		if n == 0 {
			continue
		}

		s.mu.Lock()
		s.framesReceived++
		s.mu.Unlock()

		// The read buffer is reused, so the frame is copied out.
		frame := make([]byte, n)
		copy(frame, buffer[:n])

		select {
		case s.frameChan <- frame:
		default:
			// Realtime audio: a stale frame is worthless, drop it.
			s.logger.Warn("Frame queue full, dropping frame",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("frame_size", n),
			)
		}
	}
}

// forwardLoop pushes queued frames into the sink.
func (s *Source) forwardLoop() {
	defer s.fwdWG.Done()

	for frame := range s.frameChan {
		sent, err := s.sink.WriteAudio(frame, frameSamples)
		if err != nil {
			s.mu.Lock()
			s.writeErrors++
			s.mu.Unlock()
			s.logger.Error("Failed to forward microphone frame",
				slog.Int("frame_size", len(frame)),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.mu.Lock()
		if sent {
			s.framesForwarded++
		} else {
			s.framesMuted++
		}
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.RecordAudioFrame(sent)
		}
	}
}

// GetStatistics returns current ingest counters.
func (s *Source) GetStatistics() SourceStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SourceStatistics{
		FramesReceived:  s.framesReceived,
		FramesForwarded: s.framesForwarded,
		FramesMuted:     s.framesMuted,
		WriteErrors:     s.writeErrors,
		QueueSize:       uint64(len(s.frameChan)),
		QueueCapacity:   uint64(cap(s.frameChan)),
	}
}

// SourceStatistics represents ingest performance counters.
type SourceStatistics struct {
	FramesReceived  uint64 `json:"frames_received"`
	FramesForwarded uint64 `json:"frames_forwarded"`
	FramesMuted     uint64 `json:"frames_muted"`
	WriteErrors     uint64 `json:"write_errors"`
	QueueSize       uint64 `json:"queue_size"`
	QueueCapacity   uint64 `json:"queue_capacity"`
}
