package media

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/martinnss/spik-conversation-service/internal/protocol"
)

const (
	// Opus over RTP as negotiated with the remote voice endpoint.
	opusPayloadType = 111
	opusClockRate   = 48000
	outboundSSRC    = 0x53504B01

	// defaultChannelLabel is the label the remote endpoint expects for the
	// JSON event channel.
	defaultChannelLabel = "oai-events"
)

// MediaError is a failure to create the peer connection, audio track, or
// control channel.
type MediaError struct {
	Op  string
	Err error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media error during %s: %v", e.Op, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// Config contains media session configuration.
type Config struct {
	STUNServer   string
	ChannelLabel string
}

// Callbacks are invoked from pion's internal goroutines. All fields are
// optional.
type Callbacks struct {
	// OnMessage delivers one raw inbound control-channel message.
	OnMessage func(data []byte)
	// OnChannelOpen fires when the control channel reaches the open state.
	OnChannelOpen func()
	// OnRemoteAudio delivers the remote agent's audio track handle.
	OnRemoteAudio func(track *webrtc.TrackRemote)
	// OnICEFailure fires when the connection fails at the ICE level.
	OnICEFailure func(cause string)
}

// Session owns one peer connection, one outbound audio track, and one ordered
// reliable data channel. It is created in a single shot: the control channel
// is registered before the offer is generated so the offer advertises it.
type Session struct {
	pc      *webrtc.PeerConnection
	track   *webrtc.TrackLocalStaticRTP
	channel *webrtc.DataChannel
	logger  *slog.Logger

	mu              sync.Mutex
	closed          bool
	outboundEnabled bool
	sequence        uint16
	timestamp       uint32
}

// NewSession builds the peer connection with one STUN server and unified-plan
// semantics, adds the microphone track, and creates the control channel.
func NewSession(cfg Config, cb Callbacks, logger *slog.Logger) (*Session, error) {
	if cfg.ChannelLabel == "" {
		cfg.ChannelLabel = defaultChannelLabel
	}

	pcConfig := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{cfg.STUNServer}},
		},
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}

	pc, err := webrtc.NewPeerConnection(pcConfig)
	if err != nil {
		return nil, &MediaError{Op: "peer connection setup", Err: err}
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   opusClockRate,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"microphone",
	)
	if err != nil {
		pc.Close()
		return nil, &MediaError{Op: "audio track setup", Err: err}
	}

	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, &MediaError{Op: "audio track setup", Err: err}
	}

	// The channel must exist before the offer is built so the offer's session
	// description advertises it. Ordered with no retransmit limit: reliable.
	ordered := true
	channel, err := pc.CreateDataChannel(cfg.ChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		pc.Close()
		return nil, &MediaError{Op: "control channel setup", Err: err}
	}

	s := &Session{
		pc:              pc,
		track:           track,
		channel:         channel,
		logger:          logger,
		outboundEnabled: true,
	}

	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		if cb.OnMessage != nil {
			cb.OnMessage(msg.Data)
		}
	})

	channel.OnOpen(func() {
		logger.Info("Control channel open", slog.String("label", cfg.ChannelLabel))
		if cb.OnChannelOpen != nil {
			cb.OnChannelOpen()
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Info("Remote audio track received",
			slog.String("codec", remote.Codec().MimeType),
			slog.String("id", remote.ID()),
		)
		if cb.OnRemoteAudio != nil {
			cb.OnRemoteAudio(remote)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug("ICE connection state changed", slog.String("state", state.String()))
		if state == webrtc.ICEConnectionStateFailed && cb.OnICEFailure != nil {
			cb.OnICEFailure("ICE connection failed")
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("Peer connection state changed", slog.String("state", state.String()))
		if state == webrtc.PeerConnectionStateFailed && cb.OnICEFailure != nil {
			cb.OnICEFailure("peer connection failed")
		}
	})

	return s, nil
}

// CreateOffer builds the local session description, applies it, and returns
// its SDP text for the signaling exchange.
func (s *Session) CreateOffer() (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", &MediaError{Op: "offer creation", Err: err}
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", &MediaError{Op: "offer creation", Err: err}
	}
	return offer.SDP, nil
}

// ApplyAnswer installs the remote session description received from signaling.
func (s *Session) ApplyAnswer(answerSDP string) error {
	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return &MediaError{Op: "answer apply", Err: err}
	}
	return nil
}

// Send serializes a client event and writes it to the control channel. It
// fails when the channel is absent or not open.
func (s *Session) Send(ev protocol.ClientEvent) error {
	s.mu.Lock()
	channel := s.channel
	closed := s.closed
	s.mu.Unlock()

	if closed || channel == nil {
		return fmt.Errorf("control channel is not available")
	}
	if channel.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("control channel is not open (state %s)", channel.ReadyState())
	}

	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	return channel.SendText(string(data))
}

// SetOutboundEnabled toggles the half-duplex gate on the microphone track.
// While disabled, WriteAudio drops frames instead of sending them.
func (s *Session) SetOutboundEnabled(enabled bool) {
	s.mu.Lock()
	s.outboundEnabled = enabled
	s.mu.Unlock()
}

// OutboundEnabled reports whether microphone frames are currently forwarded.
func (s *Session) OutboundEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outboundEnabled
}

// WriteAudio packetizes one Opus frame and writes it to the outbound track.
// samples is the frame duration in RTP clock units (960 for 20ms at 48kHz).
// Frames are silently dropped while the outbound gate is disabled; the return
// value reports whether the frame was sent.
func (s *Session) WriteAudio(opusFrame []byte, samples uint32) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, fmt.Errorf("media session is closed")
	}
	if !s.outboundEnabled {
		s.mu.Unlock()
		return false, nil
	}
	s.sequence++
	s.timestamp += samples
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: s.sequence,
			Timestamp:      s.timestamp,
			SSRC:           outboundSSRC,
		},
		Payload: opusFrame,
	}
	track := s.track
	s.mu.Unlock()

	if err := track.WriteRTP(packet); err != nil {
		return false, fmt.Errorf("failed to write audio frame: %w", err)
	}
	return true, nil
}

// Close tears down the audio track, the control channel, and the peer
// connection, in that order. Safe to call repeatedly.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.outboundEnabled = false
	channel := s.channel
	s.channel = nil
	s.track = nil
	s.mu.Unlock()

	if channel != nil {
		if err := channel.Close(); err != nil {
			s.logger.Debug("Error closing control channel", slog.String("error", err.Error()))
		}
	}
	if err := s.pc.Close(); err != nil {
		s.logger.Debug("Error closing peer connection", slog.String("error", err.Error()))
	}
}
