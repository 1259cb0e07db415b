package session

import (
	"log/slog"

	"github.com/martinnss/spik-conversation-service/internal/metrics"
	"github.com/martinnss/spik-conversation-service/internal/protocol"
	"github.com/martinnss/spik-conversation-service/internal/transcript"
)

// Hooks are the side effects the interpreter can trigger beyond transcript
// mutation. All fields may be nil.
type Hooks struct {
	AgentAudioStarted func()
	AgentAudioStopped func()
	RecoverableError  func(message string)
	TranscriptChanged func()
}

// Interpreter decodes inbound control-channel messages and applies each one
// as a single synchronous effect. Malformed messages are dropped; they are
// never fatal to the session.
type Interpreter struct {
	store   *transcript.Store
	hooks   Hooks
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewInterpreter creates an event interpreter bound to a transcript store.
func NewInterpreter(store *transcript.Store, hooks Hooks, m *metrics.Metrics, logger *slog.Logger) *Interpreter {
	return &Interpreter{
		store:   store,
		hooks:   hooks,
		metrics: m,
		logger:  logger,
	}
}

// Handle processes one raw inbound message.
func (i *Interpreter) Handle(data []byte) {
	ev, err := protocol.Decode(data)
	if err != nil {
		if i.metrics != nil {
			i.metrics.RecordDecodeError()
		}
		i.logger.Debug("Dropping malformed control message", slog.String("error", err.Error()))
		return
	}

	if i.metrics != nil {
		i.metrics.RecordEventReceived(ev.Type)
	}

	switch ev.Type {
	case protocol.TypeConversationItemCreated:
		if ev.Item == nil || ev.Item.ID == "" {
			i.logger.Debug("Ignoring item created event without item id")
			return
		}
		i.store.UpsertCreated(ev.Item.ID, transcript.Role(ev.Item.Role), ev.Item.Text())
		i.changed()

	case protocol.TypeAudioTranscriptDelta:
		if i.store.AppendDelta(ev.ItemID, ev.Delta) {
			i.changed()
			return
		}
		if i.metrics != nil {
			i.metrics.RecordDroppedDelta()
		}
		i.logger.Debug("Dropping transcript delta for unknown item", slog.String("item_id", ev.ItemID))

	case protocol.TypeAudioTranscriptDone, protocol.TypeInputTranscriptionCompleted:
		if i.store.ReplaceFinal(ev.ItemID, ev.Transcript) {
			i.changed()
			return
		}
		i.logger.Debug("Dropping final transcript for unknown item", slog.String("item_id", ev.ItemID))

	case protocol.TypeOutputAudioStarted:
		if i.hooks.AgentAudioStarted != nil {
			i.hooks.AgentAudioStarted()
		}

	case protocol.TypeOutputAudioStopped:
		if i.hooks.AgentAudioStopped != nil {
			i.hooks.AgentAudioStopped()
		}

	case protocol.TypeError:
		message := "unknown remote error"
		if ev.Error != nil && ev.Error.Message != "" {
			message = ev.Error.Message
		}
		if i.metrics != nil {
			i.metrics.RecordProtocolError()
		}
		i.logger.Warn("Remote endpoint reported an error", slog.String("message", message))
		if i.hooks.RecoverableError != nil {
			i.hooks.RecoverableError(message)
		}

	case protocol.TypeSessionCreated, protocol.TypeSessionUpdated,
		protocol.TypeSpeechStarted, protocol.TypeSpeechStopped,
		protocol.TypeInputAudioCommitted:
		// Informational only.
		i.logger.Debug("Control event", slog.String("type", ev.Type))

	default:
		i.logger.Debug("Ignoring unrecognized control event", slog.String("type", ev.Type))
	}
}

func (i *Interpreter) changed() {
	if i.hooks.TranscriptChanged != nil {
		i.hooks.TranscriptChanged()
	}
}
