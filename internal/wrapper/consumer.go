package wrapper

import (
	"go.uber.org/zap"

	"github.com/kilodev/cloudagent/internal/common/logger"
	"github.com/kilodev/cloudagent/internal/kilo"
	v1 "github.com/kilodev/cloudagent/pkg/api/v1"
)

// Consumer processes the agent backend's event stream for the live job.
// Every event counts as activity; heartbeats are filtered before relay;
// session.idle is the one authoritative completion signal.
type Consumer struct {
	state  *State
	relay  *Relay
	notify chan<- Notification
	logger *logger.Logger
}

// NewConsumer creates a consumer bound to the worker's state and relay.
func NewConsumer(state *State, relay *Relay, notify chan<- Notification, log *logger.Logger) *Consumer {
	return &Consumer{
		state:  state,
		relay:  relay,
		notify: notify,
		logger: log.WithFields(zap.String("component", "event-consumer")),
	}
}

// HandleEvent is the kilo stream callback. Classification happens exactly
// once here; downstream logic switches on the resulting kind.
func (c *Consumer) HandleEvent(raw []byte) {
	// After an abort the upstream stream drains asynchronously; its leftover
	// events must not relay or signal completion.
	if c.state.Aborted() {
		return
	}

	c.state.RecordActivity()

	ev, err := kilo.Classify(raw)
	if err != nil {
		c.logger.Debug("unparseable upstream event", zap.Error(err))
		return
	}

	switch ev.Kind {
	case kilo.KindHeartbeat:
		// Counts as activity, never relayed.
		return

	case kilo.KindTerminalError:
		c.logger.Error("terminal upstream error", zap.String("reason", ev.Reason))
		c.notify <- Notification{Kind: NoteTerminalError, Reason: ev.Reason}
		return

	case kilo.KindAssistantTurnDone:
		if !c.sessionMatches(ev.SessionID) {
			c.logger.Debug("assistant completion for stale session, ignoring",
				zap.String("event_session_id", ev.SessionID),
			)
			return
		}
		c.relay.Send(v1.NewStreamEvent(v1.StreamEventKilocode, ev.Raw))
		// One assistant turn finished. Inflight entries are deliberately not
		// resolved here: the agent's message id is a different namespace
		// from the tracked prompt id. session.idle does the bulk clear.
		c.notify <- Notification{Kind: NoteCompletion}
		return

	case kilo.KindSessionIdle:
		c.relay.Send(v1.NewStreamEvent(v1.StreamEventKilocode, ev.Raw))
		cleared := c.state.ClearInflight()
		c.state.SetIdle()
		c.logger.Info("session idle, work finished", zap.Int("inflight_cleared", cleared))
		c.notify <- Notification{Kind: NoteCompletion, Cleared: cleared}
		return

	default:
		c.relay.Send(v1.NewStreamEvent(v1.StreamEventKilocode, ev.Raw))
	}
}

// HandleStreamDisconnect is the kilo stream disconnect callback.
func (c *Consumer) HandleStreamDisconnect(err error) {
	reason := "upstream event stream closed"
	if err != nil {
		reason = "upstream event stream error: " + err.Error()
	}
	c.logger.Warn("upstream event stream ended", zap.Error(err))
	c.notify <- Notification{Kind: NoteDisconnected, Reason: reason}
}

// sessionMatches guards completion signaling against events from a stale
// subscription after a fast session switch.
func (c *Consumer) sessionMatches(eventSessionID string) bool {
	job := c.state.Job()
	if job == nil {
		return false
	}
	return eventSessionID == job.KiloSessionID
}
