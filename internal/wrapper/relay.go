package wrapper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kilodev/cloudagent/internal/common/config"
	"github.com/kilodev/cloudagent/internal/common/logger"
	v1 "github.com/kilodev/cloudagent/pkg/api/v1"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// Relay maintains the outbound WebSocket to the ingest endpoint. All writes
// funnel through a buffered send queue drained by a single write pump, which
// is the socket's only writer. It does not reconnect on its own: reconnection
// is driven by the next prompt's open-if-idle check.
type Relay struct {
	dialer            *websocket.Dialer
	heartbeatInterval time.Duration
	buffer            *EventBuffer
	notify            chan<- Notification
	logger            *logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	send    chan v1.StreamEvent // non-nil exactly while conn is
	done    chan struct{}       // closed to stop the pumps
	closing bool                // deliberate close in progress, suppress disconnect note
}

// NewRelay creates a relay client. Events sent while disconnected land in
// the buffer; notify carries inbound commands and disconnects.
func NewRelay(cfg config.IngestConfig, notify chan<- Notification, log *logger.Logger) *Relay {
	return &Relay{
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeoutDuration(),
		},
		heartbeatInterval: cfg.HeartbeatIntervalDuration(),
		buffer:            NewEventBuffer(cfg.BufferCapacity),
		notify:            notify,
		logger:            log.WithFields(zap.String("component", "ingest-relay")),
	}
}

// ingestSocketURL parameterizes the ingest URL with the job's identifiers.
// The token query parameter carries the ingest auth token (the executionId);
// the Authorization header carries the user's bearer credential separately.
func ingestSocketURL(job *JobContext) (string, error) {
	u, err := url.Parse(job.IngestURL)
	if err != nil {
		return "", fmt.Errorf("invalid ingest url: %w", err)
	}
	q := u.Query()
	q.Set("executionId", job.ExecutionID)
	q.Set("sessionId", job.SessionID)
	q.Set("userId", job.UserID)
	q.Set("token", job.IngestToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open connects the ingest socket for the given job. The buffered backlog is
// enqueued ahead of the pump start, preceded by a wrapper_resumed marker when
// the buffer was non-empty or had overflowed; the backlog and the connection
// handle are installed in one critical section, so no concurrent Send can
// slot an event ahead of the flush. Fails when no job context is supplied or
// the handshake does not complete within the connect timeout.
func (r *Relay) Open(ctx context.Context, job *JobContext) error {
	if job == nil {
		return fmt.Errorf("cannot open ingest socket without a job")
	}

	r.mu.Lock()
	if r.conn != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	socketURL, err := ingestSocketURL(job)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+job.KilocodeToken)

	conn, resp, err := r.dialer.DialContext(ctx, socketURL, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return fmt.Errorf("ingest connect failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("ingest connect failed: %w", err)
	}

	done := make(chan struct{})

	r.mu.Lock()
	if r.conn != nil {
		// A concurrent Open won the race.
		r.mu.Unlock()
		_ = conn.Close()
		return nil
	}

	lost := r.buffer.Overflowed()
	backlog := r.buffer.Drain()
	send := make(chan v1.StreamEvent, len(backlog)+sendQueueSize)
	if len(backlog) > 0 || lost {
		send <- v1.StreamEvent{
			StreamEventType: v1.StreamEventWrapperResumed,
			Payload: v1.ResumedPayload{
				BufferedEvents: len(backlog),
				EventsLost:     lost,
			},
			Timestamp: time.Now().UTC(),
		}
		for _, ev := range backlog {
			send <- ev
		}
	}

	r.conn = conn
	r.send = send
	r.done = done
	r.closing = false
	r.mu.Unlock()

	r.logger.Info("ingest socket connected",
		zap.String("execution_id", job.ExecutionID),
		zap.String("session_id", job.SessionID),
	)
	if len(backlog) > 0 || lost {
		r.logger.Info("queued buffered events for flush",
			zap.Int("count", len(backlog)),
			zap.Bool("events_lost", lost),
		)
	}

	go r.readPump(conn, done)
	go r.writePump(conn, send, done, job.ExecutionID)

	return nil
}

// Send delivers an event to the write pump, or buffers it when the socket is
// down or the queue is backed up. Buffer overflow drops the event and records
// the loss.
func (r *Relay) Send(ev v1.StreamEvent) {
	r.mu.Lock()
	if r.conn != nil {
		select {
		case r.send <- ev:
			r.mu.Unlock()
			return
		default:
			// Queue full; fall through to the buffer.
		}
	}
	r.mu.Unlock()

	if !r.buffer.Add(ev) {
		r.logger.Warn("event buffer full, dropping event",
			zap.String("stream_event_type", string(ev.StreamEventType)),
		)
	}
}

// writePump is the socket's single writer: it drains the send queue, emits
// heartbeats on the interval, and exits on the first write failure or when
// done closes. On exit it detaches the connection and moves any queued
// events back to the buffer for the next open.
func (r *Relay) writePump(conn *websocket.Conn, send chan v1.StreamEvent, done chan struct{}, executionID string) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()

		// Detach first so Send stops enqueueing, then sweep the queue into
		// the buffer.
		r.mu.Lock()
		if r.conn == conn {
			r.conn = nil
			r.send = nil
		}
		r.mu.Unlock()
		for {
			select {
			case ev := <-send:
				r.buffer.Add(ev)
			default:
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			// Flush what is already queued (the interrupted marker on abort)
			// before the close handshake.
			for {
				select {
				case ev := <-send:
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteJSON(ev); err != nil {
						r.buffer.Add(ev)
						return
					}
				default:
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}

		case ev := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				r.logger.Warn("event send failed, buffering", zap.Error(err))
				r.buffer.Add(ev)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			hb := v1.StreamEvent{
				StreamEventType: v1.StreamEventHeartbeat,
				Payload:         v1.HeartbeatPayload{ExecutionID: executionID},
				Timestamp:       time.Now().UTC(),
			}
			if err := conn.WriteJSON(hb); err != nil {
				r.logger.Debug("heartbeat send failed", zap.Error(err))
				return
			}
		}
	}
}

// readPump consumes inbound messages: valid worker commands are forwarded to
// the control loop, parse failures are ignored as noise. When the read loop
// ends without a deliberate Close, a disconnect notification fires.
func (r *Relay) readPump(conn *websocket.Conn, done chan struct{}) {
	defer r.teardown(conn, done)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Warn("ingest socket closed unexpectedly", zap.Error(err))
			}
			return
		}
		var cmd v1.WrapperCommand
		if err := json.Unmarshal(msg, &cmd); err != nil || cmd.Command == "" {
			continue
		}
		c := cmd
		r.notify <- Notification{Kind: NoteCommand, Command: &c}
	}
}

// teardown clears the connection handle, stops the write pump and signals a
// disconnect unless the close was requested locally.
func (r *Relay) teardown(conn *websocket.Conn, done chan struct{}) {
	_ = conn.Close()

	r.mu.Lock()
	deliberate := r.closing
	if r.conn == conn {
		r.conn = nil
		r.send = nil
	}
	select {
	case <-done:
	default:
		close(done)
	}
	r.mu.Unlock()

	if !deliberate {
		r.notify <- Notification{Kind: NoteDisconnected, Reason: "ingest socket closed"}
	}
}

// Close tears the socket down, best-effort. The write pump performs the close
// handshake; queued and buffered events are retained for the next open.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closing = true
	if r.done != nil {
		select {
		case <-r.done:
		default:
			close(r.done)
		}
	}
}

// IsConnected reports whether the ingest socket is live.
func (r *Relay) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// BufferLen exposes the backlog size for status surfaces.
func (r *Relay) BufferLen() int {
	return r.buffer.Len()
}
