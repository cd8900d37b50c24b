package ws

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/carpool/ridematch/internal/apperr"
	"github.com/carpool/ridematch/internal/metrics"
	"github.com/carpool/ridematch/internal/protocol"
)

// HandlerFunc handles one parsed client message. msg is the concrete struct
// returned by protocol.ParseClientMessage. A returned error is reported to
// the client as the error event of the message's group.
type HandlerFunc func(ctx context.Context, c *Connection, msg interface{}) error

// MessageDispatcher routes inbound messages to registered handlers by type.
// Ping is answered internally.
type MessageDispatcher struct {
	handlers map[string]HandlerFunc
	logger   *slog.Logger
	timeout  time.Duration
}

// NewMessageDispatcher creates an empty dispatcher. Handlers run with a
// context bounded by timeout (zero means unbounded).
func NewMessageDispatcher(logger *slog.Logger, timeout time.Duration) *MessageDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageDispatcher{
		handlers: make(map[string]HandlerFunc),
		logger:   logger.With("component", "dispatcher"),
		timeout:  timeout,
	}
}

// Register associates a handler with a message type, replacing any
// previous one.
func (d *MessageDispatcher) Register(msgType string, handler HandlerFunc) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and runs the matching handler. Parse failures,
// handler errors and handler panics all end as an error event to c; none of
// them escape.
func (d *MessageDispatcher) Dispatch(c *Connection, data []byte) {
	start := time.Now()
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug("parse error", "conn", c.ID, "type", msgType, "err", err)
		metrics.MessagesTotal.WithLabelValues(d.label(msgType), "invalid").Inc()
		d.sendError(c, msgType, err)
		return
	}

	if msgType == protocol.TypePing {
		d.reply(c, protocol.TypePong, protocol.PongMsg{})
		metrics.MessagesTotal.WithLabelValues(msgType, "ok").Inc()
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		metrics.MessagesTotal.WithLabelValues(d.label(msgType), "unsupported").Inc()
		d.sendError(c, msgType, apperr.ErrInvalidRequest.WithMessage(fmt.Sprintf("unsupported message type %q", msgType)))
		return
	}

	err = d.run(c, msgType, msg, handler)
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		outcome := "error"
		if apperr.CodeOf(err) == apperr.CodeRateLimited {
			outcome = "rate_limited"
		}
		metrics.MessagesTotal.WithLabelValues(msgType, outcome).Inc()
		d.sendError(c, msgType, err)
		return
	}
	metrics.MessagesTotal.WithLabelValues(msgType, "ok").Inc()
}

// run invokes handler, converting a panic into an internal error.
func (d *MessageDispatcher) run(c *Connection, msgType string, msg interface{}, handler HandlerFunc) (err error) {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic", "conn", c.ID, "user", c.UserID(), "type", msgType,
				"panic", r, "stack", string(debug.Stack()))
			err = apperr.New(apperr.CodeInternal, "internal error")
		}
	}()
	return handler(ctx, c, msg)
}

func (d *MessageDispatcher) sendError(c *Connection, msgType string, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal {
		d.logger.Error("handler failed", "conn", c.ID, "user", c.UserID(), "type", msgType, "err", err)
	}
	d.reply(c, protocol.ErrorTypeFor(msgType), protocol.ErrorMsg{
		Code:    string(code),
		Message: apperr.MessageOf(err),
	})
}

func (d *MessageDispatcher) reply(c *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.logger.Error("build reply", "type", msgType, "err", err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		d.logger.Debug("send reply", "conn", c.ID, "type", msgType, "err", err)
	}
}

// label keeps client-chosen type names out of metric labels.
func (d *MessageDispatcher) label(msgType string) string {
	if _, ok := d.handlers[msgType]; ok || msgType == protocol.TypePing {
		return msgType
	}
	return "unknown"
}
