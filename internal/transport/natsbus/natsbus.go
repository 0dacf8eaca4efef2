// Package natsbus consumes external event deliveries from NATS and applies
// them to runs. Each message carries one run ID and a delivery batch;
// request-reply callers get the delivery reports back.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/ashita-ai/keiro/internal/delivery"
	"github.com/ashita-ai/keiro/internal/storage"
)

// Deliverer applies a delivery batch to a run. *runs.Service implements it.
type Deliverer interface {
	Deliver(ctx context.Context, runID uuid.UUID, batch delivery.Batch) ([]delivery.Report, error)
}

// Message is the wire format of one inbound delivery.
type Message struct {
	RunID string `json:"run_id"`
	delivery.Batch
}

// Reply is sent back to request-reply publishers.
type Reply struct {
	Reports []delivery.Report `json:"reports,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Config controls the consumer.
type Config struct {
	URL     string
	Subject string
	// Queue is the queue group. Every keiro process in a group shares the
	// subject's messages instead of each receiving all of them.
	Queue string
	// HandleTimeout bounds a single delivery. Defaults to 10s.
	HandleTimeout time.Duration
}

// Consumer is a NATS queue subscriber feeding a Deliverer.
type Consumer struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	target  Deliverer
	cfg     Config
	logger  *slog.Logger
	baseCtx context.Context
	cancel  context.CancelFunc
}

// Connect dials NATS. The consumer does not receive anything until Start.
func Connect(cfg Config, target Deliverer, logger *slog.Logger) (*Consumer, error) {
	if cfg.URL == "" || cfg.Subject == "" {
		return nil, errors.New("natsbus: url and subject are required")
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 10 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("keiro"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("natsbus: disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("natsbus: reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("natsbus: async error", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		conn:    conn,
		target:  target,
		cfg:     cfg,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
	}, nil
}

// Start subscribes to the configured subject.
func (c *Consumer) Start() error {
	var (
		sub *nats.Subscription
		err error
	)
	if c.cfg.Queue != "" {
		sub, err = c.conn.QueueSubscribe(c.cfg.Subject, c.cfg.Queue, c.handle)
	} else {
		sub, err = c.conn.Subscribe(c.cfg.Subject, c.handle)
	}
	if err != nil {
		return fmt.Errorf("natsbus: subscribe %s: %w", c.cfg.Subject, err)
	}
	c.sub = sub
	c.logger.Info("natsbus: consuming deliveries", "subject", c.cfg.Subject, "queue", c.cfg.Queue)
	return nil
}

// Close drains the subscription and the connection. In-flight handlers
// finish before Close returns or ctx expires.
func (c *Consumer) Close(ctx context.Context) error {
	defer c.cancel()
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.logger.Warn("natsbus: drain subscription", "error", err)
		}
	}
	closed := make(chan struct{})
	c.conn.SetClosedHandler(func(*nats.Conn) { close(closed) })
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("natsbus: drain: %w", err)
	}
	select {
	case <-closed:
		return nil
	case <-ctx.Done():
		c.conn.Close()
		return ctx.Err()
	}
}

func (c *Consumer) handle(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.HandleTimeout)
	defer cancel()

	reply := process(ctx, c.target, msg.Data)
	if reply.Error != "" {
		c.logger.Warn("natsbus: delivery rejected", "subject", msg.Subject, "error", reply.Error)
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		c.logger.Error("natsbus: marshal reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		c.logger.Warn("natsbus: respond", "error", err)
	}
}

// process decodes one message and applies it.
func process(ctx context.Context, target Deliverer, data []byte) Reply {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Reply{Error: "invalid message: " + err.Error()}
	}
	runID, err := uuid.Parse(m.RunID)
	if err != nil {
		return Reply{Error: "invalid run_id: " + m.RunID}
	}
	if m.Batch.Len() == 0 {
		return Reply{Error: "empty delivery batch"}
	}
	reports, err := target.Deliver(ctx, runID, m.Batch)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Reply{Error: "run not found: " + m.RunID}
		}
		return Reply{Error: err.Error()}
	}
	return Reply{Reports: reports}
}
