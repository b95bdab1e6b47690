// Package broker implements the job queue broker: three bound ZeroMQ
// sockets (REP, PULL, PUSH) that accept build-analysis jobs from producers
// and fan them out to the worker pool.
//
// Grounded literally on drone-ci-butler's workers/queue.py (QueueServer):
// same three-socket shape, same default high-water marks (1 per socket),
// same poll/sleep timeout (0.1s) and postmortem sleep (10s) defaults, and
// the same per-iteration order (PULL drained before REP; REP only replies
// once its message has been successfully forwarded to PUSH).
package broker

import (
	"context"
	"errors"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/r3e-network/drone-analyzer/pkg/logger"
)

var errInvalidEnvelope = errors.New("envelope missing required build_id")

// Config configures a Broker's bound endpoints and tunables. Zero values
// fall back to the same defaults as the original QueueServer.
type Config struct {
	RepBindAddress  string
	PullBindAddress string
	PushBindAddress string

	RepHighWaterMark  int
	PullHighWaterMark int
	PushHighWaterMark int

	PollTimeout     time.Duration
	PostmortemSleep time.Duration
}

func (c *Config) applyDefaults() {
	if c.RepHighWaterMark <= 0 {
		c.RepHighWaterMark = 1
	}
	if c.PullHighWaterMark <= 0 {
		c.PullHighWaterMark = 1
	}
	if c.PushHighWaterMark <= 0 {
		c.PushHighWaterMark = 1
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 100 * time.Millisecond
	}
	if c.PostmortemSleep <= 0 {
		c.PostmortemSleep = 10 * time.Second
	}
}

// Broker owns the REP/PULL/PUSH socket triad and the main poll loop.
type Broker struct {
	cfg Config
	log *logger.Logger

	rep  *zmq.Socket
	pull *zmq.Socket
	push *zmq.Socket
}

// New creates a Broker with resolved bind addresses but does not yet bind
// any sockets; call Run to bind and start serving.
func New(cfg Config, log *logger.Logger) (*Broker, error) {
	cfg.applyDefaults()

	repAddr, err := resolveZMQAddress(cfg.RepBindAddress)
	if err != nil {
		return nil, err
	}
	pullAddr, err := resolveZMQAddress(cfg.PullBindAddress)
	if err != nil {
		return nil, err
	}
	pushAddr, err := resolveZMQAddress(cfg.PushBindAddress)
	if err != nil {
		return nil, err
	}
	cfg.RepBindAddress = repAddr
	cfg.PullBindAddress = pullAddr
	cfg.PushBindAddress = pushAddr

	return &Broker{cfg: cfg, log: log}, nil
}

func (b *Broker) bind() error {
	rep, err := zmq.NewSocket(zmq.REP)
	if err != nil {
		return err
	}
	pull, err := zmq.NewSocket(zmq.PULL)
	if err != nil {
		return err
	}
	push, err := zmq.NewSocket(zmq.PUSH)
	if err != nil {
		return err
	}

	if err := rep.SetRcvhwm(b.cfg.RepHighWaterMark); err != nil {
		return err
	}
	if err := pull.SetRcvhwm(b.cfg.PullHighWaterMark); err != nil {
		return err
	}
	if err := push.SetSndhwm(b.cfg.PushHighWaterMark); err != nil {
		return err
	}

	if err := rep.Bind(b.cfg.RepBindAddress); err != nil {
		return err
	}
	if err := pull.Bind(b.cfg.PullBindAddress); err != nil {
		return err
	}
	if err := push.Bind(b.cfg.PushBindAddress); err != nil {
		return err
	}

	b.rep, b.pull, b.push = rep, pull, push
	b.log.WithFields(map[string]interface{}{
		"rep":  b.cfg.RepBindAddress,
		"pull": b.cfg.PullBindAddress,
		"push": b.cfg.PushBindAddress,
	}).Info("broker bound")
	return nil
}

func (b *Broker) unbind() {
	if b.rep != nil {
		b.rep.Close()
	}
	if b.pull != nil {
		b.pull.Close()
	}
	if b.push != nil {
		b.push.Close()
	}
	b.rep, b.pull, b.push = nil, nil, nil
}

// Run binds the sockets and serves the poll loop until ctx is canceled. On
// an unhandled error mid-loop it unbinds, sleeps the postmortem interval,
// rebinds, and resumes — one bad payload cannot kill the broker.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.bind(); err != nil {
		return err
	}
	defer b.unbind()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := b.loopOnce(ctx); err != nil {
			b.log.WithFields(map[string]interface{}{"error": err.Error()}).Error("broker loop interrupted")
			b.unbind()
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.cfg.PostmortemSleep):
			}
			if err := b.bind(); err != nil {
				return err
			}
		}
	}
}

func (b *Broker) loopOnce(ctx context.Context) error {
	poller := zmq.NewPoller()
	poller.Add(b.rep, zmq.POLLIN)
	poller.Add(b.pull, zmq.POLLIN)

	polled, err := poller.Poll(b.cfg.PollTimeout)
	if err != nil {
		return err
	}

	var pullReady, repReady bool
	for _, p := range polled {
		switch p.Socket {
		case b.pull:
			pullReady = true
		case b.rep:
			repReady = true
		}
	}

	if pullReady {
		if err := b.handlePull(ctx); err != nil {
			return err
		}
	}
	if repReady {
		if err := b.handleRequest(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) handlePull(ctx context.Context) error {
	raw, err := b.pull.RecvBytes(zmq.DONTWAIT)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	return b.pushJob(ctx, raw)
}

func (b *Broker) handleRequest(ctx context.Context) error {
	raw, err := b.rep.RecvBytes(zmq.DONTWAIT)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	if err := b.pushJob(ctx, raw); err != nil {
		return err
	}
	_, err = b.rep.SendBytes(raw, 0)
	return err
}

// pushJob forwards raw to the PUSH socket, cooperatively waiting (sleeping
// the configured poll timeout between attempts) until a worker is available
// to receive it.
func (b *Broker) pushJob(ctx context.Context, raw []byte) error {
	for {
		_, err := b.push.SendBytes(raw, zmq.DONTWAIT)
		if err == nil {
			return nil
		}
		if !errors.Is(err, zmq.Errno(11)) { // EAGAIN: no worker ready yet
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.PollTimeout):
		}
	}
}
