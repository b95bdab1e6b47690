// Package workerpool runs the N-1 puller goroutines that drain jobs from
// the broker's PUSH endpoint and hand them to the build processor.
//
// Grounded on system/events/router.go's RequestRouter (Start/Stop with
// stopCh/doneCh, one goroutine per worker) for the pool lifecycle, and on
// drone-ci-butler's workers/puller.py (PullerWorker.loop_once) for the
// per-worker retry behavior: an unhandled error from a job is logged and
// the worker sleeps a postmortem interval before resuming, rather than
// dying. should_run is only checked between jobs, never mid-processing.
package workerpool

import (
	"context"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/sirupsen/logrus"

	"github.com/r3e-network/drone-analyzer/infrastructure/metrics"
	"github.com/r3e-network/drone-analyzer/internal/broker"
	"github.com/r3e-network/drone-analyzer/pkg/logger"
)

// JobHandler processes one dequeued job envelope. Implemented by the build
// processor (C5).
type JobHandler interface {
	HandleJob(ctx context.Context, env broker.Envelope) error
}

// Config configures the Pool.
type Config struct {
	PullConnectAddress string
	WorkerCount        int
	HighWaterMark      int
	PollTimeout        time.Duration
	PostmortemSleep    time.Duration
}

func (c *Config) applyDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.HighWaterMark <= 0 {
		c.HighWaterMark = 1
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 100 * time.Millisecond
	}
	if c.PostmortemSleep <= 0 {
		c.PostmortemSleep = 10 * time.Second
	}
}

// Pool owns a fixed set of puller goroutines.
type Pool struct {
	cfg     Config
	handler JobHandler
	log     *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a Pool. It does not connect any sockets until Start is called.
func New(cfg Config, handler JobHandler, log *logger.Logger) *Pool {
	cfg.applyDefaults()
	return &Pool{cfg: cfg, handler: handler, log: log}
}

// Start launches cfg.WorkerCount puller goroutines.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	metrics.Global().SetQueueDepth("worker-pull", p.cfg.HighWaterMark)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.worker(ctx, workerID)
		}(i)
	}

	go func() {
		wg.Wait()
		close(p.doneCh)
	}()

	p.log.WithField("workers", p.cfg.WorkerCount).Info("worker pool started")
	return nil
}

// Stop signals every worker to exit and waits for them to drain.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	<-p.doneCh
	p.log.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, workerID int) {
	log := p.log.WithField("worker_id", workerID)

	socket, err := newWorkerSocket(p.cfg.PullConnectAddress, p.cfg.HighWaterMark)
	if err != nil {
		log.WithField("error", err.Error()).Error("worker failed to connect")
		return
	}
	defer socket.Close()

	log.Info("worker online and ready for jobs")

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		if err := p.loopOnce(ctx, socket, log); err != nil {
			log.WithField("error", err.Error()).Error("worker failed to process queue")
			log.WithField("seconds", p.cfg.PostmortemSleep.Seconds()).Info("restoring health of worker")
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-time.After(p.cfg.PostmortemSleep):
			}
		}
	}
}

func (p *Pool) loopOnce(ctx context.Context, socket *zmq.Socket, log *logrus.Entry) error {
	raw, err := pollAndReceive(socket, p.cfg.PollTimeout)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}

	env, err := broker.DecodeEnvelope(raw)
	if err != nil {
		log.WithField("error", err.Error()).Error("dropping malformed job envelope")
		return nil
	}

	return p.handler.HandleJob(ctx, env)
}

func newWorkerSocket(address string, highWaterMark int) (*zmq.Socket, error) {
	socket, err := zmq.NewSocket(zmq.PULL)
	if err != nil {
		return nil, err
	}
	if err := socket.SetRcvhwm(highWaterMark); err != nil {
		socket.Close()
		return nil, err
	}
	if err := socket.Connect(address); err != nil {
		socket.Close()
		return nil, err
	}
	return socket, nil
}

func pollAndReceive(socket *zmq.Socket, timeout time.Duration) ([]byte, error) {
	poller := zmq.NewPoller()
	poller.Add(socket, zmq.POLLIN)

	polled, err := poller.Poll(timeout)
	if err != nil {
		return nil, err
	}
	if len(polled) == 0 {
		return nil, nil
	}
	return socket.RecvBytes(zmq.DONTWAIT)
}
