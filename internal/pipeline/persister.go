package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/memory"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/observability"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/reliability"
)

var (
	ErrPersistQueueFull = errors.New("persist queue full")
	ErrPersisterClosed  = errors.New("persister closed")
)

// Persister writes turns to the durable log off the reply path. Each worker
// owns a bounded queue and an identity always maps to the same worker, so one
// identity's turns are written in submission order.
type Persister struct {
	log     memory.Log
	logger  *slog.Logger
	metrics *observability.Metrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queues []chan memory.Turn
	wg     sync.WaitGroup

	// OnDone, when set, is called after every write attempt.
	OnDone func(turn memory.Turn, err error)
}

func NewPersister(log memory.Log, queueSize, workers int, logger *slog.Logger, metrics *observability.Metrics) *Persister {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Persister{
		log:     log,
		logger:  logger,
		metrics: metrics,
		timeout: 10 * time.Second,
		queues:  make([]chan memory.Turn, workers),
	}
	perWorker := max(1, (queueSize+workers-1)/workers)
	p.wg.Add(workers)
	for i := range p.queues {
		p.queues[i] = make(chan memory.Turn, perWorker)
		go p.work(p.queues[i])
	}
	return p
}

func (p *Persister) queueFor(identity memory.Identity) chan memory.Turn {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

// Submit enqueues turn without blocking.
func (p *Persister) Submit(turn memory.Turn) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPersisterClosed
	}
	select {
	case p.queueFor(turn.Identity) <- turn:
		p.metrics.SetPersistQueue(p.Pending())
		return nil
	default:
		return ErrPersistQueueFull
	}
}

func (p *Persister) work(queue <-chan memory.Turn) {
	defer p.wg.Done()
	for turn := range queue {
		p.metrics.SetPersistQueue(p.Pending())
		started := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := reliability.Retry(ctx, 3, 100*time.Millisecond, time.Second, func(int) error {
			return p.log.SaveTurn(ctx, turn)
		})
		cancel()
		if err != nil {
			p.logger.Error("persist turn failed",
				slog.String("identity", string(turn.Identity)),
				slog.String("turn_id", turn.ID),
				slog.Any("error", err))
			p.metrics.ObserveStage(observability.StagePersisted, "failed", 0)
			p.metrics.ObserveProviderError("storage", reliability.Code(err))
		} else {
			p.metrics.ObserveStage(observability.StagePersisted, "ok", time.Since(started))
		}
		if p.OnDone != nil {
			p.OnDone(turn, err)
		}
	}
}

// Close stops accepting turns and waits for queued writes until ctx is done.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, q := range p.queues {
			close(q)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports how many turns are waiting across all queues.
func (p *Persister) Pending() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}
