package ingest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"time"

	"github.com/bioimage-lab/omero-ingest/internal/watch"
)

// Pipeline couples the discovery loop to a single ingest consumer. Discovery
// never blocks on a slow import: candidates buffer in a FIFO queue and the
// consumer works through them in discovery order.
type Pipeline struct {
	poller   *watch.Poller
	ingestor *Ingestor
	interval time.Duration
	nudge    <-chan struct{}
	logger   *slog.Logger
}

func NewPipeline(poller *watch.Poller, ingestor *Ingestor, interval time.Duration, nudge <-chan struct{}, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		poller:   poller,
		ingestor: ingestor,
		interval: interval,
		nudge:    nudge,
		logger:   logger,
	}
}

// Run polls until the context is cancelled or the watched directory
// disappears. A cancelled context is the clean-shutdown path and is
// returned as context.Canceled.
func (p *Pipeline) Run(ctx context.Context) error {
	queue := make(chan watch.Candidate, 256)
	done := make(chan struct{})

	go p.consume(ctx, queue, done)

	stop := func(err error) error {
		close(queue)
		<-done
		return err
	}

	if err := p.tick(ctx, queue); err != nil {
		return stop(err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return stop(ctx.Err())
		case <-ticker.C:
			if err := p.tick(ctx, queue); err != nil {
				return stop(err)
			}
		case _, ok := <-p.nudge:
			if !ok {
				p.nudge = nil
				continue
			}
			if err := p.tick(ctx, queue); err != nil {
				return stop(err)
			}
		}
	}
}

// tick runs one poll cycle. Transient errors skip the cycle; a missing
// watched directory is fatal and propagated.
func (p *Pipeline) tick(ctx context.Context, queue chan<- watch.Candidate) error {
	cands, err := p.poller.Tick(ctx)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			p.logger.Error("watch: directory is gone", "error", err)
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("watch: poll cycle skipped", "error", err)
		return nil
	}
	for _, c := range cands {
		select {
		case queue <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Pipeline) consume(ctx context.Context, queue <-chan watch.Candidate, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-queue:
			if !ok {
				return
			}
			if err := p.ingestor.Ingest(ctx, c); err != nil && ctx.Err() == nil {
				// Outcome already journaled/logged; an error here means the
				// filesystem itself misbehaved. Keep consuming.
				p.logger.Error("ingest: attempt not settled", "path", c.Path, "error", err)
			}
		}
	}
}
