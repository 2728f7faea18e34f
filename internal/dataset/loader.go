package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"drrn-forge/internal/tensor"
)

// Batch is one minibatch of [N,1,H,W] input and target patches. Index is the
// 1-based iteration number within the epoch.
type Batch struct {
	Index  int
	Input  *tensor.Tensor
	Target *tensor.Tensor
}

// Provider yields a restartable, shuffled sequence of batches per epoch.
type Provider interface {
	NumBatches() int
	Batches(ctx context.Context, epoch int) (<-chan Batch, <-chan error)
}

// ErrNoShards is returned by Open when the archive path holds no shards.
var ErrNoShards = errors.New("loader: no shards discovered")

// Options configures Open.
type Options struct {
	Path       string
	BatchSize  int
	NumWorkers int
	Seed       int64
	PendingCap int
}

// Loader holds decoded patches in memory and serves shuffled batches.
type Loader struct {
	samples    []Sample
	height     int
	width      int
	batchSize  int
	numWorkers int
	seed       int64
}

// Open reads every shard under opts.Path with NumWorkers parallel readers.
// Samples keep shard order regardless of which reader finishes first.
func Open(ctx context.Context, opts Options) (*Loader, error) {
	shards, err := DiscoverShards(opts.Path)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoShards, opts.Path)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type shardResult struct {
		id      int
		samples []Sample
		err     error
	}
	jobs := make(chan int, len(shards))
	for id := range shards {
		jobs <- id
	}
	close(jobs)
	results := make(chan shardResult, len(shards))

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				samples, err := readShard(ctx, shards[id], opts.PendingCap)
				results <- shardResult{id: id, samples: samples, err: err}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	ordered := make([][]Sample, len(shards))
	for res := range results {
		if res.err != nil {
			cancel()
			return nil, fmt.Errorf("shard %s: %w", shards[res.id], res.err)
		}
		ordered[res.id] = res.samples
	}
	var all []Sample
	for _, s := range ordered {
		all = append(all, s...)
	}
	return NewLoader(all, opts.BatchSize, opts.NumWorkers, opts.Seed)
}

func readShard(ctx context.Context, path string, pendingCap int) ([]Sample, error) {
	samplesCh, errCh := StreamShard(ctx, path, pendingCap)
	var samples []Sample
	for sample := range samplesCh {
		samples = append(samples, sample)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return samples, nil
}

// NewLoader serves batches of samples, which must all share one patch size.
func NewLoader(samples []Sample, batchSize, numWorkers int, seed int64) (*Loader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size must be > 0 (got %d)", batchSize)
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}
	l := &Loader{samples: samples, batchSize: batchSize, numWorkers: numWorkers, seed: seed}
	for i, s := range samples {
		if len(s.Input) != s.Height*s.Width || len(s.Target) != s.Height*s.Width {
			return nil, fmt.Errorf("loader: sample %q has %d/%d values for %dx%d", s.Key, len(s.Input), len(s.Target), s.Height, s.Width)
		}
		if i == 0 {
			l.height, l.width = s.Height, s.Width
			continue
		}
		if s.Height != l.height || s.Width != l.width {
			return nil, fmt.Errorf("loader: sample %q is %dx%d, expected %dx%d", s.Key, s.Height, s.Width, l.height, l.width)
		}
	}
	return l, nil
}

// Len returns the number of samples.
func (l *Loader) Len() int {
	return len(l.samples)
}

// PatchSize returns the patch height and width.
func (l *Loader) PatchSize() (int, int) {
	return l.height, l.width
}

// NumBatches returns the number of batches per epoch. The last batch may be short.
func (l *Loader) NumBatches() int {
	return (len(l.samples) + l.batchSize - 1) / l.batchSize
}

// Order returns the sample permutation used for epoch.
func (l *Loader) Order(epoch int) []int {
	rng := rand.New(rand.NewSource(epochSeed(l.seed, epoch)))
	return rng.Perm(len(l.samples))
}

// Reseed replaces the shuffle seed. It must not be called while an epoch's
// batches are being produced.
func (l *Loader) Reseed(seed int64) {
	l.seed = seed
}

func epochSeed(seed int64, epoch int) int64 {
	return seed*1_000_003 + int64(epoch)
}

// Batches assembles the epoch's batches on numWorkers goroutines and
// delivers them strictly in index order. At most 2*numWorkers batches are in
// flight ahead of the consumer.
func (l *Loader) Batches(parent context.Context, epoch int) (<-chan Batch, <-chan error) {
	out := make(chan Batch, l.numWorkers)
	errCh := make(chan error, 1)
	total := l.NumBatches()
	if total == 0 {
		close(out)
		close(errCh)
		return out, errCh
	}

	ctx, cancel := context.WithCancel(parent)
	order := l.Order(epoch)
	window := make(chan struct{}, 2*l.numWorkers)
	jobs := make(chan int)
	ready := make(chan Batch, l.numWorkers)

	go func() {
		defer close(jobs)
		for i := 0; i < total; i++ {
			select {
			case <-ctx.Done():
				return
			case window <- struct{}{}:
			}
			select {
			case <-ctx.Done():
				return
			case jobs <- i:
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < l.numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				batch := l.assemble(order, idx)
				select {
				case <-ctx.Done():
					return
				case ready <- batch:
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(ready)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		if err := resequence(ctx, ready, out, window, total); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

// resequence forwards batches from ready to out in Index order.
func resequence(ctx context.Context, ready <-chan Batch, out chan<- Batch, window <-chan struct{}, total int) error {
	pending := make(map[int]Batch)
	next := 1
	for next <= total {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, ok := pending[next]
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case batch, ok = <-ready:
				if !ok {
					if err := ctx.Err(); err != nil {
						return err
					}
					return fmt.Errorf("loader: batch %d never assembled", next)
				}
				pending[batch.Index] = batch
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- batch:
		}
		delete(pending, next)
		<-window
		next++
	}
	return nil
}

func (l *Loader) assemble(order []int, idx int) Batch {
	start := idx * l.batchSize
	end := start + l.batchSize
	if end > len(order) {
		end = len(order)
	}
	n := end - start
	input := tensor.New(n, 1, l.height, l.width)
	target := tensor.New(n, 1, l.height, l.width)
	for i, sampleIdx := range order[start:end] {
		s := l.samples[sampleIdx]
		copy(input.Sample(i), s.Input)
		copy(target.Sample(i), s.Target)
	}
	return Batch{Index: idx + 1, Input: input, Target: target}
}
