// Package derivative renders thumbnails after an upload has been answered.
//
// Work is claimed in the metadata store before it is queued: a derivative
// record moves to pending when scheduled, to ready on success and to failed on
// a terminal error. A failed record stays until an operator backfill reclaims
// it; nothing is retried automatically.
package derivative

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chitram/api/internal/media/thumbnail"
	"chitram/api/internal/models"
	"chitram/api/internal/repository"
	"chitram/api/internal/storage"
)

var (
	ErrQueueFull = errors.New("derivative queue full")
	ErrStopped   = errors.New("derivative generator stopped")
)

const (
	StageEnqueue = "enqueue"
	StageFetch   = "fetch"
	StageDecode  = "decode"
	StageEncode  = "encode"
	StageStore   = "store"
	StageRecord  = "record"
	StagePanic   = "panic"
)

type Options struct {
	Sizes     []int
	Quality   int
	Workers   int
	QueueSize int
	// OnResult, when set, observes every finished or skipped job.
	OnResult func(Result)
}

type Result struct {
	ImageID string
	Size    int
	Status  models.DerivativeStatus
	Stage   string
	Err     error
	// Skipped is set when the source image no longer exists.
	Skipped bool
}

type job struct {
	imageID string
	size    int
}

type Generator struct {
	store repository.Store
	files *storage.Service
	opts  Options
	log   zerolog.Logger

	jobs chan job
	// quit is closed by Stop to release blocked senders; sendMu keeps jobs
	// open while any sender holds it.
	quit     chan struct{}
	sendMu   sync.RWMutex
	mu       sync.Mutex
	inflight map[job]struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// New wires a generator to the same Store and storage Service the request
// path uses.
func New(store repository.Store, files *storage.Service, opts Options, log zerolog.Logger) *Generator {
	if len(opts.Sizes) == 0 {
		opts.Sizes = []int{300}
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 85
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}

	return &Generator{
		store:    store,
		files:    files,
		opts:     opts,
		log:      log.With().Str("component", "derivative").Logger(),
		jobs:     make(chan job, opts.QueueSize),
		quit:     make(chan struct{}),
		inflight: make(map[job]struct{}),
	}
}

// Key is the storage key of the derivative of imageID at size.
func Key(imageID string, size int) string {
	return fmt.Sprintf("thumbs/%s_%d.jpg", imageID, size)
}

func (g *Generator) Sizes() []int {
	return g.opts.Sizes
}

// Start launches the workers. Jobs run with ctx stripped of its cancellation
// so that a stopping server still finishes what it has claimed.
func (g *Generator) Start(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	for i := 0; i < g.opts.Workers; i++ {
		g.wg.Add(1)
		go g.worker(base)
	}
	g.log.Info().Int("workers", g.opts.Workers).Ints("sizes", g.opts.Sizes).Msg("derivative workers started")
}

// Stop refuses new work and waits for queued and running jobs. Jobs still
// pending when ctx ends are left for the stale sweep.
func (g *Generator) Stop(ctx context.Context) error {
	g.mu.Lock()
	first := !g.stopped
	g.stopped = true
	g.mu.Unlock()

	if first {
		close(g.quit)
		g.sendMu.Lock()
		close(g.jobs)
		g.sendMu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain derivative queue: %w", ctx.Err())
	}
}

// Enqueue schedules every configured size of imageID. It never renders in the
// caller's goroutine. A missing image and already-claimed derivatives are
// skipped without error.
func (g *Generator) Enqueue(ctx context.Context, imageID string) error {
	var errs []error
	for _, size := range g.opts.Sizes {
		if _, err := g.schedule(ctx, job{imageID: imageID, size: size}, repository.Claim{}, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type BackfillOptions struct {
	Statuses    []models.DerivativeStatus
	StaleBefore time.Time
	Limit       int
	// IncludeMissing also schedules images that have no derivative record.
	IncludeMissing bool
}

// Backfill reclaims derivative records in the given statuses last updated
// before StaleBefore and schedules them again. Unlike Enqueue it waits for
// queue space, so it only returns early when ctx ends or the generator stops.
// It returns how many jobs were queued.
func (g *Generator) Backfill(ctx context.Context, opts BackfillOptions) (int, error) {
	if opts.Limit <= 0 {
		opts.Limit = 500
	}

	var candidates []models.Derivative
	err := g.store.WithSession(ctx, func(s repository.Session) error {
		for _, status := range opts.Statuses {
			found, err := s.ListDerivativesByStatus(ctx, status, opts.StaleBefore, opts.Limit)
			if err != nil {
				return err
			}
			candidates = append(candidates, found...)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("list backfill candidates: %w", err)
	}

	claim := repository.Claim{Reclaim: opts.Statuses, StaleBefore: opts.StaleBefore}
	scheduled := 0
	var errs []error
	for _, d := range candidates {
		ok, err := g.schedule(ctx, job{imageID: d.ImageID, size: d.TargetSize}, claim, true)
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil || errors.Is(err, ErrStopped) {
				return scheduled, errors.Join(errs...)
			}
			continue
		}
		if ok {
			scheduled++
		}
	}

	if opts.IncludeMissing {
		n, err := g.scheduleMissing(ctx, opts.Limit)
		scheduled += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if scheduled > 0 {
		g.log.Info().Int("scheduled", scheduled).Msg("derivative backfill scheduled")
	}
	return scheduled, errors.Join(errs...)
}

func (g *Generator) scheduleMissing(ctx context.Context, pageSize int) (int, error) {
	scheduled := 0
	for offset := 0; ; offset += pageSize {
		var images []models.Image
		err := g.store.WithSession(ctx, func(s repository.Session) error {
			var err error
			images, err = s.ListImages(ctx, pageSize, offset)
			return err
		})
		if err != nil {
			return scheduled, fmt.Errorf("list images: %w", err)
		}
		for _, image := range images {
			for _, size := range g.opts.Sizes {
				ok, err := g.schedule(ctx, job{imageID: image.ID, size: size}, repository.Claim{}, true)
				if err != nil {
					return scheduled, err
				}
				if ok {
					scheduled++
				}
			}
		}
		if len(images) < pageSize {
			return scheduled, nil
		}
	}
}

// schedule claims the derivative record and hands the job to a worker. With
// wait set it blocks for queue space instead of failing with ErrQueueFull. It
// reports whether the job was queued.
func (g *Generator) schedule(ctx context.Context, j job, claim repository.Claim, wait bool) (bool, error) {
	log := g.log.With().Str("image_id", j.imageID).Int("size", j.size).Logger()

	if !g.reserve(j) {
		log.Debug().Msg("derivative already in flight, skipping")
		return false, nil
	}

	var claimed bool
	err := g.store.WithSession(ctx, func(s repository.Session) error {
		if _, err := s.GetImage(ctx, j.imageID); err != nil {
			return err
		}
		var err error
		claimed, err = s.ClaimDerivative(ctx, j.imageID, j.size, Key(j.imageID, j.size), claim)
		return err
	})
	if err != nil {
		g.unreserve(j)
		if errors.Is(err, repository.ErrImageNotFound) {
			log.Info().Msg("image gone before derivative was scheduled")
			g.report(Result{ImageID: j.imageID, Size: j.size, Skipped: true})
			return false, nil
		}
		return false, fmt.Errorf("claim derivative %s/%d: %w", j.imageID, j.size, err)
	}
	if !claimed {
		g.unreserve(j)
		log.Debug().Msg("derivative already claimed, skipping")
		return false, nil
	}

	if err := g.submit(ctx, j, wait); err != nil {
		g.unreserve(j)
		g.markFailed(context.WithoutCancel(ctx), j, StageEnqueue, err)
		g.report(Result{ImageID: j.imageID, Size: j.size, Status: models.DerivativeFailed, Stage: StageEnqueue, Err: err})
		return false, err
	}
	return true, nil
}

func (g *Generator) submit(ctx context.Context, j job, wait bool) error {
	g.sendMu.RLock()
	defer g.sendMu.RUnlock()

	g.mu.Lock()
	stopped := g.stopped
	g.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	if !wait {
		select {
		case g.jobs <- j:
			return nil
		default:
			return ErrQueueFull
		}
	}
	select {
	case g.jobs <- j:
		return nil
	case <-g.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Generator) reserve(j job) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[j]; busy {
		return false
	}
	g.inflight[j] = struct{}{}
	return true
}

func (g *Generator) unreserve(j job) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, j)
}

func (g *Generator) worker(ctx context.Context) {
	defer g.wg.Done()
	for j := range g.jobs {
		res := g.run(ctx, j)
		g.unreserve(j)
		g.report(res)
	}
}

func (g *Generator) run(ctx context.Context, j job) (res Result) {
	log := g.log.With().Str("image_id", j.imageID).Int("size", j.size).Logger()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res = Result{ImageID: j.imageID, Size: j.size, Stage: StagePanic, Err: fmt.Errorf("panic: %v", r)}
		}
		if res.Err != nil {
			res.Status = models.DerivativeFailed
			log.Error().Err(res.Err).Str("stage", res.Stage).Msg("derivative generation failed")
			g.markFailed(ctx, j, res.Stage, res.Err)
			return
		}
		if !res.Skipped {
			log.Info().Dur("took", time.Since(start)).Msg("derivative ready")
		}
	}()

	return g.generate(ctx, j, log)
}

func (g *Generator) generate(ctx context.Context, j job, log zerolog.Logger) Result {
	res := Result{ImageID: j.imageID, Size: j.size}

	var image models.Image
	err := g.store.WithSession(ctx, func(s repository.Session) error {
		var err error
		image, err = s.GetImage(ctx, j.imageID)
		return err
	})
	if errors.Is(err, repository.ErrImageNotFound) {
		log.Info().Msg("image deleted before derivative generation")
		res.Skipped = true
		return res
	}
	if err != nil {
		res.Stage, res.Err = StageRecord, err
		return res
	}

	original, err := g.files.Fetch(ctx, image.StorageKey)
	if err != nil {
		res.Stage, res.Err = StageFetch, err
		return res
	}

	rendered, err := thumbnail.Generate(original, j.size, g.opts.Quality)
	if err != nil {
		res.Stage, res.Err = StageDecode, err
		if errors.Is(err, thumbnail.ErrEncode) {
			res.Stage = StageEncode
		}
		return res
	}

	key := Key(j.imageID, j.size)
	if err := g.files.Save(ctx, key, rendered.Data, "image/jpeg"); err != nil {
		res.Stage, res.Err = StageStore, err
		return res
	}

	// a fresh session: the image may have been deleted while rendering
	err = g.store.WithSession(ctx, func(s repository.Session) error {
		if _, err := s.GetImage(ctx, j.imageID); err != nil {
			return err
		}
		return s.MarkDerivativeReady(ctx, j.imageID, j.size, rendered.Width, rendered.Height)
	})
	if errors.Is(err, repository.ErrImageNotFound) || errors.Is(err, repository.ErrDerivativeNotFound) {
		log.Info().Msg("image deleted during derivative generation, discarding output")
		_ = g.files.Delete(ctx, key)
		res.Skipped = true
		return res
	}
	if err != nil {
		res.Stage, res.Err = StageRecord, err
		return res
	}

	res.Status = models.DerivativeReady
	return res
}

func (g *Generator) markFailed(ctx context.Context, j job, stage string, cause error) {
	err := g.store.WithSession(ctx, func(s repository.Session) error {
		return s.MarkDerivativeFailed(ctx, j.imageID, j.size, stage, cause.Error())
	})
	if err != nil && !errors.Is(err, repository.ErrDerivativeNotFound) {
		g.log.Error().
			Err(err).
			Str("image_id", j.imageID).
			Int("size", j.size).
			Str("stage", stage).
			Msg("could not record derivative failure")
	}
}

func (g *Generator) report(res Result) {
	if g.opts.OnResult != nil {
		g.opts.OnResult(res)
	}
}
