package vfs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// DeletionPolicy bounds how hard the scheduler pushes on the blob service.
type DeletionPolicy struct {
	// MaxRetries is how many times one unit of work is retried after a
	// rate-limit signal before it is given up.
	MaxRetries int

	// DefaultBackoff is the wait used when a rate-limit signal carries no delay.
	DefaultBackoff time.Duration

	// InterCallDelay is the minimum spacing between successive provider calls.
	InterCallDelay time.Duration
}

// DefaultDeletionPolicy returns conservative settings for a chat-style blob service.
func DefaultDeletionPolicy() DeletionPolicy {
	return DeletionPolicy{
		MaxRetries:     5,
		DefaultBackoff: 2 * time.Second,
		InterCallDelay: 250 * time.Millisecond,
	}
}

// DeletionReport summarizes one Delete run.
type DeletionReport struct {
	Deleted   int // removed by this run
	Missing   int // already gone
	Failed    int // given up
	BulkCalls int // successful bulk calls
}

// DeletionScheduler removes orphaned blobs from the remote store. It never
// reports failures to the filesystem caller: the metadata change that
// orphaned the blobs has already committed, so failures are logged and left.
type DeletionScheduler struct {
	blobs   BlobStore
	policy  DeletionPolicy
	logger  Logger
	clock   Clock
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewDeletionScheduler creates a scheduler over blobs.
func NewDeletionScheduler(blobs BlobStore, policy DeletionPolicy, logger Logger, clock Clock) *DeletionScheduler {
	limit := rate.Inf
	if policy.InterCallDelay > 0 {
		limit = rate.Every(policy.InterCallDelay)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DeletionScheduler{
		blobs:   blobs,
		policy:  policy,
		logger:  logger,
		clock:   clock,
		limiter: rate.NewLimiter(limit, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule deletes refs in the background and returns immediately.
func (d *DeletionScheduler) Schedule(refs []BlobRef) {
	if len(refs) == 0 {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("deletion scheduler closed, leaving blobs behind", "count", len(refs))
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		report := d.Delete(d.ctx, refs)
		d.logger.Debug("blob deletion finished",
			"deleted", report.Deleted, "missing", report.Missing, "failed", report.Failed)
	}()
}

// Drain stops accepting new work and waits for scheduled deletions. If ctx
// ends first, in-flight work is cancelled and ctx's error returned.
func (d *DeletionScheduler) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// Delete removes refs synchronously. References young enough for the bulk
// window are grouped into batches of at most MaxBatch; the rest go one at a
// time. A batch that fails for a reason other than rate limiting falls back
// to deleting its members individually.
func (d *DeletionScheduler) Delete(ctx context.Context, refs []BlobRef) DeletionReport {
	var report DeletionReport
	limits := d.blobs.BulkLimits()
	bulk, single := d.partition(refs, limits)

	for len(bulk) > 0 {
		n := min(len(bulk), limits.MaxBatch)
		batch := bulk[:n]
		bulk = bulk[n:]
		if len(batch) == 1 {
			d.deleteOne(ctx, batch[0], &report)
			continue
		}
		d.deleteBatch(ctx, batch, &report)
	}

	for _, ref := range single {
		d.deleteOne(ctx, ref, &report)
	}
	return report
}

// partition splits refs by bulk eligibility, keeping their order.
func (d *DeletionScheduler) partition(refs []BlobRef, limits BulkLimits) (bulk, single []BlobRef) {
	if limits.MaxBatch < 2 {
		return nil, refs
	}
	now := d.clock.Now()
	for _, ref := range refs {
		created, err := d.blobs.CreatedAt(ref)
		if err != nil {
			d.logger.Debug("blob reference has no creation time", "ref", ref, "error", err)
			single = append(single, ref)
			continue
		}
		if limits.Window > 0 && now.Sub(created) >= limits.Window {
			single = append(single, ref)
			continue
		}
		bulk = append(bulk, ref)
	}
	return bulk, single
}

func (d *DeletionScheduler) deleteBatch(ctx context.Context, batch []BlobRef, report *DeletionReport) {
	err := d.retry(ctx, func() error {
		return d.blobs.DeleteBulk(ctx, batch)
	})
	if err == nil {
		report.Deleted += len(batch)
		report.BulkCalls++
		return
	}
	if _, ok := IsRateLimited(err); ok || ctx.Err() != nil {
		d.logger.Error("bulk blob delete gave up", "count", len(batch), "error", err)
		report.Failed += len(batch)
		return
	}

	d.logger.Warn("bulk blob delete failed, deleting individually", "count", len(batch), "error", err)
	for _, ref := range batch {
		d.deleteOne(ctx, ref, report)
	}
}

func (d *DeletionScheduler) deleteOne(ctx context.Context, ref BlobRef, report *DeletionReport) {
	err := d.retry(ctx, func() error {
		return d.blobs.DeleteOne(ctx, ref)
	})
	switch {
	case err == nil:
		report.Deleted++
	case errors.Is(err, ErrBlobNotFound):
		report.Missing++
	default:
		d.logger.Error("blob delete gave up", "ref", ref, "error", err)
		report.Failed++
	}
}

// retry runs op, repeating the same call after each rate-limit signal. The
// wait is the provider's hint when given and DefaultBackoff otherwise. Any
// other error ends the loop immediately.
func (d *DeletionScheduler) retry(ctx context.Context, op func() error) error {
	hint := &retryAfterBackOff{fallback: d.policy.DefaultBackoff}
	policy := backoff.WithContext(backoff.WithMaxRetries(hint, uint64(max(d.policy.MaxRetries, 0))), ctx)

	return backoff.RetryNotify(func() error {
		if err := d.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := op()
		if rl, ok := IsRateLimited(err); ok {
			hint.next = rl.RetryAfter
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, policy, func(err error, wait time.Duration) {
		d.logger.Warn("blob service rate limited", "wait", wait, "error", err)
	})
}

// retryAfterBackOff waits for the provider's most recent hint, or a fixed
// fallback when there is none.
type retryAfterBackOff struct {
	fallback time.Duration
	next     time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	wait := b.next
	b.next = 0
	if wait <= 0 {
		wait = b.fallback
	}
	return wait
}

func (b *retryAfterBackOff) Reset() { b.next = 0 }
