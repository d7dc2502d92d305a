// Package syncer reconciles the local store with the remote replica. A push
// uploads tasks changed since the user's cursor in batches and advances the
// cursor only when every batch landed.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/harrisonrobin/taskmirror/pkg/clock"
	"github.com/harrisonrobin/taskmirror/pkg/lock"
	"github.com/harrisonrobin/taskmirror/pkg/model"
	"github.com/harrisonrobin/taskmirror/pkg/remote"
)

var (
	ErrOffline        = errors.New("remote store unreachable")
	ErrSyncInProgress = errors.New("sync already in progress")
)

const (
	DefaultBatchSize    = 100
	DefaultBatchTimeout = 30 * time.Second

	tracerName = "github.com/harrisonrobin/taskmirror/pkg/syncer"
)

// Probe reports whether the remote store can be reached right now.
type Probe interface {
	IsOnline(ctx context.Context) bool
}

type PingProbe struct {
	Store   remote.Store
	Timeout time.Duration
}

func (p PingProbe) IsOnline(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Store.Ping(ctx) == nil
}

type Options struct {
	Clock        clock.Clock
	Logger       *log.Logger
	Locker       lock.Locker
	Probe        Probe
	Tracer       trace.Tracer
	BatchSize    int
	BatchTimeout time.Duration
}

type PushResult struct {
	Uploaded int
	Batches  int
	Cursor   time.Time
}

type PassResult struct {
	Pulled   int
	Pushed   int
	Batches  int
	Duration time.Duration
}

type Coordinator struct {
	remote       remote.Store
	clock        clock.Clock
	logger       *log.Logger
	locker       lock.Locker
	probe        Probe
	tracer       trace.Tracer
	batchSize    int
	batchTimeout time.Duration

	group singleflight.Group
}

func New(store remote.Store, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.Probe == nil {
		opts.Probe = PingProbe{Store: store}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}
	return &Coordinator{
		remote:       store,
		clock:        opts.Clock,
		logger:       opts.Logger,
		locker:       opts.Locker,
		probe:        opts.Probe,
		tracer:       opts.Tracer,
		batchSize:    opts.BatchSize,
		batchTimeout: opts.BatchTimeout,
	}
}

// PushChanges uploads the tasks modified after the user's cursor. On success
// the cursor advances to the instant PushChanges was entered, so edits made
// from then on go out with the next push. Edits made between taking tasks and
// the call are not covered: callers take the snapshot immediately before
// calling, or use Pass.
func (c *Coordinator) PushChanges(ctx context.Context, tasks []model.Task, userID string) (PushResult, error) {
	asOf := c.clock.Now()
	v, err, _ := c.group.Do("push:"+userID, func() (any, error) {
		if !c.probe.IsOnline(ctx) {
			return PushResult{}, ErrOffline
		}
		release, err := c.acquire(ctx, userID)
		if err != nil {
			return PushResult{}, err
		}
		defer release()
		return c.push(ctx, tasks, asOf, userID, nil)
	})
	return v.(PushResult), err
}

// PullChanges returns the remote rows modified after the user's cursor.
func (c *Coordinator) PullChanges(ctx context.Context, userID string) ([]model.Task, error) {
	if !c.probe.IsOnline(ctx) {
		return nil, ErrOffline
	}
	cursor, err := c.cursor(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.remote.SelectModifiedSince(ctx, userID, cursor)
}

// DeleteRemote removes the replica row for taskID. Failures are logged and
// returned; nothing retries them here.
func (c *Coordinator) DeleteRemote(ctx context.Context, taskID, userID string) error {
	entry := c.logger.WithFields(log.Fields{"task": taskID, "user": userID})
	if !c.probe.IsOnline(ctx) {
		entry.Warn("offline, remote delete skipped")
		return ErrOffline
	}
	if err := c.remote.DeleteByKey(ctx, userID, taskID); err != nil {
		entry.WithError(err).Error("remote delete failed")
		return fmt.Errorf("delete remote task %s: %w", taskID, err)
	}
	entry.Debug("remote task deleted")
	return nil
}

// MergeFunc applies pulled rows to the local store. since is the cursor the
// rows were selected with.
type MergeFunc func(pulled []model.Task, since time.Time)

// Pass pulls remote changes, merges them, then pushes local changes. snapshot
// is called after the merge so the push sees merged state.
func (c *Coordinator) Pass(ctx context.Context, userID string, merge MergeFunc, snapshot func() []model.Task) (PassResult, error) {
	v, err, _ := c.group.Do("pass:"+userID, func() (any, error) {
		return c.pass(ctx, userID, merge, snapshot)
	})
	return v.(PassResult), err
}

func (c *Coordinator) pass(ctx context.Context, userID string, merge MergeFunc, snapshot func() []model.Task) (res PassResult, err error) {
	start := c.clock.Now()
	ctx, span := c.tracer.Start(ctx, "syncer.pass", trace.WithAttributes(attribute.String("user.id", userID)))
	entry := c.logger.WithField("user", userID)
	defer func() {
		res.Duration = c.clock.Since(start)
		span.SetAttributes(
			attribute.Int("sync.pulled", res.Pulled),
			attribute.Int("sync.pushed", res.Pushed),
			attribute.Int("sync.batches", res.Batches),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !c.probe.IsOnline(ctx) {
		entry.Debug("offline, skipping sync pass")
		return res, ErrOffline
	}
	release, err := c.acquire(ctx, userID)
	if err != nil {
		return res, err
	}
	defer release()

	since, err := c.cursor(ctx, userID)
	if err != nil {
		entry.WithError(err).Error("failed to read sync cursor")
		return res, err
	}
	pulled, err := c.remote.SelectModifiedSince(ctx, userID, since)
	if err != nil {
		entry.WithError(err).Error("pull failed")
		return res, fmt.Errorf("pull: %w", err)
	}
	res.Pulled = len(pulled)
	if len(pulled) > 0 && merge != nil {
		merge(pulled, since)
	}

	// Rows that arrived with this pull are already on the remote side.
	echoed := make(map[string]time.Time, len(pulled))
	for _, t := range pulled {
		echoed[t.ID] = t.UpdatedAt
	}
	// Stamp the cursor before reading the snapshot: edits made after it stay
	// newer than the cursor.
	asOf := c.clock.Now()
	var local []model.Task
	if snapshot != nil {
		local = snapshot()
	}
	pushed, err := c.push(ctx, local, asOf, userID, echoed)
	res.Pushed, res.Batches = pushed.Uploaded, pushed.Batches
	if err != nil {
		return res, err
	}
	entry.WithFields(log.Fields{"pulled": res.Pulled, "pushed": res.Pushed, "batches": res.Batches}).Info("sync pass complete")
	return res, nil
}

// push uploads the changed rows of tasks and advances the cursor to asOf,
// which must not be later than the instant tasks was read.
func (c *Coordinator) push(ctx context.Context, tasks []model.Task, asOf time.Time, userID string, skip map[string]time.Time) (PushResult, error) {
	ctx, span := c.tracer.Start(ctx, "syncer.push", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()
	entry := c.logger.WithField("user", userID)

	cursor, err := c.cursor(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return PushResult{}, err
	}

	var changed []model.Task
	for _, t := range tasks {
		if !t.UpdatedAt.After(cursor) {
			continue
		}
		if at, ok := skip[t.ID]; ok && at.Equal(t.UpdatedAt) {
			continue
		}
		changed = append(changed, t)
	}
	res := PushResult{Cursor: cursor}
	if len(changed) == 0 {
		entry.Debug("nothing to push")
		return res, nil
	}

	for start := 0; start < len(changed); start += c.batchSize {
		end := min(start+c.batchSize, len(changed))
		if err := c.upsert(ctx, userID, changed[start:end]); err != nil {
			entry.WithError(err).WithFields(log.Fields{"batch": res.Batches + 1, "uploaded": res.Uploaded}).Error("push aborted, cursor not advanced")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, fmt.Errorf("push batch %d: %w", res.Batches+1, err)
		}
		res.Batches++
		res.Uploaded += end - start
	}

	if err := c.remote.SetCursor(ctx, userID, asOf); err != nil {
		entry.WithError(err).Error("failed to advance sync cursor")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("set cursor: %w", err)
	}
	res.Cursor = asOf
	span.SetAttributes(attribute.Int("sync.uploaded", res.Uploaded), attribute.Int("sync.batches", res.Batches))
	entry.WithFields(log.Fields{"uploaded": res.Uploaded, "batches": res.Batches}).Debug("push complete")
	return res, nil
}

func (c *Coordinator) upsert(ctx context.Context, userID string, batch []model.Task) error {
	ctx, cancel := context.WithTimeout(ctx, c.batchTimeout)
	defer cancel()
	return c.remote.UpsertBatch(ctx, userID, batch)
}

// cursor returns the stored cursor, or the zero instant when none exists.
func (c *Coordinator) cursor(ctx context.Context, userID string) (time.Time, error) {
	at, ok, err := c.remote.GetCursor(ctx, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("get cursor: %w", err)
	}
	if !ok {
		return time.Time{}, nil
	}
	return at, nil
}

func (c *Coordinator) acquire(ctx context.Context, userID string) (func(), error) {
	release, err := c.locker.TryLock(ctx, "sync:"+userID)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, ErrSyncInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("sync lock: %w", err)
	}
	return release, nil
}
