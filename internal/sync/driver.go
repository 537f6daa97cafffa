package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Options tunes a single RunSync call
type Options struct {
	// MaxPages stops the run after this many committed pages; 0 means unbounded.
	MaxPages       int           `json:"max_pages"`
	BatchSize      int           `json:"batch_size"`
	PayloadWorkers int           `json:"payload_workers"`
	FetchTimeout   time.Duration `json:"fetch_timeout"`
	PayloadTimeout time.Duration `json:"payload_timeout"`
	CommitTimeout  time.Duration `json:"commit_timeout"`
	LockTTL        time.Duration `json:"lock_ttl"`
	Retry          RetryPolicy   `json:"retry"`
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		BatchSize:      100,
		PayloadWorkers: 8,
		FetchTimeout:   60 * time.Second,
		PayloadTimeout: 30 * time.Second,
		CommitTimeout:  30 * time.Second,
		LockTTL:        5 * time.Minute,
		Retry:          RetryPolicy{}.withDefaults(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.PayloadWorkers <= 0 {
		o.PayloadWorkers = def.PayloadWorkers
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = def.FetchTimeout
	}
	if o.PayloadTimeout <= 0 {
		o.PayloadTimeout = def.PayloadTimeout
	}
	if o.CommitTimeout <= 0 {
		o.CommitTimeout = def.CommitTimeout
	}
	if o.LockTTL <= 0 {
		o.LockTTL = def.LockTTL
	}
	o.Retry = o.Retry.withDefaults()
	return o
}

// DriverConfig wires a Driver. Locker and Status are optional.
type DriverConfig struct {
	Source      ChangeSource
	Messages    MessageStore
	Checkpoints CheckpointStore
	Locker      Locker
	Status      StatusRecorder
	Normalizer  Normalizer
	Logger      *slog.Logger
}

// Driver runs the fetch → classify → ingest → persist → checkpoint loop for one mailbox.
type Driver struct {
	source      ChangeSource
	messages    MessageStore
	checkpoints CheckpointStore
	locker      Locker
	status      StatusRecorder
	normalizer  Normalizer
	logger      *slog.Logger
}

// NewDriver creates a Driver. The source must implement DeltaSource or FullScanSource.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	switch cfg.Source.(type) {
	case DeltaSource, FullScanSource:
	default:
		return nil, fmt.Errorf("source %T implements neither DeltaSource nor FullScanSource", cfg.Source)
	}
	if cfg.Messages == nil || cfg.Checkpoints == nil || cfg.Normalizer == nil {
		return nil, errors.New("driver needs a message store, a checkpoint store and a normalizer")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		source:      cfg.Source,
		messages:    cfg.Messages,
		checkpoints: cfg.Checkpoints,
		locker:      cfg.Locker,
		status:      cfg.Status,
		normalizer:  cfg.Normalizer,
		logger:      logger,
	}, nil
}

// fetchedPage is a source page before classification
type fetchedPage struct {
	scan    bool
	changes []RawChange
	entries []ScanEntry
	known   map[string]bool
	next    *Cursor
	hasMore bool
}

func (p *fetchedPage) classify() []ChangeEvent {
	if p.scan {
		return ClassifyScan(p.entries, p.known)
	}
	return ClassifyDelta(p.changes)
}

// RunSync syncs one mailbox until the source is drained, MaxPages is reached,
// ctx is cancelled between pages, or an unrecoverable error occurs. The
// returned report is never nil; the error equals report.Err.
func (d *Driver) RunSync(ctx context.Context, mailboxID string, opts Options) (*RunReport, error) {
	opts = opts.withDefaults()
	report := &RunReport{
		MailboxID: mailboxID,
		RunID:     uuid.NewString(),
		State:     StateIdle,
		StartedAt: time.Now().UTC(),
	}
	logger := d.logger.With("mailbox", mailboxID, "run_id", report.RunID)

	if d.locker != nil {
		if err := d.locker.AcquireLock(ctx, mailboxID, report.RunID, opts.LockTTL); err != nil {
			return d.finish(ctx, logger, report, StateAborted, err)
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.CommitTimeout)
			defer cancel()
			if err := d.locker.ReleaseLock(rctx, mailboxID, report.RunID); err != nil {
				logger.Warn("release lock failed", "error", err)
			}
		}()
	}

	cursor, err := d.checkpoints.LoadCheckpoint(ctx, mailboxID)
	if err != nil {
		return d.finish(ctx, logger, report, StateAborted, persistenceError("load checkpoint", mailboxID, err))
	}
	report.FinalCursor = cursor
	d.recordStatus(ctx, logger, mailboxID, StatusSyncing, nil)
	logger.Info("sync started", "cursor", cursor.String(), "provider", d.source.Provider())

	ingestor := NewIngestor(mailboxID, d.messages, nil, d.normalizer, logger)
	ingestor.payloads = func(ctx context.Context, ref MessageRef) (*RawMessage, error) {
		return d.fetchPayload(ctx, ref, opts)
	}
	persister := NewBatchPersister(d.messages, opts.BatchSize, opts.CommitTimeout, opts.Retry, logger)

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return d.finish(ctx, logger, report, StateCancelled, err)
		}
		if opts.MaxPages > 0 && report.PagesProcessed >= opts.MaxPages {
			logger.Info("page limit reached", "max_pages", opts.MaxPages)
			return d.finish(ctx, logger, report, StateDone, nil)
		}
		if page > 1 && d.locker != nil {
			if err := d.locker.AcquireLock(ctx, mailboxID, report.RunID, opts.LockTTL); err != nil {
				return d.finish(ctx, logger, report, StateAborted, fmt.Errorf("refresh lock: %w", err))
			}
		}

		report.State = StateFetching
		fp, err := d.fetchPage(ctx, mailboxID, cursor, opts)
		if err != nil {
			if ctx.Err() != nil {
				return d.finish(ctx, logger, report, StateCancelled, ctx.Err())
			}
			return d.finish(ctx, logger, report, StateAborted, err)
		}

		// The page is finished even if ctx is cancelled from here on.
		pctx := context.WithoutCancel(ctx)

		report.State = StateClassifying
		events := fp.classify()

		if len(events) == 0 {
			if fp.next == nil || fp.next.Equal(cursor) {
				return d.finish(ctx, logger, report, StateDone, nil)
			}
			d.advance(pctx, logger, report, mailboxID, *fp.next)
			cursor = fp.next
			if !fp.hasMore {
				return d.finish(ctx, logger, report, StateDone, nil)
			}
			continue
		}

		report.State = StateIngesting
		d.prefetchPayloads(pctx, events, opts)
		nextToken := ""
		if fp.next != nil {
			nextToken = fp.next.Token
		}
		ingestor.BeginPage(nextToken)
		var (
			t    tally
			muts []Mutation
		)
		for _, ev := range events {
			out, mut := ingestor.Ingest(pctx, ev)
			t.add(out.Kind)
			if mut != nil {
				muts = append(muts, *mut)
			}
		}

		report.State = StatePersisting
		res, err := persister.Persist(pctx, mailboxID, muts)
		if err != nil {
			return d.finish(ctx, logger, report, StateAborted, err)
		}
		report.PagesProcessed++
		report.merge(t)
		pagesTotal.WithLabelValues(mailboxID).Inc()
		recordOutcomes(mailboxID, t)
		logger.Info("page committed",
			"page", page,
			"created", t.created,
			"updated", t.updated,
			"skipped", t.skipped,
			"failed", t.failed,
			"batches", res.Batches,
		)

		if fp.next != nil {
			d.advance(pctx, logger, report, mailboxID, *fp.next)
			cursor = fp.next
		}
		if !fp.hasMore {
			return d.finish(ctx, logger, report, StateDone, nil)
		}
	}
}

// fetchPage pulls one page from the source, retrying transient failures.
func (d *Driver) fetchPage(ctx context.Context, mailboxID string, cursor *Cursor, opts Options) (*fetchedPage, error) {
	fp := &fetchedPage{}
	retrier := NewRetrier(opts.Retry, IsTransient, d.logger)
	err := retrier.Do(ctx, "fetch_page", func(ctx context.Context) error {
		cctx, cancel := withTimeout(ctx, opts.FetchTimeout)
		defer cancel()
		switch src := d.source.(type) {
		case DeltaSource:
			page, err := src.Poll(cctx, cursor)
			if err != nil {
				return timeoutAsTransient(ctx, "poll", err)
			}
			fp.changes, fp.next, fp.hasMore = page.Changes, page.Next, page.HasMore
		case FullScanSource:
			page, err := src.ListSince(cctx, cursor)
			if err != nil {
				return timeoutAsTransient(ctx, "list since", err)
			}
			fp.scan = true
			fp.entries, fp.next, fp.hasMore = page.Entries, page.MostRecent, len(page.Entries) > 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !fp.scan {
		return fp, nil
	}

	ids := make([]string, 0, len(fp.entries))
	for _, e := range fp.entries {
		if e.ExternalID != "" {
			ids = append(ids, e.ExternalID)
		}
	}
	known, err := d.messages.KnownExternalIDs(context.WithoutCancel(ctx), mailboxID, ids)
	if err != nil {
		return nil, persistenceError("known ids", mailboxID, err)
	}
	fp.known = known
	return fp, nil
}

func (d *Driver) advance(ctx context.Context, logger *slog.Logger, report *RunReport, mailboxID string, next Cursor) {
	report.State = StateCheckpointAdvanced
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := d.checkpoints.SaveCheckpoint(sctx, mailboxID, next); err != nil {
		report.CheckpointErrors++
		checkpointSavesTotal.WithLabelValues(mailboxID, "error").Inc()
		logger.Error("checkpoint save failed", "cursor", next.String(), "error",
			&Error{Kind: KindCheckpointWrite, Op: "save checkpoint", MailboxID: mailboxID, Err: err})
		if !errors.Is(err, ErrCursorRegressed) {
			report.FinalCursor = &next
		}
		return
	}
	checkpointSavesTotal.WithLabelValues(mailboxID, "ok").Inc()
	report.FinalCursor = &next
}

func (d *Driver) finish(ctx context.Context, logger *slog.Logger, report *RunReport, state State, err error) (*RunReport, error) {
	report.State = state
	report.Err = err
	if err != nil {
		report.Error = err.Error()
	}
	report.FinishedAt = time.Now().UTC()
	runsTotal.WithLabelValues(report.MailboxID, string(state)).Inc()

	attrs := []any{
		"state", state,
		"pages", report.PagesProcessed,
		"created", report.MessagesCreated,
		"updated", report.MessagesUpdated,
		"skipped", report.MessagesSkipped,
		"failed", report.MessagesFailed,
		"checkpoint_errors", report.CheckpointErrors,
		"cursor", report.FinalCursor.String(),
		"duration", report.FinishedAt.Sub(report.StartedAt),
	}
	status := StatusIdle
	switch {
	case state == StateAborted && !errors.Is(err, ErrMailboxLocked):
		status = StatusError
		logger.Error("sync aborted", append(attrs, "error", err)...)
	case err != nil:
		logger.Info("sync stopped", append(attrs, "error", err)...)
	default:
		logger.Info("sync finished", attrs...)
	}
	if !errors.Is(err, ErrMailboxLocked) {
		d.recordStatus(context.WithoutCancel(ctx), logger, report.MailboxID, status, report)
	}
	return report, err
}

func (d *Driver) recordStatus(ctx context.Context, logger *slog.Logger, mailboxID, status string, report *RunReport) {
	if d.status == nil {
		return
	}
	lastErr := ""
	if report != nil {
		lastErr = report.Error
	}
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := d.status.UpdateSyncStatus(sctx, mailboxID, status, lastErr, report); err != nil {
		logger.Warn("update sync status failed", "status", status, "error", err)
	}
}
