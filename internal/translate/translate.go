package translate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lingosub/lingosub/internal/broker"
	"github.com/lingosub/lingosub/internal/cache"
	"github.com/lingosub/lingosub/internal/logging"
	"github.com/lingosub/lingosub/internal/metrics"
	"github.com/lingosub/lingosub/internal/plan"
	"github.com/lingosub/lingosub/internal/subtitle"
)

const (
	// DefaultWorkers bounds in-flight batch requests per orchestration.
	DefaultWorkers = 3
	MaxWorkers     = 5

	// DefaultPerBatchDeadline is the per-request deadline; the whole
	// orchestration is bounded by perBatch * max(batchCount, 2). A
	// request-supplied deadline must stay within [Min, Default].
	DefaultPerBatchDeadline = 600 * time.Second
	MinPerBatchDeadline     = 5 * time.Second

	// rateLimitBudget is the rate-limit error count that exhausts one
	// provider run and triggers failover.
	rateLimitBudget = 5

	// recoveryFloor is the minimum missing-entry count allowed into a
	// recovery batch regardless of document size.
	recoveryFloor = 5
)

// Core drives the translation pipeline end to end: fingerprint, cache,
// plan, dispatch, verify, recover, persist.
type Core struct {
	Store  *cache.Store
	Broker *broker.Broker

	// Workers is the batch worker pool size (1..MaxWorkers); 0 means
	// DefaultWorkers.
	Workers          int
	PerBatchDeadline time.Duration
	// RequestsPerSecond paces provider calls across all orchestrations
	// sharing this Core; 0 disables pacing.
	RequestsPerSecond float64

	pacerOnce sync.Once
	pacer     *rate.Limiter
}

func NewCore(store *cache.Store, br *broker.Broker) *Core {
	return &Core{Store: store, Broker: br}
}

// Request is one translate call.
type Request struct {
	SourceBytes  []byte
	SourceFormat string
	SourceLang   string
	TargetLang   string

	Provider broker.ProviderID
	Model    string
	// Secondary, when set and distinct from the primary, receives the
	// remaining batches after the primary's error budget is exhausted.
	SecondaryProvider broker.ProviderID
	SecondaryModel    string

	Workflow   plan.Workflow
	Parameters broker.Parameters
	// Prompt is extra instruction text folded into the system prompt.
	Prompt string

	// APIKeys is a comma-separated key list for the primary provider.
	APIKeys          string
	SecondaryAPIKeys string

	// Force bypasses the cached result for this call only; waiters
	// already attached to an in-flight computation keep theirs.
	Force bool

	PerBatchDeadline time.Duration
	TokenBudget      int
	ContextSize      int
	MaxBatchEntries  int
	SingleBatch      bool

	format subtitle.Format
}

type Metadata struct {
	Provider   string
	Model      string
	Cached     bool
	EntryCount int
	DurationMs int64
}

type Response struct {
	Bytes    []byte
	Metadata Metadata
}

// pipelineOutcome carries producer-side facts back to the caller that ran it.
type pipelineOutcome struct {
	entryCount int
}

// Translate runs the pipeline under the translation namespace's
// single-flight guard. Concurrent calls with the same fingerprint share one
// producer; later calls hit the cache.
func (c *Core) Translate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if err := c.validate(&req); err != nil {
		return nil, err
	}

	fp := req.Fingerprint()
	ctx, log := logging.WithRun(ctx, fp, string(req.Provider))

	var outcome pipelineOutcome
	producer := func(ctx context.Context) ([]byte, error) {
		return c.run(ctx, &req, fp, &outcome)
	}

	var (
		out       []byte
		coalesced bool
		err       error
	)
	if req.Force {
		// Drop the stored result and partials, then recompute outside the
		// single-flight group so pre-force waiters keep their result.
		if delErr := c.Store.Delete(ctx, cache.NSTranslation, fp); delErr != nil {
			log.Warn("force refresh could not drop cached translation", "err", delErr)
		}
		if delErr := c.Store.Delete(ctx, cache.NSPartial, fp); delErr != nil {
			log.Warn("force refresh could not drop partial state", "err", delErr)
		}
		out, err = c.Store.Compute(ctx, cache.NSTranslation, fp, 0, producer)
	} else {
		out, coalesced, err = c.Store.GetOrCompute(ctx, cache.NSTranslation, fp, 0, producer)
	}

	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		metrics.TranslationsTotal.WithLabelValues(string(req.Provider), outcomeLabel(err)).Inc()
		return nil, asTranslateError(err)
	}

	meta := Metadata{
		Provider:   string(req.Provider),
		Model:      req.Model,
		Cached:     coalesced,
		EntryCount: outcome.entryCount,
		DurationMs: durationMs,
	}
	if coalesced {
		metrics.CacheRequests.WithLabelValues(string(cache.NSTranslation), "hit").Inc()
		meta.EntryCount = c.cachedEntryCount(ctx, fp, out, req.format)
		writeHistory(ctx, c.Store, &HistoryRecord{
			Fingerprint: fp,
			Provider:    string(req.Provider),
			Model:       req.Model,
			Workflow:    string(req.Workflow),
			EntryCount:  meta.EntryCount,
			DurationMs:  durationMs,
			Cached:      true,
		})
	}

	metrics.TranslationsTotal.WithLabelValues(string(req.Provider), "success").Inc()
	metrics.TranslationDuration.WithLabelValues(string(req.Provider), strconv.FormatBool(coalesced)).
		Observe(time.Since(start).Seconds())
	return &Response{Bytes: out, Metadata: meta}, nil
}

// cachedEntryCount recovers the entry count for a cache hit from the run's
// history record; a full re-parse of the cached bytes is the fallback for
// when history has already expired.
func (c *Core) cachedEntryCount(ctx context.Context, fp string, out []byte, format subtitle.Format) int {
	if records, err := HistoryFor(ctx, c.Store, fp); err == nil {
		for i := len(records) - 1; i >= 0; i-- {
			if records[i].EntryCount > 0 {
				return records[i].EntryCount
			}
		}
	}
	doc, err := subtitle.Parse(out, format)
	if err != nil {
		return 0
	}
	return len(doc.Entries)
}

func (c *Core) validate(req *Request) error {
	if req.TargetLang == "" {
		return failed(InvalidRequest, errors.New("target language is required"))
	}
	if _, ok := broker.ProviderCapabilities(req.Provider); !ok {
		return failed(InvalidRequest, fmt.Errorf("unknown provider %q", req.Provider))
	}
	if req.SecondaryProvider != "" {
		if _, ok := broker.ProviderCapabilities(req.SecondaryProvider); !ok {
			return failed(InvalidRequest, fmt.Errorf("unknown secondary provider %q", req.SecondaryProvider))
		}
	}
	workflow, err := plan.ParseWorkflow(string(req.Workflow))
	if err != nil {
		return failed(InvalidRequest, err)
	}
	req.Workflow = workflow
	if err := req.Parameters.Validate(); err != nil {
		return failed(InvalidRequest, err)
	}
	format, err := subtitle.ParseFormat(req.SourceFormat)
	if err != nil {
		return failed(InvalidRequest, err)
	}
	req.format = format
	if broker.NewKeyPool(req.APIKeys).Size() == 0 {
		return failed(InvalidRequest, errors.New("api key is required"))
	}
	if d := req.PerBatchDeadline; d != 0 && (d < MinPerBatchDeadline || d > DefaultPerBatchDeadline) {
		return failed(InvalidRequest, fmt.Errorf("request timeout %s out of range [%s, %s]",
			d, MinPerBatchDeadline, DefaultPerBatchDeadline))
	}
	return nil
}

// run is the single-flight producer: parse, plan, dispatch, verify,
// recover, serialize, persist.
func (c *Core) run(ctx context.Context, req *Request, fp string, outcome *pipelineOutcome) ([]byte, error) {
	log := logging.FromContext(ctx)
	rec := &HistoryRecord{
		Fingerprint: fp,
		Provider:    string(req.Provider),
		Model:       req.Model,
		Workflow:    string(req.Workflow),
	}
	// History and partial writes must survive cancellation.
	bg := context.WithoutCancel(ctx)
	metrics.CacheRequests.WithLabelValues(string(cache.NSTranslation), "miss").Inc()

	doc, err := subtitle.Parse(req.SourceBytes, req.format)
	if err != nil {
		rec.ErrorTypes = append(rec.ErrorTypes, Unparseable.String())
		writeHistory(bg, c.Store, rec)
		return nil, failed(Unparseable, err)
	}
	rec.EntryCount = len(doc.Entries)
	rec.SkippedCues = doc.Skipped

	batches, err := plan.Build(doc, plan.Options{
		Workflow:    req.Workflow,
		TokenBudget: req.TokenBudget,
		ContextSize: req.ContextSize,
		MaxEntries:  req.MaxBatchEntries,
		SingleBatch: req.SingleBatch,
	})
	if err != nil {
		rec.ErrorTypes = append(rec.ErrorTypes, InvalidRequest.String())
		writeHistory(bg, c.Store, rec)
		return nil, failed(InvalidRequest, err)
	}

	st := loadPartial(ctx, c.Store, fp)
	resumed := 0
	for _, b := range batches {
		if st.completed(b.ID) {
			resumed++
		}
	}
	if resumed > 0 {
		log.Info("resuming from partial state", "completed_batches", resumed, "total_batches", len(batches))
	}

	// Bound the whole orchestration relative to the per-batch deadline.
	perBatch := req.PerBatchDeadline
	if perBatch <= 0 {
		perBatch = c.perBatchDeadline()
	}
	overall := perBatch * time.Duration(max(len(batches), 2))
	runCtx, cancel := context.WithTimeout(ctx, overall)
	defer cancel()

	var mu sync.Mutex
	primary := c.brokerRequest(req, req.Provider, req.Model, req.APIKeys, perBatch)
	lastActive := primary
	dispatchErr := c.dispatch(runCtx, primary, batches, st, &mu, rec)
	if dispatchErr != nil {
		if ctxErr := cancellationError(ctx, runCtx, dispatchErr); ctxErr != nil {
			rec.ErrorTypes = append(rec.ErrorTypes, Cancelled.String())
			writeHistory(bg, c.Store, rec)
			return nil, failed(Cancelled, ctxErr)
		}
		rec.PrimaryFailureReason = failureReason(dispatchErr)
		rec.ErrorTypes = append(rec.ErrorTypes, rec.PrimaryFailureReason)

		secondary, ok := c.secondaryRequest(req, perBatch)
		if !ok {
			writeHistory(bg, c.Store, rec)
			return nil, &TranslateError{Kind: ProviderExhausted, PrimaryFailure: rec.PrimaryFailureReason, Err: dispatchErr}
		}

		log.Warn("primary provider exhausted; failing over",
			"primary", req.Provider, "secondary", req.SecondaryProvider, "reason", rec.PrimaryFailureReason)
		rec.UsedSecondary = true
		lastActive = secondary
		if secErr := c.dispatch(runCtx, secondary, batches, st, &mu, rec); secErr != nil {
			if ctxErr := cancellationError(ctx, runCtx, secErr); ctxErr != nil {
				rec.ErrorTypes = append(rec.ErrorTypes, Cancelled.String())
				writeHistory(bg, c.Store, rec)
				return nil, failed(Cancelled, ctxErr)
			}
			rec.SecondaryFailureReason = failureReason(secErr)
			rec.ErrorTypes = append(rec.ErrorTypes, rec.SecondaryFailureReason)
			writeHistory(bg, c.Store, rec)
			return nil, &TranslateError{
				Kind:             ProviderExhausted,
				PrimaryFailure:   rec.PrimaryFailureReason,
				SecondaryFailure: rec.SecondaryFailureReason,
				Err:              secErr,
			}
		}
	}

	// Alignment verification: every source index must have exactly one
	// translated entry.
	translated := make(map[int]broker.TranslatedEntry, len(doc.Entries))
	for _, entries := range st.Batches {
		for _, e := range entries {
			translated[e.Idx] = e
		}
	}
	var missing []*subtitle.Entry
	for _, e := range doc.Entries {
		if _, ok := translated[e.Idx]; !ok {
			missing = append(missing, e)
		}
	}

	if len(missing) > 0 {
		recovered, recErr := c.recover(runCtx, lastActive, batches, missing, rec)
		if recErr != nil {
			if ctxErr := cancellationError(ctx, runCtx, recErr); ctxErr != nil {
				rec.ErrorTypes = append(rec.ErrorTypes, Cancelled.String())
				writeHistory(bg, c.Store, rec)
				return nil, failed(Cancelled, ctxErr)
			}
			rec.ErrorTypes = append(rec.ErrorTypes, AlignmentUnrecoverable.String())
			writeHistory(bg, c.Store, rec)
			return nil, failed(AlignmentUnrecoverable, recErr)
		}
		for _, e := range recovered {
			translated[e.Idx] = e
		}
	}

	out := c.assemble(doc, req.Workflow, translated)
	if err := c.Store.Set(bg, cache.NSTranslation, fp, out, 0); err != nil {
		log.Warn("final translation write failed; returning bytes anyway", "err", err)
	}
	if err := c.Store.Delete(bg, cache.NSPartial, fp); err != nil {
		log.Warn("partial state cleanup failed", "err", err)
	}
	writeHistory(bg, c.Store, rec)

	outcome.entryCount = len(doc.Entries)
	return out, nil
}

// dispatch runs the uncompleted batches through the worker pool against one
// provider. Completed batch results land in st under mu; the first hard
// failure (or a blown rate-limit budget) cancels the remaining workers.
func (c *Core) dispatch(ctx context.Context, breq broker.Request, batches []plan.Batch, st *partialState, mu *sync.Mutex, rec *HistoryRecord) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers())

	// The budget is per provider run: a failover dispatch against the
	// secondary starts with a fresh one.
	runRateErrors := 0
	var budgetErr error
	for _, b := range batches {
		b := b
		mu.Lock()
		done := st.completed(b.ID)
		budgetBlown := runRateErrors > rateLimitBudget
		blownCount := runRateErrors
		mu.Unlock()
		if done {
			continue
		}
		if budgetBlown {
			budgetErr = fmt.Errorf("rate limit budget exhausted (%d errors)", blownCount)
			break
		}

		g.Go(func() error {
			if err := c.pace(gctx); err != nil {
				return err
			}
			res, err := c.Broker.TranslateBatch(gctx, b, breq)

			mu.Lock()
			runRateErrors += res.RateLimitErrors
			rec.RateLimitErrors += res.RateLimitErrors
			rec.KeyRotations += res.KeyRotations
			rateErrors := runRateErrors
			mu.Unlock()
			blown := rateErrors > rateLimitBudget
			metrics.KeyRotations.WithLabelValues(string(breq.Provider)).Add(float64(res.KeyRotations))
			metrics.RateLimitErrors.WithLabelValues(string(breq.Provider)).Add(float64(res.RateLimitErrors))

			if err != nil {
				// A missing-only shape mismatch is a partial success: keep
				// what came back and leave the gaps to the recovery batch.
				var perr *broker.ProviderError
				if errors.As(err, &perr) && perr.Kind == broker.ShapeMismatch && len(perr.Extra) == 0 {
					metrics.BatchesDispatched.WithLabelValues(string(breq.Provider), "mismatch").Inc()
					mu.Lock()
					st.Batches[b.ID] = res.Entries
					st.save(context.WithoutCancel(gctx), c.Store)
					mu.Unlock()
					if blown {
						return fmt.Errorf("rate limit budget exhausted (%d errors)", rateErrors)
					}
					return nil
				}
				metrics.BatchesDispatched.WithLabelValues(string(breq.Provider), "error").Inc()
				return err
			}
			metrics.BatchesDispatched.WithLabelValues(string(breq.Provider), "success").Inc()

			mu.Lock()
			st.Batches[b.ID] = res.Entries
			st.save(context.WithoutCancel(gctx), c.Store)
			mu.Unlock()

			if blown {
				return fmt.Errorf("rate limit budget exhausted (%d errors)", rateErrors)
			}
			return nil
		})
	}
	werr := g.Wait()
	if budgetErr != nil {
		return budgetErr
	}
	return werr
}

// recover dispatches one synthetic batch for the missing entries against
// the last active provider, with no further fallback.
func (c *Core) recover(ctx context.Context, breq broker.Request, batches []plan.Batch, missing []*subtitle.Entry, rec *HistoryRecord) ([]broker.TranslatedEntry, error) {
	total := rec.EntryCount
	limit := recoveryFloor
	if pct := (total*5 + 99) / 100; pct > limit {
		limit = pct
	}
	if len(missing) > limit {
		metrics.RecoveryBatches.WithLabelValues("too-large").Inc()
		return nil, fmt.Errorf("%d entries missing, above recovery limit %d", len(missing), limit)
	}

	rec.MismatchDetected = true
	rec.MissingEntries = len(missing)
	logging.FromContext(ctx).Warn("alignment mismatch; dispatching recovery batch",
		"missing", len(missing), "limit", limit)

	recoveryBatch := plan.Batch{ID: uint32(len(batches)), Entries: missing}
	if err := c.pace(ctx); err != nil {
		return nil, err
	}
	res, err := c.Broker.TranslateBatch(ctx, recoveryBatch, breq)
	if err != nil {
		metrics.RecoveryBatches.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.RecoveryBatches.WithLabelValues("success").Inc()
	rec.RecoveredEntries = len(res.Entries)
	rec.RateLimitErrors += res.RateLimitErrors
	rec.KeyRotations += res.KeyRotations
	return res.Entries, nil
}

// assemble rebuilds the document with translated text, sorted by source
// entry index. Timestamps come from the source except under ai-timestamps,
// where the provider's returned times are authoritative.
func (c *Core) assemble(doc *subtitle.Document, workflow plan.Workflow, translated map[int]broker.TranslatedEntry) []byte {
	out := doc.Clone()
	for i := range out.Entries {
		t, ok := translated[out.Entries[i].Idx]
		if !ok {
			continue
		}
		out.Entries[i].Text = t.Text
		if workflow == plan.WorkflowAITimestamps && t.HasTiming {
			out.Entries[i].Start = t.Start
			out.Entries[i].End = t.End
		}
	}
	return subtitle.Serialize(out)
}

func (c *Core) brokerRequest(req *Request, provider broker.ProviderID, model, keys string, perBatch time.Duration) broker.Request {
	return broker.Request{
		Provider:   provider,
		Model:      model,
		SourceLang: req.SourceLang,
		TargetLang: req.TargetLang,
		Workflow:   req.Workflow,
		Prompt:     req.Prompt,
		Parameters: req.Parameters,
		Keys:       broker.NewKeyPool(keys),
		Timeout:    perBatch,
	}
}

// secondaryRequest returns the failover request when a distinct secondary
// is configured.
func (c *Core) secondaryRequest(req *Request, perBatch time.Duration) (broker.Request, bool) {
	if req.SecondaryProvider == "" {
		return broker.Request{}, false
	}
	if req.SecondaryProvider == req.Provider && (req.SecondaryModel == "" || req.SecondaryModel == req.Model) {
		return broker.Request{}, false
	}
	keys := req.SecondaryAPIKeys
	if keys == "" && req.SecondaryProvider == req.Provider {
		keys = req.APIKeys
	}
	if broker.NewKeyPool(keys).Size() == 0 {
		return broker.Request{}, false
	}
	model := req.SecondaryModel
	if model == "" {
		model = req.Model
	}
	return c.brokerRequest(req, req.SecondaryProvider, model, keys, perBatch), true
}

// pace blocks until the Core-wide rate limiter admits another provider call.
func (c *Core) pace(ctx context.Context) error {
	c.pacerOnce.Do(func() {
		limit := rate.Inf
		if c.RequestsPerSecond > 0 {
			limit = rate.Limit(c.RequestsPerSecond)
		}
		c.pacer = rate.NewLimiter(limit, 1)
	})
	return c.pacer.Wait(ctx)
}

func (c *Core) workers() int {
	w := c.Workers
	if w <= 0 {
		w = DefaultWorkers
	}
	if w > MaxWorkers {
		w = MaxWorkers
	}
	return w
}

func (c *Core) perBatchDeadline() time.Duration {
	if c.PerBatchDeadline > 0 {
		return c.PerBatchDeadline
	}
	return DefaultPerBatchDeadline
}

// cancellationError reports whether err stems from the caller's context (or
// the orchestration deadline) rather than a provider failure.
func cancellationError(ctx, runCtx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if ctxErr := runCtx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func failureReason(err error) string {
	var perr *broker.ProviderError
	if errors.As(err, &perr) {
		return perr.Kind.String()
	}
	return err.Error()
}

func asTranslateError(err error) error {
	var te *TranslateError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return failed(Cancelled, err)
	}
	return err
}

func outcomeLabel(err error) string {
	if kind, ok := KindOf(err); ok {
		return kind.String()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled.String()
	}
	return "error"
}
