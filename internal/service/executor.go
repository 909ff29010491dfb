package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/target/mmk-dispatch/internal/core"
	"github.com/target/mmk-dispatch/internal/domain/model"
	apperrors "github.com/target/mmk-dispatch/internal/errors"
	"github.com/target/mmk-dispatch/internal/observability/metrics"
	"github.com/target/mmk-dispatch/internal/observability/notify"
	"github.com/target/mmk-dispatch/internal/service/failurenotifier"
)

// ErrRunInProgress is returned when a job already has a run in flight, in this process or another.
var ErrRunInProgress = errors.New("job run already in progress")

const (
	defaultJobConcurrency      = 4
	defaultDeliveryConcurrency = 8
	rebuildPageSize            = 200
)

// RunExecutorOptions groups dependencies for RunExecutor.
type RunExecutorOptions struct {
	Registry  *JobRegistryService     // Required: due jobs and post-run bookkeeping
	Runs      core.JobRunRepository   // Required: durable run claims
	Queue     *DeliveryQueueService   // Required: due deliveries and outcomes
	Renderer  core.Renderer           // Required: artifact rendering
	Artifacts core.ArtifactRepository // Required: rendered output storage
	Transport core.Transport          // Required: outbound sends

	FailureNotifier     *failurenotifier.Service        // Optional: alerts on failed runs
	Metrics             *metrics.Recorder               // Optional
	Clock               core.Clock                      // Optional: defaults to the system clock
	JobConcurrency      int                             // Optional: defaults to 4
	DeliveryConcurrency int                             // Optional: defaults to 8
	DeliveryBatchSize   int                             // Optional: 0 uses the queue's batch size
	ChannelDelay        map[model.Channel]time.Duration // Optional: minimum gap between sends per channel
	Tasks               *RegisteredTasks                // Optional: shared task table
	Logger              *slog.Logger                    // Optional: structured logger
}

// TickResult counts what one tick did. Units that lost a claim are counted as skipped.
type TickResult struct {
	JobsDue       int
	JobsStarted   int
	JobsSucceeded int
	JobsFailed    int
	JobsSkipped   int

	DeliveriesDue     int
	DeliveriesClaimed int
	DeliveriesSent    int
	DeliveriesRetried int
	DeliveriesFailed  int
	DeliveriesSkipped int

	// Errors counts units whose bookkeeping could not be written.
	Errors int
}

// Processed returns the number of units this tick actually worked on.
func (r TickResult) Processed() int {
	return r.JobsStarted + r.DeliveriesClaimed
}

type tickTally struct {
	jobsStarted, jobsSucceeded, jobsFailed, jobsSkipped                       atomic.Int64
	delClaimed, delSent, delRetried, delFailed, delSkipped, bookkeepingErrors atomic.Int64
}

// RunExecutor drives due recurring jobs and due deliveries through their lifecycles.
// A failure in one unit is recorded on that unit and never aborts the tick.
type RunExecutor struct {
	registry        *JobRegistryService
	runs            core.JobRunRepository
	queue           *DeliveryQueueService
	renderer        core.Renderer
	artifacts       core.ArtifactRepository
	transport       core.Transport
	failureNotifier *failurenotifier.Service
	metrics         *metrics.Recorder
	clock           core.Clock
	jobWorkers      int
	deliveryWorkers int
	deliveryBatch   int
	limiters        map[model.Channel]*rate.Limiter
	tasks           *RegisteredTasks
	logger          *slog.Logger
}

// NewRunExecutor constructs a new RunExecutor.
func NewRunExecutor(opts RunExecutorOptions) (*RunExecutor, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("JobRegistryService is required")
	case opts.Runs == nil:
		return nil, errors.New("JobRunRepository is required")
	case opts.Queue == nil:
		return nil, errors.New("DeliveryQueueService is required")
	case opts.Renderer == nil:
		return nil, errors.New("renderer is required")
	case opts.Artifacts == nil:
		return nil, errors.New("ArtifactRepository is required")
	case opts.Transport == nil:
		return nil, errors.New("transport is required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	jobWorkers := opts.JobConcurrency
	if jobWorkers <= 0 {
		jobWorkers = defaultJobConcurrency
	}
	deliveryWorkers := opts.DeliveryConcurrency
	if deliveryWorkers <= 0 {
		deliveryWorkers = defaultDeliveryConcurrency
	}
	tasks := opts.Tasks
	if tasks == nil {
		tasks = NewRegisteredTasks()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limiters := make(map[model.Channel]*rate.Limiter, len(opts.ChannelDelay))
	for ch, delay := range opts.ChannelDelay {
		if delay > 0 {
			limiters[ch] = rate.NewLimiter(rate.Every(delay), 1)
		}
	}

	return &RunExecutor{
		registry:        opts.Registry,
		runs:            opts.Runs,
		queue:           opts.Queue,
		renderer:        opts.Renderer,
		artifacts:       opts.Artifacts,
		transport:       opts.Transport,
		failureNotifier: opts.FailureNotifier,
		metrics:         opts.Metrics,
		clock:           clock,
		jobWorkers:      jobWorkers,
		deliveryWorkers: deliveryWorkers,
		deliveryBatch:   opts.DeliveryBatchSize,
		limiters:        limiters,
		tasks:           tasks,
		logger:          logger.With("component", "run_executor"),
	}, nil
}

// MustNewRunExecutor constructs a new RunExecutor and panics on error.
func MustNewRunExecutor(opts RunExecutorOptions) *RunExecutor {
	svc, err := NewRunExecutor(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create RunExecutor: %v", err))
	}
	return svc
}

// Tasks exposes the process-local task table.
func (e *RunExecutor) Tasks() *RegisteredTasks { return e.tasks }

// RebuildRegisteredTasks reloads the task table from every active job and returns its size.
func (e *RunExecutor) RebuildRegisteredTasks(ctx context.Context) (int, error) {
	var all []*model.RecurringJob
	for offset := 0; ; offset += rebuildPageSize {
		page, err := e.registry.List(ctx, model.RecurringJobListOptions{
			ActiveOnly: true,
			Limit:      rebuildPageSize,
			Offset:     offset,
		})
		if err != nil {
			return 0, fmt.Errorf("rebuild registered tasks: %w", err)
		}
		all = append(all, page...)
		if len(page) < rebuildPageSize {
			break
		}
	}
	e.tasks.Replace(all)
	e.logger.InfoContext(ctx, "registered tasks rebuilt", "count", len(all))
	return len(all), nil
}

// Tick runs the job phase and the delivery phase concurrently for everything due at now.
// The returned error only reports failures to load due work.
func (e *RunExecutor) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	var (
		tally          tickTally
		g              errgroup.Group
		jobsDue        int
		deliveriesDue  int
		jobsErr, dlErr error
	)
	g.Go(func() error {
		jobsDue, jobsErr = e.runJobPhase(ctx, now, &tally)
		return nil
	})
	g.Go(func() error {
		deliveriesDue, dlErr = e.runDeliveryPhase(ctx, now, &tally)
		return nil
	})
	_ = g.Wait()

	res := TickResult{
		JobsDue:           jobsDue,
		JobsStarted:       int(tally.jobsStarted.Load()),
		JobsSucceeded:     int(tally.jobsSucceeded.Load()),
		JobsFailed:        int(tally.jobsFailed.Load()),
		JobsSkipped:       int(tally.jobsSkipped.Load()),
		DeliveriesDue:     deliveriesDue,
		DeliveriesClaimed: int(tally.delClaimed.Load()),
		DeliveriesSent:    int(tally.delSent.Load()),
		DeliveriesRetried: int(tally.delRetried.Load()),
		DeliveriesFailed:  int(tally.delFailed.Load()),
		DeliveriesSkipped: int(tally.delSkipped.Load()),
		Errors:            int(tally.bookkeepingErrors.Load()),
	}
	return res, errors.Join(jobsErr, dlErr)
}

func (e *RunExecutor) runJobPhase(ctx context.Context, now time.Time, tally *tickTally) (int, error) {
	start := time.Now()
	jobs, err := e.registry.DueJobs(ctx, now)
	if err != nil {
		e.metrics.Tick("jobs", time.Since(start), err)
		return 0, fmt.Errorf("load due jobs: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(e.jobWorkers)
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		e.tasks.Register(job)
		g.Go(func() error {
			run, err := e.executeJob(ctx, job, model.TriggerSchedule)
			switch {
			case errors.Is(err, ErrRunInProgress):
				tally.jobsSkipped.Add(1)
				return nil
			case run == nil:
				tally.bookkeepingErrors.Add(1)
				return nil
			}
			tally.jobsStarted.Add(1)
			if run.Status == model.RunStatusCompleted {
				tally.jobsSucceeded.Add(1)
			} else {
				tally.jobsFailed.Add(1)
			}
			if err != nil {
				tally.bookkeepingErrors.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	e.metrics.Tick("jobs", time.Since(start), nil)
	return len(jobs), nil
}

// TriggerManual runs a job immediately regardless of its NextRunAt.
func (e *RunExecutor) TriggerManual(ctx context.Context, jobID string) (*model.JobRun, error) {
	job, err := e.registry.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	e.tasks.Register(job)
	run, err := e.executeJob(ctx, job, model.TriggerManual)
	if errors.Is(err, ErrRunInProgress) {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConflict, "job "+jobID+" is already running")
	}
	return run, err
}

// executeJob claims, performs and records one run. It returns the finished run; a non-nil
// run with an error means the run finished but its bookkeeping did not complete.
func (e *RunExecutor) executeJob(
	ctx context.Context,
	job *model.RecurringJob,
	trigger model.TriggerSource,
) (*model.JobRun, error) {
	if !e.tasks.TryStart(job.ID) {
		e.metrics.RunSkipped(string(job.Kind))
		return nil, ErrRunInProgress
	}

	params := model.ClaimRunParams{
		JobID:       job.ID,
		TriggeredBy: trigger,
		Now:         e.clock.Now().UTC(),
	}
	if trigger == model.TriggerSchedule {
		occurrence := job.NextRunAt
		params.Occurrence = &occurrence
	}
	run, claimed, err := e.runs.Claim(ctx, params)
	if err != nil {
		e.tasks.Release(job.ID)
		e.logger.ErrorContext(ctx, "claim job run failed", "job_id", job.ID, "error", err)
		return nil, fmt.Errorf("claim job run: %w", err)
	}
	if !claimed {
		e.tasks.Release(job.ID)
		e.metrics.RunSkipped(string(job.Kind))
		e.logger.DebugContext(ctx, "job run not claimed",
			"job_id", job.ID,
			"next_run_at", job.NextRunAt,
			"triggered_by", trigger,
		)
		return nil, ErrRunInProgress
	}

	e.logger.InfoContext(ctx, "job run started",
		"job_id", job.ID,
		"run_id", run.ID,
		"triggered_by", trigger,
	)
	result := e.perform(ctx, job, run)
	return e.finishRun(ctx, job, run, result)
}

type runResult struct {
	artifactRef *string
	recipients  []model.RecipientDelivery
	err         error
	stack       string
}

// perform renders, stores and sends the artifact. Panics become run failures.
func (e *RunExecutor) perform(ctx context.Context, job *model.RecurringJob, run *model.JobRun) (res runResult) {
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("panic: %v", r)
			res.stack = string(debug.Stack())
			e.logger.ErrorContext(ctx, "panic in job run",
				"job_id", job.ID,
				"run_id", run.ID,
				"panic", r,
			)
		}
	}()

	content, err := e.renderer.Render(ctx, core.RenderRequest{
		JobID:        job.ID,
		RunID:        run.ID,
		Kind:         job.Kind,
		TemplateKind: job.TemplateKind,
		Params:       job.Render,
	})
	if err != nil {
		res.err = fmt.Errorf("render: %w", err)
		return res
	}

	ref, err := e.artifacts.Store(ctx, model.Artifact{
		JobID:     job.ID,
		RunID:     run.ID,
		Format:    job.Render.Format,
		Content:   content,
		CreatedAt: e.clock.Now().UTC(),
	})
	if err != nil {
		res.err = fmt.Errorf("store artifact: %w", err)
		return res
	}
	res.artifactRef = &ref

	var delivered int
	res.recipients, delivered = e.sendArtifact(ctx, job, run, ref)
	if len(job.Recipients) > 0 && delivered == 0 {
		res.err = errors.New("no recipient received the artifact")
	}
	return res
}

func (e *RunExecutor) sendArtifact(
	ctx context.Context,
	job *model.RecurringJob,
	run *model.JobRun,
	ref string,
) ([]model.RecipientDelivery, int) {
	out := make([]model.RecipientDelivery, 0, len(job.Recipients))
	delivered := 0
	for _, rc := range job.Recipients {
		rd := model.RecipientDelivery{Address: rc.Address, Channel: rc.Channel}
		if err := e.waitChannel(ctx, rc.Channel); err != nil {
			rd.Status, rd.Error = "error", err.Error()
			out = append(out, rd)
			continue
		}
		status, err := e.transport.Deliver(ctx, core.Message{
			IdempotencyKey:   run.ID + ":" + rc.Address + ":" + string(rc.Channel),
			Channel:          rc.Channel,
			Recipient:        rc.Address,
			NotificationType: string(job.Kind) + "." + job.TemplateKind,
			ArtifactRef:      ref,
		})
		if err != nil {
			rd.Status, rd.Error = "error", err.Error()
		} else {
			rd.Status = string(status)
			if status == core.TransportDelivered {
				delivered++
			}
		}
		out = append(out, rd)
	}
	return out, delivered
}

// finishRun persists the run's terminal state and the job bookkeeping. Both writes use a
// context detached from cancellation so a shutdown mid-run still records the outcome.
// When the bookkeeping write fails, the reaper replays it from the finished run.
func (e *RunExecutor) finishRun(
	ctx context.Context,
	job *model.RecurringJob,
	run *model.JobRun,
	result runResult,
) (*model.JobRun, error) {
	bookCtx := context.WithoutCancel(ctx)
	completedAt := e.clock.Now().UTC()

	params := model.FinishRunParams{
		RunID:       run.ID,
		Status:      model.RunStatusCompleted,
		CompletedAt: completedAt,
		ArtifactRef: result.artifactRef,
		Recipients:  result.recipients,
	}
	outcome := model.RunOutcomeSuccess
	var errMsg string
	if result.err != nil {
		outcome = model.RunOutcomeFailed
		params.Status = model.RunStatusFailed
		errMsg = result.err.Error()
		params.ErrorMessage = &errMsg
		if result.stack != "" {
			params.ErrorDetail = &result.stack
		}
	}

	finished, err := e.runs.Finish(bookCtx, params)
	if err != nil {
		// The run stays processing; the reaper finishes it and records the outcome.
		e.tasks.Release(job.ID)
		e.logger.ErrorContext(ctx, "finish job run failed", "job_id", job.ID, "run_id", run.ID, "error", err)
		return nil, fmt.Errorf("finish job run: %w", err)
	}

	var next time.Time
	updated, recErr := e.registry.RecordRunOutcome(bookCtx, finished)
	if errors.Is(recErr, model.ErrOutcomeAlreadyRecorded) {
		recErr = nil
	}
	if recErr == nil {
		next = updated.NextRunAt
	}
	e.tasks.Finish(job.ID, outcome, completedAt, next)
	e.metrics.RunFinished(string(job.Kind), string(outcome), finished.Duration)

	if result.err != nil {
		e.logger.WarnContext(ctx, "job run failed",
			"job_id", job.ID,
			"run_id", run.ID,
			"triggered_by", run.TriggeredBy,
			"error", result.err,
		)
		e.notifyRunFailure(bookCtx, job, finished, result.err)
	} else {
		e.logger.InfoContext(ctx, "job run completed",
			"job_id", job.ID,
			"run_id", run.ID,
			"duration", finished.Duration,
			"recipients", len(finished.Recipients),
		)
	}

	if recErr != nil {
		return finished, fmt.Errorf("record job outcome: %w", recErr)
	}
	return finished, nil
}

func (e *RunExecutor) notifyRunFailure(ctx context.Context, job *model.RecurringJob, run *model.JobRun, err error) {
	if !e.failureNotifier.Enabled() {
		return
	}
	errorClass := apperrors.Classify(err)
	if run.ErrorDetail != nil {
		errorClass = "panic"
	}
	e.failureNotifier.NotifyFailure(ctx, notify.FailurePayload{
		Subject:    notify.SubjectJobRun,
		SubjectID:  run.ID,
		OwnerID:    job.ID,
		Name:       job.Name,
		Error:      err.Error(),
		ErrorClass: errorClass,
		Severity:   notify.SeverityCritical,
		OccurredAt: e.clock.Now().UTC(),
		Metadata: map[string]string{
			"kind":         string(job.Kind),
			"triggered_by": string(run.TriggeredBy),
		},
	})
}

func (e *RunExecutor) runDeliveryPhase(ctx context.Context, now time.Time, tally *tickTally) (int, error) {
	start := time.Now()
	due, err := e.queue.DueDeliveries(ctx, now, e.deliveryBatch)
	if err != nil {
		e.metrics.Tick("deliveries", time.Since(start), err)
		return 0, fmt.Errorf("load due deliveries: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(e.deliveryWorkers)
	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			status, err := e.processDelivery(ctx, d)
			switch {
			case err != nil:
				tally.bookkeepingErrors.Add(1)
				return nil
			case status == "":
				tally.delSkipped.Add(1)
				return nil
			}
			tally.delClaimed.Add(1)
			switch status {
			case model.DeliverySent:
				tally.delSent.Add(1)
			case model.DeliveryQueued:
				tally.delRetried.Add(1)
			case model.DeliveryFailed:
				tally.delFailed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	e.metrics.Tick("deliveries", time.Since(start), nil)
	return len(due), nil
}

// processDelivery runs one attempt and returns the status the delivery moved to,
// or "" when another worker claimed it first.
func (e *RunExecutor) processDelivery(ctx context.Context, d *model.Delivery) (model.DeliveryStatus, error) {
	attempt, ok, err := e.queue.ClaimAttempt(ctx, d.ID)
	if err != nil {
		e.logger.ErrorContext(ctx, "claim delivery failed", "delivery_id", d.ID, "error", err)
		return "", err
	}
	if !ok {
		return "", nil
	}

	outcome := e.attemptDelivery(ctx, d).ForAttempt(attempt)
	status, err := e.queue.MarkOutcome(context.WithoutCancel(ctx), d.ID, outcome)
	if err != nil {
		e.logger.ErrorContext(ctx, "record delivery outcome failed",
			"delivery_id", d.ID,
			"outcome", outcome.Status,
			"error", err,
		)
		if status == "" {
			return "", err
		}
	}
	return status, nil
}

// attemptDelivery tries each channel in order until one delivers. Only a bounce on every
// channel is permanent; any other failure is retried by the queue.
func (e *RunExecutor) attemptDelivery(ctx context.Context, d *model.Delivery) (outcome model.DeliveryOutcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "panic in delivery attempt", "delivery_id", d.ID, "panic", r)
			outcome = model.OutcomeRetryable(fmt.Sprintf("panic: %v", r))
		}
	}()

	var (
		failures []string
		bounced  int
	)
	for _, ch := range d.Channels {
		if err := e.waitChannel(ctx, ch); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", ch, err))
			break
		}
		status, err := e.transport.Deliver(ctx, core.Message{
			IdempotencyKey:   d.ID + ":" + string(ch),
			Channel:          ch,
			Recipient:        d.Recipient,
			NotificationType: d.NotificationType,
			Payload:          d.Payload,
		})
		switch {
		case err != nil:
			failures = append(failures, fmt.Sprintf("%s: %v", ch, err))
		case status == core.TransportDelivered:
			return model.OutcomeSent()
		case status == core.TransportBounced:
			bounced++
			failures = append(failures, fmt.Sprintf("%s: bounced", ch))
		default:
			failures = append(failures, fmt.Sprintf("%s: %s", ch, status))
		}
	}

	msg := strings.Join(failures, "; ")
	if bounced > 0 && bounced == len(d.Channels) {
		return model.OutcomePermanent(msg)
	}
	return model.OutcomeRetryable(msg)
}

func (e *RunExecutor) waitChannel(ctx context.Context, ch model.Channel) error {
	lim, ok := e.limiters[ch]
	if !ok {
		return nil
	}
	return lim.Wait(ctx)
}
