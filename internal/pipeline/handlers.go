package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/jobs"
	"github.com/reelforge/reelforge-backend/internal/jobs/runtime"
	"github.com/reelforge/reelforge-backend/internal/services"
	"github.com/reelforge/reelforge-backend/internal/webhooks"
	"github.com/reelforge/reelforge-backend/internal/workflow"
)

// Deps is everything the queue-driven side of the system needs. Register
// wires one handler per declared job type; the registry's completeness check
// makes a missed registration a boot failure.
type Deps struct {
	Engine    *workflow.Engine
	Gateway   *webhooks.Gateway
	Generator services.GenerationProvider
	Renderer  services.RenderProvider
	PollDelay time.Duration
}

func Register(registry *jobs.Registry, d Deps) error {
	if d.PollDelay <= 0 {
		d.PollDelay = 30 * time.Second
	}
	handlers := []jobs.Handler{
		&runStartHandler{d},
		&resumeGateHandler{d},
		&resumeCallbackHandler{deps: d, jobType: domain.JobResumeAfterGeneration, phase: workflow.PhaseGeneration},
		&resumeCallbackHandler{deps: d, jobType: domain.JobResumeAfterRender, phase: workflow.PhaseRender},
		&pollGenerationHandler{d},
		&pollRenderHandler{d},
		&eventHandler{deps: d, jobType: domain.JobEventGenerationComplete, render: false},
		&eventHandler{deps: d, jobType: domain.JobEventRenderComplete, render: true},
	}
	for _, h := range handlers {
		if err := registry.Register(h); err != nil {
			return err
		}
	}
	return registry.VerifyComplete()
}

func requireRunID(jc *runtime.Context) (uuid.UUID, *runtime.Result) {
	runID, ok := jc.RunID()
	if !ok {
		res := runtime.Fatal(fmt.Errorf("job %s has no run_id", jc.Job.ID))
		return uuid.Nil, &res
	}
	return runID, nil
}

// advanceResultToJob maps an engine outcome onto a queue outcome. A suspended
// or finished run is job success; a retry-after re-drives through the queue
// without burning the retry budget.
func advanceResultToJob(res *workflow.AdvanceResult) runtime.Result {
	if res != nil && res.RetryAfter > 0 {
		return runtime.RescheduleAfter(res.RetryAfter, "awaiting async publish")
	}
	return runtime.Done()
}

type runStartHandler struct {
	deps Deps
}

func (h *runStartHandler) Type() domain.JobType { return domain.JobRunStart }

func (h *runStartHandler) Run(jc *runtime.Context) runtime.Result {
	runID, fail := requireRunID(jc)
	if fail != nil {
		return *fail
	}
	res, err := h.deps.Engine.Start(jc.Ctx, runID)
	if errors.Is(err, domain.ErrRunNotFound) {
		return runtime.Fatal(err)
	}
	if err != nil {
		return runtime.Failed(err)
	}
	return advanceResultToJob(res)
}

type resumeGateHandler struct {
	deps Deps
}

func (h *resumeGateHandler) Type() domain.JobType { return domain.JobResumeGate }

func (h *resumeGateHandler) Run(jc *runtime.Context) runtime.Result {
	runID, fail := requireRunID(jc)
	if fail != nil {
		return *fail
	}
	interruptID := jc.PayloadString("interrupt_id")
	if interruptID == "" {
		return runtime.Fatal(fmt.Errorf("gate resume without interrupt_id"))
	}
	res, err := h.deps.Engine.Resume(jc.Ctx, runID, interruptID, jc.Payload())
	if errors.Is(err, domain.ErrStaleResume) {
		// The gate was already decided (or superseded). Retrying the resume
		// can never make the interrupt current again, but the run may have
		// consumed it and crashed before advancing, so re-drive from the
		// latest checkpoint instead of dropping the job. Start is a no-op on
		// a run that is suspended elsewhere or finished.
		jc.Log.Warn("Stale gate resume, re-driving run", "run_id", runID, "interrupt_id", interruptID)
		res, err = h.deps.Engine.Start(jc.Ctx, runID)
		if err != nil {
			return runtime.Failed(err)
		}
		return advanceResultToJob(res)
	}
	if err != nil {
		return runtime.Failed(err)
	}
	return advanceResultToJob(res)
}

// resumeCallbackHandler serves both wait phases; the interrupt id is derived
// from (run, phase) so the handler needs no payload beyond the run.
type resumeCallbackHandler struct {
	deps    Deps
	jobType domain.JobType
	phase   string
}

func (h *resumeCallbackHandler) Type() domain.JobType { return h.jobType }

func (h *resumeCallbackHandler) Run(jc *runtime.Context) runtime.Result {
	runID, fail := requireRunID(jc)
	if fail != nil {
		return *fail
	}
	interruptID := workflow.CallbackInterruptID(runID, h.phase)
	res, err := h.deps.Engine.Resume(jc.Ctx, runID, interruptID, jc.Payload())
	if errors.Is(err, domain.ErrStaleResume) {
		// Consumed interrupt with no advance yet means a crash landed between
		// the resume transaction and the advance loop. Re-driving from the
		// checkpoint is idempotent either way.
		jc.Log.Debug("Callback resume already consumed, re-driving run", "run_id", runID, "phase", h.phase)
		res, err = h.deps.Engine.Start(jc.Ctx, runID)
		if err != nil {
			return runtime.Failed(err)
		}
		return advanceResultToJob(res)
	}
	if err != nil {
		return runtime.Failed(err)
	}
	return advanceResultToJob(res)
}

/*
Poll handlers are the fallback for lost webhooks: they ask the provider
directly and feed answers through the same gateway path a webhook would take,
so idempotency and resume behavior are identical regardless of which side
reported first. They reschedule themselves while work is outstanding and stop
as soon as the wait interrupt is gone.
*/

type pollGenerationHandler struct {
	deps Deps
}

func (h *pollGenerationHandler) Type() domain.JobType { return domain.JobPollGeneration }

func (h *pollGenerationHandler) Run(jc *runtime.Context) runtime.Result {
	runID, fail := requireRunID(jc)
	if fail != nil {
		return *fail
	}
	st, interrupt, err := h.deps.Engine.Snapshot(jc.Ctx, runID)
	if err != nil {
		return runtime.Failed(err)
	}
	if st == nil || interrupt == nil || interrupt.ID != workflow.CallbackInterruptID(runID, workflow.PhaseGeneration) {
		return runtime.Done()
	}

	pending := 0
	for _, task := range st.GenerationTasks {
		done, err := h.pollTask(jc, runID, task)
		if err != nil {
			return runtime.Failed(err)
		}
		if !done {
			pending++
		}
	}
	if pending > 0 {
		return runtime.RescheduleAfter(h.deps.PollDelay, fmt.Sprintf("%d generation tasks pending", pending))
	}
	return runtime.Done()
}

func (h *pollGenerationHandler) pollTask(jc *runtime.Context, runID uuid.UUID, task services.GenerationTask) (bool, error) {
	status, err := h.deps.Generator.TaskStatus(jc.Ctx, task.TaskID)
	if err != nil {
		return false, fmt.Errorf("poll task %s: %w", task.TaskID, err)
	}
	switch status.State {
	case services.TaskStateCompleted, services.TaskStateFailed:
		err := h.deps.Gateway.HandleGenerationEvent(jc.Ctx, webhooks.Delivery{
			RunID:  runID,
			TaskID: task.TaskID,
			Status: status.State,
			URL:    status.URL,
			Error:  status.Message,
		})
		return true, err
	default:
		return false, nil
	}
}

type pollRenderHandler struct {
	deps Deps
}

func (h *pollRenderHandler) Type() domain.JobType { return domain.JobPollRender }

func (h *pollRenderHandler) Run(jc *runtime.Context) runtime.Result {
	runID, fail := requireRunID(jc)
	if fail != nil {
		return *fail
	}
	st, interrupt, err := h.deps.Engine.Snapshot(jc.Ctx, runID)
	if err != nil {
		return runtime.Failed(err)
	}
	if st == nil || interrupt == nil || interrupt.ID != workflow.CallbackInterruptID(runID, workflow.PhaseRender) {
		return runtime.Done()
	}
	if st.RenderJobID == "" {
		return runtime.Fatal(fmt.Errorf("run %s waiting for render without a job id", runID))
	}

	status, err := h.deps.Renderer.JobStatus(jc.Ctx, st.RenderJobID)
	if err != nil {
		return runtime.Failed(fmt.Errorf("poll render %s: %w", st.RenderJobID, err))
	}
	switch status.State {
	case services.TaskStateCompleted, services.TaskStateFailed:
		err := h.deps.Gateway.HandleRenderEvent(jc.Ctx, webhooks.Delivery{
			RunID:  runID,
			TaskID: st.RenderJobID,
			Status: status.State,
			URL:    status.URL,
			Error:  status.Message,
		})
		if err != nil {
			return runtime.Failed(err)
		}
		return runtime.Done()
	default:
		return runtime.RescheduleAfter(h.deps.PollDelay, "render pending")
	}
}

// eventHandler carries verified webhook deliveries from the HTTP ack into
// the gateway. Shared by both phases; only the gateway entrypoint differs.
type eventHandler struct {
	deps    Deps
	jobType domain.JobType
	render  bool
}

func (h *eventHandler) Type() domain.JobType { return h.jobType }

func (h *eventHandler) Run(jc *runtime.Context) runtime.Result {
	runID, fail := requireRunID(jc)
	if fail != nil {
		return *fail
	}
	d := webhooks.Delivery{
		RunID:  runID,
		TaskID: jc.PayloadString("task_id"),
		Status: jc.PayloadString("status"),
		URL:    jc.PayloadString("url"),
		Error:  jc.PayloadString("error"),
	}
	if d.TaskID == "" {
		return runtime.Fatal(fmt.Errorf("delivery without task_id"))
	}
	var err error
	if h.render {
		err = h.deps.Gateway.HandleRenderEvent(jc.Ctx, d)
	} else {
		err = h.deps.Gateway.HandleGenerationEvent(jc.Ctx, d)
	}
	if errors.Is(err, domain.ErrRunNotFound) {
		return runtime.Fatal(err)
	}
	if err != nil {
		return runtime.Failed(err)
	}
	return runtime.Done()
}
