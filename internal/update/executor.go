// Package update implements the update executor: replace the managed
// container with a new image in four gated steps (pull, replace, start,
// verify).
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"redeploy/internal/check"
	"redeploy/internal/clock"
	"redeploy/internal/runtime"
	"redeploy/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultSettle = 10 * time.Second

// Resolver returns the image to deploy when a trigger names none.
// Production: resolve.HTTPResolver
// Testing: fake.Resolver
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Maintenance runs after a successful update. Errors are logged only.
// Production: install.Installer
type Maintenance interface {
	EnsureLogRetention(ctx context.Context) error
}

// Locker guards against concurrent executions across processes.
type Locker interface {
	TryLock() (release func(), ok bool, err error)
}

// Result is the outcome of one Execute call.
type Result struct {
	// Target is the requested image; empty when resolution was requested.
	Target string
	// Image is the image actually deployed (or attempted).
	Image     string
	Reason    Reason
	Warnings  []Reason
	StartedAt time.Time
	Elapsed   time.Duration
	Err       error
}

func (r Result) Succeeded() bool { return r.Reason == ReasonSucceeded }

type Executor struct {
	runtime     runtime.Runtime
	spec        runtime.RunSpec
	resolver    Resolver
	maintenance Maintenance
	locker      Locker
	settle      time.Duration
	clock       clock.Clock
	sleep       func(context.Context, time.Duration) error
	tracer      trace.Tracer

	mu sync.Mutex
}

type Option func(*Executor)

func WithResolver(r Resolver) Option {
	return func(e *Executor) { e.resolver = r }
}

func WithMaintenance(m Maintenance) Option {
	return func(e *Executor) { e.maintenance = m }
}

// WithLocker adds a cross-process guard on top of the in-process one.
func WithLocker(l Locker) Option {
	return func(e *Executor) { e.locker = l }
}

// WithSettle sets the wait between start and the running check.
func WithSettle(d time.Duration) Option {
	return func(e *Executor) { e.settle = d }
}

func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithSleep replaces the settle wait. Tests pass a fake clock's Sleep.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// NewExecutor creates an Executor that replaces spec.Name using spec's run
// parameters with the image swapped per call.
func NewExecutor(rt runtime.Runtime, spec runtime.RunSpec, opts ...Option) *Executor {
	check.Assert(rt != nil, "update.NewExecutor: runtime must not be nil")
	check.Assert(strings.TrimSpace(spec.Name) != "", "update.NewExecutor: container name must not be empty")

	e := &Executor{
		runtime: rt,
		spec:    spec,
		settle:  defaultSettle,
		clock:   clock.Real{},
		sleep:   sleepContext,
		tracer:  telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one update cycle towards target. An empty target is resolved
// through the Resolver first. The returned error is also stored in
// Result.Err; errors.Is matches the package sentinels.
//
// Execute is non-reentrant: a call made while another is running, in this
// process or another holding the lock file, returns ErrInProgress at once.
func (e *Executor) Execute(ctx context.Context, target string) (Result, error) {
	target = strings.TrimSpace(target)
	res := Result{Target: target, StartedAt: e.clock.Now()}

	finish := func(err error) (Result, error) {
		res.Err = err
		res.Reason = reasonFor(err)
		res.Elapsed = e.clock.Now().Sub(res.StartedAt)
		return res, err
	}

	if !e.mu.TryLock() {
		return finish(ErrInProgress)
	}
	defer e.mu.Unlock()

	if e.locker != nil {
		release, ok, err := e.locker.TryLock()
		switch {
		case err != nil:
			slog.Warn("Update lock unavailable; continuing with in-process guard only.", "err", err)
		case !ok:
			return finish(ErrInProgress)
		default:
			defer release()
		}
	}

	steps := []string{"pull", "replace", "start", "verify"}
	if target == "" {
		steps = append([]string{"resolve"}, steps...)
	}
	op, err := telemetry.Start(ctx, e.tracer, "update", steps,
		attribute.String("redeploy.container", e.spec.Name),
		attribute.String("redeploy.target", target))
	if err != nil {
		return finish(fmt.Errorf("start update trace: %w", err))
	}

	err = e.run(op, &res)
	op.SetAttributes(attribute.String("redeploy.image", res.Image))
	op.End(err)
	return finish(err)
}

func (e *Executor) run(op *telemetry.Operation, res *Result) error {
	ctx := op.Context()
	log := slog.With("container", e.spec.Name)

	res.Image = res.Target
	if res.Image == "" {
		err := op.RunStep(ctx, "resolve", func(ctx context.Context) error {
			if e.resolver == nil {
				return fmt.Errorf("%w: no version endpoint configured", ErrResolution)
			}
			img, err := e.resolver.Resolve(ctx)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrResolution, err)
			}
			if strings.TrimSpace(img) == "" {
				return fmt.Errorf("%w: empty image", ErrResolution)
			}
			res.Image = strings.TrimSpace(img)
			return nil
		})
		if err != nil {
			log.Error("Could not resolve target image.", "reason", ReasonResolutionFailed, "err", err)
			return err
		}
		log.Info("Resolved target image.", "image", res.Image)
	}
	log = log.With("image", res.Image)

	if err := op.RunStep(ctx, "pull", func(ctx context.Context) error {
		if err := e.runtime.Pull(ctx, res.Image); err != nil {
			return fmt.Errorf("%w: %w", ErrPull, err)
		}
		return nil
	}); err != nil {
		log.Error("Image pull failed; existing container left untouched.", "reason", ReasonPullFailed, "err", err)
		return err
	}

	// Stop and remove errors are recorded but never abort: Run removes a
	// leftover container holding the name.
	_ = op.RunStep(ctx, "replace", func(ctx context.Context) error {
		err := errors.Join(
			e.runtime.Stop(ctx, e.spec.Name),
			e.runtime.Remove(ctx, e.spec.Name),
		)
		if err != nil {
			res.Warnings = append(res.Warnings, ReasonStopFailedNonfatal)
			log.Warn("Could not stop old container; continuing.", "reason", ReasonStopFailedNonfatal, "err", err)
		}
		return err
	})

	if err := op.RunStep(ctx, "start", func(ctx context.Context) error {
		if err := e.runtime.Run(ctx, e.spec.WithImage(res.Image)); err != nil {
			return fmt.Errorf("%w: %w", ErrStart, err)
		}
		return nil
	}); err != nil {
		log.Error("Container start failed.", "reason", ReasonStartFailed, "err", err)
		return err
	}

	if err := op.RunStep(ctx, "verify", func(ctx context.Context) error {
		if err := e.sleep(ctx, e.settle); err != nil {
			return fmt.Errorf("%w: %w", ErrPostStartCheck, err)
		}
		st, err := e.runtime.Inspect(ctx, e.spec.Name)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPostStartCheck, err)
		}
		if !st.Running() {
			return fmt.Errorf("%w: state %s", ErrPostStartCheck, st.State)
		}
		return nil
	}); err != nil {
		log.Error("Post-start check failed.", "reason", ReasonPostStartCheckFailed, "err", err)
		return err
	}

	if e.maintenance != nil {
		if err := e.maintenance.EnsureLogRetention(ctx); err != nil {
			log.Warn("Could not ensure log retention job.", "err", err)
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
