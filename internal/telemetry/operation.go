// Package telemetry wraps multi-step operations in OpenTelemetry spans: one
// span for the operation carrying its planned steps, one child span per step.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	TracerName    = "redeploy"
	PlanEventName = "redeploy.plan"
	PlanStepsKey  = "redeploy.plan.steps"
)

// Tracer returns the process tracer. Without a configured SDK provider the
// global default is a no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

type Operation struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
	steps  []string
}

// Start opens the operation span and records its plan. Step ids must be
// unique and non-empty.
func Start(ctx context.Context, tracer trace.Tracer, name string, steps []string, attrs ...attribute.KeyValue) (*Operation, error) {
	if tracer == nil {
		return nil, errors.New("start operation: tracer is required")
	}
	seen := make(map[string]struct{}, len(steps))
	for i, id := range steps {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("start operation: step %d has empty id", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("start operation: duplicate step id %q", id)
		}
		seen[id] = struct{}{}
	}

	spanCtx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	span.AddEvent(PlanEventName, trace.WithAttributes(attribute.StringSlice(PlanStepsKey, steps)))
	return &Operation{ctx: spanCtx, tracer: tracer, span: span, steps: steps}, nil
}

func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// RunStep runs fn inside a child span named id. The step must be part of the
// plan. A nil Operation runs fn untraced.
func (o *Operation) RunStep(ctx context.Context, id string, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	if o == nil || o.tracer == nil {
		return fn(ctx)
	}
	if !slices.Contains(o.steps, id) {
		return fmt.Errorf("run step: %q is not in the plan", id)
	}
	if ctx == nil {
		ctx = o.ctx
	}

	stepCtx, span := o.tracer.Start(ctx, id)
	defer span.End()

	if err := fn(stepCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
		return err
	}
	return nil
}

// SetAttributes annotates the operation span.
func (o *Operation) SetAttributes(attrs ...attribute.KeyValue) {
	if o == nil || o.span == nil {
		return
	}
	o.span.SetAttributes(attrs...)
}

func (o *Operation) End(err error) {
	if o == nil || o.span == nil {
		return
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	o.span.End()
}
