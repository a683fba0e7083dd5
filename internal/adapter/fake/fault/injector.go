// Package fault injects errors into fake adapters at named points, usually
// the adapter method name ("Pull", "StartUnit").
package fault

import (
	"fmt"
	"strings"
	"sync"

	"redeploy/internal/check"
)

// Match selects the calls a conditional fault applies to.
type Match func(args ...any) bool

type conditional struct {
	match Match
	err   error
}

type point struct {
	once   []error
	always error
	when   []conditional
	hits   int
}

type Injector struct {
	mu     sync.Mutex
	points map[string]*point
}

func NewInjector() *Injector {
	return &Injector{points: make(map[string]*point)}
}

// FailOnce queues err for the next evaluation of name. Queued errors are
// returned in order.
func (i *Injector) FailOnce(name string, err error) {
	check.Assert(strings.TrimSpace(name) != "", "fault.Injector.FailOnce: name must not be empty")
	check.Assert(err != nil, "fault.Injector.FailOnce: err must not be nil")

	i.mu.Lock()
	defer i.mu.Unlock()
	p := i.point(name)
	p.once = append(p.once, err)
}

// FailAlways returns err on every evaluation of name until Clear.
func (i *Injector) FailAlways(name string, err error) {
	check.Assert(strings.TrimSpace(name) != "", "fault.Injector.FailAlways: name must not be empty")
	check.Assert(err != nil, "fault.Injector.FailAlways: err must not be nil")

	i.mu.Lock()
	defer i.mu.Unlock()
	i.point(name).always = err
}

// FailWhen returns err for evaluations of name whose args satisfy match.
func (i *Injector) FailWhen(name string, match Match, err error) {
	check.Assert(match != nil, "fault.Injector.FailWhen: match must not be nil")
	check.Assert(err != nil, "fault.Injector.FailWhen: err must not be nil")

	i.mu.Lock()
	defer i.mu.Unlock()
	p := i.point(name)
	p.when = append(p.when, conditional{match: match, err: err})
}

// FailFor is FailWhen matching calls whose first argument equals arg.
func (i *Injector) FailFor(name string, arg any, err error) {
	i.FailWhen(name, func(args ...any) bool {
		return len(args) > 0 && args[0] == arg
	}, err)
}

func (i *Injector) Clear(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.points, name)
}

// Hits reports how many evaluations of name returned an error.
func (i *Injector) Hits(name string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if p, ok := i.points[name]; ok {
		return p.hits
	}
	return 0
}

// Eval returns the injected error for this call of name, if any.
// Precedence: conditional, then once, then always.
func (i *Injector) Eval(name string, args ...any) error {
	if i == nil {
		return nil
	}
	i.mu.Lock()
	p, ok := i.points[name]
	if !ok {
		i.mu.Unlock()
		return nil
	}
	when := append([]conditional(nil), p.when...)
	i.mu.Unlock()

	// Matchers run unlocked; they may block to hold a call in flight.
	for _, c := range when {
		if c.match(args...) {
			i.hit(p)
			return fmt.Errorf("fault %s: %w", name, c.err)
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if len(p.once) > 0 {
		err := p.once[0]
		p.once = p.once[1:]
		p.hits++
		return fmt.Errorf("fault %s: %w", name, err)
	}
	if p.always != nil {
		p.hits++
		return fmt.Errorf("fault %s: %w", name, p.always)
	}
	return nil
}

func (i *Injector) hit(p *point) {
	i.mu.Lock()
	p.hits++
	i.mu.Unlock()
}

func (i *Injector) point(name string) *point {
	p, ok := i.points[name]
	if !ok {
		p = &point{}
		i.points[name] = p
	}
	return p
}
