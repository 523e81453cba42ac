// Package behavior implements the ordered pipelines every produced and
// consumed message passes through.
package behavior

import (
	"cmp"
	"context"
	"slices"
)

// Next invokes the remainder of a pipeline.
type Next[C any] func(ctx context.Context, c C) error

// Behavior is one stage of a pipeline. Handle may short-circuit the pipeline
// by returning without calling next.
type Behavior[C any] struct {
	Name      string
	SortIndex int
	Handle    func(ctx context.Context, c C, next Next[C]) error
}

// Pipeline runs behaviors in ascending SortIndex order. Behaviors sharing an
// index keep their registration order.
type Pipeline[C any] struct {
	behaviors []Behavior[C]
}

// NewPipeline sorts behaviors into execution order. Behaviors without a
// Handle func are dropped.
func NewPipeline[C any](behaviors ...Behavior[C]) *Pipeline[C] {
	sorted := make([]Behavior[C], 0, len(behaviors))
	for _, b := range behaviors {
		if b.Handle != nil {
			sorted = append(sorted, b)
		}
	}
	slices.SortStableFunc(sorted, func(a, b Behavior[C]) int {
		return cmp.Compare(a.SortIndex, b.SortIndex)
	})
	return &Pipeline[C]{behaviors: sorted}
}

// With returns a new pipeline holding the current behaviors plus extra.
func (p *Pipeline[C]) With(extra ...Behavior[C]) *Pipeline[C] {
	return NewPipeline(append(slices.Clone(p.behaviors), extra...)...)
}

// Names lists the behaviors in execution order.
func (p *Pipeline[C]) Names() []string {
	names := make([]string, len(p.behaviors))
	for i, b := range p.behaviors {
		names[i] = b.Name
	}
	return names
}

func (p *Pipeline[C]) Len() int {
	return len(p.behaviors)
}

// Execute runs c through every behavior and finally through final. The first
// error stops the chain and is returned unchanged.
func (p *Pipeline[C]) Execute(ctx context.Context, c C, final Next[C]) error {
	next := final
	if next == nil {
		next = func(context.Context, C) error { return nil }
	}
	for i := len(p.behaviors) - 1; i >= 0; i-- {
		handle, inner := p.behaviors[i].Handle, next
		next = func(ctx context.Context, c C) error {
			return handle(ctx, c, inner)
		}
	}
	return next(ctx, c)
}
