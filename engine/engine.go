// Package engine derives the values of runtime attributes.
//
// An Engine owns the life-cycle of runtime attributes: it validates their
// expressions on creation, recomputes them whenever one of their triggers is
// updated, and announces their new values so that dependent runtime attributes
// are recomputed in turn. It also feeds device telemetry into dynamic
// attributes, and answers snapshot and series queries.
//
// The engine is transport-agnostic. Wire it to a pubsub subscription with
// Consume or Serve, or to an attributetwin.LocalBus with HandleEvent.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"

	"github.com/go-digitaltwin/go-attributetwin"
	"github.com/go-digitaltwin/go-attributetwin/expression"
	"github.com/go-digitaltwin/go-attributetwin/timeseries"
)

// Options tune an Engine. Zero fields take the value of DefaultOptions.
type Options struct {
	// MaxAliasDepth bounds alias chains followed when resolving trigger values.
	MaxAliasDepth int
	// MaxCascadeHops bounds cascades: an update that is the outcome of this many
	// successive recomputations does not trigger further recomputations.
	MaxCascadeHops int
	// EvaluationTimeout bounds every recomputation.
	EvaluationTimeout time.Duration
	// ValidationTimeout bounds the dry-run of expressions on creation.
	ValidationTimeout time.Duration
	// RecomputeConcurrency bounds the number of dependents of a single update
	// recomputed concurrently.
	RecomputeConcurrency int
	// MaxExpressionLength bounds the length of expressions, in bytes.
	MaxExpressionLength int
}

// DefaultOptions returns the options used for zero fields of Options.
func DefaultOptions() Options {
	return Options{
		MaxAliasDepth:        attributetwin.DefaultMaxAliasDepth,
		MaxCascadeHops:       32,
		EvaluationTimeout:    time.Second,
		ValidationTimeout:    expression.DefaultTimeout,
		RecomputeConcurrency: 8,
		MaxExpressionLength:  expression.DefaultMaxLength,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAliasDepth <= 0 {
		o.MaxAliasDepth = d.MaxAliasDepth
	}
	if o.MaxCascadeHops <= 0 {
		o.MaxCascadeHops = d.MaxCascadeHops
	}
	if o.EvaluationTimeout <= 0 {
		o.EvaluationTimeout = d.EvaluationTimeout
	}
	if o.ValidationTimeout <= 0 {
		o.ValidationTimeout = d.ValidationTimeout
	}
	if o.RecomputeConcurrency <= 0 {
		o.RecomputeConcurrency = d.RecomputeConcurrency
	}
	if o.MaxExpressionLength <= 0 {
		o.MaxExpressionLength = d.MaxExpressionLength
	}
	return o
}

// Engine derives the values of runtime attributes. It is safe for concurrent
// use.
type Engine struct {
	store     attributetwin.AttributeStore
	cache     *timeseries.Cache
	publisher attributetwin.EventPublisher
	evaluator expression.Evaluator
	compiler  expression.Compiler
	resolver  attributetwin.AliasResolver
	opts      Options

	// programs caches compiled programs of runtime attributes, keyed by
	// programKey.
	programs sync.Map

	now func() time.Time
}

type programKey struct {
	id     attributetwin.AttributeID
	source string
}

// New returns an Engine over the given collaborators. The cache holds the series
// of runtime attributes and telemetry channels; the publisher announces every
// value the engine produces.
func New(store attributetwin.AttributeStore, cache *timeseries.Cache, publisher attributetwin.EventPublisher, evaluator expression.Evaluator, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store:     store,
		cache:     cache,
		publisher: publisher,
		evaluator: evaluator,
		compiler: expression.Compiler{
			Evaluator: evaluator,
			Timeout:   opts.ValidationTimeout,
			MaxLength: opts.MaxExpressionLength,
		},
		resolver: attributetwin.AliasResolver{Lookup: store, MaxDepth: opts.MaxAliasDepth},
		opts:     opts,
		now:      time.Now,
	}
}

// Consume returns a component.Proc recomputing the dependents of every
// AttributeUpdated event received from sub.
func (e *Engine) Consume(sub *pubsub.Subscription) component.Proc {
	return attributetwin.NewEventSource(sub).Stream(e.HandleEvent)
}

// Serve recomputes the dependents of every AttributeUpdated event received from
// sub, until ctx is done.
func (e *Engine) Serve(ctx context.Context, sub *pubsub.Subscription) error {
	return attributetwin.NewEventSource(sub).Run(ctx, e.HandleEvent)
}

// program returns the compiled program of r, compiling it on first use.
func (e *Engine) program(r attributetwin.RuntimeAttribute) (expression.Program, error) {
	key := programKey{id: r.ID, source: r.Compiled}
	if p, ok := e.programs.Load(key); ok {
		return p.(expression.Program), nil
	}
	p, err := e.evaluator.Compile(r.Compiled)
	if err != nil {
		return nil, err
	}
	e.programs.Store(key, p)
	return p, nil
}

// forget drops cached programs of a removed attribute.
func (e *Engine) forget(id attributetwin.AttributeID) {
	e.programs.Range(func(k, _ any) bool {
		if k.(programKey).id == id {
			e.programs.Delete(k)
		}
		return true
	})
}

func (e *Engine) publish(ctx context.Context, d attributetwin.Descriptor, hops int, at time.Time) error {
	return e.publisher.Publish(ctx, attributetwin.AttributeUpdated{
		AssetID:     d.AssetID,
		AttributeID: d.ID,
		Hops:        hops,
		Timestamp:   at.UTC(),
	})
}
