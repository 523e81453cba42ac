// Package errorpolicy decides how a consumer recovers from a processing failure.
package errorpolicy

import (
	"errors"
	"time"

	"github.com/drblury/relayflow/internal/runtime/envelope"
)

// ActionKind is the recovery chosen for a failure.
type ActionKind int

const (
	ActionStop ActionKind = iota
	ActionSkip
	ActionRetry
	ActionMove
)

func (k ActionKind) String() string {
	switch k {
	case ActionSkip:
		return "skip"
	case ActionRetry:
		return "retry"
	case ActionMove:
		return "move"
	default:
		return "stop"
	}
}

// Action is the outcome of a policy decision.
type Action struct {
	Kind ActionKind
	// Delay is applied before a retry.
	Delay time.Duration
	// Endpoint is the producer endpoint a moved message is published to.
	Endpoint string
	// FailureHeaders asks the consumer to attach the failure reason when moving.
	FailureHeaders bool
	// Policy names the policy that produced the action.
	Policy string
}

// Failure is offered to the policies in order.
type Failure struct {
	Envelope *envelope.Inbound
	Err      error
	// Attempts counts the failed attempts including this one.
	Attempts int
}

// Policy accepts or declines a failure.
type Policy interface {
	CanHandle(f Failure) bool
	Handle(f Failure) Action
}

// Matcher selects errors for ApplyTo and Exclude.
type Matcher func(error) bool

// ErrorIs matches errors wrapping target.
func ErrorIs(target error) Matcher {
	return func(err error) bool { return errors.Is(err, target) }
}

// ErrorAs matches errors that have a T in their chain.
func ErrorAs[T error]() Matcher {
	return func(err error) bool {
		var target T
		return errors.As(err, &target)
	}
}

// Option configures a policy.
type Option func(*rule)

// ApplyTo restricts the policy to errors matching any of matchers.
func ApplyTo(matchers ...Matcher) Option {
	return func(r *rule) { r.include = append(r.include, matchers...) }
}

// Exclude makes the policy decline errors matching any of matchers.
func Exclude(matchers ...Matcher) Option {
	return func(r *rule) { r.exclude = append(r.exclude, matchers...) }
}

// ApplyWhen adds a custom predicate evaluated after the matchers.
func ApplyWhen(fn func(Failure) bool) Option {
	return func(r *rule) { r.when = append(r.when, fn) }
}

// MaxFailedAttempts makes the policy decline once more than n attempts failed.
func MaxFailedAttempts(n int) Option {
	return func(r *rule) { r.maxAttempts = n }
}

// WithDelay sets the retry backoff: initial + increment*(attempts-1).
func WithDelay(initial, increment time.Duration) Option {
	return func(r *rule) {
		r.initialDelay = initial
		r.delayIncrement = increment
	}
}

// WithFailureHeaders attaches x-failure-reason and x-source-endpoint to moved messages.
func WithFailureHeaders() Option {
	return func(r *rule) { r.failureHeaders = true }
}

// rule holds the settings common to all policies.
type rule struct {
	name           string
	include        []Matcher
	exclude        []Matcher
	when           []func(Failure) bool
	maxAttempts    int
	initialDelay   time.Duration
	delayIncrement time.Duration
	failureHeaders bool
}

func newRule(name string, opts []Option) rule {
	r := rule{name: name}
	for _, opt := range opts {
		if opt != nil {
			opt(&r)
		}
	}
	return r
}

func (r rule) matches(f Failure) bool {
	if r.maxAttempts > 0 && f.Attempts > r.maxAttempts {
		return false
	}
	if len(r.include) > 0 && !anyMatch(r.include, f.Err) {
		return false
	}
	if anyMatch(r.exclude, f.Err) {
		return false
	}
	for _, fn := range r.when {
		if !fn(f) {
			return false
		}
	}
	return true
}

func anyMatch(matchers []Matcher, err error) bool {
	for _, m := range matchers {
		if m(err) {
			return true
		}
	}
	return false
}

type skipPolicy struct{ rule }

// Skip marks the message processed without delivering it again.
func Skip(opts ...Option) Policy {
	return &skipPolicy{newRule("skip", opts)}
}

func (p *skipPolicy) CanHandle(f Failure) bool { return p.matches(f) }
func (p *skipPolicy) Handle(Failure) Action {
	return Action{Kind: ActionSkip, Policy: p.name}
}

type retryPolicy struct {
	rule
	max int
}

// Retry redelivers the message up to maxRetries times. Once the attempts exceed it
// the policy declines and the next policy of the chain is asked.
func Retry(maxRetries int, opts ...Option) Policy {
	return &retryPolicy{rule: newRule("retry", opts), max: maxRetries}
}

func (p *retryPolicy) CanHandle(f Failure) bool {
	return f.Attempts <= p.max && p.matches(f)
}

func (p *retryPolicy) Handle(f Failure) Action {
	attempts := max(f.Attempts, 1)
	return Action{
		Kind:   ActionRetry,
		Delay:  p.initialDelay + p.delayIncrement*time.Duration(attempts-1),
		Policy: p.name,
	}
}

type movePolicy struct {
	rule
	endpoint string
}

// Move republishes the raw message to the producer endpoint and commits the original.
func Move(endpoint string, opts ...Option) Policy {
	return &movePolicy{rule: newRule("move", opts), endpoint: endpoint}
}

func (p *movePolicy) CanHandle(f Failure) bool { return p.matches(f) }
func (p *movePolicy) Handle(Failure) Action {
	return Action{Kind: ActionMove, Endpoint: p.endpoint, FailureHeaders: p.failureHeaders, Policy: p.name}
}

type stopPolicy struct{ rule }

// Stop disconnects the consumer without committing.
func Stop(opts ...Option) Policy {
	return &stopPolicy{newRule("stop", opts)}
}

func (p *stopPolicy) CanHandle(f Failure) bool { return p.matches(f) }
func (p *stopPolicy) Handle(Failure) Action {
	return Action{Kind: ActionStop, Policy: p.name}
}
