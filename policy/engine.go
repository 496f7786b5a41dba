package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oarkflow/qauth/value"
)

const noMatchReason = "no matching rule"

type compiledRule struct {
	id         string
	effect     Effect
	priority   int
	resources  []string
	actions    []string
	conditions *compiledConditions
}

// compiledPolicy is an immutable loaded policy with its rules pre-sorted
// into evaluation order.
type compiledPolicy struct {
	source Policy
	rules  []compiledRule
}

// Engine stores policies by id and evaluates them. It is safe for
// concurrent use; LoadPolicy replaces a policy atomically.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	nowFn    func() time.Time
	logger   *zap.Logger
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithNow injects the clock used for time conditions when the request
// carries no time (useful for tests).
func WithNow(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.nowFn = fn
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		nowFn:    func() time.Time { return time.Now().UTC() },
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// LoadPolicy validates and stores p, replacing any policy with the same id.
// The engine keeps its own copy; later changes to p have no effect.
func (e *Engine) LoadPolicy(p Policy) error {
	cp, err := compile(p)
	if err != nil {
		return err
	}
	e.mu.Lock()
	_, replaced := e.policies[p.ID]
	e.policies[p.ID] = cp
	e.mu.Unlock()

	e.logger.Debug("policy loaded",
		zap.String("policy", p.ID),
		zap.String("version", p.Version),
		zap.Int("rules", len(cp.rules)),
		zap.Bool("replaced", replaced),
	)
	return nil
}

// RemovePolicy unloads a policy and reports whether it was present.
func (e *Engine) RemovePolicy(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.policies[id]
	delete(e.policies, id)
	return ok
}

// Has reports whether a policy is loaded under id.
func (e *Engine) Has(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.policies[id]
	return ok
}

// Policies returns the loaded policy ids in sorted order.
func (e *Engine) Policies() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.policies))
	for id := range e.policies {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Policy returns a copy of the loaded policy.
func (e *Engine) Policy(id string) (Policy, bool) {
	e.mu.RLock()
	cp, ok := e.policies[id]
	e.mu.RUnlock()
	if !ok {
		return Policy{}, false
	}
	return cp.source.Clone(), true
}

// Evaluate checks ctx against the rules of policy id in priority order
// and returns the effect of the first rule whose resource, action and
// conditions all match. No match yields deny.
func (e *Engine) Evaluate(id string, ctx Context) (Result, error) {
	e.mu.RLock()
	cp, ok := e.policies[id]
	e.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrPolicyNotFound, id)
	}

	res := cp.evaluate(&ctx, e.nowFn())
	e.logger.Debug("policy evaluated",
		zap.String("policy", id),
		zap.String("effect", string(res.Effect)),
		zap.String("rule", res.MatchedRule),
	)
	return res, nil
}

func (cp *compiledPolicy) evaluate(ctx *Context, now time.Time) Result {
	var path, action string
	if ctx.Resource != nil {
		path = ctx.Resource.Path
	}
	if ctx.Request != nil {
		action = ctx.Request.Action
	}
	for i := range cp.rules {
		r := &cp.rules[i]
		if len(r.resources) > 0 && !MatchAnyPattern(r.resources, path) {
			continue
		}
		if len(r.actions) > 0 && !MatchAnyPattern(r.actions, action) {
			continue
		}
		if failed := r.conditions.check(ctx, now); failed != "" {
			continue
		}
		return Result{
			Effect:      r.effect,
			MatchedRule: r.id,
			Reason:      r.reason(path, action),
		}
	}
	return Result{Effect: EffectDeny, Reason: noMatchReason}
}

func (r *compiledRule) reason(path, action string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "rule %q (%s, priority %d) matched resource %q action %q", r.id, r.effect, r.priority, path, action)
	if names := r.conditions.names(); len(names) > 0 {
		fmt.Fprintf(&b, " with conditions %s", strings.Join(names, ", "))
	}
	return b.String()
}

// compile validates p and builds its sorted rule list.
func compile(p Policy) (*compiledPolicy, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, fmt.Errorf("%w: id must not be empty", ErrInvalidPolicy)
	}
	src := p.Clone()
	rules := make([]compiledRule, 0, len(src.Rules))
	for i, r := range src.Rules {
		id := r.ID
		if id == "" {
			id = fmt.Sprintf("rule-%d", i)
		}
		if !r.Effect.valid() {
			return nil, fmt.Errorf("%w: rule %q: effect must be %q or %q, got %q", ErrInvalidPolicy, id, EffectAllow, EffectDeny, r.Effect)
		}
		conds, err := compileConditions(r.Conditions)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalidPolicy, id, err)
		}
		prio := 0
		if r.Priority != nil {
			prio = *r.Priority
		}
		rules = append(rules, compiledRule{
			id:         id,
			effect:     r.Effect,
			priority:   prio,
			resources:  r.Resources,
			actions:    r.Actions,
			conditions: conds,
		})
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].priority > rules[j].priority
	})
	return &compiledPolicy{source: src, rules: rules}, nil
}

func sortedKeys(m value.Map) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
