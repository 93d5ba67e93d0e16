package walletsync

import (
	"context"
	"errors"
	"fmt"
)

var (
	_ ConflictResolver = (*LocalWinsResolver)(nil)
	_ ConflictResolver = (*RemoteWinsResolver)(nil)
	_ ConflictResolver = (*ManualReviewResolver)(nil)
	_ ConflictResolver = (*RuleResolver)(nil)
)

// LocalWinsResolver is the reference policy: local data overwrites remote
// for every classified conflict, and ambiguous conflicts are escalated to
// manual resolution. Conservative on purpose: it never loses local edits
// silently.
type LocalWinsResolver struct{}

func (LocalWinsResolver) Resolve(_ context.Context, _ QueueItem, rec ConflictRecord) (Resolution, error) {
	if rec.Kind == ConflictUnknown {
		return Resolution{
			Action: ActionManual,
			Reason: "conflict kind could not be determined",
		}, nil
	}
	return Resolution{
		Action: ActionReplayLocal,
		Reason: fmt.Sprintf("local wins over %s conflict", rec.Kind),
	}, nil
}

// RemoteWinsResolver discards the local item and lets the server's copy
// stand. The local cache is reconciled from the conflict's remote payload
// when present, otherwise by the next fetch or realtime push.
type RemoteWinsResolver struct{}

func (RemoteWinsResolver) Resolve(_ context.Context, _ QueueItem, rec ConflictRecord) (Resolution, error) {
	return Resolution{
		Action: ActionAcceptRemote,
		Reason: fmt.Sprintf("remote wins over %s conflict", rec.Kind),
	}, nil
}

// ManualReviewResolver escalates every conflict to a human.
type ManualReviewResolver struct{ Reason string }

func (r ManualReviewResolver) Resolve(context.Context, QueueItem, ConflictRecord) (Resolution, error) {
	reason := "manual review required"
	if r.Reason != "" {
		reason = r.Reason
	}
	return Resolution{Action: ActionManual, Reason: reason}, nil
}

// Spec is a matcher over conflict records used by RuleResolver rules.
type Spec func(rec ConflictRecord) bool

// KindIs matches conflicts of one kind.
func KindIs(kind ConflictKind) Spec {
	return func(rec ConflictRecord) bool { return rec.Kind == kind }
}

// ResourceIs matches conflicts on one resource kind.
func ResourceIs(res ResourceKind) Spec {
	return func(rec ConflictRecord) bool { return rec.Resource == res }
}

// And combines specs; all must match.
func And(specs ...Spec) Spec {
	return func(rec ConflictRecord) bool {
		for _, s := range specs {
			if !s(rec) {
				return false
			}
		}
		return true
	}
}

// Rule binds a matcher Spec to a ConflictResolver. Rules are evaluated in
// insertion order with first-match-wins semantics.
type Rule struct {
	Name     string
	Matcher  Spec
	Resolver ConflictResolver
}

// Hooks provides optional callbacks for observability around resolution.
// All hooks are optional; nil functions are safe no-ops.
type Hooks struct {
	OnRuleMatched func(rec ConflictRecord, rule Rule)
	OnResolved    func(rec ConflictRecord, res Resolution)
	OnFallback    func(rec ConflictRecord)
	OnError       func(rec ConflictRecord, err error)
}

type resolverOptions struct {
	rules    []Rule
	fallback ConflictResolver
	hooks    Hooks
}

// ResolverOption configures a RuleResolver at construction time.
type ResolverOption interface{ apply(*resolverOptions) }

type resolverOptionFn func(*resolverOptions)

func (f resolverOptionFn) apply(o *resolverOptions) { f(o) }

// WithFallback sets the resolver used when no rule matches.
func WithFallback(r ConflictResolver) ResolverOption {
	return resolverOptionFn(func(o *resolverOptions) { o.fallback = r })
}

// WithRule appends a rule with a custom matcher and resolver.
func WithRule(name string, matcher Spec, resolver ConflictResolver) ResolverOption {
	return resolverOptionFn(func(o *resolverOptions) {
		o.rules = append(o.rules, Rule{Name: name, Matcher: matcher, Resolver: resolver})
	})
}

// WithKindRule is a convenience helper for matching by conflict kind.
func WithKindRule(name string, kind ConflictKind, resolver ConflictResolver) ResolverOption {
	return WithRule(name, KindIs(kind), resolver)
}

// WithHooks sets optional observability hooks. Zero-value safe.
func WithHooks(h Hooks) ResolverOption {
	return resolverOptionFn(func(o *resolverOptions) { o.hooks = h })
}

// RuleResolver dispatches conflicts to strategies based on an ordered rule
// set, falling back to a default resolver when no rule matches.
type RuleResolver struct {
	rules    []Rule
	fallback ConflictResolver
	hooks    Hooks
}

// NewRuleResolver constructs a RuleResolver.
// Invariants:
//   - at least one rule OR a non-nil fallback must be provided
//   - no rule may have a nil matcher or resolver
func NewRuleResolver(opts ...ResolverOption) (*RuleResolver, error) {
	cfg := &resolverOptions{}
	for _, opt := range opts {
		opt.apply(cfg)
	}

	if len(cfg.rules) == 0 && cfg.fallback == nil {
		return nil, errors.New("rule resolver requires at least one rule or a non-nil fallback")
	}
	for i, r := range cfg.rules {
		if r.Matcher == nil {
			return nil, fmt.Errorf("rule %d has nil matcher", i)
		}
		if r.Resolver == nil {
			return nil, fmt.Errorf("rule %d has nil resolver", i)
		}
	}

	return &RuleResolver{
		rules:    cfg.rules,
		fallback: cfg.fallback,
		hooks:    cfg.hooks,
	}, nil
}

// Resolve applies first-match-wins over the ordered rules, else delegates
// to the fallback.
func (d *RuleResolver) Resolve(ctx context.Context, item QueueItem, rec ConflictRecord) (Resolution, error) {
	for _, r := range d.rules {
		if r.Matcher(rec) {
			if d.hooks.OnRuleMatched != nil {
				d.hooks.OnRuleMatched(rec, r)
			}
			res, err := r.Resolver.Resolve(ctx, item, rec)
			if err != nil {
				if d.hooks.OnError != nil {
					d.hooks.OnError(rec, err)
				}
				return Resolution{}, err
			}
			if d.hooks.OnResolved != nil {
				d.hooks.OnResolved(rec, res)
			}
			return res, nil
		}
	}

	if d.fallback == nil {
		err := errors.New("no rule matched and no fallback configured")
		if d.hooks.OnError != nil {
			d.hooks.OnError(rec, err)
		}
		return Resolution{}, err
	}
	if d.hooks.OnFallback != nil {
		d.hooks.OnFallback(rec)
	}
	res, err := d.fallback.Resolve(ctx, item, rec)
	if err != nil {
		if d.hooks.OnError != nil {
			d.hooks.OnError(rec, err)
		}
		return Resolution{}, err
	}
	if d.hooks.OnResolved != nil {
		d.hooks.OnResolved(rec, res)
	}
	return res, nil
}
