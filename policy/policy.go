// Package policy defines access policies, the evaluation context they are
// checked against, and the Engine that stores and evaluates them.
package policy

import (
	"errors"
	"time"

	"github.com/oarkflow/qauth/value"
)

var (
	// ErrPolicyNotFound is returned by Evaluate for an unloaded policy id.
	ErrPolicyNotFound = errors.New("policy: not found")
	// ErrInvalidPolicy is returned by LoadPolicy for a policy that is not well-formed.
	ErrInvalidPolicy = errors.New("policy: invalid policy")
)

// Effect is the rule outcome, allow or deny.
type Effect string

const (
	// EffectAllow permits matching requests.
	EffectAllow Effect = "allow"

	// EffectDeny blocks matching requests.
	EffectDeny Effect = "deny"
)

func (e Effect) valid() bool { return e == EffectAllow || e == EffectDeny }

// Policy is a named, versioned set of prioritized rules.
type Policy struct {
	ID          string `json:"id" yaml:"id"`
	Version     string `json:"version" yaml:"version"`
	Issuer      string `json:"issuer" yaml:"issuer"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Rules       []Rule `json:"rules" yaml:"rules"`
}

// Rule is a single allow/deny decision guarded by resource and action
// patterns and optional conditions.
type Rule struct {
	ID     string `json:"id,omitempty" yaml:"id,omitempty"`
	Effect Effect `json:"effect" yaml:"effect"`
	// Resources are glob patterns over Resource.Path. Empty matches any path.
	Resources []string `json:"resources,omitempty" yaml:"resources,omitempty"`
	// Actions are exact or glob strings over Request.Action. Empty matches any action.
	Actions    []string    `json:"actions,omitempty" yaml:"actions,omitempty"`
	Conditions *Conditions `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	// Priority orders rules, highest first. Nil means 0.
	Priority *int `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Conditions must all hold for a rule to apply. Nil members are not checked.
type Conditions struct {
	Time *TimeCondition `json:"time,omitempty" yaml:"time,omitempty"`
	IP   *IPCondition   `json:"ip,omitempty" yaml:"ip,omitempty"`
	MFA  *MFACondition  `json:"mfa,omitempty" yaml:"mfa,omitempty"`
	// Custom maps a field path (e.g. "subject.department") to its expected
	// value. A string value starting with "$" names another field path.
	Custom value.Map `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// TimeCondition restricts a rule to a time window. After and Before are
// either a time of day ("09:00", "17:30:00") or an RFC 3339 instant.
// A time-of-day window with After later than Before wraps midnight.
type TimeCondition struct {
	After  string `json:"after,omitempty" yaml:"after,omitempty"`
	Before string `json:"before,omitempty" yaml:"before,omitempty"`
	// Days are weekday names or three-letter abbreviations, case-insensitive.
	Days []string `json:"days,omitempty" yaml:"days,omitempty"`
	// Timezone is an IANA name ("Europe/Berlin") or an offset ("+05:30").
	// Empty means UTC.
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// IPCondition lists CIDR ranges or bare addresses. An explicit deny wins
// over an allow.
type IPCondition struct {
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty" yaml:"deny,omitempty"`
}

// MFACondition requires a verified second factor, optionally one of Methods.
type MFACondition struct {
	Required bool     `json:"required" yaml:"required"`
	Methods  []string `json:"methods,omitempty" yaml:"methods,omitempty"`
}

// Context is what a policy is evaluated against. Nil members are absent.
type Context struct {
	Subject  *Subject  `json:"subject,omitempty" yaml:"subject,omitempty"`
	Resource *Resource `json:"resource,omitempty" yaml:"resource,omitempty"`
	Request  *Request  `json:"request,omitempty" yaml:"request,omitempty"`
}

type Subject struct {
	ID         string    `json:"id" yaml:"id"`
	Roles      []string  `json:"roles,omitempty" yaml:"roles,omitempty"`
	Groups     []string  `json:"groups,omitempty" yaml:"groups,omitempty"`
	Attributes value.Map `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

type Resource struct {
	Path       string    `json:"path" yaml:"path"`
	Owner      string    `json:"owner,omitempty" yaml:"owner,omitempty"`
	Type       string    `json:"type,omitempty" yaml:"type,omitempty"`
	Attributes value.Map `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

type Request struct {
	Action      string `json:"action" yaml:"action"`
	Method      string `json:"method,omitempty" yaml:"method,omitempty"`
	IP          string `json:"ip,omitempty" yaml:"ip,omitempty"`
	MFAVerified bool   `json:"mfa_verified,omitempty" yaml:"mfa_verified,omitempty"`
	MFAMethod   string `json:"mfa_method,omitempty" yaml:"mfa_method,omitempty"`
	// Time is the instant time conditions are checked at. Zero means the
	// engine's clock.
	Time time.Time `json:"time,omitempty" yaml:"time,omitempty"`
}

// Result is the outcome of Evaluate. MatchedRule is empty when no rule matched.
type Result struct {
	Effect      Effect `json:"effect"`
	MatchedRule string `json:"matched_rule,omitempty"`
	Reason      string `json:"reason"`
}

// Allowed reports whether the effect is allow.
func (r Result) Allowed() bool { return r.Effect == EffectAllow }

// Clone returns a deep copy of p.
func (p Policy) Clone() Policy {
	out := p
	out.Rules = make([]Rule, len(p.Rules))
	for i, r := range p.Rules {
		out.Rules[i] = r.clone()
	}
	return out
}

func (r Rule) clone() Rule {
	out := r
	out.Resources = cloneStrings(r.Resources)
	out.Actions = cloneStrings(r.Actions)
	if r.Priority != nil {
		p := *r.Priority
		out.Priority = &p
	}
	if r.Conditions != nil {
		c := *r.Conditions
		if c.Time != nil {
			t := *c.Time
			t.Days = cloneStrings(t.Days)
			c.Time = &t
		}
		if c.IP != nil {
			ip := IPCondition{Allow: cloneStrings(c.IP.Allow), Deny: cloneStrings(c.IP.Deny)}
			c.IP = &ip
		}
		if c.MFA != nil {
			m := MFACondition{Required: c.MFA.Required, Methods: cloneStrings(c.MFA.Methods)}
			c.MFA = &m
		}
		if c.Custom != nil {
			custom := make(value.Map, len(c.Custom))
			for k, v := range c.Custom {
				custom[k] = v
			}
			c.Custom = custom
		}
		out.Conditions = &c
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// Priority returns a pointer for Rule.Priority.
func Priority(n int) *int { return &n }
