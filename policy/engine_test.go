package policy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/qauth/value"
)

func p1() Policy {
	return Policy{
		ID:      "P1",
		Version: "1",
		Issuer:  "https://auth.example.com",
		Rules: []Rule{
			{ID: "docs-read", Effect: EffectAllow, Resources: []string{"/docs/*"}, Actions: []string{"read"}, Priority: Priority(1)},
			{ID: "secret-deny", Effect: EffectDeny, Resources: []string{"/docs/secret"}, Actions: []string{"read"}, Priority: Priority(5)},
		},
	}
}

func readCtx(path string) Context {
	return Context{Resource: &Resource{Path: path}, Request: &Request{Action: "read"}}
}

func TestConcreteScenarioP1(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadPolicy(p1()))

	res, err := e.Evaluate("P1", readCtx("/docs/secret"))
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, res.Effect)
	assert.Equal(t, "secret-deny", res.MatchedRule)
	assert.Equal(t, `rule "secret-deny" (deny, priority 5) matched resource "/docs/secret" action "read"`, res.Reason)

	res, err = e.Evaluate("P1", readCtx("/docs/public"))
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, res.Effect)
	assert.True(t, res.Allowed())
	assert.Equal(t, "docs-read", res.MatchedRule)
}

func TestPriorityAndDeclarationOrder(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadPolicy(Policy{ID: "prio", Rules: []Rule{
		{ID: "low", Effect: EffectAllow, Resources: []string{"/x"}, Priority: Priority(5)},
		{ID: "high", Effect: EffectDeny, Resources: []string{"/x"}, Priority: Priority(10)},
	}}))
	res, err := e.Evaluate("prio", readCtx("/x"))
	require.NoError(t, err)
	assert.Equal(t, "high", res.MatchedRule)
	assert.Equal(t, EffectDeny, res.Effect)

	require.NoError(t, e.LoadPolicy(Policy{ID: "order", Rules: []Rule{
		{ID: "first", Effect: EffectAllow, Resources: []string{"/x"}},
		{ID: "second", Effect: EffectDeny, Resources: []string{"/x"}},
		{ID: "third", Effect: EffectDeny, Resources: []string{"/x"}, Priority: Priority(0)},
	}}))
	res, err = e.Evaluate("order", readCtx("/x"))
	require.NoError(t, err)
	assert.Equal(t, "first", res.MatchedRule)
	assert.Equal(t, EffectAllow, res.Effect)

	require.NoError(t, e.LoadPolicy(Policy{ID: "negative", Rules: []Rule{
		{ID: "neg", Effect: EffectAllow, Resources: []string{"/x"}, Priority: Priority(-1)},
		{ID: "zero", Effect: EffectDeny, Resources: []string{"/x"}},
	}}))
	res, err = e.Evaluate("negative", readCtx("/x"))
	require.NoError(t, err)
	assert.Equal(t, "zero", res.MatchedRule)
}

func TestDefaultDeny(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadPolicy(p1()))

	cases := map[string]Context{
		"other path":   readCtx("/admin"),
		"other action": {Resource: &Resource{Path: "/docs/a"}, Request: &Request{Action: "write"}},
		"empty ctx":    {},
	}
	for name, ctx := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := e.Evaluate("P1", ctx)
			require.NoError(t, err)
			assert.Equal(t, Result{Effect: EffectDeny, Reason: "no matching rule"}, res)
		})
	}

	require.NoError(t, e.LoadPolicy(Policy{ID: "empty"}))
	res, err := e.Evaluate("empty", readCtx("/x"))
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, res.Effect)
	assert.Empty(t, res.MatchedRule)
}

func TestPolicyNotFound(t *testing.T) {
	e := NewEngine()
	_, err := e.Evaluate("missing", readCtx("/x"))
	assert.ErrorIs(t, err, ErrPolicyNotFound)
}

func TestSynthesizedRuleID(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadPolicy(Policy{ID: "anon", Rules: []Rule{
		{Effect: EffectDeny, Resources: []string{"/nope"}},
		{Effect: EffectAllow, Actions: []string{"read"}},
	}}))
	res, err := e.Evaluate("anon", readCtx("/anything"))
	require.NoError(t, err)
	assert.Equal(t, "rule-1", res.MatchedRule)
}

func TestEmptyPatternListsMatchAll(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadPolicy(Policy{ID: "all", Rules: []Rule{{ID: "any", Effect: EffectAllow}}}))
	res, err := e.Evaluate("all", Context{})
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, res.Effect)
}

func TestActionGlob(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadPolicy(Policy{ID: "act", Rules: []Rule{
		{ID: "reads", Effect: EffectAllow, Actions: []string{"docs:read*"}},
	}}))
	for action, want := range map[string]Effect{
		"docs:read":     EffectAllow,
		"docs:readMeta": EffectAllow,
		"docs:write":    EffectDeny,
	} {
		res, err := e.Evaluate("act", Context{Request: &Request{Action: action}})
		require.NoError(t, err)
		assert.Equal(t, want, res.Effect, action)
	}
}

func TestMFAFallThrough(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadPolicy(Policy{ID: "mfa", Rules: []Rule{
		{
			ID: "admin-mfa", Effect: EffectAllow, Resources: []string{"/admin/**"}, Actions: []string{"*"},
			Priority:   Priority(10),
			Conditions: &Conditions{MFA: &MFACondition{Required: true, Methods: []string{"totp", "webauthn"}}},
		},
		{ID: "admin-fallback", Effect: EffectDeny, Resources: []string{"/admin/**"}},
	}}))

	ctx := func(req *Request) Context {
		return Context{Resource: &Resource{Path: "/admin/users"}, Request: req}
	}
	cases := []struct {
		name string
		req  *Request
		rule string
	}{
		{"absent request", nil, "admin-fallback"},
		{"not verified", &Request{Action: "read"}, "admin-fallback"},
		{"verified wrong method", &Request{Action: "read", MFAVerified: true, MFAMethod: "sms"}, "admin-fallback"},
		{"verified totp", &Request{Action: "read", MFAVerified: true, MFAMethod: "totp"}, "admin-mfa"},
		{"method case-insensitive", &Request{Action: "read", MFAVerified: true, MFAMethod: "WebAuthn"}, "admin-mfa"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := e.Evaluate("mfa", ctx(tc.req))
			require.NoError(t, err)
			assert.Equal(t, tc.rule, res.MatchedRule)
		})
	}

	require.NoError(t, e.LoadPolicy(Policy{ID: "mfa-only", Rules: []Rule{
		{ID: "r", Effect: EffectAllow, Conditions: &Conditions{MFA: &MFACondition{Required: true}}},
	}}))
	res, err := e.Evaluate("mfa-only", Context{Request: &Request{MFAVerified: false}})
	require.NoError(t, err)
	assert.Equal(t, Result{Effect: EffectDeny, Reason: "no matching rule"}, res)
}

func TestReasonListsConditions(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadPolicy(Policy{ID: "c", Rules: []Rule{{
		ID: "r", Effect: EffectAllow,
		Conditions: &Conditions{
			MFA: &MFACondition{Required: true},
			IP:  &IPCondition{Allow: []string{"10.0.0.0/8"}},
		},
	}}}))
	res, err := e.Evaluate("c", Context{Request: &Request{Action: "read", IP: "10.1.2.3", MFAVerified: true}})
	require.NoError(t, err)
	assert.Equal(t, `rule "r" (allow, priority 0) matched resource "" action "read" with conditions ip, mfa`, res.Reason)
}

func TestLoadPolicyValidation(t *testing.T) {
	e := NewEngine()
	cases := map[string]Policy{
		"empty id":       {Rules: []Rule{{Effect: EffectAllow}}},
		"missing effect": {ID: "p", Rules: []Rule{{Resources: []string{"/x"}}}},
		"bad effect":     {ID: "p", Rules: []Rule{{Effect: "permit"}}},
		"bad cidr": {ID: "p", Rules: []Rule{{Effect: EffectAllow, Conditions: &Conditions{
			IP: &IPCondition{Allow: []string{"10.0.0.0/33"}}}}}},
		"bad time": {ID: "p", Rules: []Rule{{Effect: EffectAllow, Conditions: &Conditions{
			Time: &TimeCondition{After: "9am"}}}}},
		"bad day": {ID: "p", Rules: []Rule{{Effect: EffectAllow, Conditions: &Conditions{
			Time: &TimeCondition{Days: []string{"funday"}}}}}},
		"bad timezone": {ID: "p", Rules: []Rule{{Effect: EffectAllow, Conditions: &Conditions{
			Time: &TimeCondition{Timezone: "Mars/Olympus"}}}}},
		"bad custom field": {ID: "p", Rules: []Rule{{Effect: EffectAllow, Conditions: &Conditions{
			Custom: value.Map{"tenant": value.String("a")}}}}},
		"bad custom reference": {ID: "p", Rules: []Rule{{Effect: EffectAllow, Conditions: &Conditions{
			Custom: value.Map{"resource.owner": value.String("$nowhere")}}}}},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			err := e.LoadPolicy(p)
			assert.ErrorIs(t, err, ErrInvalidPolicy)
			assert.False(t, e.Has(p.ID))
		})
	}
}

func TestDuplicateRuleIDsTolerated(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadPolicy(Policy{ID: "dup", Rules: []Rule{
		{ID: "r", Effect: EffectDeny, Resources: []string{"/a"}},
		{ID: "r", Effect: EffectAllow, Resources: []string{"/b"}},
	}}))
	res, err := e.Evaluate("dup", readCtx("/b"))
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, res.Effect)
	assert.Equal(t, "r", res.MatchedRule)

	res, err = e.Evaluate("dup", readCtx("/a"))
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, res.Effect)
	assert.Equal(t, "r", res.MatchedRule)
}

func TestLoadIsolatesCallerMutation(t *testing.T) {
	e := NewEngine()
	p := p1()
	require.NoError(t, e.LoadPolicy(p))
	p.Rules[1].Resources[0] = "/docs/other"
	*p.Rules[1].Priority = 0

	res, err := e.Evaluate("P1", readCtx("/docs/secret"))
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, res.Effect)

	stored, ok := e.Policy("P1")
	require.True(t, ok)
	assert.Equal(t, "/docs/secret", stored.Rules[1].Resources[0])
}

func TestReplaceRemoveAndList(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadPolicy(p1()))
	require.NoError(t, e.LoadPolicy(Policy{ID: "A"}))

	replacement := Policy{ID: "P1", Version: "2", Rules: []Rule{{ID: "all", Effect: EffectAllow}}}
	require.NoError(t, e.LoadPolicy(replacement))
	res, err := e.Evaluate("P1", readCtx("/docs/secret"))
	require.NoError(t, err)
	assert.Equal(t, "all", res.MatchedRule)

	assert.Equal(t, []string{"A", "P1"}, e.Policies())
	assert.True(t, e.RemovePolicy("A"))
	assert.False(t, e.RemovePolicy("A"))
	assert.False(t, e.Has("A"))
	_, ok := e.Policy("A")
	assert.False(t, ok)
}

// Readers must see either the old or the new policy in full.
func TestConcurrentLoadAndEvaluate(t *testing.T) {
	e := NewEngine()
	allowAll := func(version int) Policy {
		return Policy{ID: "hot", Version: fmt.Sprint(version), Rules: []Rule{
			{ID: "allow", Effect: EffectAllow, Resources: []string{"/x"}, Priority: Priority(1)},
		}}
	}
	denyAll := func(version int) Policy {
		return Policy{ID: "hot", Version: fmt.Sprint(version), Rules: []Rule{
			{ID: "deny", Effect: EffectDeny, Resources: []string{"/x"}, Priority: Priority(1)},
		}}
	}
	require.NoError(t, e.LoadPolicy(allowAll(0)))

	var g errgroup.Group
	g.Go(func() error {
		for i := 1; i <= 200; i++ {
			p := allowAll(i)
			if i%2 == 0 {
				p = denyAll(i)
			}
			if err := e.LoadPolicy(p); err != nil {
				return err
			}
		}
		return nil
	})
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 500; i++ {
				res, err := e.Evaluate("hot", readCtx("/x"))
				if err != nil {
					return err
				}
				consistent := (res.MatchedRule == "allow" && res.Effect == EffectAllow) ||
					(res.MatchedRule == "deny" && res.Effect == EffectDeny)
				if !consistent {
					return fmt.Errorf("torn result %+v", res)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestEngineClockUsedWhenRequestHasNoTime(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC) // Monday
	e := NewEngine(WithNow(func() time.Time { return now }))
	require.NoError(t, e.LoadPolicy(Policy{ID: "hours", Rules: []Rule{{
		ID: "office", Effect: EffectAllow,
		Conditions: &Conditions{Time: &TimeCondition{After: "09:00", Before: "17:00", Days: []string{"mon", "Tue"}}},
	}}}))

	res, err := e.Evaluate("hours", Context{})
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, res.Effect)

	now = now.Add(8 * time.Hour)
	res, err = e.Evaluate("hours", Context{})
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, res.Effect)
}

func BenchmarkEvaluate(b *testing.B) {
	e := NewEngine()
	p := Policy{ID: "bench"}
	for i := 0; i < 50; i++ {
		p.Rules = append(p.Rules, Rule{
			Effect:    EffectAllow,
			Resources: []string{fmt.Sprintf("/svc%d/**", i)},
			Actions:   []string{"read"},
			Priority:  Priority(i % 7),
		})
	}
	if err := e.LoadPolicy(p); err != nil {
		b.Fatal(err)
	}
	ctx := readCtx("/svc49/a/b")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Evaluate("bench", ctx); err != nil {
			b.Fatal(err)
		}
	}
}
