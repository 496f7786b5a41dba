package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/qauth/value"
)

const docsPolicy = `
id: urn:qauth:policy:docs
version: "3"
issuer: https://auth.example.com
name: Documents
rules:
  - id: secret-deny
    effect: deny
    resources: ["/docs/secret", "/docs/secret/**"]
    actions: [read, write]
    priority: 5
  - id: office-hours
    effect: allow
    resources: ["/docs/**"]
    actions: ["*"]
    priority: 1
    conditions:
      time:
        after: "09:00"
        before: "17:00"
        days: [mon, tue, wed, thu, fri]
        timezone: "+01:00"
      ip:
        allow: [10.0.0.0/8]
      mfa:
        required: true
        methods: [totp]
      custom:
        subject.department: eng
        subject.clearance: 2
        resource.owner: $subject.id
`

func TestParsePolicyYAML(t *testing.T) {
	p, err := ParsePolicy([]byte(docsPolicy))
	require.NoError(t, err)
	assert.Equal(t, "urn:qauth:policy:docs", p.ID)
	assert.Equal(t, "3", p.Version)
	require.Len(t, p.Rules, 2)
	assert.Equal(t, EffectDeny, p.Rules[0].Effect)
	require.NotNil(t, p.Rules[0].Priority)
	assert.Equal(t, 5, *p.Rules[0].Priority)
	c := p.Rules[1].Conditions
	require.NotNil(t, c)
	assert.Equal(t, "+01:00", c.Time.Timezone)
	assert.Equal(t, []string{"10.0.0.0/8"}, c.IP.Allow)
	assert.True(t, c.MFA.Required)
	assert.True(t, c.Custom["subject.clearance"].Equal(value.Int(2)))
	assert.True(t, c.Custom["resource.owner"].Equal(value.String("$subject.id")))

	e := NewEngine()
	require.NoError(t, e.LoadPolicy(p))

	ctx := Context{
		Subject: &Subject{ID: "alice", Attributes: value.Map{
			"department": value.String("eng"),
			"clearance":  value.Int(2),
		}},
		Resource: &Resource{Path: "/docs/plan", Owner: "alice"},
		Request: &Request{
			Action: "read", IP: "10.2.3.4", MFAVerified: true, MFAMethod: "totp",
			Time: time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC), // Tuesday 10:30 at +01:00
		},
	}
	res, err := e.Evaluate(p.ID, ctx)
	require.NoError(t, err)
	assert.Equal(t, "office-hours", res.MatchedRule)

	ctx.Resource.Path = "/docs/secret/plan"
	res, err = e.Evaluate(p.ID, ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret-deny", res.MatchedRule)
}

func TestParsePolicyJSON(t *testing.T) {
	p, err := ParsePolicy([]byte(`{"id":"j","rules":[{"effect":"allow","resources":["/a"],"priority":-2,
		"conditions":{"custom":{"subject.roles":["admin","ops"]}}}]}`))
	require.NoError(t, err)
	assert.Equal(t, -2, *p.Rules[0].Priority)
	roles := p.Rules[0].Conditions.Custom["subject.roles"]
	assert.Equal(t, value.KindList, roles.Kind())
}

func TestParsePolicyRejectsUnknownFields(t *testing.T) {
	_, err := ParsePolicy([]byte("id: x\nrulez: []\n"))
	assert.ErrorIs(t, err, ErrInvalidPolicy)
	_, err = ParsePolicy(nil)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestParsePolicies(t *testing.T) {
	docs, err := ParsePolicies(strings.NewReader("id: a\n---\nid: b\nrules: [{effect: deny}]\n"))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[1].ID)
}

func TestLoadFileAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(docsPolicy+"---\nid: second\n"), 0o600))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("id: ok\n---\nid: broken\nrules: [{effect: maybe}]\n"), 0o600))

	e := NewEngine()
	ids, err := e.LoadFile(good)
	require.NoError(t, err)
	assert.Equal(t, []string{"urn:qauth:policy:docs", "second"}, ids)

	_, err = e.LoadFile(bad)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
	assert.False(t, e.Has("ok"))

	_, err = e.LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestParseContext(t *testing.T) {
	c, err := ParseContext([]byte(`
subject: {id: alice, roles: [editor], attributes: {tier: 2}}
resource: {path: /docs/a}
request: {action: read, ip: 10.0.0.1, mfa_verified: true, time: 2024-03-04T10:00:00Z}
`))
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Subject.ID)
	assert.True(t, c.Subject.Attributes["tier"].Equal(value.Int(2)))
	assert.Equal(t, "/docs/a", c.Resource.Path)
	assert.True(t, c.Request.MFAVerified)
	assert.Equal(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC), c.Request.Time.UTC())
}
