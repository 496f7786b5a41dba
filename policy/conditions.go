package policy

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oarkflow/qauth/value"
)

// compiledConditions is Conditions parsed once at load time.
type compiledConditions struct {
	time   *timeWindow
	ip     *ipFilter
	mfa    *MFACondition
	custom []customPredicate
}

func compileConditions(c *Conditions) (*compiledConditions, error) {
	if c == nil {
		return nil, nil
	}
	out := &compiledConditions{}
	var err error
	if c.Time != nil {
		if out.time, err = compileTime(c.Time); err != nil {
			return nil, fmt.Errorf("time: %w", err)
		}
	}
	if c.IP != nil {
		if out.ip, err = compileIP(c.IP); err != nil {
			return nil, fmt.Errorf("ip: %w", err)
		}
	}
	if c.MFA != nil {
		m := MFACondition{Required: c.MFA.Required, Methods: cloneStrings(c.MFA.Methods)}
		out.mfa = &m
	}
	if len(c.Custom) > 0 {
		if out.custom, err = compileCustom(c.Custom); err != nil {
			return nil, fmt.Errorf("custom: %w", err)
		}
	}
	return out, nil
}

// check returns "" when all conditions hold, or the name of the first
// failing condition.
func (c *compiledConditions) check(ctx *Context, now time.Time) string {
	if c == nil {
		return ""
	}
	if c.time != nil && !c.time.contains(requestTime(ctx, now)) {
		return "time"
	}
	if c.ip != nil && !c.ip.permits(requestIP(ctx)) {
		return "ip"
	}
	if c.mfa != nil && !checkMFA(c.mfa, ctx.Request) {
		return "mfa"
	}
	for _, p := range c.custom {
		if !p.holds(ctx) {
			return "custom " + p.field
		}
	}
	return ""
}

// names lists the configured conditions, for reasons.
func (c *compiledConditions) names() []string {
	if c == nil {
		return nil
	}
	var out []string
	if c.time != nil {
		out = append(out, "time")
	}
	if c.ip != nil {
		out = append(out, "ip")
	}
	if c.mfa != nil {
		out = append(out, "mfa")
	}
	if len(c.custom) > 0 {
		out = append(out, "custom")
	}
	return out
}

func requestTime(ctx *Context, now time.Time) time.Time {
	if ctx.Request != nil && !ctx.Request.Time.IsZero() {
		return ctx.Request.Time
	}
	return now
}

func requestIP(ctx *Context) string {
	if ctx.Request == nil {
		return ""
	}
	return ctx.Request.IP
}

// ---- time ----

type timeWindow struct {
	loc *time.Location
	// Seconds since local midnight; -1 when unset.
	afterTOD, beforeTOD int
	afterAt, beforeAt   time.Time
	days                map[time.Weekday]bool
}

var offsetPattern = regexp.MustCompile(`^([+-])(\d{2}):?(\d{2})$`)

func loadLocation(tz string) (*time.Location, error) {
	switch strings.ToUpper(tz) {
	case "", "UTC", "Z":
		return time.UTC, nil
	}
	if m := offsetPattern.FindStringSubmatch(tz); m != nil {
		h, _ := strconv.Atoi(m[2])
		mins, _ := strconv.Atoi(m[3])
		if h > 14 || mins > 59 {
			return nil, fmt.Errorf("offset %q out of range", tz)
		}
		secs := h*3600 + mins*60
		if m[1] == "-" {
			secs = -secs
		}
		return time.FixedZone(tz, secs), nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

// parseBound parses a time of day or an RFC 3339 instant.
func parseBound(s string) (tod int, at time.Time, err error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, perr := time.Parse(layout, s); perr == nil {
			return t.Hour()*3600 + t.Minute()*60 + t.Second(), time.Time{}, nil
		}
	}
	if t, perr := time.Parse(time.RFC3339, s); perr == nil {
		return -1, t, nil
	}
	return -1, time.Time{}, fmt.Errorf("%q is neither HH:MM[:SS] nor RFC 3339", s)
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func compileTime(tc *TimeCondition) (*timeWindow, error) {
	loc, err := loadLocation(tc.Timezone)
	if err != nil {
		return nil, err
	}
	w := &timeWindow{loc: loc, afterTOD: -1, beforeTOD: -1}
	if tc.After != "" {
		if w.afterTOD, w.afterAt, err = parseBound(tc.After); err != nil {
			return nil, fmt.Errorf("after: %w", err)
		}
	}
	if tc.Before != "" {
		if w.beforeTOD, w.beforeAt, err = parseBound(tc.Before); err != nil {
			return nil, fmt.Errorf("before: %w", err)
		}
	}
	if len(tc.Days) > 0 {
		w.days = make(map[time.Weekday]bool, len(tc.Days))
		for _, d := range tc.Days {
			wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
			if !ok {
				return nil, fmt.Errorf("unknown day %q", d)
			}
			w.days[wd] = true
		}
	}
	return w, nil
}

func (w *timeWindow) contains(t time.Time) bool {
	if !w.afterAt.IsZero() && t.Before(w.afterAt) {
		return false
	}
	if !w.beforeAt.IsZero() && !t.Before(w.beforeAt) {
		return false
	}
	local := t.In(w.loc)
	if w.days != nil && !w.days[local.Weekday()] {
		return false
	}
	s := local.Hour()*3600 + local.Minute()*60 + local.Second()
	switch {
	case w.afterTOD >= 0 && w.beforeTOD >= 0:
		if w.afterTOD <= w.beforeTOD {
			return s >= w.afterTOD && s < w.beforeTOD
		}
		return s >= w.afterTOD || s < w.beforeTOD
	case w.afterTOD >= 0:
		return s >= w.afterTOD
	case w.beforeTOD >= 0:
		return s < w.beforeTOD
	}
	return true
}

// ---- ip ----

type ipFilter struct {
	allow []netip.Prefix
	deny  []netip.Prefix
}

func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}

func compileIP(c *IPCondition) (*ipFilter, error) {
	f := &ipFilter{}
	for _, s := range c.Allow {
		p, err := parsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("allow %q: %w", s, err)
		}
		f.allow = append(f.allow, p)
	}
	for _, s := range c.Deny {
		p, err := parsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("deny %q: %w", s, err)
		}
		f.deny = append(f.deny, p)
	}
	return f, nil
}

// permits checks allow ranges first, then deny ranges. A missing or
// unparseable address never passes.
func (f *ipFilter) permits(raw string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if len(f.allow) > 0 && !containsAddr(f.allow, addr) {
		return false
	}
	return !containsAddr(f.deny, addr)
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ---- mfa ----

func checkMFA(m *MFACondition, req *Request) bool {
	if !m.Required {
		return true
	}
	if req == nil || !req.MFAVerified {
		return false
	}
	if len(m.Methods) == 0 {
		return true
	}
	for _, method := range m.Methods {
		if strings.EqualFold(method, req.MFAMethod) {
			return true
		}
	}
	return false
}

// ---- custom ----

type customPredicate struct {
	field    string
	expected value.Value
	// ref is set when expected names another field ("$subject.id").
	ref string
}

func compileCustom(m value.Map) ([]customPredicate, error) {
	out := make([]customPredicate, 0, len(m))
	for _, field := range sortedKeys(m) {
		if !validFieldPath(field) {
			return nil, fmt.Errorf("unknown field path %q", field)
		}
		p := customPredicate{field: field, expected: m[field]}
		if s, ok := p.expected.AsString(); ok && strings.HasPrefix(s, "$") {
			p.ref = s[1:]
			if !validFieldPath(p.ref) {
				return nil, fmt.Errorf("unknown field reference %q", s)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func validFieldPath(f string) bool {
	root, rest, ok := strings.Cut(f, ".")
	if !ok || rest == "" {
		return false
	}
	switch root {
	case "subject", "resource", "request":
		return true
	}
	return false
}

// holds compares the resolved field with the expected value. A list on
// either side means membership; a missing field never holds.
func (p customPredicate) holds(ctx *Context) bool {
	actual, ok := resolveField(p.field, ctx)
	if !ok {
		return false
	}
	expected := p.expected
	if p.ref != "" {
		if expected, ok = resolveField(p.ref, ctx); !ok {
			return false
		}
	}
	if actual.Equal(expected) {
		return true
	}
	if list, ok := actual.AsList(); ok && expected.Kind() != value.KindList {
		return containsValue(list, expected)
	}
	if list, ok := expected.AsList(); ok && actual.Kind() != value.KindList {
		return containsValue(list, actual)
	}
	return false
}

func containsValue(list []value.Value, v value.Value) bool {
	for _, item := range list {
		if item.Equal(v) {
			return true
		}
	}
	return false
}

// resolveField looks up a dotted field path in ctx. Unknown leaf names
// under subject and resource fall through to their attributes, and
// further dots descend into nested maps.
func resolveField(field string, ctx *Context) (value.Value, bool) {
	root, rest, _ := strings.Cut(field, ".")
	name, nested, _ := strings.Cut(rest, ".")

	var v value.Value
	var attrs value.Map
	found := false
	switch root {
	case "subject":
		s := ctx.Subject
		if s == nil {
			return value.Value{}, false
		}
		switch name {
		case "id":
			v, found = value.String(s.ID), s.ID != ""
		case "roles":
			v, found = value.Strings(s.Roles...), true
		case "groups":
			v, found = value.Strings(s.Groups...), true
		default:
			attrs = s.Attributes
		}
	case "resource":
		r := ctx.Resource
		if r == nil {
			return value.Value{}, false
		}
		switch name {
		case "path":
			v, found = value.String(r.Path), true
		case "owner":
			v, found = value.String(r.Owner), r.Owner != ""
		case "type":
			v, found = value.String(r.Type), r.Type != ""
		default:
			attrs = r.Attributes
		}
	case "request":
		q := ctx.Request
		if q == nil {
			return value.Value{}, false
		}
		switch name {
		case "action":
			v, found = value.String(q.Action), q.Action != ""
		case "method":
			v, found = value.String(q.Method), q.Method != ""
		case "ip":
			v, found = value.String(q.IP), q.IP != ""
		case "mfa_verified":
			v, found = value.Bool(q.MFAVerified), true
		case "mfa_method":
			v, found = value.String(q.MFAMethod), q.MFAMethod != ""
		}
	}
	if attrs != nil {
		v, found = attrs[name]
	}
	if !found {
		return value.Value{}, false
	}
	for nested != "" {
		var key string
		key, nested, _ = strings.Cut(nested, ".")
		if v, found = v.Field(key); !found {
			return value.Value{}, false
		}
	}
	return v, true
}
