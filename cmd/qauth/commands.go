package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/oarkflow/qauth"
	"github.com/oarkflow/qauth/policy"
	"github.com/oarkflow/qauth/token"
	"github.com/oarkflow/qauth/value"
)

// Exit status of eval when the policy denies the request.
const exitDenied = 3

func runKeygen(c *cli, args []string) error {
	fs := c.newFlags("keygen")
	out := fs.StringP("out", "o", c.cfg.Keys, "key file to write (.env, .json, .yaml)")
	client := fs.Bool("client", false, "generate a client keypair instead of issuer keys")
	keyID := fs.String("key-id", "", "issuer key id (random when empty)")
	backup := fs.BoolP("backup", "b", true, "back up an existing key file to <file>.bak")
	copyKey := fs.BoolP("copy", "c", false, "copy the public key to the clipboard")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	if *backup {
		if err := createBackup(*out); err != nil {
			c.log.Warn("backup failed", zap.String("file", *out), zap.Error(err))
		}
	}

	var public string
	if *client {
		cl, err := writeClientKeys(*out)
		if err != nil {
			return err
		}
		public = b64.EncodeToString(cl.PublicKey())
		fmt.Fprintf(c.stdout, "client public key: %s\nrid: %s\n", public, cl.RID())
	} else {
		km, err := writeIssuerKeys(*out, *keyID)
		if err != nil {
			return err
		}
		public = b64.EncodeToString(km.PublicKey())
		fmt.Fprintf(c.stdout, "key id: %s\npublic key: %s\n", km.KeyID(), public)
	}
	c.log.Info("keys written", zap.String("file", *out), zap.Bool("client", *client))
	if *copyKey {
		c.copyToClipboard("public key", public)
	}
	return nil
}

// issuerFlags are shared by issue and verify.
type issuerFlags struct {
	keys     *string
	issuer   *string
	audience *[]string
}

func (c *cli) addIssuerFlags(fs *pflag.FlagSet) issuerFlags {
	return issuerFlags{
		keys:     fs.String("keys", c.cfg.Keys, "issuer key file"),
		issuer:   fs.String("issuer", c.cfg.Issuer, "issuer identifier"),
		audience: fs.StringSlice("audience", c.cfg.Audience, "accepted audience (repeatable)"),
	}
}

func (c *cli) server(f issuerFlags, opts ...qauth.ServerOption) (*qauth.Server, error) {
	cfg := c.cfg
	cfg.Issuer = *f.issuer
	cfg.Audience = *f.audience
	if err := cfg.requireIssuer(); err != nil {
		return nil, err
	}
	km, err := loadIssuerKeys(*f.keys)
	if err != nil {
		return nil, err
	}
	opts = append([]qauth.ServerOption{qauth.WithKeyManager(km), qauth.WithLogger(c.log)}, opts...)
	return qauth.NewServer(qauth.Config{Issuer: cfg.Issuer, Audience: cfg.Audience}, opts...)
}

func runIssue(c *cli, args []string) error {
	fs := c.newFlags("issue")
	ifl := c.addIssuerFlags(fs)
	subject := fs.String("sub", "", "token subject")
	policyRef := fs.String("policy", "", "policy id governing the token")
	ttl := fs.StringP("ttl", "T", c.cfg.Validity, "token validity (e.g. 900, 15m, m:15, 100 (s))")
	clientKey := fs.String("client", "", "client key file or base64url public key to bind the token to")
	claims := fs.StringArray("claim", nil, "custom claim key=value (value parsed as YAML)")
	sealed := fs.StringArray("sealed", nil, "sealed claim key=value, encrypted in the token")
	copyToken := fs.BoolP("copy", "c", false, "copy the token to the clipboard")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	validity, err := parseTTL(*ttl)
	if err != nil {
		return err
	}
	pub, err := parseClientKey(*clientKey)
	if err != nil {
		return err
	}
	custom, err := parseClaims(*claims)
	if err != nil {
		return err
	}
	hidden, err := parseClaims(*sealed)
	if err != nil {
		return err
	}
	srv, err := c.server(ifl)
	if err != nil {
		return err
	}
	tok, err := srv.CreateToken(token.CreateOptions{
		Subject:         *subject,
		PolicyRef:       *policyRef,
		ValiditySeconds: token.Seconds(int64(validity.Seconds())),
		ClientKey:       pub,
		Claims:          custom,
		SealedClaims:    hidden,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, tok)
	if *copyToken {
		c.copyToClipboard("token", tok)
	}
	return nil
}

func runVerify(c *cli, args []string) error {
	fs := c.newFlags("verify")
	ifl := c.addIssuerFlags(fs)
	leeway := fs.Duration("leeway", 0, "allowed clock skew")
	openSealed := fs.Bool("open-sealed", false, "decrypt and print sealed claims")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	tok, err := c.tokenArg(fs.Args())
	if err != nil {
		return err
	}
	srv, err := c.server(ifl, qauth.WithLeeway(*leeway))
	if err != nil {
		return err
	}
	p, err := srv.ValidateToken(tok)
	if err != nil {
		return err
	}
	out := map[string]any{"payload": p}
	if *openSealed {
		m, err := token.OpenSealedClaims(srv.KeyManager(), p)
		if err != nil {
			return err
		}
		out["sealed"] = m
	}
	return c.printJSON(out)
}

func runInspect(c *cli, args []string) error {
	fs := c.newFlags("inspect")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	tok, err := c.tokenArg(fs.Args())
	if err != nil {
		return err
	}
	h, p, err := token.Inspect(tok)
	if err != nil {
		return err
	}
	return c.printJSON(map[string]any{"header": h, "payload": p, "verified": false})
}

func runProve(c *cli, args []string) error {
	fs := c.newFlags("prove")
	clientFile := fs.String("client", "client.env", "client key file")
	method := fs.StringP("method", "X", "GET", "HTTP method")
	uri := fs.String("uri", "", "request URI")
	bodyFile := fs.String("body-file", "", "file holding the request body")
	copyProof := fs.BoolP("copy", "c", false, "copy the proof to the clipboard")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if *uri == "" {
		return fmt.Errorf("--uri is required")
	}
	tok, err := c.tokenArg(fs.Args())
	if err != nil {
		return err
	}
	var body []byte
	if *bodyFile != "" {
		if body, err = os.ReadFile(*bodyFile); err != nil {
			return err
		}
	}
	cl, err := loadClient(*clientFile)
	if err != nil {
		return err
	}
	proof, err := cl.CreateProof(strings.ToUpper(*method), *uri, tok, body)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, proof)
	if *copyProof {
		c.copyToClipboard("proof", proof)
	}
	return nil
}

func runShares(c *cli, args []string) error {
	fs := c.newFlags("shares")
	keys := fs.String("keys", c.cfg.Keys, "issuer key file")
	total := fs.IntP("total", "n", 5, "number of shares")
	threshold := fs.IntP("threshold", "k", 3, "shares needed to recover")
	recoverKey := fs.Bool("recover", false, "recover the encryption key from shares given as arguments")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	if *recoverKey {
		shares := make([][]byte, 0, fs.NArg())
		for _, s := range fs.Args() {
			b, err := b64.DecodeString(strings.TrimSpace(s))
			if err != nil {
				return fmt.Errorf("share: %w", err)
			}
			shares = append(shares, b)
		}
		key, err := token.RecoverEncryptionKey(shares)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.stdout, b64.EncodeToString(key))
		return nil
	}

	km, err := loadIssuerKeys(*keys)
	if err != nil {
		return err
	}
	shares, err := km.SplitEncryptionKey(*total, *threshold)
	if err != nil {
		return err
	}
	for _, s := range shares {
		fmt.Fprintln(c.stdout, b64.EncodeToString(s))
	}
	return nil
}

func runEval(c *cli, args []string) error {
	fs := c.newFlags("eval")
	policyFile := fs.StringP("policy", "p", "", "policy file (YAML or JSON, multi-document)")
	id := fs.String("id", "", "policy id (optional when the file holds one policy)")
	contextFile := fs.String("context", "", "context file (YAML or JSON)")
	subject := fs.String("subject", "", "subject id")
	roles := fs.StringSlice("role", nil, "subject role (repeatable)")
	resource := fs.String("resource", "", "resource path")
	action := fs.String("action", "", "request action")
	ip := fs.String("ip", "", "client IP address")
	mfa := fs.Bool("mfa", false, "request passed MFA")
	mfaMethod := fs.String("mfa-method", "", "MFA method used")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if *policyFile == "" {
		return fmt.Errorf("--policy is required")
	}

	engine := policy.NewEngine(policy.WithLogger(c.log))
	ids, err := engine.LoadFile(*policyFile)
	if err != nil {
		return err
	}
	pid := *id
	if pid == "" {
		if len(ids) != 1 {
			return fmt.Errorf("%s holds %d policies; pick one with --id", *policyFile, len(ids))
		}
		pid = ids[0]
	}

	var pctx policy.Context
	if *contextFile != "" {
		data, err := os.ReadFile(*contextFile)
		if err != nil {
			return err
		}
		if pctx, err = policy.ParseContext(data); err != nil {
			return err
		}
	}
	if pctx.Subject == nil {
		pctx.Subject = &policy.Subject{}
	}
	if pctx.Resource == nil {
		pctx.Resource = &policy.Resource{}
	}
	if pctx.Request == nil {
		pctx.Request = &policy.Request{}
	}
	if fs.Changed("subject") {
		pctx.Subject.ID = *subject
	}
	if fs.Changed("role") {
		pctx.Subject.Roles = *roles
	}
	if fs.Changed("resource") {
		pctx.Resource.Path = *resource
	}
	if fs.Changed("action") {
		pctx.Request.Action = *action
	}
	if fs.Changed("ip") {
		pctx.Request.IP = *ip
	}
	if fs.Changed("mfa") {
		pctx.Request.MFAVerified = *mfa
	}
	if fs.Changed("mfa-method") {
		pctx.Request.MFAMethod = *mfaMethod
	}

	res, err := engine.Evaluate(pid, pctx)
	if err != nil {
		return err
	}
	if err := c.printJSON(res); err != nil {
		return err
	}
	if !res.Allowed() {
		return exitError{code: exitDenied}
	}
	return nil
}

// tokenArg returns the single positional token, reading stdin for "-" or
// when no argument is given.
func (c *cli) tokenArg(args []string) (string, error) {
	switch {
	case len(args) > 1:
		return "", fmt.Errorf("expected one token, got %d arguments", len(args))
	case len(args) == 1 && args[0] != "-":
		return strings.TrimSpace(args[0]), nil
	}
	data, err := io.ReadAll(io.LimitReader(c.stdin, 64<<10))
	if err != nil {
		return "", err
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("no token given")
	}
	return tok, nil
}

// parseClaims turns key=value pairs into a claim map. Values are parsed
// as YAML so numbers, booleans and lists keep their kind.
func parseClaims(pairs []string) (value.Map, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(value.Map, len(pairs))
	for _, pair := range pairs {
		k, raw, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("claim %q: expected key=value", pair)
		}
		var decoded any
		if err := yaml.Unmarshal([]byte(raw), &decoded); err != nil {
			return nil, fmt.Errorf("claim %q: %w", k, err)
		}
		if decoded == nil {
			decoded = raw
		}
		v, err := value.From(decoded)
		if err != nil {
			return nil, fmt.Errorf("claim %q: %w", k, err)
		}
		m[k] = v
	}
	return m, nil
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
