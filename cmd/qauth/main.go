// Command qauth generates keys, issues and verifies tokens, signs proofs
// of possession and evaluates policies from the command line.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	_ "time/tzdata"

	"github.com/atotto/clipboard"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/oarkflow/qauth"
	"github.com/oarkflow/qauth/internal/logger"
)

const defaultConfigPath = "qauth.yaml"

// exitError carries a process exit code without an error message.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e exitError) ExitCode() int { return e.code }

// cli is the state shared by every subcommand.
type cli struct {
	cfg    Config
	log    *zap.Logger
	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader
}

type command struct {
	name    string
	summary string
	run     func(c *cli, args []string) error
}

var commands = []command{
	{"keygen", "generate issuer or client keys into a key file", runKeygen},
	{"issue", "issue a signed token", runIssue},
	{"verify", "verify a token and print its payload", runVerify},
	{"inspect", "decode a token without verifying it", runInspect},
	{"prove", "sign a proof of possession for a request", runProve},
	{"shares", "split the issuer encryption key into recovery shares", runShares},
	{"eval", "evaluate a policy against a request context", runEval},
	{"version", "print version information", runVersion},
}

func main() {
	c := &cli{stdout: os.Stdout, stderr: os.Stderr, stdin: os.Stdin}
	if err := c.run(os.Args[1:]); err != nil {
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (c *cli) run(args []string) error {
	flags := pflag.NewFlagSet("qauth", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.SetOutput(c.stderr)
	configPath := flags.String("config", defaultConfigPath, "path to YAML config file")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")
	logEnv := flags.String("log-env", "", "log format: dev or prod")
	flags.Usage = func() { c.usage(flags) }

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(*configPath, flags.Changed("config"))
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logEnv != "" {
		cfg.Log.Env = *logEnv
	}
	c.cfg = cfg
	c.log = logger.New(logger.Config{Env: cfg.Log.Env, Level: cfg.Log.Level, Version: qauth.Version()})
	defer func() { _ = c.log.Sync() }()

	rest := flags.Args()
	if len(rest) == 0 {
		c.usage(flags)
		return exitError{code: 2}
	}
	for _, cmd := range commands {
		if cmd.name == rest[0] {
			return cmd.run(c, rest[1:])
		}
	}
	c.usage(flags)
	return fmt.Errorf("unknown command %q", rest[0])
}

func (c *cli) usage(flags *pflag.FlagSet) {
	fmt.Fprintf(c.stderr, "qauth v%s - proof-of-possession tokens and policy evaluation\n\n", qauth.Version())
	fmt.Fprintf(c.stderr, "USAGE:\n  qauth [global options] <command> [options]\n\nCOMMANDS:\n")
	for _, cmd := range commands {
		fmt.Fprintf(c.stderr, "  %-8s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintf(c.stderr, "\nEXAMPLES:\n")
	fmt.Fprintf(c.stderr, "  qauth keygen --out qauth.env\n")
	fmt.Fprintf(c.stderr, "  qauth keygen --client --out client.env\n")
	fmt.Fprintf(c.stderr, "  qauth issue --sub alice --policy P1 --client client.env --ttl 15m\n")
	fmt.Fprintf(c.stderr, "  qauth prove --client client.env --method GET --uri /docs/a <token>\n")
	fmt.Fprintf(c.stderr, "  qauth eval --policy policies.yaml --id P1 --context ctx.yaml\n\n")
	fmt.Fprintf(c.stderr, "GLOBAL OPTIONS:\n")
	flags.PrintDefaults()
}

// newFlags returns a subcommand flag set with usage wired to stderr.
func (c *cli) newFlags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("qauth "+name, pflag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

// parse handles --help for subcommands.
func parse(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *cli) copyToClipboard(what, s string) {
	if err := clipboard.WriteAll(s); err != nil {
		c.log.Warn("unable to copy to clipboard", zap.String("what", what), zap.Error(err))
		return
	}
	fmt.Fprintf(c.stderr, "✓ %s copied to clipboard\n", what)
}

func runVersion(c *cli, _ []string) error {
	fmt.Fprintf(c.stdout, "qauth v%s (protocol %s)\n", qauth.Version(), qauth.ProtocolVersion())
	return nil
}
