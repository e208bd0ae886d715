//go:build linux

package main

import (
	"fmt"
	"io"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/anoek/go-sandbox/internal/config"
	"github.com/anoek/go-sandbox/internal/jsonsink"
	"github.com/anoek/go-sandbox/internal/sandbox"
	"github.com/anoek/go-sandbox/internal/sandboxlog"
)

const executableName = "sandbox"

// Run is the isolated entry point: no direct access to process-global
// stdio/env/args, so it can be driven from tests the same way the
// teacher's Run harness is (cmd/agent-sandbox/run.go).
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	if len(args) > 1 && args[1] == sandbox.AnchorSubcommand {
		if len(args) < 3 {
			fmt.Fprintln(stderr, "missing anchor spec path")
			return 1
		}
		sandbox.RunAnchorMain(args[2])
		return 0
	}

	flags := flag.NewFlagSet(executableName, flag.ContinueOnError)
	flags.SetOutput(stderr)
	registerGlobalFlags(flags)

	if err := flags.Parse(args[1:]); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 1
	}

	rest := flags.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, "usage: sandbox [options] <action> [patterns...]")
		return 1
	}
	action := rest[0]
	patterns := rest[1:]

	explicitConfig, _ := flags.GetStringArray("config")
	noConfig, _ := flags.GetBool("no-config")

	cfg, err := config.Load(config.Input{
		Env:                 env,
		CLI:                 flags,
		NoConfig:            noConfig,
		ExplicitConfigFiles: explicitConfig,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	level, err := sandboxlog.ParseLevel(string(cfg.LogLevel))
	if err != nil {
		level = sandboxlog.LevelInfo
	}
	logger := sandboxlog.New(stderr, level)
	sink := jsonsink.New(cfg.JSON)

	app := &app{
		cfg:    cfg,
		logger: logger,
		sink:   sink,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		sigCh:  sigCh,
	}

	code, runErr := app.dispatch(action, patterns, rest)
	if runErr != nil {
		sink.Fail(runErr)
		fmt.Fprintln(stderr, "error:", runErr)
		if code == 0 {
			code = 1
		}
	} else if code == 0 {
		sink.Success()
	}

	if cfg.JSON {
		_ = sink.Emit(os.Stdout)
	}

	return code
}

func registerGlobalFlags(flags *flag.FlagSet) {
	flags.String("log-level", "info", "one of trace/debug/info/warn/error")
	flags.BoolP("verbose", "v", false, "alias for --log-level trace")
	flags.String("name", "", "explicit sandbox name")
	flags.Bool("new", false, "auto-generate a timestamped sandbox name")
	flags.Bool("last", false, "select the most recently created sandbox")
	flags.String("storage-dir", "", "override the base directory for all sandboxes")
	flags.String("net", "none", "none or host")
	flags.StringArray("bind", nil, "source[:target[:opt]], repeatable")
	flags.StringArray("mask", nil, "shorthand for bind src:src:mask")
	flags.Bool("no-default-binds", false, "suppress the implicit bind/mask list")
	flags.Bool("bind-fuse", true, "include /dev/fuse in implicit binds")
	flags.Bool("json", false, "structured output")
	flags.Bool("no-config", false, "do not read config files")
	flags.Bool("ignored", false, "include paths that would otherwise be ignored")
	flags.StringArray("config", nil, "explicit list of config files")
	flags.Bool("all", false, "used by stop: target every running sandbox")
	flags.BoolP("yes", "y", false, "used by delete: skip confirmation")
}

func (a *app) dispatch(action string, patterns, rawArgs []string) (int, error) {
	switch action {
	case "config":
		return a.runConfig(patterns)
	case "list":
		return a.runList(patterns)
	case "status":
		return a.runStatus(patterns)
	case "diff":
		return a.runDiff(patterns)
	case "accept":
		return a.runAccept(patterns)
	case "reject":
		return a.runReject(patterns)
	case "sync":
		return a.runSync()
	case "stop":
		return a.runStop(patterns)
	case "delete":
		return a.runDelete(patterns)
	default:
		// Not one of the named actions: the caller is running a
		// command inside the sandbox (spec.md §1/§4.4), and action is
		// actually argv[0] of that command.
		return a.runExec(rawArgs)
	}
}

func sandboxName(cfg config.Config, existing []string) (string, error) {
	switch {
	case cfg.New:
		return "sb-" + newTimestampToken(), nil
	case cfg.Last:
		if len(existing) == 0 {
			return "", fmt.Errorf("--last given but no sandboxes exist")
		}
		return existing[len(existing)-1], nil
	case cfg.Name != "":
		return cfg.Name, nil
	default:
		return "default", nil
	}
}

func newTimestampToken() string {
	return time.Now().UTC().Format("20060102-150405.000000000")
}
