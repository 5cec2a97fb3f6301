package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/common/log"
	"github.com/scoutfs/scoutfs/pkg/config"
	"github.com/scoutfs/scoutfs/pkg/engine"
	"github.com/scoutfs/scoutfs/pkg/offline"
)

// errUsage makes run print the command's usage.
var errUsage = errors.New("usage")

// env carries what every subcommand needs.
type env struct {
	cfg    *config.Config
	logger log.Logger
	stdin  io.Reader
	out    io.Writer
}

type command struct {
	args  string
	help  string
	nargs int
	run   func(ctx context.Context, env *env, fs *flag.FlagSet, args []string) error
	flags func(fs *flag.FlagSet)
}

var commands map[string]*command

func init() {
	commands = map[string]*command{
		"mkfs": {
			args: "[-uuid UUID] [-fsid N] <dev> <blocks>", help: "create and format a device image",
			nargs: 2, run: runMkfs, flags: mkfsFlags,
		},
		"stat": {
			args: "<dev>", help: "print the superblock and free space",
			nargs: 1, run: runStat,
		},
		"check": {
			args: "<dev>", help: "verify the tree and allocator",
			nargs: 1, run: runCheck,
		},
		"write": {
			args: "<dev> <ino> <offset> <file>", help: "write file contents into an inode at a block aligned offset",
			nargs: 4, run: runWrite,
		},
		"cat": {
			args: "<dev> <ino> <block> <count>", help: "print file blocks, waiting on offline blocks",
			nargs: 4, run: runCat,
		},
		"data_version": {
			args: "<dev> <ino>", help: "print an inode's data version",
			nargs: 2, run: runDataVersion,
		},
		"release": {
			args: "<dev> <ino> <vers> <block> <count>", help: "free file blocks and mark them offline",
			nargs: 5, run: runRelease,
		},
		"stage": {
			args: "<dev> <ino> <vers> <offset> <count> <archive>", help: "fill offline blocks from an archive (.zst is decompressed)",
			nargs: 6, run: runStage,
		},
		"stage_err": {
			args: "<dev> <ino> <vers> <start-block> <end-block> <err>", help: "fail reads waiting on an inclusive block range",
			nargs: 6, run: runStageErr,
		},
		"shell": {
			args: "<dev>", help: "interactive item shell",
			nargs: 1, run: runShellCommand,
		},
	}
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, "scoutfs - scoutfs device image tool\n\n")
	fmt.Fprintf(w, "Usage: scoutfs [options] <command> [arguments]\n\n")
	fmt.Fprintf(w, "Options:\n")
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, "\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-13s %s\n", name, commands[name].help)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("scoutfs", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "JSON mount configuration file")
	logLevel := fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	noSync := fs.Bool("no-sync", false, "don't sync the device on commit")
	if err := fs.Parse(args); err != nil || fs.NArg() == 0 {
		usage(stderr, fs)
		return 2
	}

	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		fmt.Fprintf(stderr, "scoutfs: unknown command %q\n\n", fs.Arg(0))
		usage(stderr, fs)
		return 2
	}

	cfg := config.NewDefaultConfig("")
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			fmt.Fprintf(stderr, "scoutfs: %v\n", err)
			return 1
		}
	}
	cfg.Update(func(c *config.Config) {
		c.LogLevel = *logLevel
		if *noSync {
			c.SyncOnCommit = false
		}
	})
	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "scoutfs: %v\n", err)
		return 2
	}
	e := &env{
		cfg:    cfg,
		logger: log.NewStandardLogger(log.WithLevel(level), log.WithOutput(stderr)),
		stdin:  stdin,
		out:    stdout,
	}

	name := fs.Arg(0)
	cfs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfs.SetOutput(io.Discard)
	if cmd.flags != nil {
		cmd.flags(cfs)
	}
	if err := cfs.Parse(fs.Args()[1:]); err != nil || cfs.NArg() != cmd.nargs {
		fmt.Fprintf(stderr, "usage: scoutfs %s %s\n", name, cmd.args)
		return 2
	}

	if err := cmd.run(ctx, e, cfs, cfs.Args()); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "usage: scoutfs %s %s\n", name, cmd.args)
			return 2
		}
		fmt.Fprintf(stderr, "scoutfs %s: %v\n", name, err)
		return 1
	}
	return 0
}

// mount opens the device image at path.
func (env *env) mount(ctx context.Context, path string) (*engine.Engine, error) {
	env.cfg.Update(func(c *config.Config) { c.DevicePath = path })
	return engine.Open(ctx, env.cfg, engine.WithLogger(env.logger))
}

// withOffline mounts path and runs fn with an offline data manager.
func (env *env) withOffline(ctx context.Context, path string, fn func(*offline.Manager) error) error {
	e, err := env.mount(ctx, path)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(offline.New(e, offline.WithLogger(env.logger)))
}

func parseUint(name, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(errUsage, "%s %q", name, s)
	}
	return v, nil
}

// parseUints parses each of args in order into the given pointers.
func parseUints(args []string, names []string, vals ...*uint64) error {
	for i, v := range vals {
		n, err := parseUint(names[i], args[i])
		if err != nil {
			return err
		}
		*v = n
	}
	return nil
}
