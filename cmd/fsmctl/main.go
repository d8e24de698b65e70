// Command fsmctl validates, inspects, simulates and hosts state contracts.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-logger/glog"

	sc "github.com/goliatone/go-statecontract"
)

// Globals are bound into every command.
type Globals struct {
	Ctx    context.Context
	Logger sc.Logger
	Stdin  io.Reader
	Stdout io.Writer
}

type CLI struct {
	LogLevel string `help:"Log level." default:"info" enum:"trace,debug,info,warn,error"`

	Validate ValidateCmd `cmd:"" help:"Compile a contract and report load errors."`
	Describe DescribeCmd `cmd:"" help:"Print states, transitions and timeouts of a contract."`
	Simulate SimulateCmd `cmd:"" help:"Run a trigger sequence through the engine without I/O."`
	Run      RunCmd      `cmd:"" help:"Host instances from JSON line commands on stdin."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var cli CLI
	exit := -1
	parser, err := kong.New(&cli,
		kong.Name("fsmctl"),
		kong.Description("Contract-driven state machine tooling."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.Exit(func(code int) { exit = code }),
	)
	if err != nil {
		sc.NewFmtLogger(stderr).Error("build cli: %v", err)
		return 2
	}
	kctx, err := parser.Parse(args)
	if exit >= 0 {
		return exit
	}
	if err != nil {
		parser.Errorf("%v", err)
		return 2
	}

	logger := newLogger(stderr, cli.LogLevel)
	globals := &Globals{Ctx: ctx, Logger: logger, Stdin: stdin, Stdout: stdout}
	if err := kctx.Run(globals); err != nil {
		logger.Error("%s: %v", kctx.Command(), err)
		return 1
	}
	return 0
}

func newLogger(out io.Writer, level string) sc.Logger {
	base := glog.NewLogger(
		glog.WithWriter(out),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel(level),
	)
	return sc.NewGlogLogger(base)
}
