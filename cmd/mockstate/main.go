package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
)

type cli struct {
	Validate validateCmd `cmd:"" help:"Check state machine bundle files."`
	Export   exportCmd   `cmd:"" help:"Print the state machines loaded by a config."`
	Simulate simulateCmd `cmd:"" help:"Run scripted requests through the engine and print each result as a JSON line."`
	Serve    serveCmd    `cmd:"" help:"Run the management API."`
}

// runContext is bound into every command's Run method.
type runContext struct {
	stdout io.Writer
	stderr io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var c cli
	exitCode := -1
	parser, err := kong.New(&c,
		kong.Name("mockstate"),
		kong.Description("Stateful mock decision engine."),
		kong.Writers(stdout, stderr),
		kong.Exit(func(code int) { exitCode = code }),
	)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	kctx, err := parser.Parse(args)
	if exitCode >= 0 {
		return exitCode
	}
	if err != nil {
		fmt.Fprintf(stderr, "mockstate: %v\n", err)
		return 2
	}
	if err := kctx.Run(&runContext{stdout: stdout, stderr: stderr}); err != nil {
		fmt.Fprintf(stderr, "mockstate: %v\n", err)
		return 1
	}
	return 0
}
