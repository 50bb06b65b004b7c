package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/matheus3301/parley/internal/api"
	"github.com/matheus3301/parley/internal/session"
)

type contextKey int

const contextKeyClient contextKey = iota

const requestTimeout = 10 * time.Second

func getClient(ctx *cli.Context) *api.Client {
	return ctx.Context.Value(contextKeyClient).(*api.Client)
}

func sessionName(ctx *cli.Context) (string, error) {
	name := session.Resolve(ctx.String("session"))
	if err := session.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// connect dials the session daemon and stores the client in the context.
func connect(ctx *cli.Context) error {
	name, err := sessionName(ctx)
	if err != nil {
		return err
	}
	c, err := api.Dial(session.SocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyClient, c)
	return nil
}

func disconnect(ctx *cli.Context) error {
	if c, ok := ctx.Context.Value(contextKeyClient).(*api.Client); ok {
		return c.Close()
	}
	return nil
}

// withTimeout bounds a one-shot request.
func withTimeout(ctx *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Context, requestTimeout)
}

// daemonCommand marks the leaves of cmd as talking to the running daemon.
func daemonCommand(cmd *cli.Command) *cli.Command {
	if len(cmd.Subcommands) == 0 {
		cmd.Before = connect
		cmd.After = disconnect
	}
	for _, sub := range cmd.Subcommands {
		daemonCommand(sub)
	}
	return cmd
}

func main() {
	app := &cli.App{
		Name:  "parleyctl",
		Usage: "Control a parley session daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "session",
				Usage: "session name (overrides config default)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "output in JSON format",
			},
		},
		Commands: []*cli.Command{
			daemonCommand(statusCommand),
			daemonCommand(healthCommand),
			daemonCommand(watchCommand),
			daemonCommand(openCommand),
			daemonCommand(closeCommand),
			daemonCommand(showCommand),
			daemonCommand(olderCommand),
			daemonCommand(sendCommand),
			daemonCommand(retryCommand),
			daemonCommand(editCommand),
			daemonCommand(deleteCommand),
			daemonCommand(pinCommand),
			daemonCommand(unpinCommand),
			daemonCommand(readCommand),
			daemonCommand(attachCommand),
			daemonCommand(searchCommand),
			daemonCommand(memberCommand),
			daemonCommand(callCommand),
			sessionsCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// report prints v as JSON when --json is set and otherwise calls text.
// A failed Result becomes the command's error.
func report(ctx *cli.Context, r *api.Result, v any, text func()) error {
	if ctx.Bool("json") {
		outputJSON(v)
	} else if r == nil || r.Success {
		text()
	}
	if r != nil && !r.Success {
		return r.Err()
	}
	return nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
