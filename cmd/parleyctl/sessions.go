package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/matheus3301/parley/internal/api"
	"github.com/matheus3301/parley/internal/lock"
	"github.com/matheus3301/parley/internal/session"
)

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "Show session status",
	Action: func(ctx *cli.Context) error {
		c, cancel := withTimeout(ctx)
		defer cancel()
		resp, err := getClient(ctx).Status(c)
		if err != nil {
			return err
		}
		return report(ctx, nil, resp, func() {
			fmt.Printf("Session: %s\n", resp.Session)
			fmt.Printf("Status:  %s (since %s)\n", resp.Status, time.UnixMilli(resp.SinceUnixMs).Local().Format(time.TimeOnly))
			fmt.Printf("Uptime:  %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
			fmt.Printf("PID:     %d\n", resp.Pid)
			if resp.Conversation != "" {
				fmt.Printf("Open:    %s\n", resp.Conversation)
			}
		})
	},
}

var healthCommand = &cli.Command{
	Name:  "health",
	Usage: "Exit non-zero unless the daemon is connected and synced",
	Action: func(ctx *cli.Context) error {
		c, cancel := withTimeout(ctx)
		defer cancel()
		ok, err := getClient(ctx).Healthy(c)
		if err != nil {
			return err
		}
		if ctx.Bool("json") {
			outputJSON(map[string]bool{"serving": ok})
		}
		if !ok {
			return errors.New("not serving")
		}
		if !ctx.Bool("json") {
			fmt.Println("serving")
		}
		return nil
	},
}

var watchCommand = &cli.Command{
	Name:      "watch",
	Usage:     "Stream daemon events until interrupted",
	ArgsUsage: "[NAMESPACE]",
	Action: func(ctx *cli.Context) error {
		c, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		err := getClient(ctx).Watch(c, ctx.Args().First(), func(e *api.EventEnvelope) error {
			if ctx.Bool("json") {
				outputJSON(e)
				return nil
			}
			at := time.UnixMilli(e.OccurredAtUnixMs).Local().Format("15:04:05.000")
			fmt.Printf("%s %-24s %s\n", at, e.Kind, e.Payload)
			return nil
		})
		if c.Err() != nil {
			return nil
		}
		return err
	},
}

type sessionInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Running bool      `json:"running"`
	PID     int       `json:"pid,omitempty"`
	Since   time.Time `json:"since,omitempty"`
}

var sessionsCommand = &cli.Command{
	Name:  "sessions",
	Usage: "Local sessions",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "List known sessions",
			Action: func(ctx *cli.Context) error {
				names, err := session.List()
				if err != nil {
					return err
				}
				infos := make([]sessionInfo, 0, len(names))
				for _, name := range names {
					info := sessionInfo{Name: name, Path: session.Dir(name)}
					held, err := lock.Inspect(info.Path)
					if err != nil {
						return err
					}
					if held != nil && held.Held {
						info.Running, info.PID, info.Since = true, held.PID, held.Since
					}
					infos = append(infos, info)
				}
				if ctx.Bool("json") {
					outputJSON(infos)
					return nil
				}
				if len(infos) == 0 {
					fmt.Println("No sessions found.")
					return nil
				}
				for _, s := range infos {
					state := "stopped"
					if s.Running {
						state = fmt.Sprintf("running, pid %d", s.PID)
					}
					fmt.Printf("%-20s %s (%s)\n", s.Name, s.Path, state)
				}
				return nil
			},
		},
	},
}
