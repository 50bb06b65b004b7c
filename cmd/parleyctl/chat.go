package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/matheus3301/parley/internal/api"
	"github.com/matheus3301/parley/internal/call"
	"github.com/matheus3301/parley/internal/model"
	chatsync "github.com/matheus3301/parley/internal/sync"
)

const uploadTimeout = 5 * time.Minute

var openCommand = &cli.Command{
	Name:      "open",
	Usage:     "Bind the daemon to a conversation",
	ArgsUsage: "direct:<user>|group:<id>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("usage: parleyctl open <conversation>")
		}
		c, cancel := withTimeout(ctx)
		defer cancel()
		resp, err := getClient(ctx).Open(c, ctx.Args().First())
		if err != nil {
			return err
		}
		return report(ctx, &resp.Result, resp, func() { printView(resp.View) })
	},
}

var closeCommand = &cli.Command{
	Name:  "close",
	Usage: "Leave the bound conversation",
	Action: func(ctx *cli.Context) error {
		c, cancel := withTimeout(ctx)
		defer cancel()
		resp, err := getClient(ctx).CloseConversation(c)
		if err != nil {
			return err
		}
		return report(ctx, resp, resp, func() { fmt.Println("Closed.") })
	},
}

var showCommand = &cli.Command{
	Name:  "show",
	Usage: "Print the bound conversation",
	Action: func(ctx *cli.Context) error {
		c, cancel := withTimeout(ctx)
		defer cancel()
		resp, err := getClient(ctx).Snapshot(c)
		if err != nil {
			return err
		}
		return report(ctx, &resp.Result, resp, func() {
			snap := resp.Snapshot
			fmt.Printf("Status: %s\n", snap.Status)
			printView(snap.View)
			if snap.Typing.IsTyping {
				fmt.Printf("%s is typing...\n", snap.Typing.UserID)
			}
			if len(snap.Pending) > 0 {
				fmt.Printf("%d attachment(s) staged\n", len(snap.Pending))
			}
			if snap.Call.Status != "" && snap.Call.Status != call.Idle {
				fmt.Printf("Call: %s (%s)\n", snap.Call.Status, snap.Call.RoomID)
			}
		})
	},
}

var olderCommand = &cli.Command{
	Name:  "older",
	Usage: "Load the next page of history",
	Action: func(ctx *cli.Context) error {
		c, cancel := withTimeout(ctx)
		defer cancel()
		resp, err := getClient(ctx).LoadOlder(c)
		if err != nil {
			return err
		}
		return report(ctx, &resp.Result, resp, func() {
			fmt.Printf("Loaded %d message(s); more: %v\n", resp.Added, resp.HasMore)
		})
	},
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a message with any staged attachments",
	ArgsUsage: "TEXT",
	Action: func(ctx *cli.Context) error {
		c, cancel := withTimeout(ctx)
		defer cancel()
		resp, err := getClient(ctx).Send(c, strings.Join(ctx.Args().Slice(), " "))
		if err != nil {
			return err
		}
		return report(ctx, &resp.Result, resp, func() { printMessage(resp.Message) })
	},
}

var retryCommand = &cli.Command{
	Name:      "retry",
	Usage:     "Resend a failed message",
	ArgsUsage: "CLIENT_ID",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("usage: parleyctl retry <client-id>")
		}
		c, cancel := withTimeout(ctx)
		defer cancel()
		resp, err := getClient(ctx).Retry(c, ctx.Args().First())
		if err != nil {
			return err
		}
		return report(ctx, &resp.Result, resp, func() { printMessage(resp.Message) })
	},
}

var editCommand = &cli.Command{
	Name:      "edit",
	Usage:     "Edit one of your messages",
	ArgsUsage: "ID TEXT",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() < 2 {
			return errors.New("usage: parleyctl edit <id> <text>")
		}
		c, cancel := withTimeout(ctx)
		defer cancel()
		resp, err := getClient(ctx).Edit(c, ctx.Args().First(), strings.Join(ctx.Args().Tail(), " "))
		if err != nil {
			return err
		}
		return report(ctx, &resp.Result, resp, func() { printMessage(resp.Message) })
	},
}

// idCommand builds a command that takes one message id and returns a Result.
func idCommand(name, usage, done string, do func(*api.Client, *cli.Context, string) (*api.Result, error)) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "ID",
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() != 1 {
				return fmt.Errorf("usage: parleyctl %s <id>", name)
			}
			resp, err := do(getClient(ctx), ctx, ctx.Args().First())
			if err != nil {
				return err
			}
			return report(ctx, resp, resp, func() { fmt.Println(done) })
		},
	}
}

var deleteCommand = idCommand("delete", "Delete one of your messages", "Deleted.",
	func(c *api.Client, ctx *cli.Context, id string) (*api.Result, error) {
		rctx, cancel := withTimeout(ctx)
		defer cancel()
		return c.Delete(rctx, id)
	})

var pinCommand = idCommand("pin", "Pin a message", "Pinned.",
	func(c *api.Client, ctx *cli.Context, id string) (*api.Result, error) {
		rctx, cancel := withTimeout(ctx)
		defer cancel()
		return c.Pin(rctx, id)
	})

var unpinCommand = idCommand("unpin", "Unpin a message", "Unpinned.",
	func(c *api.Client, ctx *cli.Context, id string) (*api.Result, error) {
		rctx, cancel := withTimeout(ctx)
		defer cancel()
		return c.Unpin(rctx, id)
	})

var readCommand = &cli.Command{
	Name:      "read",
	Usage:     "Mark the peer's messages as read",
	ArgsUsage: "[PEER_ID]",
	Action: func(ctx *cli.Context) error {
		c, cancel := withTimeout(ctx)
		defer cancel()
		resp, err := getClient(ctx).MarkRead(c, ctx.Args().First())
		if err != nil {
			return err
		}
		return report(ctx, &resp.Result, resp, func() { fmt.Printf("Marked %d message(s) read\n", resp.Count) })
	},
}

var attachCommand = &cli.Command{
	Name:      "attach",
	Usage:     "Upload files and stage them for the next message",
	ArgsUsage: "FILE...",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "remove", Usage: "unstage the attachment at this index", Value: -1},
	},
	Action: func(ctx *cli.Context) error {
		c, cancel := context.WithTimeout(ctx.Context, uploadTimeout)
		defer cancel()
		var (
			resp *api.AttachResponse
			err  error
		)
		if idx := ctx.Int("remove"); idx >= 0 {
			resp, err = getClient(ctx).RemoveAttachment(c, idx)
		} else {
			if ctx.NArg() == 0 {
				return errors.New("usage: parleyctl attach <file>...")
			}
			resp, err = getClient(ctx).Attach(c, ctx.Args().Slice())
		}
		if err != nil {
			return err
		}
		// Partial failures still stage the files that uploaded.
		printed := func() {
			for i, a := range resp.Pending {
				fmt.Printf("[%d] %s (%s, %d bytes)\n", i, a.FileName, a.FileType, a.FileSize)
			}
		}
		if !resp.Success && !ctx.Bool("json") {
			printed()
		}
		return report(ctx, &resp.Result, resp, printed)
	},
}

var searchCommand = &cli.Command{
	Name:      "search",
	Usage:     "Search the bound conversation",
	ArgsUsage: "QUERY",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "next", Usage: "step to the next older match"},
		&cli.BoolFlag{Name: "prev", Usage: "step to the next newer match"},
		&cli.BoolFlag{Name: "clear", Usage: "clear the active search"},
	},
	Action: func(ctx *cli.Context) error {
		c, cancel := withTimeout(ctx)
		defer cancel()
		cl := getClient(ctx)
		if ctx.Bool("clear") {
			resp, err := cl.SearchClear(c)
			if err != nil {
				return err
			}
			return report(ctx, resp, resp, func() { fmt.Println("Search cleared.") })
		}
		var (
			resp *api.SearchResponse
			err  error
		)
		switch {
		case ctx.Bool("next"):
			resp, err = cl.SearchMove(c, 1)
		case ctx.Bool("prev"):
			resp, err = cl.SearchMove(c, -1)
		default:
			resp, err = cl.Search(c, strings.Join(ctx.Args().Slice(), " "))
		}
		if err != nil {
			return err
		}
		return report(ctx, &resp.Result, resp, func() {
			cur := resp.Cursor
			if len(cur.Matches) == 0 {
				fmt.Printf("No matches for %q\n", cur.Query)
				return
			}
			fmt.Printf("%q: match %d of %d -> %s\n", cur.Query, cur.Index+1, len(cur.Matches), cur.MessageID)
		})
	},
}

var memberCommand = &cli.Command{
	Name:      "member",
	Usage:     "Look up a user",
	ArgsUsage: "USER_ID",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("usage: parleyctl member <user-id>")
		}
		c, cancel := withTimeout(ctx)
		defer cancel()
		resp, err := getClient(ctx).Member(c, ctx.Args().First())
		if err != nil {
			return err
		}
		return report(ctx, &resp.Result, resp, func() {
			fmt.Printf("%s  %s\n", resp.Member.ID, resp.Member.DisplayName)
		})
	},
}

func printView(v chatsync.View) {
	fmt.Printf("Conversation: %s\n", v.Conversation)
	if v.Syncing {
		fmt.Println("(syncing)")
	}
	if v.LastResync != nil {
		fmt.Printf("Last synced: %s\n", v.LastResync.Local().Format(time.DateTime))
	}
	pinned := make(map[string]bool, len(v.Pins))
	for _, p := range v.Pins {
		pinned[p.MessageID] = true
	}
	for i := range v.Messages {
		m := &v.Messages[i]
		mark := " "
		if pinned[m.ID] {
			mark = "*"
		}
		fmt.Printf("%s ", mark)
		printMessage(m)
	}
	if v.HasMore {
		fmt.Println("(older messages available)")
	}
}

func printMessage(m *model.Message) {
	if m == nil {
		return
	}
	id := m.ID
	if id == "" {
		id = "~" + m.ClientID
	}
	line := fmt.Sprintf("%s %-12s %s: %s", m.CreatedAt.Local().Format("15:04"), id, m.SenderID, m.Content)
	if n := len(m.Attachments); n > 0 {
		line += " [" + strconv.Itoa(n) + " file(s)]"
	}
	if m.Edited {
		line += " (edited)"
	}
	if m.State != "" && m.State != model.StateSent {
		line += " [" + string(m.State) + "]"
	}
	if m.Error != "" {
		line += " " + m.Error
	}
	fmt.Println(line)
}
