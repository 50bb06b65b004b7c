package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/matheus3301/parley/internal/api"
)

func callAction(do func(context.Context, *api.Client, *cli.Context) (*api.CallResponse, error)) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		c, cancel := withTimeout(ctx)
		defer cancel()
		resp, err := do(c, getClient(ctx), ctx)
		if err != nil {
			return err
		}
		return report(ctx, &resp.Result, resp, func() {
			st := resp.State
			fmt.Printf("Call:  %s\n", st.Status)
			if st.RoomID != "" {
				fmt.Printf("Room:  %s\n", st.RoomID)
				fmt.Printf("Peers: %s -> %s\n", st.CallerID, st.ReceiverID)
				fmt.Printf("Muted: %v\n", st.AudioMuted)
			}
			if st.Error != "" {
				fmt.Printf("Error: %s\n", st.Error)
			}
		})
	}
}

// roomArg returns the room argument. Left out, it means the room that is
// currently ringing.
func roomArg(c context.Context, cl *api.Client, ctx *cli.Context) (string, error) {
	if room := ctx.Args().First(); room != "" {
		return room, nil
	}
	resp, err := cl.CallState(c)
	if err != nil {
		return "", err
	}
	if resp.State.RoomID == "" {
		return "", errors.New("no call is ringing")
	}
	return resp.State.RoomID, nil
}

var callCommand = &cli.Command{
	Name:  "call",
	Usage: "Audio call signaling",
	Subcommands: []*cli.Command{
		{
			Name:      "start",
			Usage:     "Ring a user",
			ArgsUsage: "USER_ID",
			Action: callAction(func(c context.Context, cl *api.Client, ctx *cli.Context) (*api.CallResponse, error) {
				if ctx.NArg() != 1 {
					return nil, errors.New("usage: parleyctl call start <user-id>")
				}
				return cl.StartCall(c, ctx.Args().First())
			}),
		},
		{
			Name:      "accept",
			Usage:     "Accept the incoming call",
			ArgsUsage: "[ROOM_ID]",
			Action: callAction(func(c context.Context, cl *api.Client, ctx *cli.Context) (*api.CallResponse, error) {
				room, err := roomArg(c, cl, ctx)
				if err != nil {
					return nil, err
				}
				return cl.AcceptCall(c, room)
			}),
		},
		{
			Name:      "reject",
			Usage:     "Reject the incoming call",
			ArgsUsage: "[ROOM_ID]",
			Action: callAction(func(c context.Context, cl *api.Client, ctx *cli.Context) (*api.CallResponse, error) {
				room, err := roomArg(c, cl, ctx)
				if err != nil {
					return nil, err
				}
				return cl.RejectCall(c, room)
			}),
		},
		{
			Name:  "end",
			Usage: "Hang up or cancel the call",
			Action: callAction(func(c context.Context, cl *api.Client, _ *cli.Context) (*api.CallResponse, error) {
				return cl.EndCall(c)
			}),
		},
		{
			Name:  "dismiss",
			Usage: "Clear a failed call",
			Action: callAction(func(c context.Context, cl *api.Client, _ *cli.Context) (*api.CallResponse, error) {
				return cl.DismissCall(c)
			}),
		},
		{
			Name:  "mute",
			Usage: "Toggle the microphone",
			Action: callAction(func(c context.Context, cl *api.Client, _ *cli.Context) (*api.CallResponse, error) {
				return cl.ToggleAudio(c)
			}),
		},
		{
			Name:  "state",
			Usage: "Show the call state",
			Action: callAction(func(c context.Context, cl *api.Client, _ *cli.Context) (*api.CallResponse, error) {
				return cl.CallState(c)
			}),
		},
	},
}
