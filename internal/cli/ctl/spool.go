/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/


package ctl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/spoold/framework/module"
	spooldcli "github.com/foxcpp/spoold/internal/cli"
	"github.com/foxcpp/spoold/internal/spool"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

func init() {
	spooldcli.AddSubcommand(&cli.Command{
		Name:  "spool",
		Usage: "Inspect and modify the message spool",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List spooled messages",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "state",
						Usage: "only list messages in `STATE`",
					},
				},
				Action: func(c *cli.Context) error {
					return withSpool(c, func(q *spool.Queue) error {
						return listMessages(c.Context, c.App.Writer, q, c.String("state"))
					})
				},
			},
			{
				Name:      "show",
				Usage:     "Print message metadata as YAML",
				ArgsUsage: "KEY",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "body",
						Usage: "also print the message header and body",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("Error: KEY is required", 2)
					}
					return withSpool(c, func(q *spool.Queue) error {
						return showMessage(c.Context, c.App.Writer, q, c.Args().First(), c.Bool("body"))
					})
				},
			},
			{
				Name:      "remove",
				Usage:     "Remove messages from the spool",
				ArgsUsage: "KEY...",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "yes",
						Aliases: []string{"y"},
						Usage:   "do not ask for confirmation",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return cli.Exit("Error: at least one KEY is required", 2)
					}
					if !c.Bool("yes") && !confirmation(c.App.Reader, c.App.ErrWriter, "Remove the messages?", false) {
						return errors.New("cancelled")
					}
					return withSpool(c, func(q *spool.Queue) error {
						return removeMessages(c.Context, q, c.Args().Slice())
					})
				},
			},
			{
				Name:      "requeue",
				Usage:     "Move messages to another stage",
				ArgsUsage: "KEY...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "state",
						Usage: "target `STAGE`",
						Value: module.StateRoot,
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return cli.Exit("Error: at least one KEY is required", 2)
					}
					return withSpool(c, func(q *spool.Queue) error {
						return requeueMessages(c.Context, q, c.Args().Slice(), c.String("state"))
					})
				},
			},
			{
				Name:      "inject",
				Usage:     "Add a message read from a file or stdin to the spool",
				ArgsUsage: "[FILE]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "sender",
						Usage: "envelope sender, empty for the null sender",
					},
					&cli.StringSliceFlag{
						Name:     "rcpt",
						Usage:    "envelope recipient, can be repeated",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "state",
						Usage: "initial `STAGE`",
						Value: module.StateRoot,
					},
				},
				Action: injectCommand,
			},
		},
	})
}

func withSpool(c *cli.Context, f func(q *spool.Queue) error) error {
	inst, err := openInstance(c)
	if err != nil {
		return err
	}
	defer inst.Close()
	return f(inst.Spool)
}

func listMessages(ctx context.Context, w io.Writer, q *spool.Queue, state string) error {
	keys, err := q.List(ctx)
	if err != nil {
		return err
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATE\tSENDER\tRCPTS\tUPDATED\tERROR")
	for _, key := range keys {
		msg, err := q.Retrieve(ctx, key)
		if err != nil {
			if errors.Is(err, spool.ErrNotFound) {
				continue
			}
			return err
		}
		if state != "" && msg.State != state {
			continue
		}
		sender := msg.Sender
		if sender == "" {
			sender = "<>"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", msg.Key, msg.State, sender, len(msg.Recipients),
			msg.LastUpdated.Format(time.RFC3339), msg.ErrorMessage)
	}
	return tw.Flush()
}

type messageYAML struct {
	Key          string            `yaml:"key"`
	State        string            `yaml:"state"`
	Sender       string            `yaml:"sender"`
	Recipients   []string          `yaml:"recipients"`
	RemoteHost   string            `yaml:"remote_host,omitempty"`
	RemoteAddr   string            `yaml:"remote_addr,omitempty"`
	ErrorMessage string            `yaml:"error,omitempty"`
	Created      time.Time         `yaml:"created"`
	LastUpdated  time.Time         `yaml:"last_updated"`
	Attributes   map[string]string `yaml:"attributes,omitempty"`
	BodySize     int               `yaml:"body_size,omitempty"`
}

func showMessage(ctx context.Context, w io.Writer, q *spool.Queue, key string, withBody bool) error {
	msg, err := q.Retrieve(ctx, key)
	if err != nil {
		return err
	}

	info := messageYAML{
		Key:          msg.Key,
		State:        msg.State,
		Sender:       msg.Sender,
		Recipients:   msg.Recipients,
		RemoteHost:   msg.RemoteHost,
		RemoteAddr:   msg.RemoteAddr,
		ErrorMessage: msg.ErrorMessage,
		Created:      msg.Created,
		LastUpdated:  msg.LastUpdated,
		Attributes:   msg.Attributes,
	}
	if msg.Body != nil {
		info.BodySize = msg.Body.Len()
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(info); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if !withBody {
		return nil
	}

	fmt.Fprintln(w, "---")
	bw := bufio.NewWriter(w)
	if err := textproto.WriteHeader(bw, msg.Header); err != nil {
		return err
	}
	if msg.Body != nil {
		body, err := msg.Body.Open()
		if err != nil {
			return err
		}
		defer body.Close()
		if _, err := io.Copy(bw, body); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func removeMessages(ctx context.Context, q *spool.Queue, keys []string) error {
	var lastErr error
	for _, key := range keys {
		if err := q.Remove(ctx, key); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", key, err)
			lastErr = err
		}
	}
	return lastErr
}

func requeueMessages(ctx context.Context, q *spool.Queue, keys []string, state string) error {
	var lastErr error
	for _, key := range keys {
		msg, err := q.Retrieve(ctx, key)
		if err == nil {
			msg.State = state
			msg.ErrorMessage = ""
			err = q.Store(ctx, msg)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", key, err)
			lastErr = err
		}
	}
	return lastErr
}

func injectCommand(c *cli.Context) error {
	var in io.Reader = c.App.Reader
	switch c.NArg() {
	case 0:
	case 1:
		f, err := os.Open(c.Args().First())
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	default:
		return cli.Exit("Error: at most one FILE is expected", 2)
	}

	return withSpool(c, func(q *spool.Queue) error {
		key, err := injectMessage(c.Context, q, in, c.String("sender"), c.StringSlice("rcpt"), c.String("state"))
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, key)
		return nil
	})
}

// injectMessage parses the RFC 5322 message from r and stores it as a
// new message.
func injectMessage(ctx context.Context, q *spool.Queue, r io.Reader, sender string, rcpts []string, state string) (string, error) {
	br := bufio.NewReader(r)
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return "", fmt.Errorf("malformed message header: %w", err)
	}

	msg := &module.Message{
		Sender: sender,
		State:  state,
		Header: hdr,
	}
	for _, rcpt := range rcpts {
		msg.AddRcpt(rcpt)
	}
	msg.SetAttr("injected_by", "cli")

	if err := q.StoreNew(ctx, msg, br); err != nil {
		return "", err
	}
	return msg.Key, nil
}
