package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/tailvisor/internal/privilege"
	"github.com/loykin/tailvisor/pkg/client"
)

type command struct {
	flags *GlobalFlags
}

func (c command) client() (*client.Client, error) {
	cfg := client.Config{
		BaseURL:  c.flags.APIUrl,
		Timeout:  c.flags.APITimeout,
		Insecure: c.flags.Insecure,
		Token:    c.flags.Token,
		Username: c.flags.Username,
		Password: c.flags.Password,
	}
	if c.flags.CACert != "" || c.flags.ClientCert != "" || c.flags.ClientKey != "" {
		cfg.TLS = &client.TLSClientConfig{
			Enabled:    true,
			CACert:     c.flags.CACert,
			ClientCert: c.flags.ClientCert,
			ClientKey:  c.flags.ClientKey,
		}
	}
	return client.New(cfg)
}

func parseIDArg(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid process id %q", arg)
	}
	return id, nil
}

func (f SpecFlags) request() (client.CreateRequest, error) {
	req := client.CreateRequest{
		Command:   f.Command,
		User:      f.User,
		Name:      f.Name,
		Dir:       f.Dir,
		Autostart: f.Autostart,
	}
	if req.User == "" {
		u, err := privilege.CurrentUsername()
		if err != nil {
			return req, fmt.Errorf("--user not given and current user unknown: %w", err)
		}
		req.User = u
	}
	if req.Dir == "" {
		if wd, err := os.Getwd(); err == nil {
			req.Dir = wd
		}
	}
	if req.Name == "" {
		req.Name = req.Command
	}
	return req, nil
}

func addSpecFlags(cmd *cobra.Command, f *SpecFlags) {
	cmd.Flags().StringVar(&f.Command, "command", "", "shell command to run (required)")
	cmd.Flags().StringVar(&f.User, "user", "", "user to run as (default: current user)")
	cmd.Flags().StringVar(&f.Name, "name", "", "display name (default: the command)")
	cmd.Flags().StringVar(&f.Dir, "dir", "", "working directory (default: current directory)")
	cmd.Flags().BoolVar(&f.Autostart, "autostart", false, "restart the command when it exits")
	if err := cmd.MarkFlagRequired("command"); err != nil {
		panic(err)
	}
}

// New creates a process and prints its id.
func (c command) New(ctx context.Context, out io.Writer, f SpecFlags) error {
	req, err := f.request()
	if err != nil {
		return err
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	id, err := cl.Create(ctx, req)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, id)
	return err
}

func (c command) Update(ctx context.Context, out io.Writer, id uint64, f SpecFlags) error {
	req, err := f.request()
	if err != nil {
		return err
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	newID, err := cl.Update(ctx, id, req)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, newID)
	return err
}

func (c command) List(ctx context.Context, out io.Writer, f ListFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	procs, err := cl.List(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		b, err := json.MarshalIndent(procs, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(b))
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tUSER\tSTATUS\tPID\tAUTOSTART\tSTARTED\tCOMMAND")
	for _, p := range procs {
		pid := "-"
		if p.PID > 0 {
			pid = strconv.Itoa(p.PID)
		}
		started := "-"
		if p.Timestamp > 0 {
			started = p.StartedAt().Format(time.DateTime)
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			p.ID, p.Name, p.User, p.Status, pid, p.Autostart, started, p.Command)
	}
	return tw.Flush()
}

func (c command) Log(ctx context.Context, out io.Writer, id uint64) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	b, err := cl.Log(ctx, id)
	if err != nil {
		return err
	}
	_, err = out.Write(b)
	return err
}

// simple runs one of the id-only mutations and prints "ok".
func (c command) simple(ctx context.Context, out io.Writer, id uint64, op func(*client.Client, context.Context, uint64) error) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if err := op(cl, ctx, id); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, "ok")
	return err
}

// Tail streams output until interrupted or the daemon closes the stream.
func (c command) Tail(ctx context.Context, out io.Writer, id uint64, f TailFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cl.Tail(ctx, id, f.History, out)
}

func createNewCommand(c command) *cobra.Command {
	f := &SpecFlags{}
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create and start a process",
		Long: `Create a process on the daemon and print its id.

Examples:
  tailvisor new --command="python -m http.server" --name=web
  tailvisor new --command="./worker" --user=svc --dir=/srv/worker --autostart`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.New(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	addSpecFlags(cmd, f)
	return cmd
}

func createUpdateCommand(c command) *cobra.Command {
	f := &SpecFlags{}
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace a process with a new configuration",
		Long: `Kill and remove the process, then create it again from the flags.
The replacement gets a new id, which is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			return c.Update(cmd.Context(), cmd.OutOrStdout(), id, *f)
		},
	}
	addSpecFlags(cmd, f)
	return cmd
}

func createListCommand(c command) *cobra.Command {
	f := &ListFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of a table")
	return cmd
}

func createLogCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "log <id>",
		Short: "Print the retained output of a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			return c.Log(cmd.Context(), cmd.OutOrStdout(), id)
		},
	}
}

func idCommand(c command, use, short string, op func(*client.Client, context.Context, uint64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			return c.simple(cmd.Context(), cmd.OutOrStdout(), id, op)
		},
	}
}

func createDeleteCommand(c command) *cobra.Command {
	return idCommand(c, "delete", "Kill and remove a process", (*client.Client).Delete)
}

func createRestartCommand(c command) *cobra.Command {
	return idCommand(c, "restart", "Restart a process with a fresh log", (*client.Client).Restart)
}

func createKillCommand(c command) *cobra.Command {
	return idCommand(c, "kill", "Kill a process and disable its autostart", (*client.Client).Kill)
}

func createTailCommand(c command) *cobra.Command {
	f := &TailFlags{}
	cmd := &cobra.Command{
		Use:   "tail <id>",
		Short: "Stream live output of a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			return c.Tail(cmd.Context(), cmd.OutOrStdout(), id, *f)
		},
	}
	cmd.Flags().BoolVar(&f.History, "history", false, "print the retained log before live output")
	return cmd
}
