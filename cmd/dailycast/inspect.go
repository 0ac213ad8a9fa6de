package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dailycast/internal/app"
	"dailycast/internal/config"
	"dailycast/internal/eligibility"
	"dailycast/internal/httpserver"
	"dailycast/internal/tick"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config and show what the next tick would decide",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

var tickOnceCmd = &cobra.Command{
	Use:   "tick-once",
	Short: "Run a single tick now and exit",
	Args:  cobra.NoArgs,
	RunE:  runTickOnce,
}

var errorsCmd = &cobra.Command{
	Use:   "errors [tenant-id]",
	Short: "Print a tenant's error log",
	Args:  cobra.ExactArgs(1),
	RunE:  runErrors,
}

var lastSentCmd = &cobra.Command{
	Use:   "last-sent",
	Short: "Print every stored last-sent time",
	Args:  cobra.NoArgs,
	RunE:  runLastSent,
}

var forgetCmd = &cobra.Command{
	Use:   "forget [tenant-id]",
	Short: "Drop a tenant's last-sent record",
	Long: `Removes the stored last-sent time so the tenant is treated as never sent. The error log is kept.

With http.enabled the running service is asked to forget the tenant, since it
holds the store in memory and would write the record back on its next flush.
Without it, the record is removed from the state files directly, which only
sticks while the service is stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: runForget,
}

func init() {
	rootCmd.AddCommand(checkCmd, tickOnceCmd, errorsCmd, lastSentCmd, forgetCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	core, err := app.Bootstrap(cmd.Context(), cfgPath)
	if err != nil {
		return err
	}
	defer core.Close()

	now := time.Now()
	ts := core.Tenants.Tenants()
	if len(ts) == 0 {
		cmd.Println("config ok; no enabled tenants")
		return nil
	}
	for _, t := range ts {
		last := eligibility.Never
		if at, ok := core.Store.Get(t.ID); ok {
			last = eligibility.SentAt(at)
		}
		res := eligibility.Evaluate(t.Schedule, last, now)
		cmd.Printf("%s (%s): %s, next anchor %s\n",
			t.ID, t.Platform, res.Decision, res.NextAnchor().Format(time.RFC3339))
		if res.Fallback != nil {
			cmd.Printf("  fallback: %v\n", res.Fallback)
		}
	}
	return nil
}

func runTickOnce(cmd *cobra.Command, _ []string) error {
	a, err := app.NewApp(cmd.Context(), cfgPath)
	if err != nil {
		return err
	}
	defer a.Core().Close()

	rep, err := a.Driver().RunTick(cmd.Context(), time.Now())
	if err != nil {
		return err
	}
	return printJSON(cmd, rep)
}

func runErrors(cmd *cobra.Command, args []string) error {
	core, err := app.Bootstrap(cmd.Context(), cfgPath)
	if err != nil {
		return err
	}
	defer core.Close()

	entries, err := core.Errors.Entries(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("read error log: %w", err)
	}
	if len(entries) == 0 {
		cmd.Printf("no errors recorded for %s\n", args[0])
		return nil
	}
	return printJSON(cmd, entries)
}

type lastSentRow struct {
	Tenant string    `json:"tenant"`
	SentAt time.Time `json:"sent_at"`
}

func runLastSent(cmd *cobra.Command, _ []string) error {
	core, err := app.Bootstrap(cmd.Context(), cfgPath)
	if err != nil {
		return err
	}
	defer core.Close()

	snap := core.Store.Snapshot()
	rows := make([]lastSentRow, 0, len(snap))
	for id, at := range snap {
		rows = append(rows, lastSentRow{Tenant: id, SentAt: at.UTC()})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Tenant < rows[j].Tenant })
	return printJSON(cmd, rows)
}

func runForget(cmd *cobra.Command, args []string) error {
	id := strings.TrimSpace(args[0])
	if id == "" {
		return errors.New("tenant id required")
	}
	secrets, err := config.LoadSecrets()
	if err != nil {
		return err
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetSecrets(secrets)
	cfg, err := cfgm.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	if cfg.HTTP.Enabled {
		err := forgetRemote(ctx, serviceURL(cfg.HTTP.Addr), id)
		switch {
		case err == nil:
			cmd.Printf("forgot %s (running service)\n", id)
			return nil
		case !errors.Is(err, syscall.ECONNREFUSED):
			return err
		}
		// Nothing listening: the service is down, the files are ours.
	} else {
		cmd.PrintErrln("warning: http is disabled; if the service is running it will restore this record on its next flush")
	}

	core, err := app.Bootstrap(cmd.Context(), cfgPath)
	if err != nil {
		return err
	}
	defer core.Close()

	d := tick.New(tick.Config{}, core.Tenants, nil, core.Store, core.Log, nil)
	if err := d.Forget(ctx, id); err != nil {
		return err
	}
	cmd.Printf("forgot %s\n", id)
	return nil
}

// serviceURL turns the diagnostics listen address into a base URL on loopback.
func serviceURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = httpserver.DefaultAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func forgetRemote(ctx context.Context, base, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, base+"/tenants/"+url.PathEscape(id)+"/last-sent", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact running service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return fmt.Errorf("running service refused forget: %s: %s", resp.Status, strings.TrimSpace(string(body)))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
