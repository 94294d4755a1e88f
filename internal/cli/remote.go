// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/devfarm/devfarm/internal/client"
	"github.com/devfarm/devfarm/internal/environment"
	"github.com/devfarm/devfarm/internal/events"
	"github.com/devfarm/devfarm/internal/update"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running dashboard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		h, err := c.Health(cmd.Context())
		if err != nil {
			return fmt.Errorf("dashboard at %s: %w", c.BaseURL(), err)
		}
		envs, err := c.Environments(cmd.Context())
		if err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), c.BaseURL(), h, envs)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print dashboard events as they happen",
	Long: `Subscribes to the dashboard event stream and prints one line per event
(registry updates, environment status changes and update progress) until
interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		raw, _ := cmd.Flags().GetBool("json")
		out := cmd.OutOrStdout()
		err := apiClient(cmd).Watch(ctx, func(ev client.Event) error {
			return printEvent(out, ev, raw)
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Start a self-update of the dashboard",
	Long: `Starts the update pipeline on a running dashboard and follows its
progress until the run finishes. Use --force to rebuild every image even
when nothing changed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		follow, _ := cmd.Flags().GetBool("follow")
		c := apiClient(cmd)
		out := cmd.OutOrStdout()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Subscribe first so no stage is missed.
		var st *client.Stream
		if follow {
			var err error
			if st, err = c.Subscribe(ctx); err != nil {
				return err
			}
			defer st.Close()
		}

		runID, err := c.StartUpdate(ctx, force)
		if errors.Is(err, update.ErrAlreadyRunning) {
			return fmt.Errorf("an update is already running; see 'devfarm watch'")
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Update %s started\n", runID)
		if !follow {
			return nil
		}

		var failed error
		err = client.Drain(st, func(ev client.Event) error {
			if ev.Type != events.TypeUpdateProgress {
				return nil
			}
			var p progressEvent
			if err := json.Unmarshal(ev.Data, &p); err != nil || p.RunID != runID {
				return nil
			}
			if p.Stage != nil {
				fmt.Fprintf(out, "  %-10s %-9s %s\n", p.Stage.Stage, p.Stage.Status, p.Stage.Message)
			}
			if !p.Running {
				if p.Success != nil && !*p.Success {
					failed = fmt.Errorf("update failed: %s", p.Error)
				}
				return client.ErrStopWatching
			}
			return nil
		})
		if err != nil {
			return err
		}
		if failed != nil {
			return failed
		}
		fmt.Fprintln(out, "✓ Update finished")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("url", "", "Dashboard address (default $DEVFARM_URL or "+client.DefaultURL+")")

	watchCmd.Flags().Bool("json", false, "Print raw JSON events")
	updateCmd.Flags().Bool("force", false, "Rebuild every image")
	updateCmd.Flags().Bool("follow", true, "Follow progress until the run finishes")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(updateCmd)
}

// progressEvent is the data of an update-progress event.
type progressEvent struct {
	RunID   string              `json:"run_id"`
	Running bool                `json:"running"`
	Success *bool               `json:"success"`
	Error   string              `json:"error"`
	Stage   *update.StageRecord `json:"stage"`
}

func apiClient(cmd *cobra.Command) *client.Client {
	u, _ := cmd.Flags().GetString("url")
	if u == "" {
		u = os.Getenv("DEVFARM_URL")
	}
	return client.New(u)
}

func printStatus(w io.Writer, url string, h client.Health, envs []environment.Summary) error {
	fmt.Fprintf(w, "Dashboard:    %s (%s)\n", url, h.Status)
	fmt.Fprintf(w, "Docker:       %s\n", connectedLabel(h.RuntimeConnected))
	fmt.Fprintf(w, "Environments: %d\n", len(envs))
	if len(envs) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tSTATUS\tREADY\tURL\t\n")
	for _, e := range envs {
		ready := "no"
		if e.Ready {
			ready = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", e.ID, e.Status, ready, e.URL)
	}
	return tw.Flush()
}

func connectedLabel(ok bool) string {
	if ok {
		return "connected"
	}
	return "unreachable"
}

func printEvent(w io.Writer, ev client.Event, raw bool) error {
	if raw {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	_, err := fmt.Fprintf(w, "%s  %-16s %s\n", ev.Time.Local().Format("15:04:05"), ev.Type, ev.Data)
	return err
}
