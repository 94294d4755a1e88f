// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/devfarm/devfarm/internal/app"
	"github.com/devfarm/devfarm/internal/models"
	"github.com/devfarm/devfarm/internal/reconcile"
	"github.com/devfarm/devfarm/internal/registry"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List environments in the registry",
	Long: `List the environments recorded in the registry file.

The registry is read as-is; run 'devfarm reconcile' first to drop records
whose containers are gone.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		project, _ := cmd.Flags().GetString("project")

		reg, err := registry.NewStore(cfg.RegistryPath(), nil, nil).Load()
		if err != nil {
			return err
		}
		recs := filterProject(reg, project)

		out := cmd.OutOrStdout()
		switch format {
		case "json":
			return listJSON(out, recs)
		case "quiet":
			return listQuiet(out, recs)
		default:
			if len(recs) == 0 {
				fmt.Fprintln(out, "No environments found")
				return nil
			}
			return listTable(out, recs)
		}
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Drop registry records whose containers no longer exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := maintenanceApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Reconciler.Reconcile(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Checked %d environment(s)\n", res.Checked)
		for _, id := range res.Pruned {
			fmt.Fprintf(out, "  pruned     %s\n", id)
		}
		for _, id := range res.Refreshed {
			fmt.Fprintf(out, "  refreshed  %s\n", id)
		}
		if !res.Changed() {
			fmt.Fprintln(out, "Registry already consistent")
		}
		return nil
	},
}

var orphansCmd = &cobra.Command{
	Use:   "orphans [id...]",
	Short: "List labelled containers that no registry record owns",
	Long: `List containers that carry the environment label but are not tracked
in the registry. With --cleanup they are stopped and removed; pass ids or
names to limit the cleanup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := maintenanceApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		out := cmd.OutOrStdout()

		cleanup, _ := cmd.Flags().GetBool("cleanup")
		if !cleanup {
			orphans, err := a.Reconciler.FindOrphans(cmd.Context())
			if err != nil {
				return err
			}
			if len(orphans) == 0 {
				fmt.Fprintln(out, "No orphaned containers")
				return nil
			}
			return printOrphans(out, orphans)
		}

		res, err := a.Reconciler.CleanupOrphans(cmd.Context(), args, a.Config.Docker.StopTimeout)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Removed %d container(s)\n", len(res.Cleaned))
		for _, o := range res.Cleaned {
			fmt.Fprintf(out, "  ✓ %s (%s)\n", o.Name, o.ID)
		}
		for _, e := range res.Errors {
			fmt.Fprintf(out, "  ✗ %s: %s\n", e.ID, e.Error)
		}
		if len(res.Errors) > 0 {
			return fmt.Errorf("%d container(s) could not be removed", len(res.Errors))
		}
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover-registry",
	Short: "Rebuild registry records from container labels",
	Long: `Adds a registry record for every labelled container that has none.
The current registry file is backed up first. Fields that are not stored
in labels (SSH passwords, for example) cannot be recovered.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := maintenanceApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ids, err := a.Reconciler.RecoverRegistry(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(ids) == 0 {
			fmt.Fprintln(out, "Nothing to recover")
			return nil
		}
		fmt.Fprintf(out, "Recovered %d environment(s): %s\n", len(ids), strings.Join(ids, ", "))
		return nil
	},
}

func init() {
	listCmd.Flags().String("format", "table", "Output format: table, json, quiet")
	listCmd.Flags().String("project", "", "Filter to a project name")

	orphansCmd.Flags().Bool("cleanup", false, "Stop and remove the orphaned containers")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(orphansCmd)
	rootCmd.AddCommand(recoverCmd)
}

func maintenanceApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, _ := setupLogging(cmd, cfg)
	return app.NewMaintenance(cfg, logger)
}

func filterProject(reg models.Registry, project string) []*models.EnvironmentRecord {
	recs := make([]*models.EnvironmentRecord, 0, len(reg))
	for _, id := range reg.IDs() {
		rec := reg[id]
		if project != "" && rec.Project != project {
			continue
		}
		recs = append(recs, rec)
	}
	return recs
}

func listTable(w io.Writer, recs []*models.EnvironmentRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tNAME\tMODE\tSTATUS\tPORT\tPARENT\tCREATED\t\n")
	fmt.Fprintf(tw, "--\t----\t----\t------\t----\t------\t-------\t\n")
	for _, rec := range recs {
		name := rec.DisplayName
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		status := rec.Status
		if status == "" {
			status = models.StatusUnknown
		}
		parent := rec.ParentEnvID
		if parent == "" {
			parent = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t\n",
			rec.ID, name, rec.Mode, status, rec.Port, parent, rec.CreatedAt.Format("Jan 02 15:04"))
	}
	return tw.Flush()
}

func listJSON(w io.Writer, recs []*models.EnvironmentRecord) error {
	// Secrets stay in the registry file.
	output := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		output = append(output, map[string]any{
			"id":            rec.ID,
			"display_name":  rec.DisplayName,
			"mode":          rec.Mode,
			"status":        rec.Status,
			"port":          rec.Port,
			"project":       rec.Project,
			"parent_env_id": rec.ParentEnvID,
			"children":      rec.Children,
			"created_at":    rec.CreatedAt,
		})
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func listQuiet(w io.Writer, recs []*models.EnvironmentRecord) error {
	for _, rec := range recs {
		fmt.Fprintln(w, rec.ID)
	}
	return nil
}

func printOrphans(w io.Writer, orphans []reconcile.OrphanedResource) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tNAME\tSTATUS\tPORTS\tCREATED\t\n")
	for _, o := range orphans {
		ports := make([]string, 0, len(o.Ports))
		for proto, host := range o.Ports {
			ports = append(ports, fmt.Sprintf("%d->%s", host, proto))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n",
			o.ID, o.Name, o.Status, strings.Join(ports, ","), o.Created.Format("Jan 02 15:04"))
	}
	return tw.Flush()
}
