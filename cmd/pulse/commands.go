package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mosbiic/pulse/internal/config"
	"github.com/mosbiic/pulse/internal/storage"
	"github.com/mosbiic/pulse/internal/vault"
)

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync [source]",
	Short: "Trigger a sync of one source, or all enabled sources",
	Long: `Trigger a sync of one source, or all enabled sources.

Examples:
  pulse sync              # sync every enabled source
  pulse sync github       # sync one source, wait for the result
  pulse sync trello --no-wait`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		noWait, _ := cmd.Flags().GetBool("no-wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			path := "/sync"
			if force {
				path += "?force=true"
			}
			resp, err := client.post(cmd.Context(), path, nil)
			if err != nil {
				return err
			}

			var result struct {
				Runs   map[string]storage.SyncRun `json:"runs"`
				Errors string                     `json:"errors"`
			}
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}

			for kind, run := range result.Runs {
				printRun(kind, run)
			}
			if result.Errors != "" {
				printWarning("some sources failed: %s", result.Errors)
			}
			return nil
		}

		kind := args[0]
		q := url.Values{}
		if force {
			q.Set("force", "true")
		}
		if noWait {
			q.Set("wait", "false")
		}
		path := "/sync/" + kind
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}

		var result struct {
			Status string           `json:"status"`
			Run    *storage.SyncRun `json:"run"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Run == nil {
			printSuccess("Sync of %s started", kind)
			return nil
		}
		printRun(kind, *result.Run)
		return nil
	},
}

func printRun(kind string, run storage.SyncRun) {
	switch run.Outcome {
	case storage.OutcomeSuccess:
		printSuccess("%s: %d new, %d updated, %d unchanged", kind, run.Inserted, run.Updated, run.Unchanged)
	case storage.OutcomePartial:
		printWarning("%s: partial (%d new, %d updated, %d skipped): %s", kind, run.Inserted, run.Updated, run.Skipped, run.Error)
	default:
		printError("%s: failed: %s", kind, run.Error)
	}
}

func init() {
	syncCmd.Flags().Bool("force", false, "bypass the response cache")
	syncCmd.Flags().Bool("no-wait", false, "start the sync and return immediately")
}

// --- timeline ---

var timelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Show recent activity across all sources",
	Long: `Show recent activity across all sources.

Examples:
  pulse timeline
  pulse timeline --start 2026-01-01 --end 2026-02-01
  pulse timeline --sources github,trello --limit 50`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/timeline?"+rangeQuery(cmd).Encode())
		if err != nil {
			return err
		}

		var activities []storage.Activity
		if err := decodeJSON(resp, &activities); err != nil {
			return err
		}

		if len(activities) == 0 {
			fmt.Println("No activity in range.")
			return nil
		}

		for _, a := range activities {
			fmt.Printf("%s  %s  %s  %s\n",
				a.OccurredAt.Local().Format("2006-01-02 15:04"),
				colorize(colorCyan, fmt.Sprintf("%-7s", a.SourceKind)),
				fmt.Sprintf("%-16s", a.ActivityKind),
				a.Title,
			)
		}
		return nil
	},
}

// --- summary ---

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show per-day activity counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/timeline/summary?"+rangeQuery(cmd).Encode())
		if err != nil {
			return err
		}

		var days []struct {
			Day     string         `json:"day"`
			Total   int            `json:"total"`
			Sources map[string]int `json:"sources"`
		}
		if err := decodeJSON(resp, &days); err != nil {
			return err
		}

		if len(days) == 0 {
			fmt.Println("No activity in range.")
			return nil
		}

		for _, d := range days {
			parts := make([]string, 0, len(d.Sources))
			for kind, n := range d.Sources {
				parts = append(parts, fmt.Sprintf("%s %d", kind, n))
			}
			fmt.Printf("%s  %s  %s\n",
				colorize(colorBold, d.Day),
				fmt.Sprintf("%4d", d.Total),
				strings.Join(parts, ", "),
			)
		}
		return nil
	},
}

// rangeQuery collects the shared --start/--end/--sources/--limit flags.
func rangeQuery(cmd *cobra.Command) url.Values {
	q := url.Values{}
	if start, _ := cmd.Flags().GetString("start"); start != "" {
		q.Set("start", start)
	}
	if end, _ := cmd.Flags().GetString("end"); end != "" {
		q.Set("end", end)
	}
	if sources, _ := cmd.Flags().GetString("sources"); sources != "" {
		q.Set("sources", sources)
	}
	if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	return q
}

func addRangeFlags(cmd *cobra.Command) {
	cmd.Flags().String("start", "", "range start (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().String("end", "", "range end, exclusive (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().String("sources", "", "comma-separated source kinds to include")
	cmd.Flags().Int("limit", 0, "maximum number of results")
}

func init() {
	addRangeFlags(timelineCmd)
	addRangeFlags(summaryCmd)
}

// --- sources ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage configured sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sources")
		if err != nil {
			return err
		}

		var sources []struct {
			Kind           string     `json:"kind"`
			Enabled        bool       `json:"enabled"`
			HasCredentials bool       `json:"has_credentials"`
			LastSync       *time.Time `json:"last_sync"`
		}
		if err := decodeJSON(resp, &sources); err != nil {
			return err
		}

		if len(sources) == 0 {
			fmt.Println("No sources configured. Use 'pulse sources set <kind>' to add one.")
			return nil
		}

		for _, s := range sources {
			state := "disabled"
			if s.Enabled {
				state = "enabled"
			}
			creds := "no credentials"
			if s.HasCredentials {
				creds = "credentials stored"
			}
			last := "never synced"
			if s.LastSync != nil {
				last = "last sync " + s.LastSync.Local().Format("2006-01-02 15:04")
			}
			fmt.Printf("%s  %s, %s, %s\n", colorize(colorBold, fmt.Sprintf("%-8s", s.Kind)), state, creds, last)
		}
		return nil
	},
}

var sourcesShowCmd = &cobra.Command{
	Use:   "show <kind>",
	Short: "Show one source's configuration as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sources/"+args[0])
		if err != nil {
			return err
		}

		var view any
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		return dumpJSON(view)
	},
}

var sourcesSetCmd = &cobra.Command{
	Use:   "set <kind>",
	Short: "Configure a source",
	Long: `Configure a source. Credentials are sealed with the vault master key
before they touch disk; omitted fields keep their current value.

Examples:
  pulse sources set github --credential token=ghp_xxx --enable
  pulse sources set trello --credential key=k --credential token=t --setting board=Work
  pulse sources set stock --setting symbols=AAPL,600519,0700 --enable
  pulse sources set weather --setting latitude=52.52 --setting longitude=13.41 --setting city=Berlin --enable
  pulse sources set github --disable`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		enable, _ := cmd.Flags().GetBool("enable")
		disable, _ := cmd.Flags().GetBool("disable")
		credPairs, _ := cmd.Flags().GetStringArray("credential")
		settingPairs, _ := cmd.Flags().GetStringArray("setting")

		if enable && disable {
			return fmt.Errorf("--enable and --disable are mutually exclusive")
		}

		body := map[string]any{}
		if enable {
			body["enabled"] = true
		}
		if disable {
			body["enabled"] = false
		}
		if len(credPairs) > 0 {
			creds, err := parsePairs(credPairs)
			if err != nil {
				return fmt.Errorf("--credential: %w", err)
			}
			body["credentials"] = creds
		}
		if len(settingPairs) > 0 {
			settings, err := parsePairs(settingPairs)
			if err != nil {
				return fmt.Errorf("--setting: %w", err)
			}
			body["settings"] = settings
		}
		if len(body) == 0 {
			return fmt.Errorf("nothing to change; pass --enable, --disable, --credential or --setting")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/sources/"+args[0], body)
		if err != nil {
			return err
		}

		var view struct {
			Kind    string `json:"kind"`
			Enabled bool   `json:"enabled"`
		}
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}

		state := "disabled"
		if view.Enabled {
			state = "enabled"
		}
		printSuccess("Source %s updated (%s)", view.Kind, state)
		return nil
	},
}

// parsePairs splits repeated key=value flags into a map.
func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[key] = value
	}
	return out, nil
}

func init() {
	sourcesSetCmd.Flags().Bool("enable", false, "enable the source")
	sourcesSetCmd.Flags().Bool("disable", false, "disable the source")
	sourcesSetCmd.Flags().StringArray("credential", nil, "credential as key=value (repeatable)")
	sourcesSetCmd.Flags().StringArray("setting", nil, "setting as key=value (repeatable)")
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesShowCmd)
	sourcesCmd.AddCommand(sourcesSetCmd)
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the response cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear <kind>",
	Short: "Drop cached upstream responses for one source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/cache/"+args[0]+"/clear", nil)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Invalidated %d cached responses for %s", result["invalidated"], args[0])
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return fmt.Errorf("usage: pulse config set <key> <value>\nvalid keys: %s", strings.Join(config.ValidKeys(), ", "))
		}
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- key ---

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the vault master key",
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new vault master key",
	Long: `Generate a new vault master key.

By default the key is printed once and never stored; pass --store to save it
in the platform secret store so the server picks it up automatically.
Rotating the key makes previously sealed credentials unreadable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _ := cmd.Flags().GetBool("store")

		key, err := vault.GenerateKey()
		if err != nil {
			return err
		}

		if store {
			if err := config.StoreSecret("master_key", key); err != nil {
				return fmt.Errorf("storing master key: %w", err)
			}
			printSuccess("Master key generated and stored in the platform secret store")
			return nil
		}

		fmt.Println(key)
		printWarning("Key printed once and not stored. Set PULSE_VAULT_MASTER_KEY or rerun with --store.")
		return nil
	},
}

func init() {
	keyGenerateCmd.Flags().Bool("store", false, "save the key in the platform secret store")
	keyCmd.AddCommand(keyGenerateCmd)
}

// dumpJSON pretty-prints an API payload to stdout.
func dumpJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
