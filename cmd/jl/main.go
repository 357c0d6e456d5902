package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobline/internal/app"
	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/history"
	"jobline/internal/repo"
	"jobline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "jl",
	Short: "Jobline CLI",
	Long: `Jobline keeps job-search campaign data consistent across store tiers.
Campaigns get unique, never-reused ids; deleting one removes every dependent
record across raw, staged, derived, and aggregated tiers or nothing at all;
every observed state change lands in an append-only status history.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("JOBLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(campaignCmd())
	rootCmd.AddCommand(postingCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func openEngine() (engine.Engine, func(), error) {
	eng, conn, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return engine.Engine{}, nil, err
	}
	return eng, func() { conn.Close() }, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations (safe to re-run)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, closeFn, err := openEngine()
			if err != nil {
				return err
			}
			defer closeFn()
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Jobline HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			eng, closeFn, err := openEngine()
			if err != nil {
				return err
			}
			defer closeFn()
			handler, err := server.New(server.Config{
				Engine:   eng,
				BasePath: eng.Config.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:      eng.Config.Auth.JWTSecret,
					AllowAnonymous: eng.Config.Auth.AllowAnonymous,
				},
			})
			if err != nil {
				return err
			}
			fmt.Printf("listening on %s\n", addr)
			return http.ListenAndServe(addr, handler)
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8787", "listen address")
	return cmd
}

func campaignCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "campaign", Short: "Manage campaigns"}
	cmd.AddCommand(campaignCreateCmd())
	cmd.AddCommand(campaignListCmd())
	cmd.AddCommand(campaignGetCmd())
	cmd.AddCommand(campaignDeleteCmd())
	return cmd
}

func campaignCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			eng, closeFn, err := openEngine()
			if err != nil {
				return err
			}
			defer closeFn()
			c, err := eng.CreateCampaign(context.Background(), engine.CampaignCreateOptions{
				OwnerRef: owner,
				Name:     args[0],
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			fmt.Printf("campaign %d created\n", c.ID)
			return nil
		},
	}
	cmd.Flags().String("owner", "", "owner reference (empty for guest)")
	return cmd
}

func campaignListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			eng, closeFn, err := openEngine()
			if err != nil {
				return err
			}
			defer closeFn()
			campaigns, err := eng.Repo.ListCampaigns(context.Background(), owner)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(campaigns)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Owner", "Name", "Created"})
			for _, c := range campaigns {
				owner := c.OwnerRef
				if owner == "" {
					owner = "(guest)"
				}
				t.AppendRow(table.Row{c.ID, owner, c.Name, c.CreatedAt})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().String("owner", "", "filter by owner reference")
	return cmd
}

func campaignGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			eng, closeFn, err := openEngine()
			if err != nil {
				return err
			}
			defer closeFn()
			c, err := eng.Repo.GetCampaign(context.Background(), id)
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	}
}

func campaignDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a campaign and all dependent records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			eng, closeFn, err := openEngine()
			if err != nil {
				return err
			}
			defer closeFn()
			report, err := eng.DeleteCampaign(context.Background(), id)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(report)
			}
			if !report.Found {
				fmt.Printf("campaign %d already absent\n", id)
				return nil
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Tier", "Table", "Managed", "Removed", "Skipped"})
			for _, tier := range report.Tiers {
				t.AppendRow(table.Row{tier.Tier, tier.Table, tier.Managed, tier.RowsRemoved, tier.Skipped})
			}
			t.Render()
			fmt.Printf("campaign %d deleted, %d rows removed\n", id, report.TotalRemoved)
			return nil
		},
	}
}

func postingCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "posting", Short: "Manage postings"}
	cmd.AddCommand(postingIngestCmd())
	cmd.AddCommand(postingListCmd())
	return cmd
}

func postingIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <campaign-id> <url> <title>",
		Short: "Ingest a posting into a campaign",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid campaign id %q", args[0])
			}
			source, _ := cmd.Flags().GetString("source")
			company, _ := cmd.Flags().GetString("company")
			eng, closeFn, err := openEngine()
			if err != nil {
				return err
			}
			defer closeFn()
			p, err := eng.IngestPosting(context.Background(), engine.IngestOptions{
				CampaignID: id,
				Source:     source,
				URL:        args[1],
				Title:      args[2],
				Company:    company,
				ActorID:    viper.GetString("actor-id"),
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(p)
			}
			fmt.Printf("posting %s ingested\n", p.ID)
			return nil
		},
	}
	cmd.Flags().String("source", "manual", "ingestion source")
	cmd.Flags().String("company", "", "company name")
	return cmd
}

func postingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <campaign-id>",
		Short: "List postings for a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid campaign id %q", args[0])
			}
			eng, closeFn, err := openEngine()
			if err != nil {
				return err
			}
			defer closeFn()
			postings, err := eng.Repo.ListPostings(context.Background(), id)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(postings)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Title", "Company", "Status", "Updated"})
			for _, p := range postings {
				t.AppendRow(table.Row{p.ID, p.Title, p.Company, p.Status, p.UpdatedAt})
			}
			t.Render()
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the status history log",
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, _ := cmd.Flags().GetString("entity")
			owner, _ := cmd.Flags().GetString("owner")
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			if entity == "" && owner == "" {
				return fmt.Errorf("one of --entity or --owner is required")
			}
			eng, closeFn, err := openEngine()
			if err != nil {
				return err
			}
			defer closeFn()
			var entries []domain.StatusEntry
			if entity != "" {
				entries, err = eng.GetHistory(context.Background(), entity, limit, offset)
			} else {
				entries, err = eng.GetHistoryForOwner(context.Background(), owner, limit, offset)
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(entries)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Entity", "Old", "New", "Actor", "Occurred"})
			for _, e := range entries {
				t.AppendRow(table.Row{e.ID, e.EntityRef, e.OldStatus, e.NewStatus, e.Actor, e.OccurredAt})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().String("entity", "", "entity reference")
	cmd.Flags().String("owner", "", "owner reference")
	cmd.Flags().Int("limit", 100, fmt.Sprintf("page size, in [1,%d]", history.MaxLimit))
	cmd.Flags().Int("offset", 0, "rows to skip")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <actor-id>",
		Short: "Create an API key for an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openEngine()
			if err != nil {
				return err
			}
			defer closeFn()
			key := uuid.NewString()
			apiKey := domain.APIKey{
				ID:      uuid.NewString(),
				ActorID: args[0],
				KeyHash: repo.HashAPIKey(key),
			}
			if err := eng.Repo.InsertAPIKey(context.Background(), apiKey); err != nil {
				return err
			}
			fmt.Printf("api key for %s: %s\n", args[0], key)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openEngine()
			if err != nil {
				return err
			}
			defer closeFn()
			keys, err := eng.Repo.ListAPIKeys(context.Background(), "")
			if err != nil {
				return err
			}
			return printJSON(keys)
		},
	})
	return cmd
}
