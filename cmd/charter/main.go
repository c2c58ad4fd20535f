package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"charter/internal/app"
	"charter/internal/config"
	"charter/internal/db"
	"charter/internal/domain"
	"charter/internal/engine"
	"charter/internal/membership"
	"charter/internal/migrate"
	"charter/internal/repo"
	"charter/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "charter",
	Short: "Charter CLI",
	Long: `Charter is a directive governance registry for agent collectives.
Agents propose time-boxed directives, peers vote, and a directive activates
the moment its yes votes reach the needed headcount. Everything lives in a
local .charter workspace database; 'charter serve' exposes the same registry
over HTTP for remote agents.`,
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
	viper.SetEnvPrefix("CHARTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("identity", "local-owner", "caller identity")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("identity", rootCmd.PersistentFlags().Lookup("identity"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(expireCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(quotaCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var owner string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a charter workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if owner == "" {
				owner = viper.GetString("identity")
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(owner)), 0o644); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fmt.Printf("initialized %s (owner %s)\n", path, owner)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "registry owner identity")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func submitCmd() *cobra.Command {
	var opts engine.SubmitOptions
	var locX, locZ int
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Propose a directive",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Identity = viper.GetString("identity")
			if cmd.Flags().Changed("x") || cmd.Flags().Changed("z") {
				opts.Location = &domain.Location{X: locX, Z: locZ}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Submit(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Kind, "kind", domain.KindSolo, "directive kind (solo or guild)")
	cmd.Flags().Uint64Var(&opts.GroupID, "group", 0, "guild group id")
	cmd.Flags().StringVar(&opts.AgentRef, "agent", "", "proposing agent reference")
	cmd.Flags().StringVar(&opts.Objective, "objective", "", "what the directive asks for")
	cmd.Flags().IntVar(&opts.AgentsNeeded, "agents", 1, "yes votes required to activate")
	cmd.Flags().IntVar(&opts.DurationHours, "hours", 24, "hours until expiry")
	cmd.Flags().IntVar(&locX, "x", 0, "location x")
	cmd.Flags().IntVar(&locZ, "z", 0, "location z")
	_ = cmd.MarkFlagRequired("objective")
	return cmd
}

func voteCmd() *cobra.Command {
	var agentRef string
	var against bool
	cmd := &cobra.Command{
		Use:   "vote <directive-id>",
		Short: "Vote on a directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDirectiveID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Vote(ctx, id, viper.GetString("identity"), agentRef, !against)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&agentRef, "agent", "", "voting agent reference")
	cmd.Flags().BoolVar(&against, "no", false, "vote against instead of for")
	return cmd
}

func completeCmd() *cobra.Command {
	return transitionCmd("complete", "Mark an active directive completed",
		func(ctx context.Context, e engine.Engine, id int64) (domain.Directive, error) {
			return e.MarkCompleted(ctx, id, viper.GetString("identity"))
		})
}

func cancelCmd() *cobra.Command {
	return transitionCmd("cancel", "Cancel an open or active directive",
		func(ctx context.Context, e engine.Engine, id int64) (domain.Directive, error) {
			return e.Cancel(ctx, id, viper.GetString("identity"))
		})
}

func expireCmd() *cobra.Command {
	return transitionCmd("expire", "Reconcile a directive's expiry",
		func(ctx context.Context, e engine.Engine, id int64) (domain.Directive, error) {
			return e.ForceExpiryCheck(ctx, id, viper.GetString("identity"))
		})
}

func transitionCmd(use, short string, fn func(context.Context, engine.Engine, int64) (domain.Directive, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <directive-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDirectiveID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := fn(ctx, e, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <directive-id>",
		Short: "Show a directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDirectiveID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDirective(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func listCmd() *cobra.Command {
	var offset, limit int
	var idsOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List directives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if idsOnly {
					ids, total, err := e.ListIDsPage(ctx, offset, limit)
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]any{"ids": ids, "total": total})
				}
				items, total, err := e.ListPage(ctx, offset, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Objective", "Votes", "Expires"})
				for _, d := range items {
					votes := fmt.Sprintf("%d/%d yes, %d no", d.YesVotes, d.AgentsNeeded, d.NoVotes)
					tw.AppendRow(table.Row{d.ID, d.Kind, d.Status, d.Objective, votes, d.ExpiresAt})
				}
				tw.Render()
				fmt.Printf("total: %d\n", total)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().BoolVar(&idsOnly, "ids", false, "list ids only")
	return cmd
}

func quotaCmd() *cobra.Command {
	var groupID uint64
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Show current-bucket submission usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity := viper.GetString("identity")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				solo, group, err := e.SubmitCounts(ctx, identity, groupID)
				if err != nil {
					return err
				}
				limits, err := e.Limits(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"identity":         identity,
					"solo_used_today":  solo,
					"solo_daily_cap":   limits.SoloDailyCap,
					"guild_hourly_cap": limits.GuildHourlyCap,
				}
				if groupID != 0 {
					out["group_id"] = groupID
					out["group_used_this_hour"] = group
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().Uint64Var(&groupID, "group", 0, "guild group id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect or change registry limits",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configSetCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				limits, err := e.Limits(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(limits)
			})
		},
	}
}

func configSetCmd() *cobra.Command {
	var soloCap, guildCap, maxChars, maxHours int
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update limits (owner only, applies to future submissions)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				limits, err := e.Limits(ctx)
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("solo-cap") {
					limits.SoloDailyCap = soloCap
				}
				if cmd.Flags().Changed("guild-cap") {
					limits.GuildHourlyCap = guildCap
				}
				if cmd.Flags().Changed("max-chars") {
					limits.MaxObjectiveChars = maxChars
				}
				if cmd.Flags().Changed("max-hours") {
					limits.MaxDurationHours = maxHours
				}
				if err := e.UpdateLimits(ctx, viper.GetString("identity"), limits); err != nil {
					return err
				}
				return printJSONOrTable(limits)
			})
		},
	}
	cmd.Flags().IntVar(&soloCap, "solo-cap", 0, "solo submissions per identity per day")
	cmd.Flags().IntVar(&guildCap, "guild-cap", 0, "guild submissions per group per hour")
	cmd.Flags().IntVar(&maxChars, "max-chars", 0, "max objective characters")
	cmd.Flags().IntVar(&maxHours, "max-hours", 0, "max directive duration hours")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
	}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyRevokeCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var identity, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity == "" {
				identity = viper.GetString("identity")
			}
			secret := uuid.New().String()
			key := domain.APIKey{
				ID:       uuid.New().String(),
				Identity: identity,
				Name:     name,
				KeyHash:  repo.HashAPIKey(secret),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// The secret is shown once and stored only as a hash.
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"identity": key.Identity,
					"key":      secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&identity, "for", "", "identity the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	var identity string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, identity)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Identity", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Identity, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&identity, "for", "", "filter by identity")
	return cmd
}

func keyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, viper.GetString("identity"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if cfg.Membership.URL != "" {
				e.Membership = membership.NewHTTPChecker(cfg.Membership.URL, time.Duration(cfg.Membership.TimeoutSeconds)*time.Second)
			}
			authCfg := server.AuthConfig{
				JWTSecret:                 cfg.Auth.JWTSecret,
				AllowLegacyIdentityHeader: cfg.Auth.AllowLegacyIdentityHeader,
			}
			if secret := os.Getenv("CHARTER_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Charter API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func parseDirectiveID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid directive id %q", arg)
	}
	return id, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, viper.GetString("identity"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	if cfg.Membership.URL != "" {
		e.Membership = membership.NewHTTPChecker(cfg.Membership.URL, time.Duration(cfg.Membership.TimeoutSeconds)*time.Second)
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
