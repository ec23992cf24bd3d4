package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Kecupro/SoftwareManage-sub001/internal/app"
	"github.com/Kecupro/SoftwareManage-sub001/internal/config"
	"github.com/Kecupro/SoftwareManage-sub001/internal/db"
	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
	"github.com/Kecupro/SoftwareManage-sub001/internal/engine"
	"github.com/Kecupro/SoftwareManage-sub001/internal/migrate"
	"github.com/Kecupro/SoftwareManage-sub001/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sm",
	Short: "Module delivery and approval workflow",
	Long: `sm runs the module delivery workflow: partners file module requests,
managers approve them into modules, the team delivers, and the partner
accepts or rejects each delivery. Every change lands in the entity's history.

Commands act as --actor-id. Without one, only setup commands (partner,
user, project) are allowed and are recorded as the local operator.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/sm.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting user id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(partnerCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(moduleCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(storyCmd())
	rootCmd.AddCommand(notificationCmd())
	rootCmd.AddCommand(attachmentCmd())
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect and create sm.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default sm.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(options())
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.LoadConfig(options()); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
	cfgCmd.AddCommand(initCmd, showCmd, validateCmd)
	return cfgCmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				v, err := migrate.Version(a.DB)
				if err != nil {
					return err
				}
				fmt.Printf("database at schema version %d\n", v)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				cfg := a.Config
				if !cmd.Flags().Changed("addr") {
					addr = cfg.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
					basePath = cfg.Server.BasePath
				}
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					secret = cfg.Auth.JWTSecret
				}
				if secret == "" && !cfg.Auth.AllowActorHeader {
					return errors.New("SM_JWT_SECRET or auth.jwt_secret is required for bearer auth")
				}
				slog.SetDefault(a.Log)
				handler, err := server.New(server.Config{
					Engine:      a.Engine,
					BasePath:    basePath,
					Attachments: a.Attachments,
					Metrics:     a.Metrics,
					Logger:      a.Log,
					Auth: server.AuthConfig{
						JWTSecret:        secret,
						AllowActorHeader: cfg.Auth.AllowActorHeader,
						DevLogin:         cfg.Auth.DevLogin,
						Logger:           a.Log.With("component", "auth"),
					},
				})
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Log.Info("serving API", "addr", addr, "base_path", basePath, "docs", "/docs", "metrics", "/metrics")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func partnerCmd() *cobra.Command {
	p := &cobra.Command{Use: "partner", Short: "Manage partners"}
	var in engine.PartnerInput
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a partner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				partner, err := e.CreatePartner(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(partner)
			})
		},
	}
	add.Flags().StringVar(&in.Name, "name", "", "partner name")
	add.Flags().StringVar(&in.Code, "code", "", "short upper-case code")
	add.Flags().StringVar(&in.ContactEmail, "email", "", "contact email")
	_ = add.MarkFlagRequired("name")
	p.AddCommand(add)
	return p
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users"}

	var in engine.UserInput
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				user, err := e.CreateUser(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(user)
			})
		},
	}
	add.Flags().StringVar(&in.ID, "id", "", "user id (generated when empty)")
	add.Flags().StringVar(&in.Name, "name", "", "display name")
	add.Flags().StringVar(&in.Email, "email", "", "email")
	add.Flags().StringVar(&in.Role, "role", "", "one of "+strings.Join(domain.Roles, ", "))
	add.Flags().StringVar(&in.PartnerID, "partner", "", "partner id (partner role only)")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("role")

	var roles []string
	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.ListUsers(ctx, actorID(), roles...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Partner", "Email"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Role, u.PartnerID, u.Email})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringSliceVar(&roles, "role", nil, "role filter")

	var keyName string
	key := &cobra.Command{
		Use:   "key <user-id>",
		Short: "Issue an API key; the secret is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret, k, err := e.CreateAPIKey(ctx, args[0], keyName, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": k.ID, "user_id": k.UserID, "key": secret})
			})
		},
	}
	key.Flags().StringVar(&keyName, "name", "", "key label")

	keys := &cobra.Command{
		Use:   "keys <user-id>",
		Short: "List the API keys of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.ListAPIKeys(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range list {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke-key <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeAPIKey(ctx, args[0], actorID())
			})
		},
	}

	u.AddCommand(add, list, key, keys, revoke)
	return u
}

func projectCmd() *cobra.Command {
	p := &cobra.Command{Use: "project", Short: "Manage projects"}
	var in engine.ProjectInput
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				project, err := e.CreateProject(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(project)
			})
		},
	}
	add.Flags().StringVar(&in.Name, "name", "", "project name")
	add.Flags().StringVar(&in.Code, "code", "", "short upper-case code used in module codes")
	add.Flags().StringVar(&in.Description, "description", "", "description")
	add.Flags().StringVar(&in.ManagerID, "manager", "", "managing pm user id")
	_ = add.MarkFlagRequired("name")
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				project, err := e.GetProject(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(project)
			})
		},
	}
	p.AddCommand(add, show)
	return p
}

func requestCmd() *cobra.Command {
	r := &cobra.Command{Use: "request", Aliases: []string{"req"}, Short: "File and decide module requests"}
	r.AddCommand(requestCreateCmd(), requestUpdateCmd(), requestApproveCmd(), requestRejectCmd(), requestShowCmd())
	return r
}

func requestCreateCmd() *cobra.Command {
	var in engine.RequestInput
	var files []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "File a module request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				refs, err := upload(cmd.Context(), a, files)
				if err != nil {
					return err
				}
				in.Attachments = refs
				req, err := a.Engine.CreateRequest(cmd.Context(), in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "module name")
	cmd.Flags().StringVar(&in.Description, "description", "", "what the module should do")
	cmd.Flags().StringVar(&in.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&in.PartnerID, "partner", "", "partner id (defaults to the actor's partner)")
	cmd.Flags().StringVar(&in.Priority, "priority", domain.PriorityMedium, "low, medium, high or critical")
	cmd.Flags().Float64Var(&in.EstimatedHours, "hours", 0, "estimated hours")
	cmd.Flags().StringVar(&in.Timeline.Start, "start", "", "requested start (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&in.Timeline.End, "end", "", "requested end (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&in.Requirements.Technical, "technical", "", "technical requirements")
	cmd.Flags().StringVar(&in.Requirements.Business, "business", "", "business requirements")
	cmd.Flags().StringArrayVar(&files, "attach", nil, "file to attach (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("description")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func requestUpdateCmd() *cobra.Command {
	var name, description, priority, start, end, technical, business string
	var hours float64
	var files []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				ctx := cmd.Context()
				upd := engine.RequestUpdate{
					Name:        optional(cmd, "name", name),
					Description: optional(cmd, "description", description),
					Priority:    optional(cmd, "priority", priority),
				}
				if cmd.Flags().Changed("hours") {
					upd.EstimatedHours = &hours
				}
				if cmd.Flags().Changed("start") || cmd.Flags().Changed("end") || cmd.Flags().Changed("technical") || cmd.Flags().Changed("business") {
					cur, err := a.Engine.GetRequest(ctx, args[0], actorID())
					if err != nil {
						return err
					}
					if cmd.Flags().Changed("start") || cmd.Flags().Changed("end") {
						tl := cur.RequestedTimeline
						if cmd.Flags().Changed("start") {
							tl.Start = start
						}
						if cmd.Flags().Changed("end") {
							tl.End = end
						}
						upd.Timeline = &tl
					}
					if cmd.Flags().Changed("technical") || cmd.Flags().Changed("business") {
						req := cur.Requirements
						if cmd.Flags().Changed("technical") {
							req.Technical = technical
						}
						if cmd.Flags().Changed("business") {
							req.Business = business
						}
						upd.Requirements = &req
					}
				}
				if cmd.Flags().Changed("attach") {
					refs, err := upload(ctx, a, files)
					if err != nil {
						return err
					}
					upd.Attachments = &refs
				}
				req, err := a.Engine.UpdateRequest(ctx, args[0], upd, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "module name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().Float64Var(&hours, "hours", 0, "estimated hours")
	cmd.Flags().StringVar(&start, "start", "", "requested start")
	cmd.Flags().StringVar(&end, "end", "", "requested end")
	cmd.Flags().StringVar(&technical, "technical", "", "technical requirements")
	cmd.Flags().StringVar(&business, "business", "", "business requirements")
	cmd.Flags().StringArrayVar(&files, "attach", nil, "replace attachments with these files")
	return cmd
}

func requestApproveCmd() *cobra.Command {
	var in engine.ApprovalInput
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending request and create its module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApproveRequest(ctx, args[0], in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.ReviewNote, "note", "", "review note")
	cmd.Flags().StringVar(&in.EstimatedEffort, "effort", "", "estimated effort")
	cmd.Flags().StringVar(&in.TechnicalFeasibility, "feasibility", "", "technical feasibility")
	cmd.Flags().StringSliceVar(&in.RecommendedTechnologies, "tech", nil, "recommended technologies")
	cmd.Flags().StringSliceVar(&in.Risks, "risk", nil, "risks")
	cmd.Flags().StringVar(&in.Suggestions, "suggestions", "", "suggestions")
	cmd.Flags().StringVar(&in.AssignedTo, "assign", "", "assign the new module to this user")
	return cmd
}

func requestRejectCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.RejectRequest(ctx, args[0], note, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "reason shown to the partner")
	_ = cmd.MarkFlagRequired("note")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.GetRequest(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(req)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRows([]table.Row{
					{"Code", req.Code},
					{"Name", req.Name},
					{"Status", req.Status},
					{"Priority", req.Priority},
					{"Partner", req.PartnerID},
					{"Requested by", req.RequestedBy},
					{"Module", req.ApprovedModuleID},
				})
				tw.Render()
				printHistory(req.History)
				return nil
			})
		},
	}
}

func moduleCmd() *cobra.Command {
	m := &cobra.Command{Use: "module", Short: "Manage modules and deliveries"}
	m.AddCommand(moduleCreateCmd(), moduleShowCmd(), moduleUpdateCmd(), moduleStatusCmd(), moduleDeliverCmd())
	m.AddCommand(moduleDecisionCmd("review <id> <accepted|rejected>", "Record the internal review of the pending delivery", cobra.ExactArgs(2),
		func(ctx context.Context, e engine.Engine, args []string, note string) (domain.Module, error) {
			return e.ReviewDelivery(ctx, args[0], args[1], note, actorID())
		}))
	m.AddCommand(moduleDecisionCmd("reject <id>", "Reject the module", cobra.ExactArgs(1),
		func(ctx context.Context, e engine.Engine, args []string, note string) (domain.Module, error) {
			return e.RejectModule(ctx, args[0], note, actorID())
		}))
	m.AddCommand(moduleDecisionCmd("accept <id>", "Accept the pending delivery as the partner", cobra.ExactArgs(1),
		func(ctx context.Context, e engine.Engine, args []string, note string) (domain.Module, error) {
			return e.AcceptDelivery(ctx, args[0], note, actorID())
		}))
	m.AddCommand(moduleDecisionCmd("partner-reject <id>", "Reject the pending delivery as the partner (--note is the reason)", cobra.ExactArgs(1),
		func(ctx context.Context, e engine.Engine, args []string, note string) (domain.Module, error) {
			return e.PartnerRejectDelivery(ctx, args[0], note, actorID())
		}))
	return m
}

func moduleCreateCmd() *cobra.Command {
	var in engine.ModuleInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a module directly",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateModule(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "module name")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&in.Priority, "priority", domain.PriorityMedium, "priority")
	cmd.Flags().StringVar(&in.StartDate, "start", "", "start date")
	cmd.Flags().StringVar(&in.EndDate, "end", "", "end date")
	cmd.Flags().StringVar(&in.PartnerID, "partner", "", "partner receiving deliveries")
	cmd.Flags().StringVar(&in.AssignedTo, "assign", "", "assignee")
	cmd.Flags().StringVar(&in.QA, "qa", "", "qa user")
	cmd.Flags().StringVar(&in.Reviewer, "reviewer", "", "reviewer")
	cmd.Flags().StringVar(&in.DevOps, "devops", "", "devops user")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func moduleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a module with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GetModule(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRows([]table.Row{
					{"Code", m.Code},
					{"Name", m.Name},
					{"Status", m.Status},
					{"Delivery", fmt.Sprintf("%s (cycle %d)", m.DeliveryStatus, m.Delivery.Cycle)},
					{"Progress", fmt.Sprintf("%d%%", m.Progress)},
					{"Assigned", m.AssignedTo},
					{"QA / Reviewer / DevOps", strings.Join([]string{m.QA, m.Reviewer, m.DevOps}, " / ")},
					{"Timeline", m.StartDate + " → " + m.EndDate},
				})
				tw.Render()
				printHistory(m.History)
				return nil
			})
		},
	}
}

func moduleUpdateCmd() *cobra.Command {
	var name, description, priority, start, end, assign, qa, reviewer, devops string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update module fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdateModule(ctx, args[0], engine.ModuleUpdate{
					Name:        optional(cmd, "name", name),
					Description: optional(cmd, "description", description),
					Priority:    optional(cmd, "priority", priority),
					StartDate:   optional(cmd, "start", start),
					EndDate:     optional(cmd, "end", end),
					AssignedTo:  optional(cmd, "assign", assign),
					QA:          optional(cmd, "qa", qa),
					Reviewer:    optional(cmd, "reviewer", reviewer),
					DevOps:      optional(cmd, "devops", devops),
				}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&start, "start", "", "start date")
	cmd.Flags().StringVar(&end, "end", "", "end date")
	cmd.Flags().StringVar(&assign, "assign", "", "assignee (empty clears)")
	cmd.Flags().StringVar(&qa, "qa", "", "qa user (empty clears)")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer (empty clears)")
	cmd.Flags().StringVar(&devops, "devops", "", "devops user (empty clears)")
	return cmd
}

func moduleStatusCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move a module along its status lane",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdateModuleStatus(ctx, args[0], args[1], note, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note")
	return cmd
}

func moduleDeliverCmd() *cobra.Command {
	var in engine.DeliveryInput
	var files []string
	cmd := &cobra.Command{
		Use:   "deliver <id>",
		Short: "Submit a delivery, opening a new delivery cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				refs, err := upload(cmd.Context(), a, files)
				if err != nil {
					return err
				}
				in.Files = refs
				m, err := a.Engine.SubmitDelivery(cmd.Context(), args[0], in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&in.Commit, "commit", "", "commit reference")
	cmd.Flags().StringVar(&in.Note, "note", "", "delivery note")
	cmd.Flags().StringArrayVar(&files, "file", nil, "delivered file (repeatable)")
	return cmd
}

type moduleDecision func(ctx context.Context, e engine.Engine, args []string, note string) (domain.Module, error)

func moduleDecisionCmd(use, short string, args cobra.PositionalArgs, decide moduleDecision) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := decide(ctx, e, args, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	var in engine.TaskInput
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.CreateTask(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	add.Flags().StringVar(&in.Title, "title", "", "title")
	add.Flags().StringVar(&in.Description, "description", "", "description")
	add.Flags().StringVar(&in.ProjectID, "project", "", "project id")
	add.Flags().StringVar(&in.ModuleID, "module", "", "module id")
	add.Flags().StringVar(&in.ParentID, "parent", "", "parent task id")
	add.Flags().StringVar(&in.Status, "status", "", "initial status")
	add.Flags().StringVar(&in.AssigneeID, "assignee", "", "assignee")
	_ = add.MarkFlagRequired("title")

	var title, description, status, assignee string
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.UpdateTask(ctx, args[0], engine.TaskUpdate{
					Title:       optional(cmd, "title", title),
					Description: optional(cmd, "description", description),
					Status:      optional(cmd, "status", status),
					AssigneeID:  optional(cmd, "assignee", assignee),
				}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	update.Flags().StringVar(&title, "title", "", "title")
	update.Flags().StringVar(&description, "description", "", "description")
	update.Flags().StringVar(&status, "status", "", "status")
	update.Flags().StringVar(&assignee, "assignee", "", "assignee")
	t.AddCommand(add, update)
	return t
}

func storyCmd() *cobra.Command {
	s := &cobra.Command{Use: "story", Short: "Manage user stories"}
	var in engine.StoryInput
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a user story",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				story, err := e.CreateStory(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(story)
			})
		},
	}
	add.Flags().StringVar(&in.ModuleID, "module", "", "module id")
	add.Flags().StringVar(&in.Title, "title", "", "title")
	add.Flags().StringVar(&in.Description, "description", "", "description")
	add.Flags().StringVar(&in.Status, "status", "", "initial status")
	_ = add.MarkFlagRequired("module")
	_ = add.MarkFlagRequired("title")

	var title, description, status string
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a user story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				story, err := e.UpdateStory(ctx, args[0], engine.StoryUpdate{
					Title:       optional(cmd, "title", title),
					Description: optional(cmd, "description", description),
					Status:      optional(cmd, "status", status),
				}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(story)
			})
		},
	}
	update.Flags().StringVar(&title, "title", "", "title")
	update.Flags().StringVar(&description, "description", "", "description")
	update.Flags().StringVar(&status, "status", "", "status")
	s.AddCommand(add, update)
	return s
}

func notificationCmd() *cobra.Command {
	n := &cobra.Command{Use: "notification", Aliases: []string{"inbox"}, Short: "Read your notifications"}
	var unread bool
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListNotifications(ctx, actorID(), unread, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Read", "Created"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.Type, item.Title, item.IsRead, item.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&unread, "unread", false, "only unread")
	list.Flags().IntVar(&limit, "limit", 50, "max items")

	var all bool
	read := &cobra.Command{
		Use:   "read [id]",
		Short: "Mark one notification, or --all, as read",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if all {
					n, err := e.MarkAllNotificationsRead(ctx, actorID())
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]int64{"updated": n})
				}
				if len(args) != 1 {
					return errors.New("notification id or --all required")
				}
				if err := e.MarkNotificationRead(ctx, args[0], actorID()); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": args[0], "status": "read"})
			})
		},
	}
	read.Flags().BoolVar(&all, "all", false, "mark everything read")

	n.AddCommand(list, read)
	return n
}

func attachmentCmd() *cobra.Command {
	a := &cobra.Command{Use: "attachment", Short: "Store files for requests and deliveries"}
	put := &cobra.Command{
		Use:   "put <file>...",
		Short: "Store files and print their references",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				refs, err := upload(cmd.Context(), a, args)
				if err != nil {
					return err
				}
				return printJSONOrTable(refs)
			})
		},
	}
	a.AddCommand(put)
	return a
}

// --- helpers ---

func options() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
	}
}

func actorID() string {
	return strings.TrimSpace(viper.GetString("actor-id"))
}

func withApp(fn func(*app.App) error) error {
	a, err := app.Open(options())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(func(a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

// upload stores files and records them under the acting user.
func upload(ctx context.Context, a *app.App, files []string) ([]domain.AttachmentRef, error) {
	refs := make([]domain.AttachmentRef, 0, len(files))
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		ref, err := a.Attachments.Store(ctx, filepath.Base(path), mime.TypeByExtension(filepath.Ext(path)), f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := a.Engine.RecordAttachment(ctx, ref, actorID()); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func optional(cmd *cobra.Command, flag, value string) *string {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &value
}

func printHistory(events []domain.HistoryEvent) {
	if len(events) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "When", "Actor", "Action", "Note"})
	for _, ev := range events {
		tw.AppendRow(table.Row{ev.Seq, ev.Timestamp, ev.Actor, ev.Action, ev.Note})
	}
	tw.Render()
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
