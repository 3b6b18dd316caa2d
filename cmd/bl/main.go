package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildline/internal/app"
	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/lifecycle"
	"buildline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Buildline CLI",
	Long: `Buildline orchestrates package builds across versioned project configurations.
- Workspace: the .buildline directory holding the database.
- Project: a named collection of versions; base mirror projects model distributions.
- Projectversion: one buildable configuration (architectures, base mirror, dependencies).
- Dependencies: projectversions resolve packages from their transitive dependency graph; cycles are rejected.
- Locking: a locked version is immutable and reproducible; all dependencies must be locked first.
- Builds: needs_build -> scheduled -> building -> success/failed; the daemon drives the transitions.`,
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
	viper.SetEnvPrefix("BUILDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(repoCmd())
	rootCmd.AddCommand(buildCmd())
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the build scheduler and workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.RunWorkers(ctx)
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var basemirror bool
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p := domain.Project{
					Name:         args[0],
					IsBaseMirror: basemirror,
					CreatedAt:    time.Now().UTC().Format(time.RFC3339),
				}
				id, err := a.Repo.InsertProject(ctx, p)
				if err != nil {
					return err
				}
				p.ID = id
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().BoolVar(&basemirror, "basemirror", false, "project is a base mirror")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Base Mirror"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.IsBaseMirror})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func versionCmd() *cobra.Command {
	ver := &cobra.Command{Use: "version", Short: "Manage projectversions"}
	ver.AddCommand(versionCreateCmd())
	ver.AddCommand(versionCloneCmd())
	ver.AddCommand(versionOverlayCmd())
	ver.AddCommand(versionLockCmd())
	ver.AddCommand(versionToggleCICmd())
	ver.AddCommand(versionDeleteCmd())
	ver.AddCommand(versionShowCmd())
	ver.AddCommand(versionListCmd())
	ver.AddCommand(versionDepCmd())
	ver.AddCommand(versionRepoCmd())
	return ver
}

func versionCreateCmd() *cobra.Command {
	var project, basemirror string
	var archs []string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create projectversion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if len(archs) == 0 {
					archs = a.Config.Builds.DefaultArchitectures
				}
				pv, err := a.Lifecycle.Create(ctx, lifecycle.CreateOptions{
					Project:       project,
					Name:          args[0],
					Basemirror:    basemirror,
					Architectures: archs,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(pv)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project name")
	cmd.Flags().StringVar(&basemirror, "basemirror", "", "base mirror (project/version)")
	cmd.Flags().StringSliceVar(&archs, "arch", nil, "architecture (repeatable)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("basemirror")
	return cmd
}

func versionCloneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clone <project/version> <new-name>",
		Short: "Clone a projectversion with its dependencies and repositories",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				source, err := a.Repo.GetProjectVersionByFullname(ctx, args[0])
				if err != nil {
					return err
				}
				pv, err := a.Lifecycle.Clone(ctx, source.ID, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(pv)
			})
		},
	}
	return cmd
}

func versionOverlayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overlay <project/version> <new-name>",
		Short: "Create an overlay depending on the source version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				source, err := a.Repo.GetProjectVersionByFullname(ctx, args[0])
				if err != nil {
					return err
				}
				pv, err := a.Lifecycle.CreateOverlay(ctx, source.ID, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(pv)
			})
		},
	}
	return cmd
}

func versionLockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock <project/version>",
		Short: "Lock a projectversion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pv, err := a.Repo.GetProjectVersionByFullname(ctx, args[0])
				if err != nil {
					return err
				}
				if err := a.Lifecycle.Lock(ctx, pv.ID); err != nil {
					return err
				}
				fmt.Printf("%s locked\n", pv.Fullname())
				return nil
			})
		},
	}
}

func versionToggleCICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggleci <project/version>",
		Short: "Toggle CI builds for a projectversion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pv, err := a.Repo.GetProjectVersionByFullname(ctx, args[0])
				if err != nil {
					return err
				}
				enabled, err := a.Lifecycle.ToggleCI(ctx, pv.ID)
				if err != nil {
					return err
				}
				fmt.Printf("ci builds enabled: %v\n", enabled)
				return nil
			})
		},
	}
}

func versionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project/version>",
		Short: "Mark a projectversion deleted and drop its publications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pv, err := a.Repo.GetProjectVersionByFullname(ctx, args[0])
				if err != nil {
					return err
				}
				if err := a.Lifecycle.MarkDeleted(ctx, pv.ID); err != nil {
					return err
				}
				fmt.Printf("%s deleted\n", pv.Fullname())
				return nil
			})
		},
	}
}

func versionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project/version>",
		Short: "Show a projectversion with its dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pv, err := a.Repo.GetProjectVersionByFullname(ctx, args[0])
				if err != nil {
					return err
				}
				deps, err := a.Lifecycle.Graph.TransitiveDependencies(ctx, pv)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"projectversion": pv, "dependencies": deps})
				}
				if err := printJSONOrTable(pv); err != nil {
					return err
				}
				for _, d := range deps {
					fmt.Printf("depends on %s (locked=%v)\n", d.Fullname(), d.IsLocked)
				}
				return nil
			})
		},
	}
}

func versionListCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projectversions of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Repo.GetProjectByName(ctx, project)
				if err != nil {
					return err
				}
				items, err := a.Repo.ListProjectVersions(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "Architectures", "Locked", "CI", "Deleted"})
				for _, pv := range items {
					tw.AppendRow(table.Row{pv.ID, pv.Fullname(), strings.Join(pv.Architectures, " "), pv.IsLocked, pv.CIBuildsEnabled, pv.IsDeleted})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project name")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func versionDepCmd() *cobra.Command {
	dep := &cobra.Command{Use: "dep", Short: "Manage dependency edges"}
	dep.AddCommand(&cobra.Command{
		Use:   "add <project/version> <dependency project/version>",
		Short: "Add a dependency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pv, dep, err := resolvePair(ctx, a, args[0], args[1])
				if err != nil {
					return err
				}
				return a.Lifecycle.AddDependencyEdge(ctx, pv.ID, dep.ID)
			})
		},
	})
	dep.AddCommand(&cobra.Command{
		Use:   "rm <project/version> <dependency project/version>",
		Short: "Remove a dependency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pv, dep, err := resolvePair(ctx, a, args[0], args[1])
				if err != nil {
					return err
				}
				return a.Lifecycle.RemoveDependencyEdge(ctx, pv.ID, dep.ID)
			})
		},
	})
	return dep
}

func versionRepoCmd() *cobra.Command {
	rc := &cobra.Command{Use: "repo", Short: "Manage source repository associations"}
	var archs []string
	add := &cobra.Command{
		Use:   "add <project/version> <repo-id>",
		Short: "Attach a source repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pv, err := a.Repo.GetProjectVersionByFullname(ctx, args[0])
				if err != nil {
					return err
				}
				srcID, err := parseID(args[1])
				if err != nil {
					return err
				}
				return a.Lifecycle.AddSourceRepo(ctx, pv.ID, srcID, archs)
			})
		},
	}
	add.Flags().StringSliceVar(&archs, "arch", nil, "architecture (repeatable, defaults to version architectures)")
	rc.AddCommand(add)
	rc.AddCommand(&cobra.Command{
		Use:   "rm <project/version> <repo-id>",
		Short: "Detach a source repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pv, err := a.Repo.GetProjectVersionByFullname(ctx, args[0])
				if err != nil {
					return err
				}
				srcID, err := parseID(args[1])
				if err != nil {
					return err
				}
				return a.Lifecycle.RemoveSourceRepo(ctx, pv.ID, srcID)
			})
		},
	})
	return rc
}

func repoCmd() *cobra.Command {
	rc := &cobra.Command{Use: "repo", Short: "Manage source repositories"}
	var url string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a source repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s := domain.SourceRepository{Name: args[0], URL: url}
				id, err := a.Repo.InsertSourceRepository(ctx, s)
				if err != nil {
					return err
				}
				s.ID = id
				return printJSONOrTable(s)
			})
		},
	}
	create.Flags().StringVar(&url, "url", "", "git url")
	_ = create.MarkFlagRequired("url")
	rc.AddCommand(create)
	return rc
}

func buildCmd() *cobra.Command {
	bc := &cobra.Command{Use: "build", Short: "Manage builds"}
	bc.AddCommand(buildCreateCmd())
	bc.AddCommand(buildListCmd())
	bc.AddCommand(buildLogCmd())
	return bc
}

func buildCreateCmd() *cobra.Command {
	var pvName, source, version, arch string
	var ci bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Queue a package build",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pv, err := a.Repo.GetProjectVersionByFullname(ctx, pvName)
				if err != nil {
					return err
				}
				if pv.IsLocked {
					return fmt.Errorf("projectversion %s is locked: %w", pv.Fullname(), repo.ErrLocked)
				}
				b := domain.Build{
					Kind:             domain.BuildKindPackage,
					State:            domain.BuildStateNeedsBuild,
					IsCI:             ci,
					Version:          version,
					SourceName:       source,
					Architecture:     arch,
					ProjectVersionID: &pv.ID,
					CreatedAt:        time.Now().UTC().Format(time.RFC3339),
				}
				b.ID, err = a.Repo.InsertBuild(ctx, b)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&pvName, "projectversion", "", "target project/version")
	cmd.Flags().StringVar(&source, "source", "", "source package name")
	cmd.Flags().StringVar(&version, "version", "", "source package version")
	cmd.Flags().StringVar(&arch, "arch", "amd64", "architecture")
	cmd.Flags().BoolVar(&ci, "ci", false, "CI build")
	_ = cmd.MarkFlagRequired("projectversion")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func buildListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var items []domain.Build
				var err error
				if state != "" {
					items, err = a.Repo.ListBuildsByState(ctx, state, domain.BuildKindPackage)
				} else {
					items, err = a.Repo.ListBuilds(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Source", "Version", "Arch", "State", "CI"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.ID, b.SourceName, b.Version, b.Architecture, b.State, b.IsCI})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	return cmd
}

func buildLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <build-id>",
		Short: "Show the aggregated log of a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				root, err := a.Repo.RootBuildID(ctx, id)
				if err != nil {
					return err
				}
				lines, err := a.Scheduler.Logs.Lines(ctx, root)
				if err != nil {
					return err
				}
				for _, l := range lines {
					fmt.Printf("%s %s\n", l.TS, l.Line)
				}
				return nil
			})
		},
	}
}

func resolvePair(ctx context.Context, a *app.App, first, second string) (domain.ProjectVersion, domain.ProjectVersion, error) {
	pv, err := a.Repo.GetProjectVersionByFullname(ctx, first)
	if err != nil {
		return domain.ProjectVersion{}, domain.ProjectVersion{}, err
	}
	dep, err := a.Repo.GetProjectVersionByFullname(ctx, second)
	if err != nil {
		return domain.ProjectVersion{}, domain.ProjectVersion{}, err
	}
	return pv, dep, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, repo.ErrInvalidInput)
	}
	return id, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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
