package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-board/api"
	"prism-board/board"
	"prism-board/domain"
	"prism-board/layout"
	"prism-board/storage"
	"prism-board/stream"
)

// openBoard builds a refreshed controller for the CLI user.
func openBoard(ctx context.Context, flags *rootFlags) (*board.Controller, func(), error) {
	cfg, err := flags.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	ctrl := board.New(ctx, rt.source, layout.NewStore(rt.layouts(flags.user)), rt.boardOptions(log.StandardLogger()))
	if err := ctrl.Refresh(ctx); err != nil {
		ctrl.Close()
		rt.Close()
		return nil, nil, err
	}
	return ctrl, func() {
		ctrl.Close()
		rt.Close()
	}, nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func statsCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print task statistics for every configured board",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctrl, done, err := openBoard(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer done()

			stats := ctrl.Snapshot().Stats
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, stats)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "total\t%d\n", stats.Total)
			fmt.Fprintf(tw, "completed\t%d\n", stats.Completed)
			fmt.Fprintf(tw, "in progress\t%d\n", stats.InProgress)
			fmt.Fprintf(tw, "under review\t%d\n", stats.UnderReview)
			fmt.Fprintf(tw, "not started\t%d\n", stats.NotStarted)
			fmt.Fprintf(tw, "overdue\t%d\n", stats.Overdue)
			fmt.Fprintf(tw, "average progress\t%d%%\n", stats.AverageProgress)
			for _, a := range stats.AssigneeOrder {
				fmt.Fprintf(tw, "assignee %s\t%d\n", a, len(stats.ByAssignee[a]))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// parseFilters turns "key=v1,v2" arguments into a filter state.
func parseFilters(args []string) (domain.FilterState, error) {
	filters := domain.FilterState{}
	for _, arg := range args {
		key, values, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q: want key=value[,value]", arg)
		}
		for _, v := range strings.Split(values, ",") {
			if v = strings.TrimSpace(v); v != "" {
				filters[key] = append(filters[key], v)
			}
		}
	}
	return filters, nil
}

func viewCmd(flags *rootFlags) *cobra.Command {
	var (
		filterArgs []string
		sortBy     string
		desc       bool
		groupBy    string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "view",
		Short: "Print the filtered and sorted task view",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filters, err := parseFilters(filterArgs)
			if err != nil {
				return err
			}
			by, ok := domain.ParseGroupBy(groupBy)
			if !ok {
				return fmt.Errorf("unknown group-by %q", groupBy)
			}
			ctrl, done, err := openBoard(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer done()

			ctrl.SetFilters(filters)
			if sortBy != "" {
				order := domain.SortAsc
				if desc {
					order = domain.SortDesc
				}
				ctrl.SetSort(domain.SortState{SortBy: sortBy, SortOrder: order})
			}
			snap := ctrl.SetGroupBy(by)

			out := cmd.OutOrStdout()
			if asJSON {
				if by != domain.GroupNone {
					return writeJSON(out, snap.Groups)
				}
				return writeJSON(out, snap.View)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tSTATUS\tASSIGNEE\tPROGRESS\tDUE")
			printTasks := func(tasks []domain.Task) {
				for _, t := range tasks {
					due := ""
					if t.DueDate != nil {
						due = t.DueDate.Format("2006-01-02")
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d%%\t%s\n", t.ID, t.Title, t.Status, t.AssigneeKey(), t.Progress, due)
				}
			}
			if by == domain.GroupNone {
				printTasks(snap.View)
			} else {
				for _, g := range snap.Groups {
					fmt.Fprintf(tw, "# %s (%d)\n", g.Label, len(g.Tasks))
					printTasks(g.Tasks)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringArrayVar(&filterArgs, "filter", nil, "filter as key=value[,value] (repeatable)")
	cmd.Flags().StringVar(&sortBy, "sort", "", "sort key")
	cmd.Flags().BoolVar(&desc, "desc", false, "sort descending")
	cmd.Flags().StringVar(&groupBy, "group-by", "", "group by status or assignee")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func openLayouts(ctx context.Context, flags *rootFlags) (*layout.Store, func(), error) {
	cfg, err := flags.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return layout.NewStore(rt.layouts(flags.user)), rt.Close, nil
}

func printLayouts(w io.Writer, l layout.Layouts) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTIVE\tID\tNAME\tVIEW")
	for _, cfg := range l.Saved {
		mark := ""
		if cfg.ID == l.Active.ID {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", mark, cfg.ID, cfg.Name, cfg.ViewType)
	}
	return tw.Flush()
}

func layoutsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layouts",
		Short: "Manage saved layouts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List saved layouts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, done, err := openLayouts(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer done()
			return printLayouts(cmd.OutOrStdout(), store.Load(cmd.Context()))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Activate the built-in layout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, done, err := openLayouts(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer done()
			l, err := store.ResetToDefault(cmd.Context())
			if err != nil {
				return err
			}
			return printLayouts(cmd.OutOrStdout(), l)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a saved layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, done, err := openLayouts(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer done()
			l, err := store.Delete(cmd.Context(), args[0])
			if errors.Is(err, domain.ErrDefaultLayout) {
				return fmt.Errorf("the built-in layout cannot be deleted")
			}
			if err != nil {
				return err
			}
			return printLayouts(cmd.OutOrStdout(), l)
		},
	})
	return cmd
}

func initStorageCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init-storage",
		Short: "Create the task table and event queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.UseTables() {
				db, err := storage.OpenSQLite(cfg.SQLitePath(), cfg.Board.DefaultBoard)
				if err != nil {
					return err
				}
				log.WithField("path", cfg.SQLitePath()).Info("sqlite schema ready")
				return db.Close()
			}
			var queues []string
			if cfg.Storage.EventsQueue != "" {
				queues = append(queues, cfg.Storage.EventsQueue)
			}
			return storage.Provision(cmd.Context(), cfg.Storage.ConnectionString, []string{cfg.Storage.TasksTable}, queues)
		},
	}
}

func tokenCmd(flags *rootFlags) *cobra.Command {
	var (
		count  int
		prefix string
		start  int
		ttl    time.Duration
		output string
	)
	cmd := &cobra.Command{
		Use:   "token [user]",
		Short: "Sign development tokens accepted in auth test mode",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return errors.New("count must be at least 1")
			}
			if start < 1 {
				return errors.New("start index must be at least 1")
			}
			if len(args) > 0 && count > 1 {
				return errors.New("explicit user ID cannot be provided when generating multiple tokens")
			}
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			tokens := make([]string, count)
			for i := range tokens {
				userID := fmt.Sprintf("%s-%d", prefix, start+i)
				if len(args) > 0 {
					userID = args[0]
				} else if count == 1 {
					userID = prefix
				}
				if tokens[i], err = api.SignTestToken([]byte(cfg.Auth.TestSecret), userID, ttl); err != nil {
					return fmt.Errorf("sign token: %w", err)
				}
			}
			if output != "" {
				data, err := sonic.ConfigStd.Marshal(tokens)
				if err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(output, append(data, '\n'), 0o600); err != nil {
					return fmt.Errorf("write tokens: %w", err)
				}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tokens[0])
			return err
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of tokens to generate")
	cmd.Flags().StringVar(&prefix, "prefix", "dev-user", "user ID prefix when count > 1")
	cmd.Flags().IntVar(&start, "start", 1, "first index when count > 1")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&output, "output", "", "also write every token to this file as a JSON array")
	return cmd
}

func relayCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Forward task events from the events queue to the redis update channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			opts := cfg.RedisOptions()
			if !cfg.UseTables() || cfg.Storage.EventsQueue == "" || opts == nil {
				return errors.New("relay needs STORAGE_CONNECTION_STRING, EVENTS_QUEUE and REDIS_CONNECTION_STRING")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rc := redis.NewClient(opts)
			defer rc.Close()
			if err := rc.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			relay, err := storage.NewQueueRelay(cfg.Storage.ConnectionString, cfg.Storage.EventsQueue, stream.NewPublisher(rc, cfg.Redis.Channel))
			if err != nil {
				return fmt.Errorf("events queue: %w", err)
			}
			log.WithFields(log.Fields{"queue": cfg.Storage.EventsQueue, "channel": cfg.Redis.Channel}).Info("relaying task events")
			relay.Run(ctx)
			return nil
		},
	}
}
