package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pancakes/internal/app"
	cl "pancakes/internal/cli"
	"pancakes/internal/config"
	"pancakes/internal/market"
	"pancakes/internal/notify"
	"pancakes/internal/store"
	"pancakes/internal/transcript"
)

func main() {
	root := &cobra.Command{
		Use:          "pancakes",
		Short:        "Pancake marketplace simulation",
		SilenceUsage: true,
	}

	root.AddCommand(
		newInitCmd(),
		newResetCmd(),
		newRunCmd(),
		newReportCmd(),
		newHistoryCmd(),
		newTranscriptCmd(),
		newWatchCmd(),
		newRemoteCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		printError(fmt.Sprintf("error: %v", err))
		if errors.Is(err, market.ErrConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	return config.LoadFromEnv()
}

// withStore opens the configured store for the duration of fn.
func withStore(ctx context.Context, fn func(config.Config, store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := app.OpenStore(ctx, cfg.Store, cfg.Logger())
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cfg, st)
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the schema and seed producers, consumers and toppings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return withStore(ctx, func(cfg config.Config, st store.Store) error {
				if err := st.Init(ctx, cfg.World); err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Store ready (%s): %d producers, %d consumers, %d toppings.",
					cfg.Store.Kind, len(cfg.World.Producers), len(cfg.World.Consumers), len(cfg.World.Toppings)))
				return nil
			})
		},
	}
}

func newResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop every table and reseed the world",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				answer, err := promptChoice("Delete all ticks and reseed?", []string{"yes", "no"}, "no")
				if err != nil {
					return err
				}
				if answer != "yes" {
					printInfo("Reset cancelled.")
					return nil
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return withStore(ctx, func(cfg config.Config, st store.Store) error {
				if err := st.Reset(ctx, cfg.World); err != nil {
					return err
				}
				printSuccess("Store reset and reseeded.")
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		seed  int64
		ticks int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one or more ticks",
		Long:  "Run ticks back to back. With --seed, tick i of the batch uses seed+i.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ticks < 1 {
				return fmt.Errorf("--ticks must be >= 1")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			stack, err := app.Build(ctx, cfg, cfg.Logger(), "pancakes")
			if err != nil {
				return err
			}
			defer stack.Close(context.WithoutCancel(ctx))

			if err := stack.Engine.Ping(ctx, cfg.Oracle.Required); err != nil {
				return err
			}
			names, err := loadNames(ctx, stack.Store)
			if err != nil {
				return err
			}

			for i := 0; i < ticks; i++ {
				var s *int64
				if cmd.Flags().Changed("seed") {
					v := seed + int64(i)
					s = &v
				}
				res, err := stack.Engine.RunTick(ctx, s)
				if err != nil {
					return err
				}
				renderTickResult(res, names)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&seed, "seed", 0, "seed for reproducible ticks")
	cmd.Flags().IntVarP(&ticks, "ticks", "n", 1, "number of ticks to run")
	return cmd
}

func newReportCmd() *cobra.Command {
	var tickID int64
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show menus, choices and stats for a tick (latest by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return withStore(ctx, func(_ config.Config, st store.Store) error {
				id := tickID
				if id == 0 {
					latest, ok, err := st.LatestCompletedTick(ctx)
					if err != nil {
						return err
					}
					if !ok {
						printInfo("No completed ticks yet. Run `pancakes run` first.")
						return nil
					}
					id = latest.ID
				}
				detail, err := store.Detail(ctx, st, id)
				if err != nil {
					return err
				}
				names, err := loadNames(ctx, st)
				if err != nil {
					return err
				}
				renderReport(detail, names)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&tickID, "tick", 0, "tick id (default: latest completed)")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history PRODUCER_ID",
		Short: "Show a producer's recent results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			producerID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid producer id %q", args[0])
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return withStore(ctx, func(cfg config.Config, st store.Store) error {
				names, err := loadNames(ctx, st)
				if err != nil {
					return err
				}
				name, ok := names.producers[producerID]
				if !ok {
					return fmt.Errorf("producer %d: %w", producerID, market.ErrNotFound)
				}
				if limit <= 0 {
					limit = cfg.Sim.HistoryWindow
				}
				history, err := st.ProducerHistory(ctx, producerID, limit)
				if err != nil {
					return err
				}
				renderHistory(name, history)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "number of ticks (default: history window)")
	return cmd
}

func newTranscriptCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "transcript TICK_ID|FILE",
		Short: "Print the oracle transcript recorded for a tick",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if id, err := strconv.ParseInt(path, 10, 64); err == nil {
				if dir == "" {
					dir = strings.TrimSpace(os.Getenv("ORACLE_TRANSCRIPT_DIR"))
				}
				if dir == "" {
					return fmt.Errorf("set ORACLE_TRANSCRIPT_DIR or --dir to look up tick %d", id)
				}
				path = filepath.Join(dir, transcript.FileName(id))
			}
			lines, err := transcript.Read(path)
			if err != nil {
				return err
			}
			renderTranscript(lines)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "transcript directory (default: ORACLE_TRANSCRIPT_DIR)")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream tick-complete events from Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.RedisAddr == "" {
				return market.Configf("REDIS_ADDR is required for watch")
			}
			r, err := notify.NewRedis(cmd.Context(), cfg.RedisAddr, cfg.RedisChannel, cfg.Logger())
			if err != nil {
				return err
			}
			defer r.Close()
			printInfo("Waiting for ticks on " + cfg.RedisChannel + " (Ctrl+C to stop)...")
			return r.Subscribe(cmd.Context(), renderTickEvent)
		},
	}
}

func newRemoteCmd() *cobra.Command {
	apiBase := config.LoadCLIFromEnv().APIBaseURL
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Read results from a running pancakes-api",
	}
	cmd.PersistentFlags().StringVar(&apiBase, "api", apiBase, "results API base URL")

	ticks := &cobra.Command{
		Use:   "ticks",
		Short: "List recent ticks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(cmd, apiBase).Ticks(ctx, 20)
			if err != nil {
				return err
			}
			renderTicks(out)
			return nil
		},
	}

	tick := &cobra.Command{
		Use:   "tick [TICK_ID]",
		Short: "Show one tick (latest by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := newClient(cmd, apiBase)
			var (
				detail market.TickDetail
				err    error
			)
			if len(args) == 0 || args[0] == "latest" {
				detail, err = client.LatestTick(ctx)
			} else {
				id, perr := strconv.ParseInt(args[0], 10, 64)
				if perr != nil {
					return fmt.Errorf("invalid tick id %q", args[0])
				}
				detail, err = client.Tick(ctx, id)
			}
			if err != nil {
				return err
			}
			names, err := remoteNames(ctx, client)
			if err != nil {
				return err
			}
			renderReport(detail, names)
			return nil
		},
	}

	history := &cobra.Command{
		Use:   "history PRODUCER_ID",
		Short: "Show a producer's recent results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid producer id %q", args[0])
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(cmd, apiBase).ProducerHistory(ctx, id, 0)
			if err != nil {
				return err
			}
			renderHistory(out.Producer.Name, out.History)
			return nil
		},
	}

	use := &cobra.Command{
		Use:   "use [API_URL]",
		Short: "Remember a results API (or forget it with --clear)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := cl.DefaultDir()
			if err != nil {
				return err
			}
			forget, _ := cmd.Flags().GetBool("clear")
			if forget {
				if err := cl.ClearProfile(dir); err != nil {
					return err
				}
				printSuccess("Saved remote forgotten.")
				return nil
			}
			if len(args) == 0 {
				p, err := cl.LoadProfile(dir)
				if err != nil {
					return err
				}
				printInfo(p.APIBaseURL)
				return nil
			}
			if err := cl.SaveProfile(dir, cl.Profile{APIBaseURL: args[0]}); err != nil {
				return err
			}
			printSuccess("Remote set to " + strings.TrimRight(strings.TrimSpace(args[0]), "/"))
			return nil
		},
	}
	use.Flags().Bool("clear", false, "forget the saved remote")

	cmd.AddCommand(ticks, tick, history, use)
	return cmd
}

// newClient prefers --api, then PANCAKES_API_BASE_URL, then the saved profile.
func newClient(cmd *cobra.Command, apiBase string) *cl.Client {
	if f := cmd.Flags().Lookup("api"); (f == nil || !f.Changed) && os.Getenv("PANCAKES_API_BASE_URL") == "" {
		if dir, err := cl.DefaultDir(); err == nil {
			if p, err := cl.LoadProfile(dir); err == nil {
				apiBase = p.APIBaseURL
			}
		}
	}
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(apiBase), "/"))
}

// nameIndex resolves ids for display.
type nameIndex struct {
	producers map[int64]string
	consumers map[int64]string
	toppings  map[int64]string
}

func loadNames(ctx context.Context, st store.Store) (nameIndex, error) {
	producers, err := st.Producers(ctx)
	if err != nil {
		return nameIndex{}, err
	}
	consumers, err := st.Consumers(ctx)
	if err != nil {
		return nameIndex{}, err
	}
	toppings, err := st.Toppings(ctx)
	if err != nil {
		return nameIndex{}, err
	}
	return buildNames(producers, consumers, toppings), nil
}

func remoteNames(ctx context.Context, c *cl.Client) (nameIndex, error) {
	producers, err := c.Producers(ctx)
	if err != nil {
		return nameIndex{}, err
	}
	toppings, err := c.Toppings(ctx)
	if err != nil {
		return nameIndex{}, err
	}
	return buildNames(producers, nil, toppings), nil
}

func buildNames(producers []market.Producer, consumers []market.Consumer, toppings []market.Topping) nameIndex {
	n := nameIndex{
		producers: make(map[int64]string, len(producers)),
		consumers: make(map[int64]string, len(consumers)),
		toppings:  make(map[int64]string, len(toppings)),
	}
	for _, p := range producers {
		n.producers[p.ID] = p.Name
	}
	for _, c := range consumers {
		n.consumers[c.ID] = c.Name
	}
	for _, t := range toppings {
		n.toppings[t.ID] = t.Name
	}
	return n
}
