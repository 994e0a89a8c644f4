// Command rsbackup drives the scheduler, backup/prune engines, catalogue,
// and device reconciliation layer described by pkg/orchestrator.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/rsbackup/pkg/catalogue"
	"github.com/cuemby/rsbackup/pkg/events"
	"github.com/cuemby/rsbackup/pkg/log"
	"github.com/cuemby/rsbackup/pkg/metrics"
	"github.com/cuemby/rsbackup/pkg/orchestrator"
	"github.com/cuemby/rsbackup/pkg/store"
	"github.com/cuemby/rsbackup/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "rsbackup",
	Short: "rsbackup manages rsync-based multi-host, multi-device backups",
	Long: `rsbackup periodically copies named file-system volumes from
configured hosts to one of several rotating removable devices, then
prunes old copies under per-volume retention policies, maintaining an
authoritative catalogue in a local SQLite database.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("rsbackup version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "/etc/rsbackup/rsbackup.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().String("catalogue", "/var/lib/rsbackup/catalogue.db", "path to the catalogue database")
	rootCmd.PersistentFlags().String("store-root", "", "backup store root (defaults to the first enabled store's path)")
	rootCmd.PersistentFlags().String("device-cache", "", "path to the local device-identification cache (bbolt); disabled if empty")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().Bool("force", false, "skip backup-admission policy checks")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address to serve Prometheus metrics on (e.g. :9119); disabled if empty")
	rootCmd.PersistentFlags().Bool("act", true, "actually run rsync/hooks/removals; opposite of --dry-run")
	rootCmd.PersistentFlags().Bool("dry-run", false, "report what would happen without touching any host, device, or catalogue row")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd, backupCmd, pruneCmd, devicesCmd, retireCmd, migrateCatalogueCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	asJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: asJSON})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rsbackup: %v\n", err)
		os.Exit(1)
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, the way
// a long-running backup sweep should be interruptible mid-run.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runtime bundles everything a command needs once the config file and
// catalogue are open: the in-memory Config (with catalogue rows already
// attached to their volumes) and the open Catalogue handle.
type runtime struct {
	cfg       *types.Config
	cat       *catalogue.Catalogue
	storeRoot string
}

func (r *runtime) Close() error {
	return r.cat.Close()
}

func openRuntime(cmd *cobra.Command) (*runtime, error) {
	configPath, _ := cmd.Flags().GetString("config")
	catPath, _ := cmd.Flags().GetString("catalogue")
	storeRoot, _ := cmd.Flags().GetString("store-root")

	cfg, err := types.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if storeRoot == "" {
		for _, s := range cfg.Stores {
			if s.Enabled {
				storeRoot = s.Path
				break
			}
		}
	}
	if storeRoot == "" {
		return nil, fmt.Errorf("no enabled store configured; pass --store-root")
	}

	cat, err := catalogue.Open(catPath, true)
	if err != nil {
		return nil, fmt.Errorf("open catalogue: %w", err)
	}

	rows, err := cat.Rows(cfg)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("load catalogue rows: %w", err)
	}
	for _, b := range rows {
		if b.Volume == nil {
			continue // row references a host/volume no longer in config
		}
		b.Volume.AddBackup(b)
	}
	for _, host := range cfg.Hosts {
		for _, v := range host.Volumes {
			v.Calculate()
		}
	}

	return &runtime{cfg: cfg, cat: cat, storeRoot: storeRoot}, nil
}

// actFlag resolves the persistent --act/--dry-run pair to the "act"
// boolean the rest of the codebase threads through (--dry-run, if
// explicitly set, wins over --act, matching the original's --no-act
// overriding the default act=true).
func actFlag(cmd *cobra.Command) bool {
	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		return false
	}
	act, _ := cmd.Flags().GetBool("act")
	return act
}

// reconcileDevices runs store/device identification (§4.5) against
// every configured store before a backup or prune sweep touches disk.
func reconcileDevices(ctx context.Context, cfg *types.Config, deviceCachePath string, act bool) error {
	var cache *store.DeviceCache
	if deviceCachePath != "" {
		c, err := store.OpenDeviceCache(deviceCachePath)
		if err != nil {
			return fmt.Errorf("open device cache: %w", err)
		}
		defer c.Close()
		cache = c
	}
	actStr := strconv.FormatBool(act)
	r := &store.Reconciler{Hooks: &store.HookRunner{}, Cache: cache}
	if err := r.Hooks.PreAccess(ctx, cfg, actStr); err != nil {
		return fmt.Errorf("pre-access hook: %w", err)
	}
	defer r.Hooks.PostAccess(ctx, cfg, actStr)

	found, err := r.IdentifyAll(ctx, cfg, true, actStr)
	if err != nil {
		return err
	}
	log.Info(fmt.Sprintf("identified %d of %d enabled stores", found, countEnabled(cfg)))
	return nil
}

func countEnabled(cfg *types.Config) int {
	n := 0
	for _, s := range cfg.Stores {
		if s.Enabled {
			n++
		}
	}
	return n
}

func applySelections(cfg *types.Config, args []string) error {
	var selections []types.Selection
	for _, arg := range args {
		sel, err := types.ParseSelection(arg)
		if err != nil {
			return err
		}
		selections = append(selections, sel)
	}
	now := time.Now()
	secs := now.Hour()*3600 + now.Minute()*60 + now.Second()
	types.ApplyAll(cfg, selections, &secs)
	return nil
}

func newBroker() *events.Broker {
	b := events.NewBroker()
	b.Start()
	return b
}

func maybeServeMetrics(cmd *cobra.Command, collector *metrics.Collector) (stop func()) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		return func() {}
	}
	collector.Start()
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server", err)
		}
	}()
	return func() {
		collector.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

var runCmd = &cobra.Command{
	Use:   "run [selection ...]",
	Short: "Reconcile devices, run one backup sweep, then prune",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := applySelections(rt.cfg, args); err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		act := actFlag(cmd)
		deviceCache, _ := cmd.Flags().GetString("device-cache")
		if err := reconcileDevices(ctx, rt.cfg, deviceCache, act); err != nil {
			log.Errorf("device reconciliation", err)
		}

		force, _ := cmd.Flags().GetBool("force")
		broker := newBroker()
		defer broker.Stop()
		collector := metrics.NewCollector(rt.cfg)
		stopMetrics := maybeServeMetrics(cmd, collector)
		defer stopMetrics()

		o := &orchestrator.Orchestrator{
			Config: rt.cfg, Catalogue: rt.cat, StoreRoot: rt.storeRoot,
			Force: force, DryRun: !act, Events: broker,
		}
		o.RunBackups(ctx)

		removed, err := o.RunPrune(ctx, false, 0)
		if err != nil {
			return fmt.Errorf("prune: %w", err)
		}
		log.Info(fmt.Sprintf("pruned %d backups", removed))
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup [selection ...]",
	Short: "Run a backup sweep only, without pruning",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := applySelections(rt.cfg, args); err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		act := actFlag(cmd)
		deviceCache, _ := cmd.Flags().GetString("device-cache")
		if err := reconcileDevices(ctx, rt.cfg, deviceCache, act); err != nil {
			log.Errorf("device reconciliation", err)
		}

		force, _ := cmd.Flags().GetBool("force")
		broker := newBroker()
		defer broker.Stop()

		o := &orchestrator.Orchestrator{
			Config: rt.cfg, Catalogue: rt.cat, StoreRoot: rt.storeRoot,
			Force: force, DryRun: !act, Events: broker,
		}
		o.RunBackups(ctx)
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune [selection ...]",
	Short: "Run a prune sweep only",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := applySelections(rt.cfg, args); err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		incomplete, _ := cmd.Flags().GetBool("incomplete")
		broker := newBroker()
		defer broker.Stop()

		o := &orchestrator.Orchestrator{Config: rt.cfg, Catalogue: rt.cat, StoreRoot: rt.storeRoot, Events: broker}
		removed, err := o.RunPrune(ctx, incomplete, 0)
		if err != nil {
			return err
		}
		log.Info(fmt.Sprintf("pruned %d backups", removed))
		return nil
	},
}

func init() {
	pruneCmd.Flags().Bool("incomplete", false, "also mark Unknown/Underway/Failed backups obsolete")
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Identify currently mounted devices at every configured store",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := types.LoadConfig(configPath)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		deviceCache, _ := cmd.Flags().GetString("device-cache")
		if err := reconcileDevices(ctx, cfg, deviceCache, actFlag(cmd)); err != nil {
			return err
		}
		for name, device := range cfg.Devices {
			if device.Store != nil {
				fmt.Printf("%s\t%s\n", name, device.Store.Path)
			} else {
				fmt.Printf("%s\t(not present)\n", name)
			}
		}
		return nil
	},
}

var retireCmd = &cobra.Command{
	Use:   "retire <device>",
	Short: "Drop a device from the configuration loaded for this invocation (the config file and catalogue are not changed)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		device := args[0]
		if _, ok := rt.cfg.Devices[device]; !ok {
			return fmt.Errorf("unknown device %q", device)
		}
		delete(rt.cfg.Devices, device)
		log.Info(fmt.Sprintf("retired device %q from the loaded configuration; the config file and its catalogue rows are unchanged", device))
		return nil
	},
}

var migrateCatalogueCmd = &cobra.Command{
	Use:   "migrate-catalogue",
	Short: "Migrate the catalogue database to the current schema version and report it",
	RunE: func(cmd *cobra.Command, args []string) error {
		catPath, _ := cmd.Flags().GetString("catalogue")
		cat, err := catalogue.Open(catPath, true)
		if err != nil {
			return err
		}
		defer cat.Close()
		fmt.Printf("catalogue schema version: %d (max: %d)\n", cat.Version(), catalogue.MaxSchemaVersion())
		return nil
	},
}
