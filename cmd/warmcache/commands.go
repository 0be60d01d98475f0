package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"warmcache/internal/cache"
	"warmcache/internal/service"
)

type app struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "warmcache",
		Short:         "Tiered response cache for site integrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.PersistentFlags().StringVar(&a.configPath, "config", getenvDefault("WARMCACHE_CONFIG", "/warmcache.yaml"), "path to warmcache.yaml")

	cmd.AddCommand(
		newServeCmd(a),
		newLevelsCmd(a),
		newInspectCmd(a),
		newPurgeCmd(a),
	)
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the caching gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, err := service.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	log, err := service.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	svc, err := service.NewService(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, errors.CodeNetwork, "listen %s", addr)
	}
	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("warmcache listening", zap.String("addr", addr))
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLevelsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "levels",
		Short: "Print the cache policy of every level",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LEVEL\tMEMORY\tDISK\tPAGE TTL\tSEARCH TTL\tPREFETCH\tDETAIL PREFETCH")
			for _, l := range cache.Levels {
				c := cache.ForLevel(l)
				disk := "off"
				if c.DiskEnabled() {
					disk = fmt.Sprintf("%dMiB", c.DiskMaxBytes/(1024*1024))
				}
				prefetch := "off"
				if c.PrefetchEnabled() {
					prefetch = "on"
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%d\n",
					l, c.MemoryMaxEntries, disk, c.PageTTL, c.SearchTTL, prefetch, c.MaxDetailPrefetch())
			}
			return tw.Flush()
		},
	}
}

type siteFlags struct {
	dir  string
	site string
}

func (f *siteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.dir, "dir", "", "storage directory (defaults to storage.dir from --config)")
	cmd.Flags().StringVar(&f.site, "site", "", "site name")
	_ = cmd.MarkFlagRequired("site")
}

// open opens a site's disk tier for maintenance. The budget is unbounded so
// opening never evicts.
func (f *siteFlags) open(a *app) (*cache.DiskCache, error) {
	dir := f.dir
	if dir == "" {
		cfg, err := service.LoadConfig(a.configPath)
		if err != nil {
			return nil, err
		}
		dir = cfg.Storage.Dir
	}
	path := filepath.Join(dir, f.site)
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, errors.CodeNotFound, "no disk tier for site %q", f.site)
	}
	d, err := cache.NewDiskCache(path, math.MaxInt64, 0)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInternal, "open %s", path)
	}
	return d, nil
}

func newInspectCmd(a *app) *cobra.Command {
	var f siteFlags
	var keys bool
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the disk footprint of a site",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			d, err := f.open(a)
			if err != nil {
				return err
			}
			defer d.Close()

			fmt.Fprintf(a.stdout, "site: %s\nentries: %d\nbytes: %d\n", f.site, d.Len(), d.Size())
			if keys {
				for _, k := range d.Keys() {
					fmt.Fprintln(a.stdout, k)
				}
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&keys, "keys", false, "also list cached keys")
	return cmd
}

func newPurgeCmd(a *app) *cobra.Command {
	var f siteFlags
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove every persisted entry of a site",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			d, err := f.open(a)
			if err != nil {
				return err
			}
			defer d.Close()

			n := d.Len()
			d.Clear()
			fmt.Fprintf(a.stdout, "purged %d entries from %s\n", n, f.site)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
