package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"dragoncounters/counters"
	"dragoncounters/storage"
	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "dragoncounters",
		Short:        "Replicated counters on a transactional KV store",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "config.yml", "path to the config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve counters over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfigFlag(cmd)
			if err != nil {
				return err
			}
			return Start(cmd.Context(), cfg)
		},
	})

	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print the change feed of the local store as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfigFlag(cmd)
			if err != nil {
				return err
			}
			from, _ := cmd.Flags().GetInt64("from")
			return Dump(cmd.Context(), cfg, from, cmd.OutOrStdout())
		},
	}
	dump.Flags().Int64("from", 0, "first etag to print")
	root.AddCommand(dump)
	return root
}

func loadConfigFlag(cmd *cobra.Command) (*Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return LoadConfig(path)
}

func newHTTPServer(h fasthttp.RequestHandler) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:                       h,
		Concurrency:                   100000,
		MaxConnsPerIP:                 100000,
		ReadBufferSize:                10000,
		WriteBufferSize:               10000,
		DisableHeaderNamesNormalizing: true,
		NoDefaultContentType:          true,
		NoDefaultDate:                 true,
		NoDefaultServerHeader:         true,
	}
}

// Start serves until ctx is cancelled.
func Start(ctx context.Context, cfg *Config) error {
	log, err := NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	store, err := OpenStore(ctx, cfg.Storage, log.Named("storage"))
	if err != nil {
		return err
	}
	defer store.Close()

	// writes block on the flush loop, so it runs before the first Update
	// and stops only after the last request is done
	runCtx, stop := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- store.Run(runCtx)
	}()
	stopRun := func() error {
		stop()
		return <-runErr
	}

	srv, err := NewServer(ctx, store, cfg.NodeTag, log)
	if err != nil {
		_ = stopRun()
		return err
	}
	hs := newHTTPServer(srv.Router().Handler)

	errc := make(chan error, 1)
	go func() {
		log.Info("START", zap.String("addr", cfg.ListenAddr), zap.String("source", srv.cnt.Source()))
		errc <- hs.ListenAndServe(cfg.ListenAddr)
	}()

	select {
	case err = <-errc:
		err = errors.Wrap(err, "http server")
	case <-ctx.Done():
		if serr := hs.Shutdown(); serr != nil {
			log.Warn("http shutdown", zap.Error(serr))
		}
	}
	if rerr := stopRun(); rerr != nil && err == nil {
		err = rerr
	}
	log.Info("STOP")
	return err
}

type dumpLine struct {
	Etag         int64                      `json:"etag"`
	ID           string                     `json:"id"`
	Collection   string                     `json:"collection"`
	ChangeVector string                     `json:"changeVector"`
	Sources      []string                   `json:"sources"`
	Counters     map[string]json.RawMessage `json:"counters"`
}

type dumpCounter struct {
	Value     *int64                 `json:"value,omitempty"`
	Sources   []counters.SourceValue `json:"perSource,omitempty"`
	Tombstone string                 `json:"tombstone,omitempty"`
}

// Dump writes every record with etag >= from as one JSON line.
func Dump(ctx context.Context, cfg *Config, from int64, w io.Writer) error {
	sc := cfg.Storage
	// nothing runs the flush loop here
	groupCommit := false
	sc.GroupCommit = &groupCommit
	store, err := OpenStore(ctx, sc, zap.NewNop())
	if err != nil {
		return err
	}
	defer store.Close()
	cnt, err := counters.Open(ctx, store, counters.Options{NodeTag: cfg.NodeTag})
	if err != nil {
		return err
	}
	return store.View(ctx, func(tx storage.Tx) error {
		return cnt.ChangesFrom(tx, from, func(c counters.Change) error {
			line := dumpLine{
				Etag:         c.Etag,
				ID:           c.ID,
				Collection:   c.Collection,
				ChangeVector: c.ChangeVector,
				Sources:      c.Counters.SourceIDs,
				Counters:     map[string]json.RawMessage{},
			}
			for name, v := range c.Counters.Counters {
				var dc dumpCounter
				if v.IsTombstone() {
					dc.Tombstone = v.Tombstone
				} else {
					val, _, err := cnt.ResolvedValue(tx, c.ID, name)
					if err != nil && !errors.Is(err, counters.ErrOverflow) {
						return err
					}
					if err == nil {
						dc.Value = &val
					}
					if dc.Sources, _, err = cnt.PerSourceValues(tx, c.ID, name); err != nil {
						return err
					}
				}
				d, err := json.Marshal(dc)
				if err != nil {
					return err
				}
				line.Counters[name] = d
			}
			d, err := json.Marshal(line)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "%s\n", d)
			return err
		})
	})
}
