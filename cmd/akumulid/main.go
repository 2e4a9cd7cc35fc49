// Command akumulid wires the ingestion core's collaborators together:
// a block store, a metadata store, and the tree registry, then runs a
// background sync loop until told to shut down. The front end that
// would accept connections and create sessions per client is not
// implemented here; this binary demonstrates correct wiring, recovery,
// and graceful shutdown only.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/urso/sderr"

	"github.com/kuncao/akumuli/blockstore"
	"github.com/kuncao/akumuli/extentlist"
	"github.com/kuncao/akumuli/ingest"
	"github.com/kuncao/akumuli/internal/config"
	"github.com/kuncao/akumuli/internal/logp"
	"github.com/kuncao/akumuli/metastore"
)

func main() {
	log := logp.NewLogger("akumulid")
	if err := run(log); err != nil {
		log.Errorf("exiting: %+v", err)
		os.Exit(1)
	}
}

func run(log *logp.Logger) error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the akumulid JWCC config file")
	blockStoreOverride := flag.String("block-store-dir", "", "override block_store_dir from the config file")
	metaStoreOverride := flag.String("meta-store-path", "", "override meta_store_path from the config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return sderr.Wrap(err, "failed to load configuration")
	}
	if *blockStoreOverride != "" {
		cfg.BlockStoreDir = *blockStoreOverride
	}
	if *metaStoreOverride != "" {
		cfg.MetaStorePath = *metaStoreOverride
	}
	if err := config.Validate(cfg); err != nil {
		return sderr.Wrap(err, "invalid configuration")
	}

	blocks, err := blockstore.NewFileStore(cfg.BlockStoreDir, logp.NewLogger("blockstore"))
	if err != nil {
		return sderr.Wrap(err, "failed to open block store at %v", cfg.BlockStoreDir)
	}

	meta, err := metastore.OpenFileStore(cfg.MetaStorePath, logp.NewLogger("metastore"))
	if err != nil {
		return sderr.Wrap(err, "failed to open metadata store at %v", cfg.MetaStorePath)
	}

	threshold := cfg.FlushThreshold
	if threshold <= 0 {
		threshold = extentlist.DefaultFlushThreshold
	}

	registry, err := newRegistry(log, meta, blocks, threshold)
	if err != nil {
		return sderr.Wrap(err, "failed to recover tree registry")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	syncInterval := time.Duration(cfg.SyncPollInterval)
	if syncInterval <= 0 {
		syncInterval = 5 * time.Second
	}
	runSyncLoop(ctx, log, registry, syncInterval)

	registry.Close()
	log.Info("shut down cleanly")
	return nil
}

// newRegistry constructs the tree registry and seeds it from the
// metadata store's durable catalog, so a restart does not forget
// series names already assigned to an id.
func newRegistry(log *logp.Logger, meta *metastore.FileStore, blocks blockstore.Store, threshold int) (*ingest.TreeRegistry, error) {
	names, points, err := meta.Load()
	if err != nil {
		return nil, sderr.Wrap(err, "failed to load durable catalog")
	}

	newExtentList := func(id ingest.Id) ingest.ExtentList {
		if roots, ok := points[id]; ok && len(roots) > 0 {
			tree, err := extentlist.Recover(id, blocks, roots, threshold)
			if err != nil {
				log.Errorf("failed to recover extent list %d, starting empty: %+v", id, err)
				return extentlist.New(id, blocks, threshold)
			}
			return tree
		}
		return extentlist.New(id, blocks, threshold)
	}

	registry := ingest.NewTreeRegistry(log, meta, newExtentList)
	registry.Seed(names, points)
	return registry, nil
}

// runSyncLoop blocks until ctx is cancelled, periodically draining the
// registry's pending rescue points and new names into the metadata
// store. Every iteration is bounded by syncInterval even if no sync
// request has fired, so a slow trickle of writes still gets persisted.
func runSyncLoop(ctx context.Context, log *logp.Logger, registry *ingest.TreeRegistry, syncInterval time.Duration) {
	for {
		status := registry.WaitForSyncRequest(syncInterval)
		select {
		case <-ctx.Done():
			if err := registry.SyncWithMetadataStorage(); err != nil {
				log.Errorf("final sync failed during shutdown: %+v", err)
			}
			return
		default:
		}

		switch status {
		case ingest.OK:
			if err := registry.SyncWithMetadataStorage(); err != nil {
				log.Errorf("sync failed: %+v", err)
			}
		case ingest.Timeout, ingest.Retry:
			// nothing pending; loop back around and wait again.
		case ingest.Closed:
			return
		}
	}
}
