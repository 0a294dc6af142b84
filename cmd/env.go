package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-sync/internal/metrics"
	"github.com/sells-group/prospect-sync/internal/monitoring"
	"github.com/sells-group/prospect-sync/internal/pipeline"
	"github.com/sells-group/prospect-sync/internal/rules"
	"github.com/sells-group/prospect-sync/internal/source"
	"github.com/sells-group/prospect-sync/internal/store"
	"github.com/sells-group/prospect-sync/internal/transform"
)

const defaultSQLitePath = "prospect-sync.db"

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore connects and migrates. Callers close the returned store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// pipelineEnv holds everything the run and serve commands share.
type pipelineEnv struct {
	Store        store.Store
	Catalog      *rules.Catalog
	Metrics      *metrics.Metrics
	Alerts       *monitoring.Manager
	Orchestrator *pipeline.Orchestrator
	Adapters     []source.Adapter
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates the config for mode, opens the store and builds
// the orchestrator. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	catalog, err := rules.Load(cfg.Rules.Path)
	if err != nil {
		return nil, eris.Wrap(err, "load rules catalog")
	}
	registry, err := transform.NewRegistry(transform.Options{})
	if err != nil {
		return nil, eris.Wrap(err, "build transform registry")
	}
	adapters, err := source.FromConfig(cfg.Feeds, source.DefaultFetchers())
	if err != nil {
		return nil, eris.Wrap(err, "build feed adapters")
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	retention := monitoring.RetentionDays(cfg.Monitoring.AlertRetentionDays)
	alerts := monitoring.NewManager(st, catalog, retention)

	orch, err := pipeline.New(cfg, pipeline.Deps{
		Store:    st,
		Registry: registry,
		Catalog:  catalog,
		Alerts:   alerts,
		Metrics:  m,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	zap.L().Info("pipeline initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Int("feeds", len(adapters)),
		zap.Int("rules", len(catalog.FieldNames())),
	)

	return &pipelineEnv{
		Store:        st,
		Catalog:      catalog,
		Metrics:      m,
		Alerts:       alerts,
		Orchestrator: orch,
		Adapters:     adapters,
	}, nil
}
