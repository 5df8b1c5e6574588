package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/JamesJJ/dmarc-rollup/internal/ingest"
	"github.com/JamesJJ/dmarc-rollup/internal/rollup"
	"github.com/JamesJJ/dmarc-rollup/internal/store"
	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// services are the long-lived dependencies shared by the commands.
type services struct {
	store *store.Store
	redis *redis.Client
	cache *rollup.Cache
	geo   *rollup.GeoIP
}

func openServices(ctx context.Context, conf config) (*services, error) {

	if *conf.dbDSN == "" {
		return nil, errors.New("--db-dsn is required")
	}

	dialector, err := store.Dialector(*conf.dbDriver, *conf.dbDSN)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(
		store.WithDialector(dialector),
		store.WithAutoMigrate(*conf.autoMigrate),
	)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	svc := &services{store: st}

	if *conf.redisURL != "" {
		client, err := newRedisClient(ctx, *conf.redisURL)
		if err != nil {
			// Views and ingestion work without the cache.
			log.Warn("Rollup cache disabled", "error", err)
		} else {
			svc.redis = client
			svc.cache = rollup.NewCache(client, *conf.cacheTTL)
		}
	}

	if *conf.geoipDB != "" {
		geo, err := rollup.OpenGeoIP(*conf.geoipDB)
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.geo = geo
	}

	return svc, nil
}

func (s *services) engine(conf config) *rollup.Engine {
	opts := []rollup.Option{
		rollup.WithPassPolicy(rollup.PassPolicy{RequireDispositionNone: *conf.requireDispositionNone}),
	}
	if s.cache != nil {
		opts = append(opts, rollup.WithCache(s.cache))
	}
	if s.geo != nil {
		opts = append(opts, rollup.WithCountryResolver(s.geo))
	}
	return rollup.NewEngine(s.store, opts...)
}

// coordinator builds an ingestion coordinator that invalidates cached views
// whenever a new report is stored.
func (s *services) coordinator(conf config) *ingest.Coordinator {
	opts := []ingest.Option{
		ingest.WithWorkers(*conf.workers),
		ingest.WithTimeout(*conf.fileTimeout),
		ingest.WithMaxXMLSize(*conf.maxXMLSize),
	}
	if s.cache != nil {
		cache := s.cache
		opts = append(opts, ingest.WithOnStored(func(ctx context.Context, r *store.Report) {
			if err := cache.Invalidate(ctx); err != nil {
				log.Warn("Failed to invalidate rollup cache", "report", r.ReportID, "error", err)
			}
		}))
	}
	return ingest.NewCoordinator(s.store, opts...)
}

func (s *services) Close() {
	if s.geo != nil {
		if err := s.geo.Close(); err != nil {
			log.Debug("Closing GeoIP database", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Debug("Closing Redis client", "error", err)
		}
	}
	if err := s.store.Close(); err != nil {
		log.Debug("Closing database", "error", err)
	}
}
