package harness

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/polisai/dataharness/pkg/broker"
	"github.com/polisai/dataharness/pkg/cache"
	"github.com/polisai/dataharness/pkg/config"
	"github.com/polisai/dataharness/pkg/dataclient"
	"github.com/polisai/dataharness/pkg/docstore"
	"github.com/polisai/dataharness/pkg/fixtures"
	"github.com/polisai/dataharness/pkg/token"
	"github.com/polisai/dataharness/pkg/verify"
)

// Backends are the host-side clients verification talks to. A nil field
// makes the corresponding check skip.
type Backends struct {
	Topics   verify.TopicLister
	Store    verify.ProbeStore
	Tokens   verify.TokenFetcher
	Data     func(tok string) verify.SelfReader
	Cache    verify.Pinger
	Verifier *token.Verifier
}

// BackendFactory connects the backends for one verification run. The
// returned function releases them.
type BackendFactory func(ctx context.Context, cfg *config.Config, material *fixtures.Material, logger *slog.Logger) (Backends, func(), error)

// DefaultBackends connects to the published ports of a running topology.
// Services without a published port are left out.
func DefaultBackends(ctx context.Context, cfg *config.Config, material *fixtures.Material, logger *slog.Logger) (Backends, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		b       Backends
		closers []func()
	)
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Broker.ExternalPort != 0 {
		b.Topics = broker.NewInspector([]string{"localhost:" + strconv.Itoa(cfg.Broker.ExternalPort)}, broker.WithLogger(logger))
	}

	if cfg.Store.HostPort != 0 {
		store, err := docstore.Connect(ctx, docstore.URI("localhost", cfg.Store.HostPort), cfg.Store.Database, cfg.Store.ProbeCollection, docstore.WithLogger(logger))
		if err != nil {
			return Backends{}, nil, fmt.Errorf("failed to connect document store: %w", err)
		}
		b.Store = store
		closers = append(closers, func() {
			if err := store.Close(context.Background()); err != nil {
				logger.Warn("Failed to close document store", "error", err)
			}
		})
	}

	b.Tokens = token.NewClient(cfg.JWTURL(), material.APIKey,
		token.WithTokenPath(cfg.JWT.TokenPath),
		token.WithAPIKeyHeader(cfg.JWT.APIKeyHeader),
		token.WithLogger(logger),
	)
	b.Data = func(tok string) verify.SelfReader {
		return dataclient.New(cfg.DataURL(), dataclient.WithBearerToken(tok), dataclient.WithLogger(logger))
	}

	verifier, err := token.VerifierFromMaterial(material)
	if err != nil {
		release()
		return Backends{}, nil, err
	}
	b.Verifier = verifier

	if cfg.Cache.Enabled && cfg.Cache.HostPort != 0 {
		c, err := cache.NewClient(cache.URL("localhost", cfg.Cache.HostPort))
		if err != nil {
			release()
			return Backends{}, nil, err
		}
		b.Cache = c
		closers = append(closers, func() { _ = c.Close() })
	}

	return b, release, nil
}
