package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"echo-chat/go-engine/internal/config"
	"echo-chat/go-engine/internal/domains/contracts"
	"echo-chat/go-engine/internal/domains/recents"
	"echo-chat/go-engine/internal/engine"
	"echo-chat/go-engine/internal/identity"
	"echo-chat/go-engine/internal/ledger/ethledger"
	"echo-chat/go-engine/internal/ledger/memledger"
	"echo-chat/go-engine/internal/platform/privacylog"
	"echo-chat/go-engine/pkg/models"
)

// runtime is everything one CLI invocation needs, opened from config.
type runtime struct {
	cfg      config.Config
	engine   *engine.Engine
	ledger   contracts.LedgerGateway
	local    models.Identity
	registry *prometheus.Registry
	logger   *slog.Logger
	closers  []func() error
}

func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	return errors.Join(errs...)
}

// withRuntime opens the runtime, runs fn and closes the runtime. Closing
// persists the memory ledger, so it runs even when fn failed.
func withRuntime(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, rt *runtime) error) (err error) {
	rt, err := openRuntime(cmd.Context(), opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()
	return fn(cmd.Context(), rt)
}

func loadConfig(opts *rootOptions) (config.Config, error) {
	cfg, err := config.LoadFromPath(opts.configPath)
	if err != nil {
		return cfg, err
	}
	if v := strings.TrimSpace(opts.transport); v != "" {
		cfg.Ledger.Transport = strings.ToLower(v)
	}
	if v := strings.TrimSpace(opts.localUser); v != "" {
		cfg.Ledger.LocalUser = v
	}
	if v := strings.TrimSpace(opts.logLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(opts.logFormat); v != "" {
		cfg.Logging.Format = v
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "text") {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	return slog.New(privacylog.WrapHandler(handler))
}

func openRuntime(ctx context.Context, opts *rootOptions, logOut io.Writer) (*runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Logging, logOut)
	rt := &runtime{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ledger, local, err := rt.openLedger(ctx)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	store := recents.NewFileStateStore()
	store.Configure(cfg.Cache.Path, cfg.Cache.Secret)
	eng, err := engine.New(ledger, local.String(), engine.Options{
		ResolveConcurrency: cfg.Engine.ResolveConcurrency,
		ReadRatePerSecond:  cfg.Engine.ReadRatePerSecond,
		ReadBurst:          cfg.Engine.ReadBurst,
		NameCacheSize:      cfg.Engine.NameCacheSize,
		NameCacheTTL:       cfg.Engine.NameCacheTTL,
		CacheStore:         store,
		CacheLimit:         cfg.Cache.Limit,
		Registerer:         rt.registry,
		Logger:             logger,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.engine = eng
	rt.ledger = ledger
	rt.local = local
	logger.Debug("runtime opened",
		"component", "cli",
		"operation", "cli.open",
		"correlation_id", privacylog.FingerprintID(local.String()),
		"transport", cfg.Ledger.Transport,
		"local_user", local.String(),
	)
	return rt, nil
}

func (rt *runtime) openLedger(ctx context.Context) (contracts.LedgerGateway, models.Identity, error) {
	cfg := rt.cfg.Ledger
	switch cfg.Transport {
	case config.TransportMemory:
		local, err := identity.Parse(cfg.LocalUser)
		if err != nil {
			return nil, "", err
		}
		ledger, err := memledger.Open(cfg.MemoryStatePath, rt.cfg.Cache.Secret)
		if err != nil {
			return nil, "", fmt.Errorf("open memory ledger: %w", err)
		}
		rt.closers = append(rt.closers, func() error {
			return ledger.Save(cfg.MemoryStatePath, rt.cfg.Cache.Secret)
		})
		return ledger.Session(local), local, nil

	case config.TransportEthereum:
		var signer ethledger.Signer
		if cfg.PrivateKey != "" {
			keySigner, err := ethledger.NewKeySigner(cfg.PrivateKey)
			if err != nil {
				return nil, "", err
			}
			signer = keySigner
		}
		var local models.Identity
		if cfg.LocalUser != "" {
			parsed, err := identity.Parse(cfg.LocalUser)
			if err != nil {
				return nil, "", err
			}
			local = parsed
		} else {
			local = identity.FromAddress(signer.Address())
		}

		client, err := ethledger.Dial(ctx, cfg.RPCURL)
		if err != nil {
			return nil, "", err
		}
		rt.closers = append(rt.closers, func() error {
			client.Close()
			return nil
		})
		ledger, err := ethledger.New(client, common.HexToAddress(cfg.ContractAddress), local, signer, ethledger.Options{
			ChainID:             big.NewInt(cfg.ChainID),
			PollInterval:        cfg.ConfirmationPollInterval,
			ConfirmationTimeout: cfg.ConfirmationTimeout,
			Logger:              rt.logger,
		})
		if err != nil {
			return nil, "", err
		}
		return ledger, local, nil
	}
	return nil, "", fmt.Errorf("%w: unknown ledger transport %q", config.ErrInvalidConfig, cfg.Transport)
}
