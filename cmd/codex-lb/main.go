package main

import (
	"log/slog"
	"os"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/auth"
	"github.com/codexlb/codex-lb/internal/balancer"
	"github.com/codexlb/codex-lb/internal/config"
	"github.com/codexlb/codex-lb/internal/metrics"
	"github.com/codexlb/codex-lb/internal/proxy"
	"github.com/codexlb/codex-lb/internal/refresher"
	"github.com/codexlb/codex-lb/internal/reqlog"
	"github.com/codexlb/codex-lb/internal/server"
	"github.com/codexlb/codex-lb/internal/sticky"
	"github.com/codexlb/codex-lb/internal/store"
	"github.com/codexlb/codex-lb/internal/transport"
	"github.com/codexlb/codex-lb/internal/upstream"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.Info("codex-lb starting", "version", version)

	crypto, err := account.NewCryptoFromFile(cfg.EncryptionKeyFile)
	if err != nil {
		slog.Error("encryption key load failed", "path", cfg.EncryptionKeyFile, "error", err)
		os.Exit(1)
	}

	s, err := store.Open(cfg.DatabaseURL, cfg.AccountsDatabaseURL)
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer s.Close()
	slog.Info("database ready", "path", cfg.DatabaseURL, "split_accounts", cfg.AccountsDatabaseURL != "")

	st, err := newStickyStore(s, cfg)
	if err != nil {
		slog.Error("sticky backend init failed", "backend", cfg.StickyBackend, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	tm := transport.NewManager(cfg.UpstreamTimeout)
	defer tm.Close()

	reg := metrics.NewRegistry()
	builder := balancer.NewBuilder(s, st, cfg.SnapshotTTL)
	selector := balancer.NewSelector(s, builder, st, reg, cfg)
	am := auth.NewManager(s, crypto, cfg)
	uc := upstream.NewClient(tm, cfg)
	inliner := upstream.NewInliner(cfg)
	logs := reqlog.NewWriter(s, reg, cfg)
	hasher := sticky.NewHasher(crypto.KeyMaterial())
	svc := proxy.NewService(s, selector, am, uc, inliner, logs, hasher, reg, cfg)
	rf := refresher.New(s, am, uc, builder, reg, cfg)

	srv := server.New(cfg, s, builder, svc, reg, tm, logs, rf)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newStickyStore(s *store.Store, cfg *config.Config) (sticky.Store, error) {
	switch cfg.StickyBackend {
	case config.StickyBackendRedis:
		r, err := sticky.NewRedis(cfg.StickyRedisAddr, cfg.StickyTTL)
		return r, err
	case config.StickyBackendDB:
		return sticky.NewDB(s), nil
	default:
		m, err := sticky.NewMemory(cfg.StickyMaxEntries, cfg.StickyTTL)
		return m, err
	}
}
