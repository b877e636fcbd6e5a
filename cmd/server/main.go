package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"voxelrtp/internal/logging"
	"voxelrtp/internal/observerproto"
	persistlog "voxelrtp/internal/persistence/log"
	"voxelrtp/internal/rtp"
	rtpconfig "voxelrtp/internal/rtp/config"
	"voxelrtp/internal/rtp/metrics"
	"voxelrtp/internal/rtp/ratelimit"
	"voxelrtp/internal/settings"
	"voxelrtp/internal/sim/catalogs"
	"voxelrtp/internal/sim/multiworld"
	"voxelrtp/internal/telemetry"
	"voxelrtp/internal/transport/observer"
	"voxelrtp/internal/transport/ws"
)

func main() {
	fs := pflag.NewFlagSet("server", pflag.ExitOnError)
	settings.Flags(fs)
	_ = fs.Parse(os.Args[1:])

	st, err := settings.Load(fs)
	if err != nil {
		boot := logging.New(os.Stderr, "info", true)
		boot.Fatal().Err(err).Msg("load settings")
	}
	logger := logging.New(os.Stdout, st.LogLevel, st.LogPretty)

	if err := run(st, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func run(st settings.Settings, logger zerolog.Logger) error {
	ctx, cancel := signalContext()
	defer cancel()

	worldsPath := st.WorldsFile
	if worldsPath == "" {
		worldsPath = filepath.Join(st.ConfigsDir, "worlds.yaml")
	}
	rtpPath := st.RTPFile
	if rtpPath == "" {
		rtpPath = filepath.Join(st.ConfigsDir, "rtp.yaml")
	}

	cats, err := catalogs.Load(st.ConfigsDir)
	if err != nil {
		return err
	}
	wcfg, err := multiworld.Load(worldsPath)
	if err != nil {
		return err
	}
	rcfg, err := rtpconfig.Load(rtpPath)
	if err != nil {
		return err
	}
	store := rtpconfig.NewStore(rcfg)

	runtimes, err := multiworld.BuildRuntimes(wcfg, st.Seed, cats, logger)
	if err != nil {
		return err
	}
	mgr, err := multiworld.NewManager(wcfg, runtimes, filepath.Join(st.DataDir, "residency.json"), logger)
	if err != nil {
		return err
	}
	defer mgr.Close()

	idx, err := openRuntimeIndex(st, logger)
	if err != nil {
		return err
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertCatalogs(st.ConfigsDir, cats); err != nil {
			logger.Warn().Err(err).Msg("index backend: upsert catalogs")
		}
	}

	var recorders rtp.Recorders
	if !st.DisableAudit {
		audit := persistlog.NewOutcomeLogger(st.DataDir)
		defer audit.Close()
		recorders = append(recorders, audit)
	}
	if idx != nil {
		recorders = append(recorders, idx)
	}
	obs := observer.NewServer(func() observerproto.BootstrapResponse {
		return bootstrap(mgr, store, cats, st.Seed)
	}, logger)
	recorders = append(recorders, obs)

	tp, err := telemetry.New(ctx, telemetry.Config{
		Exporter: st.Metrics.Exporter,
		Interval: time.Duration(st.Metrics.IntervalMS) * time.Millisecond,
		Endpoint: st.Metrics.Endpoint,
		Insecure: st.Metrics.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics shutdown")
		}
	}()

	limiter := ratelimit.New()
	m, err := metrics.NewWithMeter(tp.Meter(metrics.InstrumentationName), limiter.Searching)
	if err != nil {
		return err
	}
	svc, err := rtp.New(rtp.Options{
		Config:    store,
		Worlds:    worldsOf(mgr),
		Limiter:   limiter,
		Logger:    logger,
		Metrics:   m,
		Recorder:  recorders,
		Messenger: mgr,
		Relocator: mgr,
	})
	if err != nil {
		return err
	}

	go watchReload(ctx, store, rtpPath, logger)

	mgrDone := make(chan error, 1)
	go func() { mgrDone <- mgr.Run(ctx) }()

	wsSrv := ws.NewServer(ws.Options{
		Sessions:    mgr,
		Teleporter:  svc,
		Logger:      logger,
		BypassToken: st.BypassToken,
	})
	mux := newMux(adminDeps{
		Manager:    mgr,
		Service:    svc,
		Store:      store,
		RTPPath:    rtpPath,
		Index:      historyOf(idx),
		IndexStats: statsOf(idx),
		Pprof:      st.Pprof,
		Logger:     logger,
	})
	mux.HandleFunc("/v1/ws", wsSrv.Handler())
	mux.HandleFunc("/v1/observe", obs.WSHandler())
	mux.HandleFunc("/admin/v1/observer/bootstrap", obs.BootstrapHandler())

	httpSrv := &http.Server{
		Addr:              st.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", st.Addr).Strs("worlds", mgr.WorldIDs()).Msg("listening")
		srvErr <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if !errors.Is(err, http.ErrServerClosed) {
			cancel()
			<-mgrDone
			return err
		}
	case err := <-mgrDone:
		if err != nil {
			return err
		}
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
	mgr.Stop()
	return nil
}

// worldsOf exposes the manager's worlds to the teleport service.
func worldsOf(mgr *multiworld.Manager) rtp.Worlds {
	return rtp.WorldsFunc(func(id string) (rtp.World, bool) {
		w, ok := mgr.World(id)
		if !ok {
			return nil, false
		}
		return w, true
	})
}

func bootstrap(mgr *multiworld.Manager, store *rtpconfig.Store, cats *catalogs.Catalogs, baseSeed int64) observerproto.BootstrapResponse {
	resp := observerproto.BootstrapResponse{
		RTPWorld:     store.Snapshot().World,
		BlockPalette: cats.Blocks.Palette,
	}
	for _, id := range mgr.WorldIDs() {
		rt := mgr.Runtime(id)
		if rt == nil {
			continue
		}
		wc := rt.Spec.WorldConfig(baseSeed)
		resp.Worlds = append(resp.Worlds, observerproto.WorldParams{
			ID:        id,
			Height:    wc.Height,
			SeaLevel:  wc.SeaLevel,
			BoundaryR: wc.BoundaryR,
			Seed:      wc.Seed,
		})
	}
	return resp
}

// watchReload re-reads the teleport config on SIGHUP. A bad file keeps the
// previous config in place.
func watchReload(ctx context.Context, store *rtpconfig.Store, path string, logger zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			reloadConfig(store, path, logger)
		}
	}
}

func reloadConfig(store *rtpconfig.Store, path string, logger zerolog.Logger) (rtpconfig.Config, error) {
	cfg, err := store.Reload(path)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("rtp config reload failed")
		return rtpconfig.Config{}, err
	}
	logger.Info().Str("world", cfg.World).Int("cooldown_seconds", cfg.CooldownSeconds).Msg("rtp config reloaded")
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
