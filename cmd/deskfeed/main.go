// deskfeed subscribes a configured universe of instruments through the
// desktop data proxy and prints or records the streamed fields.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mgirard/deskdata/internal/config"
	"github.com/mgirard/deskdata/internal/database"
	"github.com/mgirard/deskdata/internal/proxy"
	"github.com/mgirard/deskdata/internal/recorder"
	"github.com/mgirard/deskdata/internal/stream"
	"github.com/mgirard/deskdata/internal/version"
)

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "path to config file")
		logLevel    = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("deskfeed", version.String())
		return
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(logger, *configPath); err != nil {
		logger.Error("deskfeed failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	proxyOpts := []proxy.Option{
		proxy.WithHost(cfg.Proxy.Host),
		proxy.WithTimeout(cfg.Proxy.Timeout),
		proxy.WithRetries(cfg.Proxy.MaxRetries),
		proxy.WithLogger(logger),
	}
	if cfg.Proxy.Port != 0 {
		proxyOpts = append(proxyOpts, proxy.WithPort(cfg.Proxy.Port))
	}
	if cfg.Proxy.PortFile != "" {
		proxyOpts = append(proxyOpts, proxy.WithPortFile(cfg.Proxy.PortFile))
	}
	if len(cfg.Proxy.PortCandidates) > 0 {
		proxyOpts = append(proxyOpts, proxy.WithPortCandidates(cfg.Proxy.PortCandidates))
	}
	prx := proxy.New(cfg.AppKey, proxyOpts...)

	var rec *recorder.Writer
	if cfg.Recorder.Enabled {
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		rec = recorder.NewWriter(pool, cfg.Recorder, logger)
		if err := rec.Start(ctx); err != nil {
			return fmt.Errorf("start recorder: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			rec.Stop(stopCtx)
		}()
	}

	registry := stream.NewSessionRegistry()
	sess, err := stream.NewSession(stream.Config{
		AppKey:        cfg.AppKey,
		WSURL:         cfg.Streaming.URL,
		ApplicationID: cfg.Streaming.ApplicationID,
		Position:      cfg.Streaming.Position,
		UserName:      cfg.Streaming.UserName,
		DialTimeout:   cfg.Streaming.DialTimeout,
		WriteTimeout:  cfg.Streaming.WriteTimeout,
		StaleTimeout:  cfg.Streaming.StaleTimeout,
		EventBuffer:   cfg.Streaming.EventBuffer,
	},
		stream.WithLogger(logger),
		stream.WithProxy(prx),
		stream.WithRegistry(registry),
		stream.WithEventFunc(func(_ *stream.Session, code stream.EventCode, text string) {
			logger.Info("session event", "code", code.String(), "text", text)
		}),
		stream.WithStateFunc(func(_ *stream.Session, code stream.EventCode, text string) {
			logger.Info("session state", "code", code.String(), "text", text)
		}),
	)
	if err != nil {
		return fmt.Errorf("build session: %w", err)
	}

	if _, err := sess.Open(ctx); err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	group, err := stream.NewPriceGroup(sess, cfg.Watch.Instruments, stream.GroupConfig{
		Fields:  cfg.Watch.Fields,
		Service: cfg.Watch.Service,
		Handlers: stream.GroupHandlers{
			Refresh: func(_ *stream.PriceGroup, instrument string, fields map[string]any) {
				logger.Info("refresh", "instrument", instrument, "fields", len(fields))
				record(rec, instrument, fields)
			},
			Update: func(_ *stream.PriceGroup, instrument string, fields map[string]any) {
				logger.Debug("update", "instrument", instrument, "fields", fields)
				record(rec, instrument, fields)
			},
			Status: func(_ *stream.PriceGroup, instrument string, st stream.Status) {
				logger.Warn("stream status",
					"instrument", instrument, "state", st.State.String(),
					"code", st.Code, "text", st.Message)
			},
			Complete: func(g *stream.PriceGroup) {
				logger.Info("all instruments complete", "count", len(g.Instruments()))
			},
		},
	})
	if err != nil {
		return fmt.Errorf("build price group: %w", err)
	}

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if _, err := group.Open(openCtx); err != nil {
		cancel()
		return fmt.Errorf("open price group: %w", err)
	}
	cancel()
	defer group.Close()

	logger.Info("deskfeed running",
		"instruments", len(cfg.Watch.Instruments),
		"recording", cfg.Recorder.Enabled,
		"version", version.Version)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// record forwards numeric field values to the recorder.
func record(rec *recorder.Writer, instrument string, fields map[string]any) {
	if rec == nil {
		return
	}
	now := time.Now().UTC()
	for name, value := range fields {
		v, ok := asFloat(value)
		if !ok {
			continue
		}
		rec.Record(recorder.Tick{Instrument: instrument, Field: name, Value: v, At: now})
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
