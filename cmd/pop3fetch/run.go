package main

import (
	"context"
	"errors"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/infodancer/pop3fetch/internal/config"
	"github.com/infodancer/pop3fetch/internal/fetch"
	"github.com/infodancer/pop3fetch/internal/logging"
	"github.com/infodancer/pop3fetch/internal/metrics"
	"github.com/infodancer/pop3fetch/internal/uidstore"
)

func run(cfg config.Config) fetch.Result {
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.NewContext(ctx, logger)

	mailboxes, err := buildMailboxes(cfg)
	if err != nil {
		logger.Error("invalid mailbox", "error", err)
		return fetch.Classify(err)
	}

	if err := resolvePasswords(ctx, cfg, mailboxes, newSecretSource(cfg), terminalPrompt); err != nil {
		logger.Error("reading password", "error", err)
		return fetch.Error
	}

	keys := make([]uidstore.Key, len(mailboxes))
	for i, mb := range mailboxes {
		keys[i] = mb.Key()
	}
	idFile := config.ExpandHome(cfg.IDFile)
	store, err := uidstore.LoadFile(idFile, keys)
	if err != nil {
		logger.Error("loading id file", "path", idFile, "error", err)
		return fetch.IOErr
	}

	sink, err := fetch.NewSink(sinkOptions(cfg))
	if err != nil {
		logger.Error("opening delivery sink", "type", cfg.Delivery.Type, "error", err)
		return fetch.Classify(err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("closing delivery sink", "error", err)
		}
	}()

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = metrics.NewPrometheusCollector(reg)
		srv := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path, reg)
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	poller := fetch.NewPoller(store, sink, fetch.PollerOptions{
		IDFile:  idFile,
		Metrics: collector,
	})

	cycle := func(ctx context.Context) fetch.Result {
		outcomes, err := poller.Cycle(ctx, mailboxes, cfg.Parallel)
		if err != nil {
			logger.Error("poll cycle failed", "id_file", idFile, "error", err)
			return fetch.Classify(err)
		}
		results := make([]fetch.Result, len(outcomes))
		for i, o := range outcomes {
			results[i] = o.Result
		}
		return fetch.Summarize(results)
	}

	logger.Info("starting pop3fetch",
		"mailboxes", len(mailboxes),
		"delivery", cfg.Delivery.Type,
		"daemon", cfg.Daemon)

	interval := cfg.DaemonInterval()
	if interval <= 0 {
		res := cycle(ctx)
		logger.Debug("poll cycle finished", "result", res.String())
		return res
	}

	backoff := fetch.DefaultBackoffConfig()
	backoff.InitialInterval = cfg.Retry.InitialInterval()
	backoff.MaxInterval = cfg.Retry.MaxInterval()

	d := &fetch.Daemon{Interval: interval, Backoff: backoff, Cycle: cycle}
	res := d.Run(ctx)
	logger.Info("pop3fetch stopped", "result", res.String())
	return res
}

func sinkOptions(cfg config.Config) fetch.SinkOptions {
	d := cfg.Delivery
	return fetch.SinkOptions{
		Type:          d.Type,
		Path:          config.ExpandHome(d.Path),
		MaildirSubdir: d.MaildirSubdir,
		SMTPAddress:   d.SMTPAddress,
		HeloName:      d.HeloName,
		From:          d.From,
		Recipients:    recipients(d.Recipients),
	}
}

// recipients defaults to the invoking user, as local delivery does.
func recipients(configured []string) []string {
	if len(configured) > 0 {
		return configured
	}
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return nil
	}
	return []string{u.Username}
}
