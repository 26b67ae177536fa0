package main

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"framerelay/internal/config"
	"framerelay/internal/jobstore"
	"framerelay/internal/logging"
	"framerelay/internal/metrics"
	"framerelay/internal/remote/client"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
	loggerErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		c.logger, c.loggerErr = logging.NewFromConfig(cfg)
	})
	return c.logger, c.loggerErr
}

func (c *commandContext) openStore() (*jobstore.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return jobstore.Open(cfg)
}

// metrics returns a Prometheus recorder and its registry when a metrics bind
// address is configured, otherwise a no-op recorder and nil.
func (c *commandContext) metrics() (metrics.Recorder, *prometheus.Registry, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(cfg.Metrics.Bind) == "" {
		return metrics.Noop{}, nil, nil
	}
	reg := prometheus.NewRegistry()
	rec, err := metrics.NewProm("framerelay", reg)
	if err != nil {
		return nil, nil, err
	}
	return rec, reg, nil
}

func (c *commandContext) newClient(rec metrics.Recorder) (*client.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	return client.New(cfg, client.WithLogger(logger), client.WithMetrics(rec))
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
