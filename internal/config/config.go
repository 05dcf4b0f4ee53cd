// Package config binds the responder's command-line flags to a typed
// configuration struct, following the flag-name-constant-plus-loader
// pattern the rest of this codebase's ancestry uses.
package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	ParamListen        = "listen"
	ParamListenFD      = "listen-fd"
	ParamThreads       = "threads"
	ParamQueueCapacity = "queue-capacity"
	ParamTimeout       = "timeout"
	ParamAccessLog     = "access-log"
	ParamMetricsAddr   = "metrics-addr"
	ParamVerbose       = "verbose"
)

// Config is the responder's resolved runtime configuration.
type Config struct {
	Listen        string        // TCP address to listen on, e.g. ":9000"
	ListenFD      int           // inherited listening socket fd; -1 if unused
	Threads       int           // event-loop worker count
	QueueCapacity int           // hand-off queue's advisory initial capacity
	Timeout       time.Duration // idle-connection timeout; logged at startup, not applied to connections
	AccessLog     bool          // enable access logging
	MetricsAddr   string        // address for the Prometheus /metrics endpoint, empty disables it
	Verbose       bool          // print debug output

	logger *logrus.Logger
}

// DefineParams registers every flag this responder understands.
func DefineParams(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP(ParamListen, "l", ":9000", "TCP address to listen on")
	cmd.PersistentFlags().Int(ParamListenFD, -1, "Inherited listening socket file descriptor (overrides --listen)")
	cmd.PersistentFlags().IntP(ParamThreads, "t", 4, "Number of event-loop worker threads")
	cmd.PersistentFlags().Int(ParamQueueCapacity, 256, "Initial capacity of the request hand-off queue")
	cmd.PersistentFlags().Duration(ParamTimeout, 30*time.Second, "Idle connection timeout [10s, 30s, 1m]; reported at startup, not applied to connections")
	cmd.PersistentFlags().Bool(ParamAccessLog, false, "Enable access logging")
	cmd.PersistentFlags().String(ParamMetricsAddr, "", "Address to serve Prometheus metrics on, empty disables it")
	cmd.PersistentFlags().BoolP(ParamVerbose, "v", false, "Print debug output")
}

// LoadConfig resolves the bound flag set into a Config.
func LoadConfig(set *pflag.FlagSet, logger *logrus.Logger) (*Config, error) {
	timeout, err := set.GetDuration(ParamTimeout)
	if err != nil {
		return nil, fmt.Errorf("could not load %q: %w", ParamTimeout, err)
	}

	return &Config{
		Listen:        ignoreError(set.GetString(ParamListen)),
		ListenFD:      ignoreError(set.GetInt(ParamListenFD)),
		Threads:       ignoreError(set.GetInt(ParamThreads)),
		QueueCapacity: ignoreError(set.GetInt(ParamQueueCapacity)),
		Timeout:       timeout,
		AccessLog:     ignoreError(set.GetBool(ParamAccessLog)),
		MetricsAddr:   ignoreError(set.GetString(ParamMetricsAddr)),
		Verbose:       ignoreError(set.GetBool(ParamVerbose)),

		logger: logger,
	}, nil
}

// LogConfig prints the resolved configuration at info level, the way an
// operator would want to see it echoed back at startup.
func (c *Config) LogConfig() {
	c.logger.Infof("[CONFIG] Listen: %s", c.Listen)
	if c.ListenFD >= 0 {
		c.logger.Infof("[CONFIG] ListenFD: %d", c.ListenFD)
	}
	c.logger.Infof("[CONFIG] Threads: %d", c.Threads)
	c.logger.Infof("[CONFIG] Queue capacity: %d", c.QueueCapacity)
	c.logger.Infof("[CONFIG] Timeout: %s", c.Timeout)
	c.logger.Infof("[CONFIG] Access logging: %t", c.AccessLog)
	c.logger.Infof("[CONFIG] Metrics address: %s", c.MetricsAddr)
	c.logger.Infof("[CONFIG] Verbose: %t", c.Verbose)
}

func ignoreError[K string | bool | int | []string](value K, _ error) K {
	return value
}
