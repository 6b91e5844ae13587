package worker

import (
	"errors"
	"net/url"
	"runtime"
	"time"

	"github.com/driftlab/husk/pkg/log"
	"github.com/driftlab/husk/pkg/utils"
)

type Config struct {
	// Endpoint of the scheduler service, tcp://host:port.
	SchedulerURI string `mapstructure:"scheduler_uri"`

	// Host to bind the public listener to.
	ListenHost string `mapstructure:"listen_host"`

	// First port to try for the public listener. Zero picks an
	// ephemeral port.
	ListenPort int `mapstructure:"listen_port"`

	// Ports tried past ListenPort when the listener is busy.
	PortRetries int `mapstructure:"port_retries"`

	// Thread count advertised to the scheduler; bounds concurrent
	// executions.
	Ncores int `mapstructure:"threads"`

	// Upper bound on distinct peers fetched from concurrently.
	TotalConnections int `mapstructure:"total_connections"`

	// Per-connection fetch batch size limit, e.g. "50MB".
	TargetMessageSize string `mapstructure:"target_message_size"`

	// Abstract resource quantities offered to constrained tasks.
	Resources map[string]float64 `mapstructure:"resources"`

	// Whether to check state invariants at every transition.
	ValidateState bool `mapstructure:"validate"`

	// Coalescing window of the batched scheduler stream.
	BatchInterval time.Duration `mapstructure:"batch_interval"`

	// Grace period between scheduler lookups for a missing dep.
	MissingDepRetry time.Duration `mapstructure:"missing_dep_retry"`

	// Dial timeout for peer and scheduler connections.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// Optional debug HTTP endpoint, host:port. Disabled if empty.
	HttpListen string `mapstructure:"http_listen"`
}

func DefaultConfig() *Config {
	return &Config{
		ListenHost:        "0.0.0.0",
		PortRetries:       16,
		Ncores:            runtime.NumCPU(),
		TotalConnections:  50,
		TargetMessageSize: "50MB",
		ValidateState:     true,
		BatchInterval:     2 * time.Millisecond,
		MissingDepRetry:   100 * time.Millisecond,
		ConnectTimeout:    5 * time.Second,
	}
}

// Checks if the worker configuration is valid.
func (c *Config) Validate() error {
	if c.SchedulerURI == "" {
		return errors.New("A scheduler URI is required")
	}

	if _, err := url.Parse(c.SchedulerURI); err != nil {
		return errors.New("The scheduler URI is not a valid URI")
	}

	if c.Ncores <= 0 {
		return errors.New("The thread count must be greater than zero")
	}

	if c.TotalConnections <= 0 {
		return errors.New("The connection budget must be greater than zero")
	}

	if size, err := utils.ParseSize(c.TargetMessageSize); err != nil || size <= 0 {
		return errors.New("The target message size must be greater than zero")
	}

	for name, quantity := range c.Resources {
		if quantity < 0 {
			return errors.New("The quantity of resource " + name + " must not be negative")
		}
	}

	return nil
}

func (c *Config) Log() {
	log.Info("Worker configuration:")
	log.Infof("  scheduler_uri = %s", c.SchedulerURI)
	log.Infof("  listen_host = %s", c.ListenHost)
	log.Infof("  threads = %d", c.Ncores)
	log.Infof("  total_connections = %d", c.TotalConnections)
	log.Infof("  target_message_size = %s", c.TargetMessageSize)
	log.Infof("  resources = %v", c.Resources)
	log.Infof("  validate = %v", c.ValidateState)
}
