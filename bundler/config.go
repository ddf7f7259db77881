package bundler

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

var kindNames = map[string]TxKind{
	"transfer":      KindTransfer,
	"approve":       KindApprove,
	"add-liquidity": KindAddLiquidity,
	"buy":           KindBuy,
	"sell":          KindSell,
}

type RelayEntry struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Disabled bool   `yaml:"disabled"`
}

// Config is the YAML bundler configuration. Omitted fields keep their defaults.
type Config struct {
	ChainID int64        `yaml:"chain_id"`
	Router  string       `yaml:"router"`
	WETH    string       `yaml:"weth"`
	Relays  []RelayEntry `yaml:"relays"`

	Gas struct {
		MaxFeeGwei      string            `yaml:"max_fee_gwei"`
		PriorityFeeGwei string            `yaml:"priority_fee_gwei"`
		Limits          map[string]uint64 `yaml:"limits"`
	} `yaml:"gas"`

	Monitor struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		Timeout      time.Duration `yaml:"timeout"`
	} `yaml:"monitor"`

	Throttle struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		MaxRetries        uint64  `yaml:"max_retries"`
	} `yaml:"throttle"`

	RelayTimeout   time.Duration `yaml:"relay_timeout"`
	DeadlineWindow time.Duration `yaml:"deadline_window"`
	SignDelay      time.Duration `yaml:"sign_delay"`
}

func DefaultConfig() *Config {
	cfg := &Config{
		ChainID:        1,
		Router:         DefaultRouter.Hex(),
		WETH:           DefaultWETH.Hex(),
		Relays:         []RelayEntry{{Name: "beaverbuild", URL: DefaultRelayURL}},
		RelayTimeout:   DefaultRelayTimeout,
		DeadlineWindow: DefaultDeadlineWindow,
		SignDelay:      50 * time.Millisecond,
	}
	cfg.Gas.MaxFeeGwei = "15"
	cfg.Gas.PriorityFeeGwei = "0.3"
	cfg.Monitor.PollInterval = DefaultPollInterval
	cfg.Monitor.Timeout = DefaultSettlementTimeout
	cfg.Throttle.RequestsPerSecond = DefaultThrottleConfig.RequestsPerSecond
	cfg.Throttle.MaxRetries = DefaultThrottleConfig.MaxRetries
	return cfg
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
func LoadConfig(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ChainID <= 0 {
		return fmt.Errorf("%w: chain_id %d", ErrInvalidConfig, c.ChainID)
	}
	if !common.IsHexAddress(c.Router) {
		return fmt.Errorf("%w: router %q", ErrInvalidConfig, c.Router)
	}
	if !common.IsHexAddress(c.WETH) {
		return fmt.Errorf("%w: weth %q", ErrInvalidConfig, c.WETH)
	}
	if len(c.RelayEndpoints()) == 0 {
		return fmt.Errorf("%w: no enabled relays", ErrInvalidConfig)
	}
	for name := range c.Gas.Limits {
		if _, ok := kindNames[name]; !ok {
			return fmt.Errorf("%w: unknown gas limit %q", ErrInvalidConfig, name)
		}
	}
	if _, err := c.GasPolicy(); err != nil {
		return err
	}
	return nil
}

func (c *Config) ChainIDBig() *big.Int {
	return big.NewInt(c.ChainID)
}

func (c *Config) RelayEndpoints() []RelayEndpoint {
	endpoints := make([]RelayEndpoint, 0, len(c.Relays))
	for _, relay := range c.Relays {
		if relay.Disabled || relay.URL == "" {
			continue
		}
		endpoints = append(endpoints, RelayEndpoint{Name: relay.Name, URL: relay.URL})
	}
	return endpoints
}

func (c *Config) GasPolicy() (GasPolicy, error) {
	policy := DefaultGasPolicy()
	var err error
	if c.Gas.MaxFeeGwei != "" {
		if policy.FeeCap, err = ParseGwei(c.Gas.MaxFeeGwei); err != nil {
			return GasPolicy{}, fmt.Errorf("%w: max_fee_gwei: %v", ErrInvalidConfig, err)
		}
	}
	if c.Gas.PriorityFeeGwei != "" {
		if policy.TipCap, err = ParseGwei(c.Gas.PriorityFeeGwei); err != nil {
			return GasPolicy{}, fmt.Errorf("%w: priority_fee_gwei: %v", ErrInvalidConfig, err)
		}
	}
	if policy.FeeCap.Cmp(policy.TipCap) < 0 {
		return GasPolicy{}, fmt.Errorf("%w: max fee below priority fee", ErrInvalidConfig)
	}
	for name, limit := range c.Gas.Limits {
		if kind, ok := kindNames[name]; ok {
			policy.Limits[kind] = limit
		}
	}
	return policy, nil
}

func (c *Config) AssemblerConfig() (AssemblerConfig, error) {
	gas, err := c.GasPolicy()
	if err != nil {
		return AssemblerConfig{}, err
	}
	return AssemblerConfig{
		Router:         common.HexToAddress(c.Router),
		WETH:           common.HexToAddress(c.WETH),
		Gas:            gas,
		DeadlineWindow: c.DeadlineWindow,
		SignDelay:      c.SignDelay,
	}, nil
}

func (c *Config) MonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval: c.Monitor.PollInterval,
		Timeout:      c.Monitor.Timeout,
	}
}

func (c *Config) ThrottleConfig() ThrottleConfig {
	cfg := DefaultThrottleConfig
	cfg.RequestsPerSecond = c.Throttle.RequestsPerSecond
	cfg.MaxRetries = c.Throttle.MaxRetries
	return cfg
}
