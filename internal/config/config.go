package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	ClaimDirect      = "claim"
	ClaimRecordViews = "record-views"
)

// Config models tubekeeper.yml.
type Config struct {
	Server struct {
		Addr        string   `yaml:"addr"`
		BasePath    string   `yaml:"base_path"`
		CORSOrigins []string `yaml:"cors_origins"`
		JWTSecret   string   `yaml:"jwt_secret"`
		RateLimit   struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Ledger struct {
		RPCURL         string        `yaml:"rpc_url"`
		ChainID        int64         `yaml:"chain_id"`
		PrivateKey     string        `yaml:"private_key"`
		Address        string        `yaml:"trusttube_address"`
		ReceiptTimeout time.Duration `yaml:"receipt_timeout"`
	} `yaml:"ledger"`
	Attestation AttestationConfig `yaml:"attestation"`
	ViewSource  struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"viewsource"`
	Scheduler struct {
		PollInterval        time.Duration `yaml:"poll_interval"`
		EtagCheckCycle      int           `yaml:"etag_check_cycle"`
		PollingEnabled      bool          `yaml:"polling_enabled"`
		MaxConcurrentChecks int           `yaml:"max_concurrent_checks"`
		MaxHistory          int           `yaml:"max_history"`
		ClaimStrategy       string        `yaml:"claim_strategy"`
		ShutdownGrace       time.Duration `yaml:"shutdown_grace"`
	} `yaml:"scheduler"`
	Journal struct {
		Enabled   bool   `yaml:"enabled"`
		Workspace string `yaml:"workspace"`
	} `yaml:"journal"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Redis    struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

type AttestationConfig struct {
	VerifierURL          string        `yaml:"verifier_url"`
	VerifierAPIKey       string        `yaml:"verifier_api_key"`
	DALayerURL           string        `yaml:"da_layer_url"`
	DALayerAPIKey        string        `yaml:"da_layer_api_key"`
	RegistryAddress      string        `yaml:"registry_address"`
	FdcHubAddress        string        `yaml:"fdc_hub_address"`
	FeeConfigAddress     string        `yaml:"fee_config_address"`
	SystemsManagerAddr   string        `yaml:"systems_manager_address"`
	RelayAddress         string        `yaml:"relay_address"`
	VerificationAddress  string        `yaml:"verification_address"`
	ProtocolID           uint64        `yaml:"protocol_id"`
	FinalityPollInterval time.Duration `yaml:"finality_poll_interval"`
	ProofSettleDelay     time.Duration `yaml:"proof_settle_delay"`
	ProofRetryDelay      time.Duration `yaml:"proof_retry_delay"`
	ProofMaxAttempts     int           `yaml:"proof_max_attempts"`
	HTTPTimeout          time.Duration `yaml:"http_timeout"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("config.server.rate_limit must not be negative")
	}
	s := c.Scheduler
	if s.PollInterval <= 0 {
		return fmt.Errorf("config.scheduler.poll_interval must be positive")
	}
	if s.EtagCheckCycle <= 0 {
		return fmt.Errorf("config.scheduler.etag_check_cycle must be positive")
	}
	if s.MaxConcurrentChecks <= 0 {
		return fmt.Errorf("config.scheduler.max_concurrent_checks must be positive")
	}
	if s.MaxHistory <= 0 {
		return fmt.Errorf("config.scheduler.max_history must be positive")
	}
	switch s.ClaimStrategy {
	case ClaimDirect, ClaimRecordViews:
	default:
		return fmt.Errorf("config.scheduler.claim_strategy must be %q or %q", ClaimDirect, ClaimRecordViews)
	}
	a := c.Attestation
	if a.FinalityPollInterval <= 0 || a.ProofRetryDelay <= 0 || a.ProofSettleDelay <= 0 {
		return fmt.Errorf("config.attestation polling delays must be positive")
	}
	if a.ProofMaxAttempts <= 0 {
		return fmt.Errorf("config.attestation.proof_max_attempts must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// ValidateForServe additionally requires every external collaborator address.
func (c *Config) ValidateForServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	missing := []string{}
	for key, val := range map[string]string{
		"ledger.rpc_url":           c.Ledger.RPCURL,
		"ledger.private_key":       c.Ledger.PrivateKey,
		"ledger.trusttube_address": c.Ledger.Address,
		"attestation.verifier_url": c.Attestation.VerifierURL,
		"attestation.da_layer_url": c.Attestation.DALayerURL,
		"viewsource.url":           c.ViewSource.URL,
	} {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// envKeys are the settings that may be overridden from TUBEKEEPER_* variables.
var envKeys = []string{
	"server.addr",
	"server.jwt_secret",
	"ledger.rpc_url",
	"ledger.chain_id",
	"ledger.private_key",
	"ledger.trusttube_address",
	"attestation.verifier_url",
	"attestation.verifier_api_key",
	"attestation.da_layer_url",
	"attestation.da_layer_api_key",
	"attestation.registry_address",
	"viewsource.url",
	"journal.workspace",
	"redis.addr",
	"redis.password",
	"telemetry.endpoint",
}

// ApplyOverrides copies env/flag values known to v onto c.
func (c *Config) ApplyOverrides(v *viper.Viper) {
	for _, key := range envKeys {
		if !v.IsSet(key) {
			continue
		}
		val := v.GetString(key)
		switch key {
		case "server.addr":
			c.Server.Addr = val
		case "server.jwt_secret":
			c.Server.JWTSecret = val
		case "ledger.rpc_url":
			c.Ledger.RPCURL = val
		case "ledger.chain_id":
			c.Ledger.ChainID = v.GetInt64(key)
		case "ledger.private_key":
			c.Ledger.PrivateKey = val
		case "ledger.trusttube_address":
			c.Ledger.Address = val
		case "attestation.verifier_url":
			c.Attestation.VerifierURL = val
		case "attestation.verifier_api_key":
			c.Attestation.VerifierAPIKey = val
		case "attestation.da_layer_url":
			c.Attestation.DALayerURL = val
		case "attestation.da_layer_api_key":
			c.Attestation.DALayerAPIKey = val
		case "attestation.registry_address":
			c.Attestation.RegistryAddress = val
		case "viewsource.url":
			c.ViewSource.URL = val
		case "journal.workspace":
			c.Journal.Workspace = val
		case "redis.addr":
			c.Redis.Addr = val
		case "redis.password":
			c.Redis.Password = val
		case "telemetry.endpoint":
			c.Telemetry.Endpoint = val
		}
	}
}

// EnvKeys lists the overridable keys, used to bind env variables.
func EnvKeys() []string { return append([]string(nil), envKeys...) }

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tubekeeper.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults when the file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the reference configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses raw YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:3500
  base_path: /api
  cors_origins: ["http://localhost:3000"]
  rate_limit:
    rps: 5
    burst: 10

ledger:
  rpc_url: ""
  chain_id: 114
  trusttube_address: ""
  receipt_timeout: 2m

attestation:
  verifier_url: ""
  da_layer_url: ""
  registry_address: "0xaD67FE66660Fb8dFE9d6b1b4240d8650e30F6019"
  protocol_id: 200
  finality_poll_interval: 30s
  proof_settle_delay: 10s
  proof_retry_delay: 10s
  proof_max_attempts: 30
  http_timeout: 30s

viewsource:
  url: ""
  timeout: 15s

scheduler:
  poll_interval: 5m
  etag_check_cycle: 6
  polling_enabled: false
  max_concurrent_checks: 10
  max_history: 50
  claim_strategy: claim
  shutdown_grace: 10s

journal:
  enabled: true
  workspace: .

redis:
  channel: tubekeeper:events

telemetry:
  enabled: false
  endpoint: localhost:4317
  insecure: true
  service_name: tubekeeper
`
