package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:3500", cfg.Server.Addr)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.PollInterval)
	assert.Equal(t, 6, cfg.Scheduler.EtagCheckCycle)
	assert.Equal(t, 10, cfg.Scheduler.MaxConcurrentChecks)
	assert.Equal(t, 50, cfg.Scheduler.MaxHistory)
	assert.False(t, cfg.Scheduler.PollingEnabled)
	assert.Equal(t, 30*time.Second, cfg.Attestation.FinalityPollInterval)
	assert.Equal(t, 30, cfg.Attestation.ProofMaxAttempts)
	assert.Equal(t, uint64(200), cfg.Attestation.ProtocolID)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("scheduler:\n  poll_interval: 90s\n  claim_strategy: record-views\n"))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, ClaimRecordViews, cfg.Scheduler.ClaimStrategy)
	assert.Equal(t, 6, cfg.Scheduler.EtagCheckCycle)
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"cadence":  "scheduler:\n  etag_check_cycle: 0\n",
		"strategy": "scheduler:\n  claim_strategy: sometimes\n",
		"base":     "server:\n  base_path: api\n",
		"webhook":  "webhooks:\n  - url: \"\"\n",
		"syntax":   "server: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestValidateForServeListsMissing(t *testing.T) {
	cfg := Default()
	err := cfg.ValidateForServe()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.rpc_url")
	assert.Contains(t, err.Error(), "viewsource.url")

	cfg.Ledger.RPCURL = "http://rpc"
	cfg.Ledger.PrivateKey = "aa"
	cfg.Ledger.Address = "0x01"
	cfg.Attestation.VerifierURL = "http://verifier"
	cfg.Attestation.DALayerURL = "http://da"
	cfg.ViewSource.URL = "http://worker"
	assert.NoError(t, cfg.ValidateForServe())
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestFromFile(t *testing.T) {
	path := Path(t.TempDir())
	require.NoError(t, os.WriteFile(path, []byte("viewsource:\n  url: http://worker\n"), 0o644))
	cfg, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "http://worker", cfg.ViewSource.URL)
}

func TestApplyOverrides(t *testing.T) {
	v := viper.New()
	v.Set("ledger.rpc_url", "http://override")
	v.Set("ledger.chain_id", "14")
	cfg := Default()
	cfg.ApplyOverrides(v)
	assert.Equal(t, "http://override", cfg.Ledger.RPCURL)
	assert.Equal(t, int64(14), cfg.Ledger.ChainID)
	assert.Equal(t, "127.0.0.1:3500", cfg.Server.Addr)
}
