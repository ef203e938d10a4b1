package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/loadsweep/internal/common/sweeperrors"
)

func validConfig(t *testing.T) SweepConfig {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.Set("topology.server.address", "node0")
	v.Set("topology.client.address", "node1")
	v.Set("topology.agents", []map[string]interface{}{{"address": "node2"}, {"address": "node3"}})
	config, err := Load(v)
	require.NoError(t, err)
	return config
}

func TestLoad_Defaults(t *testing.T) {
	config := validConfig(t)

	assert.Equal(t, Breakwater, config.Experiment.Variant)
	assert.Equal(t, Exponential, config.Experiment.Distribution)
	assert.Equal(t, []int64{800000}, config.Experiment.OfferedLoads)
	assert.Equal(t, 110, config.Experiment.Slo())
	assert.Equal(t, 30*time.Second, config.Readiness.Timeout)
	assert.Equal(t, "192.168.1.200", config.Topology.Server.DataAddress)
	assert.Equal(t, "192.168.1.100", config.Topology.Client.DataAddress)
	assert.Equal(t, "192.168.1.101", config.Topology.Agents[0].DataAddress)
	assert.Equal(t, "192.168.1.102", config.Topology.Agents[1].DataAddress)
	require.Len(t, config.Paths.Assets, 1)
	assert.Equal(t, "artifact/caladan/breakwater/src", config.Paths.Assets[0].Destination)
	assert.True(t, config.Antagonist.Enabled)
	assert.True(t, config.Antagonist.NamedKill)
	assert.False(t, config.Antagonist.CapturePids)
	assert.NoError(t, config.Validate())
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
experiment:
  variant: NoControl
  distribution: bimod
  offeredLoads: [100, 200]
  loadPointTimeout: 2m
  sloUs: 50
topology:
  server:
    address: s
    dataAddress: 10.0.0.1
  client:
    address: c
    dataAddress: 10.0.0.2
`), 0o644))

	v, err := NewViper(path)
	require.NoError(t, err)
	config, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, NoControl, config.Experiment.Variant)
	assert.Equal(t, Bimodal, config.Experiment.Distribution)
	assert.Equal(t, []int64{100, 200}, config.Experiment.OfferedLoads)
	assert.Equal(t, 2*time.Minute, config.Experiment.LoadPointTimeout)
	assert.Equal(t, 50, config.Experiment.Slo())
	assert.Equal(t, "10.0.0.1", config.Topology.Server.DataAddress)
	assert.NoError(t, config.Validate())
}

func TestLoad_UnknownVariant(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("experiment.variant", "fifo")
	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `is invalid for field "experiment.variant"`)
}

func TestParseDistribution(t *testing.T) {
	d, err := ParseDistribution(" CONST ")
	require.NoError(t, err)
	assert.Equal(t, Constant, d)

	_, err = ParseDistribution("uniform")
	var invalid *sweeperrors.ErrInvalidArgument
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "experiment.distribution", invalid.Name)
}

func TestPrefix(t *testing.T) {
	config := validConfig(t)
	assert.Equal(t, "breakwater_exp_1_nconn_1000", config.Prefix())

	config.Experiment.Variant = Protego
	config.Experiment.SpinServer = true
	config.Experiment.DisableWatchdog = true
	config.Experiment.Distribution = Bimodal
	config.Experiment.ServiceTimeMeanUs = 10
	config.Experiment.Connections = 100
	assert.Equal(t, "protego_spin_nowd_bimod_10_nconn_100", config.Prefix())
}

func TestSweepConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*SweepConfig)
		wantErr bool
		errText string
	}{
		{
			name:   "valid configuration",
			modify: func(c *SweepConfig) {},
		},
		{
			name: "unknown variant",
			modify: func(c *SweepConfig) {
				c.Experiment.Variant = "fifo"
			},
			wantErr: true,
			errText: `field "Experiment.Variant"`,
		},
		{
			name: "empty sweep",
			modify: func(c *SweepConfig) {
				c.Experiment.OfferedLoads = nil
			},
			wantErr: true,
			errText: `field "Experiment.OfferedLoads"; failed required check`,
		},
		{
			name: "non-positive offered load",
			modify: func(c *SweepConfig) {
				c.Experiment.OfferedLoads = []int64{100, 0}
			},
			wantErr: true,
			errText: `field "Experiment.OfferedLoads[1]"; failed gt check`,
		},
		{
			name: "zero connections",
			modify: func(c *SweepConfig) {
				c.Experiment.Connections = 0
			},
			wantErr: true,
			errText: `field "Experiment.Connections"`,
		},
		{
			name: "missing server address",
			modify: func(c *SweepConfig) {
				c.Topology.Server.Address = ""
			},
			wantErr: true,
			errText: `field "Topology.Server.Address"; failed required check`,
		},
		{
			name: "missing agent address",
			modify: func(c *SweepConfig) {
				c.Topology.Agents[1].Address = ""
			},
			wantErr: true,
			errText: `field "Topology.Agents[1].Address"`,
		},
		{
			name: "duplicate data address",
			modify: func(c *SweepConfig) {
				c.Topology.Agents[0].DataAddress = c.Topology.Client.DataAddress
			},
			wantErr: true,
			errText: "already assigned to Topology.Client.DataAddress",
		},
		{
			name: "bad netmask",
			modify: func(c *SweepConfig) {
				c.Topology.Netmask = "255.255.255"
			},
			wantErr: true,
			errText: `field "Topology.Netmask"; failed ipv4 check`,
		},
		{
			name: "guaranteed kthreads above cores",
			modify: func(c *SweepConfig) {
				c.Experiment.GuaranteedKthreads = 32
			},
			wantErr: true,
			errText: "must not exceed serverCores",
		},
		{
			name: "no key without agent",
			modify: func(c *SweepConfig) {
				c.SSH.KeyPath = ""
			},
			wantErr: true,
			errText: "a key is required unless useAgent is set",
		},
		{
			name: "agent without key",
			modify: func(c *SweepConfig) {
				c.SSH.KeyPath = ""
				c.SSH.UseAgent = true
			},
		},
		{
			name: "poll interval above readiness timeout",
			modify: func(c *SweepConfig) {
				c.Readiness.PollInterval = time.Minute
			},
			wantErr: true,
			errText: "must not exceed readiness.timeout",
		},
		{
			name: "bad log level",
			modify: func(c *SweepConfig) {
				c.Logging.Console.Level = "loud"
			},
			wantErr: true,
			errText: "unknown level: loud",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig(t)
			tt.modify(&config)
			err := config.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)

			var merr *multierror.Error
			require.True(t, errors.As(err, &merr))
			var invalid *sweeperrors.ErrInvalidArgument
			assert.True(t, errors.As(merr.Errors[0], &invalid))
		})
	}
}
