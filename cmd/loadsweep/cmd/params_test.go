package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/loadsweep/internal/loadsweep"
	"github.com/G-Research/loadsweep/internal/loadsweep/configuration"
)

const testConfigFile = `
experiment:
  variant: breakwater
  offeredLoads: [400000, 800000]
  connections: 500
topology:
  server:
    address: node0
  client:
    address: node1
  agents:
    - address: node2
`

func loadParams(t *testing.T, args ...string) *loadsweep.App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loadsweep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigFile), 0o644))

	app := loadsweep.New()
	cmd := runCmd(app)
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.Flags().Parse(append([]string{"--config", path}, args...)))
	require.NoError(t, initParams(cmd, app))
	return app
}

func TestInitParams_ConfigFile(t *testing.T) {
	config := loadParams(t).Params.Config

	assert.Equal(t, configuration.Breakwater, config.Experiment.Variant)
	assert.Equal(t, []int64{400000, 800000}, config.Experiment.OfferedLoads)
	assert.Equal(t, 500, config.Experiment.Connections)
	assert.True(t, config.Antagonist.Enabled)
	assert.Equal(t, "node2", config.Topology.Agents[0].Address)
}

func TestInitParams_FlagsOverrideConfigFile(t *testing.T) {
	config := loadParams(t,
		"--variant", "seda",
		"--offered-loads", "100,200,300",
		"--antagonist=false",
		"--metrics-port", "9090",
	).Params.Config

	assert.Equal(t, configuration.Seda, config.Experiment.Variant)
	assert.Equal(t, []int64{100, 200, 300}, config.Experiment.OfferedLoads)
	assert.False(t, config.Antagonist.Enabled)
	assert.Equal(t, uint16(9090), config.Metrics.Port)
	assert.Equal(t, 500, config.Experiment.Connections)
}

func TestRootCmd_Subcommands(t *testing.T) {
	var names []string
	for _, c := range RootCmd().Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "render", "history", "version"}, names)
}
