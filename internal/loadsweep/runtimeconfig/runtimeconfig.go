// Package runtimeconfig renders the key/value files read by the network runtime on every host and deploys them.
package runtimeconfig

import (
	"fmt"
	"strings"

	"github.com/G-Research/loadsweep/internal/common/sweepcontext"
	"github.com/G-Research/loadsweep/internal/loadsweep/commands"
	"github.com/G-Research/loadsweep/internal/loadsweep/configuration"
	"github.com/G-Research/loadsweep/internal/loadsweep/fleet"
)

// Priority is the scheduling class the runtime gives an application.
type Priority string

const (
	LatencyCritical Priority = "lc"
	BestEffort      Priority = "be"
)

// RoleConfig is the runtime configuration of one application on one host.
type RoleConfig struct {
	// File name, relative to the artifact directory
	Name     string
	HostAddr string
	Netmask  string
	Gateway  string
	Kthreads int
	// Server configs carry the priority, guaranteed kthreads and queueing delay lines
	Server             bool
	Priority           Priority
	GuaranteedKthreads int
	QueueDelayUs       int
	// Marks the config of the garbage collecting antagonist
	Antagonist      bool
	Spin            bool
	DirectPath      bool
	DisableWatchdog bool
}

// Render returns the config file content. Equal configs render to identical text.
func Render(c RoleConfig) string {
	var sb strings.Builder
	line := func(key string, value interface{}) {
		sb.WriteString(fmt.Sprintf("%s %v\n", key, value))
	}
	line("host_addr", c.HostAddr)
	line("host_netmask", c.Netmask)
	line("host_gateway", c.Gateway)
	line("runtime_kthreads", c.Kthreads)
	if c.Server {
		line("runtime_priority", c.Priority)
		line("runtime_guaranteed_kthreads", c.GuaranteedKthreads)
		line("runtime_qdelay_us", c.QueueDelayUs)
	}
	if c.Antagonist {
		line("enable_gc", 1)
	}
	if c.Spin {
		line("runtime_spinning_kthreads", c.Kthreads)
	} else {
		line("runtime_spinning_kthreads", 0)
	}
	if c.DirectPath {
		line("enable_directpath", 1)
	}
	if c.DisableWatchdog {
		line("disable_watchdog", 1)
	}
	return sb.String()
}

// ForHost returns the configs deployed to host: the server gets its own config plus the antagonist's when the
// antagonist is enabled, every other host gets the client config.
func ForHost(config configuration.SweepConfig, host *fleet.Host) []RoleConfig {
	e := config.Experiment
	base := RoleConfig{
		HostAddr:   host.DataAddress,
		Netmask:    host.Netmask,
		Gateway:    host.Gateway,
		Kthreads:   host.Cores,
		DirectPath: e.DirectPath,
	}
	if host.Role != fleet.ServerRole {
		client := base
		client.Name = commands.ClientConfigName
		client.Spin = true
		return []RoleConfig{client}
	}

	server := base
	server.Name = commands.ServerConfigName
	server.Server = true
	server.Priority = LatencyCritical
	server.GuaranteedKthreads = e.GuaranteedKthreads
	server.QueueDelayUs = e.QueueDelayThresholdUs
	server.Spin = e.SpinServer
	server.DisableWatchdog = e.DisableWatchdog
	configs := []RoleConfig{server}

	if config.Antagonist.Enabled {
		antagonist := server
		antagonist.Name = config.Antagonist.ConfigName
		antagonist.Priority = BestEffort
		antagonist.GuaranteedKthreads = 0
		antagonist.Antagonist = true
		configs = append(configs, antagonist)
	}
	return configs
}

// Deploy writes config to the artifact directory of host, replacing any previous file. A failed write is returned.
func Deploy(ctx *sweepcontext.Context, f *fleet.Fleet, catalogue *commands.Catalogue, host *fleet.Host, config RoleConfig) error {
	remotePath := catalogue.ConfigPath(config.Name)
	ctx.Log.WithField("host", host.Name).Debugf("writing %s", remotePath)
	return f.Upload(ctx, []*fleet.Host{host}, remotePath, []byte(Render(config)), fleet.Mandatory)
}

// DeployAll deploys every host's configs, hosts in parallel.
func DeployAll(ctx *sweepcontext.Context, f *fleet.Fleet, catalogue *commands.Catalogue, config configuration.SweepConfig) error {
	g, gctx := sweepcontext.ErrGroup(ctx)
	for _, h := range f.All() {
		h := h
		g.Go(func() error {
			for _, rc := range ForHost(config, h) {
				if err := Deploy(gctx, f, catalogue, h, rc); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}
