package fleet

import (
	"fmt"

	"github.com/G-Research/loadsweep/internal/loadsweep/configuration"
	"github.com/G-Research/loadsweep/internal/loadsweep/remote"
)

type Role string

const (
	ServerRole Role = "server"
	ClientRole Role = "client"
	AgentRole  Role = "agent"
)

// Host is one machine of the experiment. It is immutable once the fleet is open.
type Host struct {
	Name        string
	Role        Role
	Address     string
	DataAddress string
	Netmask     string
	Gateway     string
	Cores       int
	// Node number used to label per-host logs: the server is 0, the client 1 and agents 2 onwards.
	Index int

	session remote.Session
}

func (h *Host) String() string {
	return h.Name
}

// hostsFromConfig lays out the fixed topology: one server, one client and the agents in configuration order.
func hostsFromConfig(topology configuration.TopologyConfig, experiment configuration.ExperimentConfig) []*Host {
	hosts := []*Host{
		{
			Name:        string(ServerRole),
			Role:        ServerRole,
			Address:     topology.Server.Address,
			DataAddress: topology.Server.DataAddress,
			Netmask:     topology.Netmask,
			Gateway:     topology.Gateway,
			Cores:       experiment.ServerCores,
			Index:       0,
		},
		{
			Name:        string(ClientRole),
			Role:        ClientRole,
			Address:     topology.Client.Address,
			DataAddress: topology.Client.DataAddress,
			Netmask:     topology.Netmask,
			Gateway:     topology.Gateway,
			Cores:       experiment.ClientCores,
			Index:       1,
		},
	}
	for i, agent := range topology.Agents {
		hosts = append(hosts, &Host{
			Name:        fmt.Sprintf("%s-%d", AgentRole, i),
			Role:        AgentRole,
			Address:     agent.Address,
			DataAddress: agent.DataAddress,
			Netmask:     topology.Netmask,
			Gateway:     topology.Gateway,
			Cores:       experiment.ClientCores,
			Index:       i + 2,
		})
	}
	return hosts
}

// Hosts returns the topology described by config without connecting to anything.
func Hosts(config configuration.SweepConfig) []*Host {
	return hostsFromConfig(config.Topology, config.Experiment)
}
