/*
Package configuration defines the input configuration of a loadsweep run.

A run brings up one server, one client and any number of load-generating agents over SSH, builds the network runtime
and the netbench benchmark on each of them, and sweeps a list of offered loads against the server. The main type is
SweepConfig which is loaded by viper from a YAML file, LOADSWEEP_* environment variables and command line flags.

# Example YAML Configuration

	experiment:
	  variant: breakwater
	  distribution: exp
	  connections: 1000
	  serviceTimeMeanUs: 1
	  offeredLoads: [400000, 800000, 1200000]
	  spinServer: false
	topology:
	  server:
	    address: node0.lab
	  client:
	    address: node1.lab
	  agents:
	    - address: node2.lab
	    - address: node3.lab
	ssh:
	  user: experimenter
	  keyPath: ~/.ssh/id_rsa
	  knownHostsPath: ~/.ssh/known_hosts
	paths:
	  artifactDir: artifact
	  kernelDir: caladan
	antagonist:
	  enabled: true
	  namedKill: true
	readiness:
	  timeout: 30s

Data-plane addresses default to 192.168.1.200 for the server, 192.168.1.100 for the client and 192.168.1.101 onwards
for the agents. The SLO passed to the client defaults to ten times the sum of the mean service time and the network
round trip.

Validate must be called before anything is dialled: every field error is reported as an ErrInvalidArgument.
*/
package configuration
