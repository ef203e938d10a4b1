package configuration

import (
	"net"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/G-Research/loadsweep/internal/common/sweeperrors"
)

var validate = validator.New()

// Validate checks the configuration for errors. Every problem found is reported as an ErrInvalidArgument and the
// problems are combined into a single multierror.
func (c SweepConfig) Validate() error {
	var result *multierror.Error

	if err := validate.Struct(c); err != nil {
		var fieldErrors validator.ValidationErrors
		if !errors.As(err, &fieldErrors) {
			return errors.WithStack(err)
		}
		for _, fieldError := range fieldErrors {
			result = multierror.Append(result, errors.WithStack(&sweeperrors.ErrInvalidArgument{
				Name:    stripPrefix(fieldError.Namespace()),
				Value:   fieldError.Value(),
				Message: "failed " + fieldError.Tag() + " check",
			}))
		}
	}

	invalid := func(name string, value interface{}, message string) {
		result = multierror.Append(result, errors.WithStack(&sweeperrors.ErrInvalidArgument{
			Name:    name,
			Value:   value,
			Message: message,
		}))
	}

	if c.Experiment.Variant != "" && !slices.Contains(Variants, c.Experiment.Variant) {
		invalid("Experiment.Variant", c.Experiment.Variant, "must be one of protego, breakwater, seda, dagor, nocontrol")
	}
	if c.Experiment.Distribution != "" && !slices.Contains(Distributions, c.Experiment.Distribution) {
		invalid("Experiment.Distribution", c.Experiment.Distribution, "must be one of exp, const, bimod")
	}
	if c.Experiment.GuaranteedKthreads > c.Experiment.ServerCores {
		invalid("Experiment.GuaranteedKthreads", c.Experiment.GuaranteedKthreads, "must not exceed serverCores")
	}

	seen := map[string]string{}
	checkDataAddress := func(name string, address string) {
		if net.ParseIP(address).To4() == nil {
			invalid(name, address, "must be an IPv4 address")
			return
		}
		if other, ok := seen[address]; ok {
			invalid(name, address, "already assigned to "+other)
			return
		}
		seen[address] = name
	}
	checkDataAddress("Topology.Server.DataAddress", c.Topology.Server.DataAddress)
	checkDataAddress("Topology.Client.DataAddress", c.Topology.Client.DataAddress)
	for i, agent := range c.Topology.Agents {
		checkDataAddress("Topology.Agents["+strconv.Itoa(i)+"].DataAddress", agent.DataAddress)
	}

	if c.Readiness.Enabled && c.Readiness.PollInterval > c.Readiness.Timeout {
		invalid("Readiness.PollInterval", c.Readiness.PollInterval, "must not exceed readiness.timeout")
	}
	if !c.SSH.UseAgent && c.SSH.KeyPath == "" {
		invalid("SSH.KeyPath", c.SSH.KeyPath, "a key is required unless useAgent is set")
	}
	if err := c.Logging.Validate(); err != nil {
		invalid("Logging", "", err.Error())
	}

	return result.ErrorOrNil()
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
