package configuration

import (
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"golang.org/x/exp/slices"

	"github.com/G-Research/loadsweep/internal/common/sweeperrors"
)

// DecodeHooks returns the single viper option carrying every decode hook used when unmarshalling a SweepConfig.
// viper keeps only the last DecodeHook option it is given, so the hooks are composed here.
func DecodeHooks() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		VariantHookFunc(),
		DistributionHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

func VariantHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(Variant("")) {
			return data, nil
		}
		return ParseVariant(data.(string))
	}
}

func DistributionHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(Distribution("")) {
			return data, nil
		}
		return ParseDistribution(data.(string))
	}
}

func ParseVariant(s string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Variants, v) {
		return "", errors.WithStack(&sweeperrors.ErrInvalidArgument{
			Name:    "experiment.variant",
			Value:   s,
			Message: "must be one of protego, breakwater, seda, dagor, nocontrol",
		})
	}
	return v, nil
}

func ParseDistribution(s string) (Distribution, error) {
	d := Distribution(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Distributions, d) {
		return "", errors.WithStack(&sweeperrors.ErrInvalidArgument{
			Name:    "experiment.distribution",
			Value:   s,
			Message: "must be one of exp, const, bimod",
		})
	}
	return d, nil
}
