// Copyright 2023 The Vitess Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Modifications Copyright 2025 Supabase, Inc.

package viperutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ViperConfig holds the flags and defaults that control how a Registry
// loads its backing config file.
type ViperConfig struct {
	configPaths                  Value[[]string]
	configType                   Value[string]
	configName                   Value[string]
	configFile                   Value[string]
	configFileNotFoundHandling   Value[ConfigFileNotFoundHandling]
	configPersistenceMinInterval Value[time.Duration]
}

// NewViperConfig registers the config-loading flags into reg and returns
// the resulting ViperConfig.
func NewViperConfig(reg *Registry) *ViperConfig {
	vc := &ViperConfig{
		configPaths: Configure(
			reg,
			"config.paths",
			Options[[]string]{
				EnvVars:  []string{"FAILOVERCORE_CONFIG_PATH"},
				FlagName: "config-path",
			},
		),
		configType: Configure(
			reg,
			"config.type",
			Options[string]{
				EnvVars:  []string{"FAILOVERCORE_CONFIG_TYPE"},
				FlagName: "config-type",
			},
		),
		configName: Configure(
			reg,
			"config.name",
			Options[string]{
				Default:  "failovercore",
				EnvVars:  []string{"FAILOVERCORE_CONFIG_NAME"},
				FlagName: "config-name",
			},
		),
		configFile: Configure(
			reg,
			"config.file",
			Options[string]{
				EnvVars:  []string{"FAILOVERCORE_CONFIG_FILE"},
				FlagName: "config-file",
			},
		),
		configFileNotFoundHandling: Configure(
			reg,
			"config.notfound.handling",
			Options[ConfigFileNotFoundHandling]{
				Default:  WarnOnConfigFileNotFound,
				GetFunc:  getHandlingValue,
				FlagName: "config-file-not-found-handling",
			},
		),
		configPersistenceMinInterval: Configure(
			reg,
			"config.persistence.min_interval",
			Options[time.Duration]{
				Default:  time.Second,
				EnvVars:  []string{"FAILOVERCORE_CONFIG_PERSISTENCE_MIN_INTERVAL"},
				FlagName: "config-persistence-min-interval",
			},
		),
	}

	baseDir := os.Getenv("FAILOVERCORE_DATAROOT")
	if baseDir == "" {
		cur, err := os.Getwd()
		if err != nil {
			slog.Warn("failed to get working directory", "err", err)
			return vc
		}
		baseDir = filepath.Join(cur, "failovercore_local")
	}

	if sv, ok := vc.configPaths.(*staticValue[[]string]); ok {
		sv.def = []string{baseDir}
		reg.static.SetDefault(sv.key, sv.def)
	}
	return vc
}

// RegisterFlags installs the flags that control viper config-loading
// behavior. Exported so it can be called by servenv before parsing flags
// for all binaries.
func (vc *ViperConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSlice("config-path", vc.configPaths.Default(), "Paths to search for config files in.")
	fs.String("config-type", vc.configType.Default(), "Config file type (omit to infer config type from file extension).")
	fs.String("config-name", vc.configName.Default(), "Name of the config file (without extension) to search for.")
	fs.String("config-file", vc.configFile.Default(), "Full path of the config file (with extension) to use. If set, --config-path, --config-type, and --config-name are ignored.")
	fs.Duration("config-persistence-min-interval", vc.configPersistenceMinInterval.Default(), "Minimum interval between persisting dynamic config changes back to disk.")

	h := vc.configFileNotFoundHandling.Default()
	fs.Var(&h, "config-file-not-found-handling", fmt.Sprintf("Behavior when a config file is not found. (Options: %s)", strings.Join(handlingNames, ", ")))

	bindFlags(fs, vc.configPaths, vc.configType, vc.configName, vc.configFile, vc.configFileNotFoundHandling, vc.configPersistenceMinInterval)
}

// LoadConfig attempts to find, and then load, a config file for
// viper-backed config values to use.
//
// Config searching follows viper's usual behavior:
//   - --config-file (full path, including extension) if set is used to
//     the exclusion of all other flags.
//   - --config-type is required if the config file does not have one of
//     viper's supported extensions.
//
// --config-file-not-found-handling controls how to treat the situation
// where viper cannot find any config file in any of the provided paths.
//
// If a config file is successfully loaded, the dynamic registry starts
// watching that file for changes. A cancel function is returned to stop
// that background watch.
func (vc *ViperConfig) LoadConfig(reg *Registry) (context.CancelFunc, error) {
	var err error
	switch file := vc.configFile.Get(); file {
	case "":
		if name := vc.configName.Get(); name != "" {
			reg.static.SetConfigName(name)
			for _, path := range vc.configPaths.Get() {
				reg.static.AddConfigPath(path)
			}
			if cfgType := vc.configType.Get(); cfgType != "" {
				reg.static.SetConfigType(cfgType)
			}
			err = reg.static.ReadInConfig()
		}
	default:
		reg.static.SetConfigFile(file)
		err = reg.static.ReadInConfig()
	}

	if err != nil && isConfigFileNotFoundError(err) {
		msg := "Failed to read in config %s: %s"
		switch vc.configFileNotFoundHandling.Get() {
		case WarnOnConfigFileNotFound:
			slog.Warn(fmt.Sprintf(msg, reg.static.ConfigFileUsed(), err.Error()))
			err = nil
		case IgnoreConfigFileNotFound:
			return func() {}, nil
		case ErrorOnConfigFileNotFound:
			slog.Error(fmt.Sprintf(msg, reg.static.ConfigFileUsed(), err.Error()))
		case ExitOnConfigFileNotFound:
			slog.Error(fmt.Sprintf(msg, reg.static.ConfigFileUsed(), err.Error()))
		}
	}

	if err != nil {
		return nil, err
	}

	return reg.dynamic.Watch(context.Background(), reg.static, vc.configPersistenceMinInterval.Get())
}

func isConfigFileNotFoundError(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	return errors.Is(err, os.ErrNotExist)
}

// NotifyConfigReload adds a subscription that reg's dynamic registry
// attempts to notify on config changes. Must be called prior to
// LoadConfig.
func (reg *Registry) NotifyConfigReload(ch chan<- struct{}) {
	reg.dynamic.Notify(ch)
}

// ConfigFileNotFoundHandling controls how LoadConfig treats a
// viper.ConfigFileNotFoundError.
type ConfigFileNotFoundHandling int

const (
	// IgnoreConfigFileNotFound causes LoadConfig to completely ignore a
	// ConfigFileNotFoundError.
	IgnoreConfigFileNotFound ConfigFileNotFoundHandling = iota
	// WarnOnConfigFileNotFound logs a warning and proceeds with defaults,
	// environment variables, and flags alone.
	WarnOnConfigFileNotFound
	// ErrorOnConfigFileNotFound returns the error after logging it.
	ErrorOnConfigFileNotFound
	// ExitOnConfigFileNotFound behaves like ErrorOnConfigFileNotFound;
	// callers that want a hard process exit check the returned error.
	ExitOnConfigFileNotFound
)

var (
	handlingNames         []string
	handlingNamesToValues = map[string]int{
		"ignore": int(IgnoreConfigFileNotFound),
		"warn":   int(WarnOnConfigFileNotFound),
		"error":  int(ErrorOnConfigFileNotFound),
		"exit":   int(ExitOnConfigFileNotFound),
	}
	handlingValuesToNames map[int]string
)

func init() {
	handlingNames = make([]string, 0, len(handlingNamesToValues))
	handlingValuesToNames = make(map[int]string, len(handlingNamesToValues))

	for name, val := range handlingNamesToValues {
		handlingValuesToNames[val] = name
		handlingNames = append(handlingNames, name)
	}

	sort.Slice(handlingNames, func(i, j int) bool {
		return handlingNames[i] < handlingNames[j]
	})
}

func (h *ConfigFileNotFoundHandling) Set(arg string) error {
	larg := strings.ToLower(arg)
	if v, ok := handlingNamesToValues[larg]; ok {
		*h = ConfigFileNotFoundHandling(v)
		return nil
	}
	return fmt.Errorf("unknown handling name %s", arg)
}

func (h *ConfigFileNotFoundHandling) String() string {
	if name, ok := handlingValuesToNames[int(*h)]; ok {
		return name
	}
	return "<UNKNOWN>"
}

func (h *ConfigFileNotFoundHandling) Type() string { return "ConfigFileNotFoundHandling" }

func getHandlingValue(v *viper.Viper) func(key string) ConfigFileNotFoundHandling {
	return func(key string) (h ConfigFileNotFoundHandling) {
		if err := v.UnmarshalKey(key, &h, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(decodeHandlingValue))); err != nil {
			h = IgnoreConfigFileNotFound
			slog.Warn(fmt.Sprintf("failed to unmarshal %s: %s; defaulting to %s", key, err.Error(), h.String()))
		}
		return h
	}
}

func decodeHandlingValue(from, to reflect.Type, data any) (any, error) {
	var h ConfigFileNotFoundHandling
	if to != reflect.TypeOf(h) {
		return data, nil
	}

	switch {
	case from == reflect.TypeOf(h):
		return data.(ConfigFileNotFoundHandling), nil
	case from.Kind() == reflect.Int:
		return ConfigFileNotFoundHandling(data.(int)), nil
	case from.Kind() == reflect.String:
		if err := h.Set(data.(string)); err != nil {
			return h, err
		}
		return h, nil
	}

	return data, fmt.Errorf("invalid value for ConfigFileNotFoundHandling: %v", data)
}
