package model

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Host holds the facts provided by the calling build pipeline.
type Host struct {
	Workspace   string
	BuildNumber int
	Env         map[string]string
}

// BindHostEnv registers the environment variables a CI server exports,
// OSTRUN_ prefixed names take precedence.
func BindHostEnv(v *viper.Viper, key string) error {
	if err := v.BindEnv(key+".workspace", "OSTRUN_WORKSPACE", "WORKSPACE"); err != nil {
		return err
	}
	return v.BindEnv(key+".build_number", "OSTRUN_BUILD_NUMBER", "BUILD_NUMBER")
}

// ParseHost reads Host from the viper key. Empty workspace means the current
// directory. Environment values starting with $ are expanded.
func ParseHost(v *viper.Viper, key string) (Host, error) {
	// per key getters, UnmarshalKey does not see variables bound by BindEnv
	host := Host{
		Workspace: v.GetString(key + ".workspace"),
		Env:       v.GetStringMapString(key + ".env"),
	}
	n, err := cast(v.Get(key + ".build_number"))
	if err != nil {
		return Host{}, fmt.Errorf("parsing %s.build_number: %w", key, err)
	}
	if n < 0 {
		return Host{}, fmt.Errorf("%s.build_number must not be negative, got %d", key, n)
	}
	host.BuildNumber = n

	if host.Workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Host{}, fmt.Errorf("getting working directory: %w", err)
		}
		host.Workspace = wd
	}
	env := make(map[string]string, len(host.Env))
	for k, v := range host.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env[strings.ToUpper(k)] = v
	}
	host.Env = env
	return host, nil
}

func cast(v any) (int, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		if strings.TrimSpace(n) == "" {
			return 0, nil
		}
		return strconv.Atoi(strings.TrimSpace(n))
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
