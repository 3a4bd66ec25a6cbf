package service

import (
	"maps"
	"slices"
	"strings"

	"github.com/CZERTAINLY/ostrun/internal/model"
)

const (
	EnvTemp             = "TEMP"
	EnvTmp              = "TMP"
	EnvAfterLogonScript = "AFTERLOGONSCRIPT"
)

// BuildEnv returns the variables every ObjectStudio run gets: both temp
// variables point to the build temp directory and the postload script name
// is passed verbatim. An empty postload is still exported.
func BuildEnv(build model.Build, tempDir string) map[string]string {
	return map[string]string{
		EnvTemp:             tempDir,
		EnvTmp:              tempDir,
		EnvAfterLogonScript: build.Postload,
	}
}

// MergeEnv applies layers over base, later layers win. The result is sorted
// by the variable name.
func MergeEnv(base []string, layers ...map[string]string) []string {
	env := make(map[string]string, len(base))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[envKey(k)] = v
	}
	for _, layer := range layers {
		for k, v := range layer {
			env[envKey(k)] = v
		}
	}

	ret := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		ret = append(ret, k+"="+env[k])
	}
	return ret
}
