package service_test

import (
	"testing"

	"github.com/CZERTAINLY/ostrun/internal/model"
	"github.com/CZERTAINLY/ostrun/internal/service"
	"github.com/stretchr/testify/require"
)

func TestBuildEnv(t *testing.T) {
	t.Parallel()
	got := service.BuildEnv(model.Build{Postload: "post load.txt"}, "/ws/TEMP")
	require.Equal(t, map[string]string{
		"TEMP":             "/ws/TEMP",
		"TMP":              "/ws/TEMP",
		"AFTERLOGONSCRIPT": "post load.txt",
	}, got)

	got = service.BuildEnv(model.Build{}, "/ws/TEMP")
	require.Contains(t, got, "AFTERLOGONSCRIPT")
	require.Empty(t, got["AFTERLOGONSCRIPT"])
}

func TestMergeEnv(t *testing.T) {
	t.Parallel()
	base := []string{"PATH=/bin", "TEMP=/tmp", "EMPTY=", "broken", "=nokey", "EQ=a=b"}
	host := map[string]string{"JOB": "nightly", "TEMP": "/host/tmp"}
	build := service.BuildEnv(model.Build{Postload: "postload.txt"}, "/ws/TEMP")

	got := service.MergeEnv(base, host, build)
	require.Equal(t, []string{
		"AFTERLOGONSCRIPT=postload.txt",
		"EMPTY=",
		"EQ=a=b",
		"JOB=nightly",
		"PATH=/bin",
		"TEMP=/ws/TEMP",
		"TMP=/ws/TEMP",
	}, got)

	require.Empty(t, service.MergeEnv(nil))
}
