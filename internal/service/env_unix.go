//go:build !windows

package service

func envKey(k string) string { return k }
