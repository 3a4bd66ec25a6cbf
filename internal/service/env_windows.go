package service

import "strings"

// variable names are case insensitive on windows
func envKey(k string) string { return strings.ToUpper(k) }
