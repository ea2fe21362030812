// Package common holds small helpers shared across pipesched packages.
package common

import (
	"sort"
	"strings"
)

// SplitCommaSepToMap splits "k1=v1,k2=v2" into a map. Malformed pairs are skipped.
func SplitCommaSepToMap(commaSepString string) map[string]string {
	m := make(map[string]string)
	for _, pair := range strings.Split(commaSepString, ",") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			continue
		}
		m[kv[0]] = kv[1]
	}
	return m
}

// EnvList turns a map into "k=v" entries sorted by key, as os/exec expects.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
