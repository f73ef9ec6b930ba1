package runtimeexec

import (
	"os"
	"sort"
	"strings"
)

const outputTailBytes = 4096

// mergeEnv layers extra on top of the current environment, later keys winning.
func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	if len(extra) == 0 {
		return env
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		key := strings.TrimSpace(k)
		if key == "" || strings.Contains(key, "=") {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env)+len(keys))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[name]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for _, key := range keys {
		out = append(out, key+"="+extra[key])
	}
	return out
}

func tail(out []byte) string {
	text := strings.TrimSpace(string(out))
	if len(text) <= outputTailBytes {
		return text
	}
	return "..." + text[len(text)-outputTailBytes:]
}
