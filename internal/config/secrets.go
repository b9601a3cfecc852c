package config

import (
	"bufio"
	"os"
	"strings"
)

// LoadSecretsEnv reads $XDG_CONFIG_HOME/fanout/secrets.env (or ~/.config/fanout/secrets.env)
// and returns key/value pairs. Lines starting with # are ignored. Format: KEY=VALUE
// Surrounding quotes on values are stripped.
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		path = DefaultPath("secrets.env")
	}
	f, err := os.Open(path)
	if err != nil {
		return map[string]string{}, nil // not fatal if missing
	}
	defer f.Close()
	out := map[string]string{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
			out[k] = v
		}
	}
	return out, nil
}
