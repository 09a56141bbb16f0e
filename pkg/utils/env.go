package utils

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// FileEnv returns the value of key, or the trimmed contents of the file named
// by key_FILE (the Docker secrets convention). Setting both is an error.
func FileEnv(key, defaultVal string) (string, error) {
	envVal := os.Getenv(key)
	fileKey := key + "_FILE"
	fileVal := os.Getenv(fileKey)

	if envVal != "" && fileVal != "" {
		return "", fmt.Errorf("both %s and %s are set, only one should be used", key, fileKey)
	}

	if envVal != "" {
		return envVal, nil
	}

	if fileVal != "" {
		content, err := os.ReadFile(fileVal)
		if err != nil {
			return "", fmt.Errorf("failed to read %s from file %s: %w", key, fileVal, err)
		}
		return strings.TrimSpace(string(content)), nil
	}

	return defaultVal, nil
}

// SplitList splits a comma or whitespace separated list, dropping empty items.
// "13, 14,,15" becomes [13 14 15].
func SplitList(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	return lo.Uniq(fields)
}

// EnvMap renders a map as KEY=VALUE pairs in a stable order.
func EnvMap(env map[string]string) []string {
	keys := lo.Keys(env)
	sort.Strings(keys)
	return lo.Map(keys, func(k string, _ int) string {
		return k + "=" + env[k]
	})
}
