package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

type envEntry struct {
	key   string
	value string
}

// LoadDotEnv applies the first-seen value of every key found in the given files.
// Missing files are skipped and variables already present in the process win.
// Unquoted and double-quoted values expand ${VAR} references.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		entries, err := readDotEnv(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if _, exists := os.LookupEnv(entry.key); exists {
				continue
			}
			if err := os.Setenv(entry.key, entry.value); err != nil {
				return fmt.Errorf("%s: set %s: %w", path, entry.key, err)
			}
		}
	}
	return nil
}

func readDotEnv(path string) ([]envEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	entries, err := parseDotEnv(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

func parseDotEnv(r io.Reader) ([]envEntry, error) {
	var entries []envEntry
	local := make(map[string]string)
	lookup := func(name string) string {
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return local[name]
	}

	scanner := bufio.NewScanner(r)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, raw, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("line %d: expected KEY=VALUE", lineNo)
		}

		value, expand := unquoteDotEnv(raw)
		if expand {
			value = os.Expand(value, lookup)
		}
		if _, seen := local[key]; seen {
			continue
		}
		local[key] = value
		entries = append(entries, envEntry{key: key, value: value})
	}
	return entries, scanner.Err()
}

// unquoteDotEnv reports whether the value is eligible for ${VAR} expansion.
// Single-quoted values are literal.
func unquoteDotEnv(raw string) (string, bool) {
	value := strings.TrimSpace(raw)
	if len(value) >= 2 {
		switch quote := value[0]; {
		case quote == '\'' && value[len(value)-1] == quote:
			return value[1 : len(value)-1], false
		case quote == '"' && value[len(value)-1] == quote:
			return strings.NewReplacer(
				`\\`, `\`,
				`\n`, "\n",
				`\t`, "\t",
				`\"`, `"`,
			).Replace(value[1 : len(value)-1]), true
		}
	}
	if index := strings.Index(value, " #"); index >= 0 {
		value = strings.TrimSpace(value[:index])
	}
	return value, true
}
