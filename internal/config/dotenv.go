package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadDotEnv preloads KEY=VALUE files in order. Variables already present in
// the process environment, or set by an earlier file, are left untouched.
// Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}

		file, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		values, err := parseDotEnv(file)
		_ = file.Close()
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		for _, entry := range values {
			if _, exists := os.LookupEnv(entry.key); exists {
				continue
			}
			if err := os.Setenv(entry.key, entry.value); err != nil {
				return err
			}
		}
	}
	return nil
}

type dotEnvEntry struct {
	key   string
	value string
}

func parseDotEnv(r io.Reader) ([]dotEnvEntry, error) {
	var entries []dotEnvEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, raw, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		entries = append(entries, dotEnvEntry{key: key, value: dotEnvValue(raw)})
	}
	return entries, scanner.Err()
}

func dotEnvValue(raw string) string {
	value := strings.TrimSpace(raw)
	if len(value) >= 2 {
		switch quote := value[0]; {
		case quote == '\'' && value[len(value)-1] == quote:
			return value[1 : len(value)-1]
		case quote == '"' && value[len(value)-1] == quote:
			return strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\t`, "\t", `\"`, `"`).Replace(value[1 : len(value)-1])
		}
	}
	if index := strings.Index(value, " #"); index >= 0 {
		value = strings.TrimSpace(value[:index])
	}
	return value
}
