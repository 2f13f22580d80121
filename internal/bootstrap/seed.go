// Package bootstrap seeds the chatrelay home directory on first run:
// a commented config template and the default system prompt.
package bootstrap

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

//go:embed templates/*
var templateFS embed.FS

const (
	// ConfigFile is the seeded gateway configuration.
	ConfigFile = "config.json5"
	// SystemPromptFile holds the default system prompt, used when the
	// config leaves agents.defaults.system_prompt empty.
	SystemPromptFile = "SYSTEM.md"
)

var templateFiles = []string{ConfigFile, SystemPromptFile}

// ReadTemplate returns the content of an embedded template file.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// EnsureHomeFiles seeds template files into the home directory. Existing
// files are never overwritten. Returns the list of files created.
func EnsureHomeFiles(homeDir string) ([]string, error) {
	if err := os.MkdirAll(homeDir, 0755); err != nil {
		return nil, err
	}

	var created []string
	for _, name := range templateFiles {
		ok, err := seedTemplate(homeDir, name)
		if err != nil {
			slog.Warn("bootstrap: failed to seed template", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// LoadSystemPrompt reads the seeded system prompt file. Returns "" when
// the file is missing or empty.
func LoadSystemPrompt(homeDir string) string {
	data, err := os.ReadFile(filepath.Join(homeDir, SystemPromptFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// seedTemplate writes one template if the destination doesn't exist.
// Returns true when the file was created.
func seedTemplate(dir, name string) (bool, error) {
	dstPath := filepath.Join(dir, name)

	// O_EXCL: never clobber a file the user has edited.
	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dstPath)
		return false, err
	}

	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
