// Package classify maps a tool invocation — a file path or a shell
// command — onto the resource name and work unit type that should be
// claimed for it. It mirrors the substring-classification a hook shim
// performs before calling the daemon, so the same rules can live
// server-side as a configurable, hot-reloadable fallback.
package classify

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/Okohedeki/sialockd/internal/model"
)

// CommandRule maps a shell command substring match onto a synthetic
// process resource name, e.g. any of ["pytest", "go test"] -> "proc:test".
type CommandRule struct {
	Resource string       `yaml:"resource"`
	Contains stringOrList `yaml:"contains"`
	Regex    string       `yaml:"regex"`

	compiledRegex *regexp.Regexp
}

// PathRule overrides the work unit type for paths matching a glob, e.g.
// "**/" patterns that should be treated as directory locks rather than
// file locks.
type PathRule struct {
	Glob string             `yaml:"glob"`
	Type model.WorkUnitType `yaml:"type"`

	compiledGlob globMatcher
}

// stringOrList accepts either a single YAML scalar or a list, matching the
// flexible shorthand operators already expect from rules files.
type stringOrList []string

func (s *stringOrList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = []string{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("expected string or list, got %v", value.Kind)
	}
}

// rulesFile is the YAML envelope for the classifier rules file.
type rulesFile struct {
	Commands []CommandRule `yaml:"commands"`
	Paths    []PathRule    `yaml:"paths"`
}

func loadRulesFromFile(path string) ([]CommandRule, []PathRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("reading classifier rules %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil, nil
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parsing classifier rules %s: %w", path, err)
	}
	return file.Commands, file.Paths, nil
}

// WriteDefaultRules writes an empty classifier rules file: the built-in
// command classifications already cover the common cases, this file is
// only for project-specific additions.
func WriteDefaultRules(path string) error {
	header := "# sialockd classifier rules\n# Additional command/path classifications layered on the built-ins.\n\ncommands: []\npaths: []\n"
	return os.WriteFile(path, []byte(header), 0o644)
}
