package classify

import (
	"strings"
	"sync"

	"github.com/Okohedeki/sialockd/internal/model"
)

// builtinCommandRules returns the always-on process classifications. These
// mirror the substring matching a PreToolUse hook shim would perform
// before calling /work-units/claim, so the daemon can apply the same
// classification for callers that only send a raw command.
func builtinCommandRules() []CommandRule {
	return []CommandRule{
		{Resource: "proc:test", Contains: stringOrList{"pytest", "npm test", "cargo test", "go test", "jest", "mocha"}},
		{Resource: "proc:build", Contains: stringOrList{"npm run build", "cargo build", "go build", "make", "webpack", "vite build"}},
		{Resource: "proc:migrate", Contains: stringOrList{"migrate"}},
		{Resource: "proc:deploy", Contains: stringOrList{"deploy"}},
		{Resource: "proc:install", Contains: stringOrList{"npm install", "pip install", "cargo install"}},
	}
}

// Classifier turns a file path or shell command into the resource name and
// work unit type a caller should claim. Built-in command rules are always
// active; a rules file can add project-specific command and path rules and
// is safe to Reload while the daemon is running.
type Classifier struct {
	mu       sync.RWMutex
	path     string
	commands []CommandRule // built-ins first, then custom
	paths    []PathRule
}

// New constructs a Classifier with the built-in rules and, if rulesPath is
// non-empty, whatever custom rules it contains.
func New(rulesPath string) (*Classifier, error) {
	c := &Classifier{path: rulesPath}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the rules file from disk, if one was configured, keeping
// the built-in command rules active regardless.
func (c *Classifier) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloadLocked()
}

func (c *Classifier) reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloadLocked()
}

func (c *Classifier) reloadLocked() error {
	commands := append([]CommandRule(nil), builtinCommandRules()...)
	var paths []PathRule

	if c.path != "" {
		custom, customPaths, err := loadRulesFromFile(c.path)
		if err != nil {
			return err
		}
		commands = append(commands, custom...)
		paths = customPaths
	}

	for i := range commands {
		if err := compileCommandRule(&commands[i]); err != nil {
			return err
		}
	}
	for i := range paths {
		if err := compilePathRule(&paths[i]); err != nil {
			return err
		}
	}

	c.commands = commands
	c.paths = paths
	return nil
}

// ClassifyCommand returns the synthetic process resource name for a bash
// command, e.g. "proc:test", or false if the command needs no lock.
func (c *Classifier) ClassifyCommand(command string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lower := strings.ToLower(command)
	for _, r := range c.commands {
		if matchesCommand(r, lower) {
			return r.Resource, true
		}
	}
	return "", false
}

// ClassifyPath returns the work unit type that should be claimed for path.
// The first matching configured path rule wins; otherwise a path ending in
// "/" is a directory and anything else is WorkUnitFile.
func (c *Classifier) ClassifyPath(path string) model.WorkUnitType {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, r := range c.paths {
		if r.compiledGlob.match(path) {
			return r.Type
		}
	}
	if strings.HasSuffix(path, "/") {
		return model.WorkUnitDirectory
	}
	return model.WorkUnitFile
}
