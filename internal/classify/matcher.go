package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// globMatcher wraps a compiled glob pattern, matched against forward-slash
// paths the way the built-in registry.Claim callers supply them.
type globMatcher struct {
	g glob.Glob
}

func compileGlob(pattern string) (globMatcher, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return globMatcher{}, fmt.Errorf("invalid path glob %q: %w", pattern, err)
	}
	return globMatcher{g: g}, nil
}

func (m globMatcher) match(path string) bool {
	if m.g == nil {
		return false
	}
	return m.g.Match(path)
}

func compileCommandRule(r *CommandRule) error {
	if r.Regex == "" {
		return nil
	}
	re, err := regexp.Compile(r.Regex)
	if err != nil {
		return fmt.Errorf("command rule %q: invalid regex: %w", r.Resource, err)
	}
	r.compiledRegex = re
	return nil
}

func compilePathRule(r *PathRule) error {
	if r.Glob == "" {
		return nil
	}
	m, err := compileGlob(r.Glob)
	if err != nil {
		return err
	}
	r.compiledGlob = m
	return nil
}

// matchesCommand reports whether command satisfies rule r: any configured
// substring (case-insensitive) or the compiled regex.
func matchesCommand(r CommandRule, commandLower string) bool {
	for _, s := range r.Contains {
		if strings.Contains(commandLower, strings.ToLower(s)) {
			return true
		}
	}
	if r.compiledRegex != nil {
		return r.compiledRegex.MatchString(commandLower)
	}
	return false
}
