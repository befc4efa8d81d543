// Package policy decides which one-shot commands may run.
package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/google/shlex"

	"github.com/dockerflow/gateway/internal/model"
)

// Rule is a denylist entry as written in the policy file.
type Rule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// File is the on-disk policy format:
//
//	deny:
//	  - name: wipe-root
//	    pattern: '\brm\s+(-\S+\s+)+/(\s|$)'
type File struct {
	Deny []Rule `yaml:"deny"`
}

// DefaultRules are applied when no policy file is configured.
var DefaultRules = []Rule{
	{Name: "recursive-delete-root", Pattern: `\brm\s+(-\S+\s+)+(/|/\*|~|~/|\$HOME)(\s|$)`},
	{Name: "raw-disk-write", Pattern: `\bdd\s+.*\bif=`},
	{Name: "make-filesystem", Pattern: `\bmkfs(\.[a-z0-9]+)?\b`},
	{Name: "format-disk", Pattern: `^\s*format\b`},
	{Name: "fork-bomb", Pattern: `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`},
}

type compiledRule struct {
	name string
	re   *regexp.Regexp
}

// Denylist rejects commands matching any of its rules. The rule set can be
// swapped at runtime.
type Denylist struct {
	mu    sync.RWMutex
	rules []compiledRule
}

// NewDenylist compiles rules into a Denylist.
func NewDenylist(rules []Rule) (*Denylist, error) {
	d := &Denylist{}
	if err := d.Replace(rules); err != nil {
		return nil, err
	}
	return d, nil
}

// MustDefault returns a Denylist with DefaultRules.
func MustDefault() *Denylist {
	d, err := NewDenylist(DefaultRules)
	if err != nil {
		panic(err)
	}
	return d
}

// Replace atomically swaps the rule set. On error the old rules stay.
func (d *Denylist) Replace(rules []Rule) error {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if strings.TrimSpace(r.Pattern) == "" {
			return fmt.Errorf("rule %q: empty pattern", r.Name)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		name := r.Name
		if name == "" {
			name = r.Pattern
		}
		compiled = append(compiled, compiledRule{name: name, re: re})
	}

	d.mu.Lock()
	d.rules = compiled
	d.mu.Unlock()
	return nil
}

// Check returns an InvalidCommand error if command matches a rule. Rules
// are matched against the raw text and against the unquoted argv joined by
// single spaces, so quoting a word does not slip past a rule.
func (d *Denylist) Check(command string) error {
	forms := []string{command}
	if argv, err := shlex.Split(command); err == nil && len(argv) > 0 {
		if joined := strings.Join(argv, " "); joined != command {
			forms = append(forms, joined)
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.rules {
		for _, form := range forms {
			if r.re.MatchString(form) {
				return model.NewError(model.KindInvalidCommand, "command denied by policy rule %q", r.name)
			}
		}
	}
	return nil
}

// Len returns the number of active rules.
func (d *Denylist) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rules)
}

// LoadFile reads a policy file.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	return f.Deny, nil
}
