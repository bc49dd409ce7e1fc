// Package catalog loads corrective-action recipes from declarative YAML
// files. The engine never writes recipes; it only validates and consumes
// them, so every load error names the file and entry that caused it.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mend-engine/mend/internal/metrics"
)

// Step types, the discriminator for mutation-step variants.
const (
	StepRewrite = "rewrite"
	StepPatch   = "patch"
	StepCommand = "command"
)

// Action is a single corrective recipe.
type Action struct {
	ID          string        `yaml:"id"`
	DisplayName string        `yaml:"display_name"`
	Category    string        `yaml:"category"`
	AppliesTo   Applicability `yaml:"applies_to"`
	Safeguards  Safeguards    `yaml:"safeguards"`
	Steps       []Step        `yaml:"steps"`
}

// Applicability names the diagnostics an action targets. An action matches
// a snapshot when at least one diagnostic matches any listed source or rule.
type Applicability struct {
	Sources []string `yaml:"sources,omitempty"`
	Rules   []string `yaml:"rules,omitempty"`
}

// Matches reports whether the snapshot contains at least one diagnostic the
// action targets.
func (a Applicability) Matches(snap *metrics.Snapshot) bool {
	if len(a.Sources) == 0 && len(a.Rules) == 0 {
		return false
	}
	for _, d := range snap.Diagnostics {
		for _, s := range a.Sources {
			if d.Source == s {
				return true
			}
		}
		for _, r := range a.Rules {
			if d.Rule == r {
				return true
			}
		}
	}
	return false
}

// Safeguards are per-action limits layered under the global risk budget.
type Safeguards struct {
	MaxFilesTouched         int  `yaml:"max_files_touched"`
	RequireNoTestRegression bool `yaml:"require_no_test_regression"`
	RequiresManualApproval  bool `yaml:"requires_manual_approval"`
}

// Step is one mutation step. Type selects the variant; the remaining fields
// are variant-specific and validated on load.
type Step struct {
	Type string `yaml:"type"`

	// rewrite + command
	Files []string `yaml:"files,omitempty"`

	// rewrite
	Pattern string `yaml:"pattern,omitempty"`
	Replace string `yaml:"replace,omitempty"`
	Expect  string `yaml:"expect,omitempty"`
	Forbid  string `yaml:"forbid,omitempty"`

	// patch
	Diff string `yaml:"diff,omitempty"`

	// command
	Argv           []string `yaml:"argv,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

type catalogFile struct {
	Recipes []Action `yaml:"recipes"`
}

// Catalog is the loaded, validated action set keyed by id.
type Catalog struct {
	actions map[string]Action
}

// Get returns the action with the given id.
func (c *Catalog) Get(id string) (Action, bool) {
	a, ok := c.actions[id]
	return a, ok
}

// All returns the actions sorted by id.
func (c *Catalog) All() []Action {
	ids := make([]string, 0, len(c.actions))
	for id := range c.actions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Action, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.actions[id])
	}
	return out
}

// Len returns the number of loaded actions.
func (c *Catalog) Len() int { return len(c.actions) }

// FromActions builds a catalog from in-memory actions, applying the same
// validation as file loading.
func FromActions(actions []Action) (*Catalog, error) {
	cat := &Catalog{actions: make(map[string]Action, len(actions))}
	for _, a := range actions {
		if err := validate(a); err != nil {
			return nil, err
		}
		if _, dup := cat.actions[a.ID]; dup {
			return nil, fmt.Errorf("duplicate action id %q", a.ID)
		}
		cat.actions[a.ID] = a
	}
	return cat, nil
}

// LoadDir reads every .yaml/.yml file under dir (non-recursive) and returns
// the combined catalog. A missing directory yields an empty catalog: a
// workspace without recipes is valid, the engine just has nothing to do.
func LoadDir(dir string) (*Catalog, error) {
	cat := &Catalog{actions: make(map[string]Action)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return cat, nil
		}
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := loadFile(path, cat); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

func loadFile(path string, cat *Catalog) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read recipe file: %w", err)
	}

	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("parse recipes %s: %w", path, err)
	}

	for i, a := range cf.Recipes {
		if err := validate(a); err != nil {
			return fmt.Errorf("recipes %s: entry %d: %w", path, i, err)
		}
		if _, dup := cat.actions[a.ID]; dup {
			return fmt.Errorf("recipes %s: duplicate action id %q", path, a.ID)
		}
		cat.actions[a.ID] = a
	}
	return nil
}

func validate(a Action) error {
	if a.ID == "" {
		return fmt.Errorf("missing id")
	}
	if len(a.AppliesTo.Sources) == 0 && len(a.AppliesTo.Rules) == 0 {
		return fmt.Errorf("action %q: applies_to needs at least one source or rule", a.ID)
	}
	if len(a.Steps) == 0 {
		return fmt.Errorf("action %q: no steps", a.ID)
	}
	for i, s := range a.Steps {
		if err := validateStep(s); err != nil {
			return fmt.Errorf("action %q: step %d: %w", a.ID, i, err)
		}
	}
	return nil
}

func validateStep(s Step) error {
	switch s.Type {
	case StepRewrite:
		if len(s.Files) == 0 {
			return fmt.Errorf("rewrite step needs files globs")
		}
		if s.Pattern == "" {
			return fmt.Errorf("rewrite step needs a pattern")
		}
		if _, err := regexp.Compile(s.Pattern); err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
		for _, re := range []string{s.Expect, s.Forbid} {
			if re == "" {
				continue
			}
			if _, err := regexp.Compile(re); err != nil {
				return fmt.Errorf("invalid predicate regex: %w", err)
			}
		}
	case StepPatch:
		if strings.TrimSpace(s.Diff) == "" {
			return fmt.Errorf("patch step needs a diff")
		}
	case StepCommand:
		if len(s.Argv) == 0 {
			return fmt.Errorf("command step needs argv")
		}
		if len(s.Files) == 0 {
			return fmt.Errorf("command step needs files globs")
		}
	case "":
		return fmt.Errorf("missing step type")
	default:
		return fmt.Errorf("unknown step type %q", s.Type)
	}
	return nil
}
