// Package budget enforces the static risk limits on a proposed change set.
// The check is stateless and runs strictly before any workspace write; a
// violation means zero files were touched.
package budget

import (
	"fmt"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// Default limits.
const (
	DefaultMaxFilesPerCycle       = 10
	DefaultMaxLinesChangedPerFile = 40
)

// hardcodedProtected are always enforced regardless of configuration. The
// engine must never mutate its own state or version-control metadata.
var hardcodedProtected = []string{
	".mend/**",
	".git/**",
}

// Budget is read-only configuration bounding one cycle's mutation.
type Budget struct {
	MaxFilesPerCycle       int      `yaml:"max_files_per_cycle"`
	MaxLinesChangedPerFile int      `yaml:"max_lines_changed_per_file"`
	ProtectedPaths         []string `yaml:"protected_paths"`
}

// Default returns the standard risk budget.
func Default() Budget {
	return Budget{
		MaxFilesPerCycle:       DefaultMaxFilesPerCycle,
		MaxLinesChangedPerFile: DefaultMaxLinesChangedPerFile,
		ProtectedPaths: []string{
			"security/**",
			"auth/**",
			"**/*.spec.*",
		},
	}
}

// Change is one planned file mutation: the workspace-relative path and how
// many lines would change.
type Change struct {
	Path         string
	LinesChanged int
}

// Violation kinds.
const (
	KindTooManyFiles  = "too_many_files"
	KindLineLimit     = "line_limit"
	KindProtectedPath = "protected_path"
)

// Violation rejects a proposed change set. It is an error so executors can
// abort the cycle with it directly.
type Violation struct {
	Kind   string
	Path   string // offending path for per-file kinds
	Detail string
}

func (v *Violation) Error() string {
	if v.Path != "" {
		return fmt.Sprintf("risk budget: %s: %s", v.Path, v.Detail)
	}
	return fmt.Sprintf("risk budget: %s", v.Detail)
}

// IsProtectedPath reports whether the violation is a protected-path match.
func (v *Violation) IsProtectedPath() bool {
	return v.Kind == KindProtectedPath
}

// Check validates a proposed change set against the budget. The first
// violation found is returned; nil means the set is within budget.
// Protected-path checks run first so a forbidden target is reported even
// when the set also breaks a size limit.
func (b Budget) Check(changes []Change) error {
	maxFiles := b.MaxFilesPerCycle
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFilesPerCycle
	}
	maxLines := b.MaxLinesChangedPerFile
	if maxLines <= 0 {
		maxLines = DefaultMaxLinesChangedPerFile
	}

	patterns := append(append([]string{}, hardcodedProtected...), b.ProtectedPaths...)
	for _, c := range changes {
		path := filepath.ToSlash(c.Path)
		for _, pat := range patterns {
			if ok, _ := doublestar.Match(pat, path); ok {
				return &Violation{
					Kind:   KindProtectedPath,
					Path:   c.Path,
					Detail: fmt.Sprintf("matches protected pattern %q", pat),
				}
			}
		}
	}

	if len(changes) > maxFiles {
		return &Violation{
			Kind:   KindTooManyFiles,
			Detail: fmt.Sprintf("%d files exceed the per-cycle limit of %d", len(changes), maxFiles),
		}
	}

	for _, c := range changes {
		if c.LinesChanged > maxLines {
			return &Violation{
				Kind:   KindLineLimit,
				Path:   c.Path,
				Detail: fmt.Sprintf("%d changed lines exceed the per-file limit of %d", c.LinesChanged, maxLines),
			}
		}
	}
	return nil
}
