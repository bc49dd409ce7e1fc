package act

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/mend-engine/mend/internal/budget"
	"github.com/mend-engine/mend/internal/catalog"
	"github.com/mend-engine/mend/internal/proc"
	"github.com/mend-engine/mend/internal/snapshot"
)

// defaultStepTimeout bounds one command step.
const defaultStepTimeout = 5 * time.Minute

// skipDirs are never read or staged during planning.
var skipDirs = map[string]bool{
	".git":         true,
	".mend":        true,
	"node_modules": true,
}

// FileChange is one planned mutation: the file's current content and what
// the action would replace it with. Created marks a file the action brings
// into existence, so undo removes it instead of writing empty content.
type FileChange struct {
	Path         string // workspace-relative, slash-separated
	Original     []byte
	Updated      []byte
	LinesChanged int
	Created      bool
}

// Plan is the fully resolved effect of an action: every file it would touch
// and the exact content it would write. Building a plan never writes to the
// workspace.
type Plan struct {
	ActionID string
	Changes  []FileChange
}

// BudgetChanges converts the plan into the guard's input.
func (p *Plan) BudgetChanges() []budget.Change {
	out := make([]budget.Change, 0, len(p.Changes))
	for _, c := range p.Changes {
		out = append(out, budget.Change{Path: c.Path, LinesChanged: c.LinesChanged})
	}
	return out
}

// Paths returns the changed paths, sorted.
func (p *Plan) Paths() []string {
	out := make([]string, 0, len(p.Changes))
	for _, c := range p.Changes {
		out = append(out, c.Path)
	}
	sort.Strings(out)
	return out
}

// Originals returns path → original state for the undo snapshot. Created
// files are recorded as absent so restoring the snapshot deletes them.
func (p *Plan) Originals() map[string]snapshot.File {
	out := make(map[string]snapshot.File, len(p.Changes))
	for _, c := range p.Changes {
		if c.Created {
			out[c.Path] = snapshot.Absent()
			continue
		}
		out[c.Path] = snapshot.Existing(c.Original)
	}
	return out
}

// Resolve computes an action's plan against the workspace. Steps run in
// order over staged in-memory content, so later steps see earlier steps'
// output. Command steps execute in a staging directory, never in the
// workspace itself.
func Resolve(ctx context.Context, workspace string, action catalog.Action, runner proc.Runner) (*Plan, error) {
	if runner == nil {
		runner = proc.Run
	}

	st := &staging{
		workspace: workspace,
		originals: make(map[string][]byte),
		current:   make(map[string][]byte),
		created:   make(map[string]bool),
	}

	for i, step := range action.Steps {
		var err error
		switch step.Type {
		case catalog.StepRewrite:
			err = st.applyRewrite(step)
		case catalog.StepPatch:
			err = st.applyPatch(step)
		case catalog.StepCommand:
			err = st.applyCommand(ctx, step, runner)
		default:
			err = fmt.Errorf("unknown step type %q", step.Type)
		}
		if err != nil {
			return nil, &ExecutionError{
				ActionID: action.ID,
				Step:     i,
				Reason:   err.Error(),
			}
		}
	}

	plan := &Plan{ActionID: action.ID}
	for path, updated := range st.current {
		orig := st.originals[path]
		if !st.created[path] && string(orig) == string(updated) {
			continue
		}
		plan.Changes = append(plan.Changes, FileChange{
			Path:         path,
			Original:     orig,
			Updated:      updated,
			LinesChanged: linesChanged(orig, updated),
			Created:      st.created[path],
		})
	}
	sort.Slice(plan.Changes, func(i, j int) bool {
		return plan.Changes[i].Path < plan.Changes[j].Path
	})
	return plan, nil
}

// staging tracks per-file content as steps run. originals holds workspace
// content as first read; current holds the latest staged content; created
// marks paths that had no workspace file when first written.
type staging struct {
	workspace string
	originals map[string][]byte
	current   map[string][]byte
	created   map[string]bool
}

// read returns the staged content for path, loading it from the workspace
// on first access.
func (st *staging) read(path string) ([]byte, error) {
	if c, ok := st.current[path]; ok {
		return c, nil
	}
	data, err := os.ReadFile(filepath.Join(st.workspace, filepath.FromSlash(path)))
	if err != nil {
		return nil, err
	}
	st.originals[path] = data
	st.current[path] = data
	return data, nil
}

func (st *staging) write(path string, content []byte) error {
	if _, seen := st.originals[path]; !seen && !st.created[path] {
		// First touch via a patch or command: load the original lazily so
		// the undo snapshot still captures pre-mutation content.
		data, err := os.ReadFile(filepath.Join(st.workspace, filepath.FromSlash(path)))
		switch {
		case err == nil:
			st.originals[path] = data
		case os.IsNotExist(err):
			st.created[path] = true
		default:
			return fmt.Errorf("read %s: %w", path, err)
		}
	}
	st.current[path] = content
	return nil
}

// match returns workspace-relative paths matching any of the globs,
// including files already staged by earlier steps.
func (st *staging) match(globs []string) ([]string, error) {
	seen := make(map[string]bool)

	err := filepath.WalkDir(st.workspace, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] && full != st.workspace {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(st.workspace, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, g := range globs {
			if ok, _ := doublestar.Match(g, rel); ok {
				seen[rel] = true
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan workspace: %w", err)
	}

	for path := range st.current {
		for _, g := range globs {
			if ok, _ := doublestar.Match(g, path); ok {
				seen[path] = true
				break
			}
		}
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func (st *staging) applyRewrite(step catalog.Step) error {
	re, err := regexp.Compile(step.Pattern)
	if err != nil {
		return fmt.Errorf("compile pattern: %w", err)
	}

	paths, err := st.match(step.Files)
	if err != nil {
		return err
	}

	for _, path := range paths {
		content, err := st.read(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		updated := re.ReplaceAll(content, []byte(step.Replace))
		if string(updated) == string(content) {
			continue
		}
		if err := checkPredicates(step, path, updated); err != nil {
			return err
		}
		if err := st.write(path, updated); err != nil {
			return err
		}
	}
	return nil
}

func (st *staging) applyCommand(ctx context.Context, step catalog.Step, runner proc.Runner) error {
	paths, err := st.match(step.Files)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}

	stageDir, err := os.MkdirTemp("", "mend-stage-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(stageDir)

	for _, path := range paths {
		content, err := st.read(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		target := filepath.Join(stageDir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("stage %s: %w", path, err)
		}
		if err := os.WriteFile(target, content, 0644); err != nil {
			return fmt.Errorf("stage %s: %w", path, err)
		}
	}

	timeout := defaultStepTimeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds) * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := runner(cctx, stageDir, step.Argv)
	if err != nil {
		return fmt.Errorf("run %s: %w", step.Argv[0], err)
	}
	if res.TimedOut {
		return fmt.Errorf("%s timed out after %v", step.Argv[0], timeout)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s exited %d: %s", step.Argv[0], res.ExitCode, firstLine(res.Stderr))
	}

	for _, path := range paths {
		updated, err := os.ReadFile(filepath.Join(stageDir, filepath.FromSlash(path)))
		if err != nil {
			return fmt.Errorf("read staged %s: %w", path, err)
		}
		if err := st.write(path, updated); err != nil {
			return err
		}
	}
	return nil
}

func checkPredicates(step catalog.Step, path string, updated []byte) error {
	if step.Expect != "" {
		re, err := regexp.Compile(step.Expect)
		if err != nil {
			return fmt.Errorf("compile expect: %w", err)
		}
		if !re.Match(updated) {
			return fmt.Errorf("%s: rewritten content does not match expect predicate", path)
		}
	}
	if step.Forbid != "" {
		re, err := regexp.Compile(step.Forbid)
		if err != nil {
			return fmt.Errorf("compile forbid: %w", err)
		}
		if re.Match(updated) {
			return fmt.Errorf("%s: rewritten content matches forbid predicate", path)
		}
	}
	return nil
}

// linesChanged counts how many lines differ between two contents: common
// leading and trailing lines are discarded and the larger remainder is the
// change size.
func linesChanged(a, b []byte) int {
	al := splitLines(a)
	bl := splitLines(b)

	for len(al) > 0 && len(bl) > 0 && al[0] == bl[0] {
		al, bl = al[1:], bl[1:]
	}
	for len(al) > 0 && len(bl) > 0 && al[len(al)-1] == bl[len(bl)-1] {
		al, bl = al[:len(al)-1], bl[:len(bl)-1]
	}
	if len(al) > len(bl) {
		return len(al)
	}
	return len(bl)
}

func splitLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
