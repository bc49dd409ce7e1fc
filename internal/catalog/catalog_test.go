package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mend-engine/mend/internal/metrics"
)

func writeRecipes(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return dir
}

const validRecipes = `
recipes:
  - id: fix-unused-imports
    display_name: Remove unused imports
    category: imports
    applies_to:
      rules: [F401]
    safeguards:
      max_files_touched: 5
    steps:
      - type: rewrite
        files: ["**/*.py"]
        pattern: '(?m)^import os\n'
        replace: ""
  - id: format-all
    display_name: Run the formatter
    category: style
    applies_to:
      sources: [style-checker]
    steps:
      - type: command
        files: ["**/*.py"]
        argv: [black, "."]
`

func TestLoadDir(t *testing.T) {
	dir := writeRecipes(t, "base.yaml", validRecipes)
	cat, err := LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cat.Len() != 2 {
		t.Fatalf("len = %d, want 2", cat.Len())
	}

	a, ok := cat.Get("fix-unused-imports")
	if !ok {
		t.Fatal("missing fix-unused-imports")
	}
	if a.Safeguards.MaxFilesTouched != 5 {
		t.Errorf("max_files_touched = %d", a.Safeguards.MaxFilesTouched)
	}

	all := cat.All()
	if all[0].ID != "fix-unused-imports" || all[1].ID != "format-all" {
		t.Errorf("All not sorted by id: %v", []string{all[0].ID, all[1].ID})
	}
}

func TestLoadDirMissingIsEmpty(t *testing.T) {
	cat, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatal(err)
	}
	if cat.Len() != 0 {
		t.Errorf("len = %d, want 0", cat.Len())
	}
}

func TestLoadDirValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			"missing id",
			"recipes:\n  - display_name: x\n",
			"missing id",
		},
		{
			"no applicability",
			"recipes:\n  - id: a\n    steps:\n      - type: patch\n        diff: 'x'\n",
			"applies_to",
		},
		{
			"no steps",
			"recipes:\n  - id: a\n    applies_to:\n      rules: [R]\n",
			"no steps",
		},
		{
			"bad step type",
			"recipes:\n  - id: a\n    applies_to:\n      rules: [R]\n    steps:\n      - type: wat\n",
			"unknown step type",
		},
		{
			"bad regex",
			"recipes:\n  - id: a\n    applies_to:\n      rules: [R]\n    steps:\n      - type: rewrite\n        files: ['*']\n        pattern: '('\n",
			"invalid pattern",
		},
		{
			"command without argv",
			"recipes:\n  - id: a\n    applies_to:\n      rules: [R]\n    steps:\n      - type: command\n        files: ['*']\n",
			"needs argv",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := writeRecipes(t, "r.yaml", tc.body)
			_, err := LoadDir(dir)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestLoadDirDuplicateID(t *testing.T) {
	body := "recipes:\n" +
		"  - id: a\n    applies_to: {rules: [R]}\n    steps: [{type: patch, diff: x}]\n" +
		"  - id: a\n    applies_to: {rules: [R]}\n    steps: [{type: patch, diff: x}]\n"
	dir := writeRecipes(t, "r.yaml", body)
	if _, err := LoadDir(dir); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("error = %v, want duplicate id", err)
	}
}

func TestApplicabilityMatches(t *testing.T) {
	snap := metrics.NewSnapshot(time.Now(), []metrics.Diagnostic{
		{File: "a.py", Line: 1, Rule: "F401", Severity: "warning", Source: "style-checker"},
	})

	cases := []struct {
		name string
		app  Applicability
		want bool
	}{
		{"rule match", Applicability{Rules: []string{"F401"}}, true},
		{"source match", Applicability{Sources: []string{"style-checker"}}, true},
		{"no match", Applicability{Rules: []string{"E501"}}, false},
		{"empty never matches", Applicability{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.app.Matches(snap); got != tc.want {
				t.Errorf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}
