package verify

import (
	"fmt"
	"os"

	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"

	"github.com/mend-engine/mend/internal/metrics"
)

// Gate is one declarative pass/fail rule over a before/after delta.
type Gate interface {
	Name() string
	Check(delta metrics.Delta) GateResult
}

// GateResult is the outcome of a single gate.
type GateResult struct {
	Gate   string `json:"gate"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// gateSpec is the YAML form of a gate.
type gateSpec struct {
	Type  string `yaml:"type"`
	Name  string `yaml:"name,omitempty"`
	Limit int    `yaml:"limit,omitempty"`
	Code  string `yaml:"code,omitempty"`
}

type gatesFile struct {
	Gates []gateSpec `yaml:"gates"`
}

// DefaultGates is the gate set used when no gates file exists: an action may
// not introduce critical diagnostics and may not increase the total count.
func DefaultGates() []Gate {
	return []Gate{noNewCritical{}, noNetIncrease{}}
}

// LoadGates reads the gates config. A missing file yields DefaultGates.
func LoadGates(path string) ([]Gate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultGates(), nil
		}
		return nil, fmt.Errorf("read gates config: %w", err)
	}

	var gf gatesFile
	if err := yaml.Unmarshal(data, &gf); err != nil {
		return nil, fmt.Errorf("parse gates config %s: %w", path, err)
	}

	gates := make([]Gate, 0, len(gf.Gates))
	for i, spec := range gf.Gates {
		g, err := buildGate(spec)
		if err != nil {
			return nil, fmt.Errorf("gates config %s: entry %d: %w", path, i, err)
		}
		gates = append(gates, g)
	}
	if len(gates) == 0 {
		return DefaultGates(), nil
	}
	return gates, nil
}

func buildGate(spec gateSpec) (Gate, error) {
	switch spec.Type {
	case "no_new_critical":
		return noNewCritical{}, nil
	case "no_net_increase":
		return noNetIncrease{}, nil
	case "max_new":
		if spec.Limit < 0 {
			return nil, fmt.Errorf("max_new needs a non-negative limit")
		}
		return maxNew{limit: spec.Limit}, nil
	case "expr":
		if spec.Code == "" {
			return nil, fmt.Errorf("expr gate needs code")
		}
		name := spec.Name
		if name == "" {
			name = "expr"
		}
		return exprGate{name: name, code: spec.Code}, nil
	case "":
		return nil, fmt.Errorf("missing gate type")
	default:
		return nil, fmt.Errorf("unknown gate type %q", spec.Type)
	}
}

type noNewCritical struct{}

func (noNewCritical) Name() string { return "no_new_critical" }

func (g noNewCritical) Check(delta metrics.Delta) GateResult {
	n := delta.NewBySeverity(metrics.SeverityCritical)
	if n > 0 {
		return GateResult{Gate: g.Name(), Reason: fmt.Sprintf("%d new critical diagnostics", n)}
	}
	return GateResult{Gate: g.Name(), Passed: true}
}

type noNetIncrease struct{}

func (noNetIncrease) Name() string { return "no_net_increase" }

func (g noNetIncrease) Check(delta metrics.Delta) GateResult {
	if delta.Net() > 0 {
		return GateResult{Gate: g.Name(), Reason: fmt.Sprintf("total diagnostics rose by %d", delta.Net())}
	}
	return GateResult{Gate: g.Name(), Passed: true}
}

type maxNew struct{ limit int }

func (g maxNew) Name() string { return "max_new" }

func (g maxNew) Check(delta metrics.Delta) GateResult {
	n := len(delta.NewDiagnostics)
	if n > g.limit {
		return GateResult{Gate: g.Name(), Reason: fmt.Sprintf("%d new diagnostics exceed limit %d", n, g.limit)}
	}
	return GateResult{Gate: g.Name(), Passed: true}
}

// exprGate evaluates a Starlark expression against the delta. The expression
// must yield a bool; anything else, including an evaluation error, fails the
// gate closed.
type exprGate struct {
	name string
	code string
}

func (g exprGate) Name() string { return g.name }

func (g exprGate) Check(delta metrics.Delta) GateResult {
	thread := &starlark.Thread{Name: "gate:" + g.name}
	env := starlark.StringDict{
		"new_total":      starlark.MakeInt(len(delta.NewDiagnostics)),
		"resolved_total": starlark.MakeInt(len(delta.ResolvedDiagnostics)),
		"net":            starlark.MakeInt(delta.Net()),
		"new_critical":   starlark.MakeInt(delta.NewBySeverity(metrics.SeverityCritical)),
		"before":         severityDict(delta.BeforeBySeverity),
		"after":          severityDict(delta.AfterBySeverity),
		"before_total":   starlark.MakeInt(delta.BeforeTotal),
		"after_total":    starlark.MakeInt(delta.AfterTotal),
	}

	val, err := starlark.Eval(thread, g.name, g.code, env)
	if err != nil {
		return GateResult{Gate: g.name, Reason: fmt.Sprintf("expression error: %v", err)}
	}
	b, ok := val.(starlark.Bool)
	if !ok {
		return GateResult{Gate: g.name, Reason: fmt.Sprintf("expression yielded %s, want bool", val.Type())}
	}
	if !bool(b) {
		return GateResult{Gate: g.name, Reason: "expression evaluated to False"}
	}
	return GateResult{Gate: g.name, Passed: true}
}

func severityDict(counts map[string]int) *starlark.Dict {
	d := starlark.NewDict(len(counts))
	for _, sev := range []string{metrics.SeverityCritical, metrics.SeverityError, metrics.SeverityWarning, metrics.SeverityInfo} {
		_ = d.SetKey(starlark.String(sev), starlark.MakeInt(counts[sev]))
	}
	return d
}
