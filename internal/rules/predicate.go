package rules

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/rotisserie/eris"
)

// Facts is the context an AppliesWhen predicate is evaluated against.
type Facts struct {
	Domain       string
	Jurisdiction string
	// Date is exposed to predicates as a YYYY-MM-DD string.
	Date       time.Time
	Attributes map[string]any
}

func (f Facts) activation() map[string]any {
	attrs := f.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	date := ""
	if !f.Date.IsZero() {
		date = f.Date.UTC().Format("2006-01-02")
	}
	return map[string]any{
		"domain":       f.Domain,
		"jurisdiction": f.Jurisdiction,
		"date":         date,
		"facts":        attrs,
	}
}

var predicateEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("domain", cel.StringType),
		cel.Variable("jurisdiction", cel.StringType),
		cel.Variable("date", cel.StringType),
		cel.Variable("facts", cel.MapType(cel.StringType, cel.DynType)),
	)
})

var programs sync.Map // expression -> cel.Program

// DefaultPredicate is the applicability of a rule nothing narrower is known about.
func DefaultPredicate(domain string) string {
	if domain == "" {
		return "true"
	}
	return "domain == " + strconv.Quote(domain)
}

// CompilePredicate type-checks an AppliesWhen expression. Compiled programs are cached.
func CompilePredicate(expr string) (cel.Program, error) {
	if p, ok := programs.Load(expr); ok {
		return p.(cel.Program), nil //nolint:forcetypeassert // only programs are stored
	}
	env, err := predicateEnv()
	if err != nil {
		return nil, eris.Wrap(err, "build predicate environment")
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, eris.Wrapf(issues.Err(), "compile predicate %q", expr)
	}
	if out := ast.OutputType().String(); out != "bool" && out != "dyn" {
		return nil, eris.Errorf("predicate %q yields %s, want bool", expr, out)
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "plan predicate %q", expr)
	}
	programs.Store(expr, prg)
	return prg, nil
}

// Applies evaluates an AppliesWhen expression. An empty expression always applies.
func Applies(expr string, f Facts) (bool, error) {
	if expr == "" {
		return true, nil
	}
	prg, err := CompilePredicate(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(f.activation())
	if err != nil {
		return false, eris.Wrapf(err, "evaluate predicate %q", expr)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, eris.Errorf("predicate %q returned %T, want bool", expr, out.Value())
	}
	return v, nil
}
