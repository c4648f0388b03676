package classify

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/AppyAccidents/judgechronos/internal/model"
)

// exprEnv is what a rule's expr condition can see.
type exprEnv struct {
	App     string  `expr:"app"`
	Bundle  string  `expr:"bundle"`
	Title   string  `expr:"title"`
	Minutes float64 `expr:"minutes"`
	Hour    int     `expr:"hour"`
	Weekday string  `expr:"weekday"`
	Idle    bool    `expr:"idle"`
}

func newExprEnv(s *model.Session) exprEnv {
	return exprEnv{
		App:     s.AppName,
		Bundle:  s.BundleID,
		Title:   s.WindowTitle,
		Minutes: s.Duration().Minutes(),
		Hour:    s.Start.Hour(),
		Weekday: s.Start.Weekday().String(),
		Idle:    s.IsIdle,
	}
}

// CompileExpr checks that source is a valid boolean rule expression.
func CompileExpr(source string) error {
	_, err := compileExpr(source)
	return err
}

func compileExpr(source string) (*vm.Program, error) {
	return expr.Compile(source, expr.Env(exprEnv{}), expr.AsBool())
}

// evalExpr runs the rule's expression. Expressions that fail to compile or
// run never match.
func (e *Engine) evalExpr(r model.Rule, s *model.Session) bool {
	program, err := e.program(r.Conditions.Expr)
	if err != nil {
		return false
	}
	out, err := expr.Run(program, newExprEnv(s))
	if err != nil {
		e.log.Warn().Str("rule", r.Name).Str("expr", r.Conditions.Expr).Err(err).Msg("rule expression failed")
		return false
	}
	ok, isBool := out.(bool)
	return isBool && ok
}

func (e *Engine) program(source string) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.programs[source]; ok {
		return p, nil
	}
	if err, ok := e.failed[source]; ok {
		return nil, err
	}
	p, err := compileExpr(source)
	if err != nil {
		err = fmt.Errorf("compile rule expression: %w", err)
		e.failed[source] = err
		e.log.Warn().Str("expr", source).Err(err).Msg("rule expression rejected")
		return nil, err
	}
	e.programs[source] = p
	return p, nil
}
