package domain

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
)

func rulesEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("personal_volume", cel.IntType),
		cel.Variable("team_volume", cel.IntType),
		cel.Variable("team_size", cel.IntType),
		cel.Variable("direct_count", cel.IntType),
	)
}

func compileRule(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.New("rule must evaluate to bool")
	}
	return env.Program(ast)
}

func evalRule(program cel.Program, stats Stats) (bool, error) {
	out, _, err := program.Eval(map[string]any{
		"personal_volume": stats.PersonalVolume,
		"team_volume":     stats.TeamVolume,
		"team_size":       int64(stats.TeamSize),
		"direct_count":    int64(stats.DirectCount),
	})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule returned %T", out.Value())
	}
	return v, nil
}
