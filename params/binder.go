// Package params binds positional arguments to a task's declared
// parameters and substitutes {{name}} placeholders in its command body.
package params

import (
	"fmt"
	"strings"

	"github.com/justflowhq/justflow/config"
)

// ArityError reports a mismatch between supplied positional arguments and
// a task's declared parameters.
type ArityError struct {
	Task     string
	Missing  []string
	TooMany  bool
	Given    int
	Expected int
}

func (e *ArityError) Error() string {
	if e.TooMany {
		return fmt.Sprintf("task %q takes at most %d argument(s), got %d", e.Task, e.Expected, e.Given)
	}
	return fmt.Sprintf("task %q missing required argument(s): %s", e.Task, strings.Join(e.Missing, ", "))
}

// Bindings is a resolved name -> value map for one task's parameters.
type Bindings map[string]string

// Bind maps positional argument strings to task's declared parameters:
// parameters lacking a default are required; args fill parameters
// left-to-right; any parameter beyond len(args) falls back to its default.
func Bind(task *config.Task, args []string) (Bindings, error) {
	required := 0
	for _, p := range task.Parameters {
		if p.Required() {
			required++
		}
	}

	if len(args) < required {
		var missing []string
		for i, p := range task.Parameters {
			if p.Required() && i >= len(args) {
				missing = append(missing, p.Name)
			}
		}
		return nil, &ArityError{Task: task.Name, Missing: missing}
	}

	if len(args) > len(task.Parameters) {
		return nil, &ArityError{Task: task.Name, TooMany: true, Given: len(args), Expected: len(task.Parameters)}
	}

	bindings := make(Bindings, len(task.Parameters))
	for i, p := range task.Parameters {
		if i < len(args) {
			bindings[p.Name] = args[i]
			continue
		}
		if p.Default != nil {
			bindings[p.Name] = *p.Default
		}
	}
	return bindings, nil
}

// Substitute replaces every literal occurrence of {{name}} in body with its
// bound value, in a single pass over body. Substitution is plain string
// replacement: not re-entrant, not recursive, not tokenized. A name missing
// from bindings takes its value from fallback; a name in neither map is
// left untouched.
func Substitute(body string, bindings Bindings, fallback Bindings) string {
	var pairs []string
	for name, value := range fallback {
		if _, bound := bindings[name]; !bound {
			pairs = append(pairs, "{{"+name+"}}", value)
		}
	}
	for name, value := range bindings {
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(body)
}

// BindAndSubstitute is the common case: bind task's own parameters against
// args and substitute the result into its body in one step.
func BindAndSubstitute(task *config.Task, args []string) (string, error) {
	bindings, err := Bind(task, args)
	if err != nil {
		return "", err
	}
	if task.Run == nil {
		return "", nil
	}
	return Substitute(*task.Run, bindings, nil), nil
}

// Defaults returns task's own declared parameter defaults, for use as the
// fallback bindings when substituting a shared bindings map (built from a
// different task's arguments) into task's body: parameters task declares
// that aren't named in the shared map still resolve to task's own default.
func Defaults(task *config.Task) Bindings {
	defaults := make(Bindings, len(task.Parameters))
	for _, p := range task.Parameters {
		if p.Default != nil {
			defaults[p.Name] = *p.Default
		}
	}
	return defaults
}
