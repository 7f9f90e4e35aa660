// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package filter

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/google/cel-go/cel"
)

type Action string

const (
	ActionInvalid        Action = ""
	ActionCapture        Action = "capture"
	ActionSkipCapture    Action = "skip_capture"
	ActionBufferResponse Action = "buffer_response"
	ActionStream         Action = "stream"
)

// Input is the view of a message that rule expressions can see. Status is
// zero while the response has not been read yet.
type Input struct {
	Method  string
	Host    string
	Path    string
	URL     string
	Process string
	Status  int
}

// Verdict is what the rule hook asks of the current message.
type Verdict struct {
	SkipCapture    bool
	BufferResponse bool
}

func (v Verdict) merge(a Action) Verdict {
	switch a {
	case ActionCapture:
		v.SkipCapture = false
	case ActionSkipCapture:
		v.SkipCapture = true
	case ActionBufferResponse:
		v.BufferResponse = true
	case ActionStream:
		v.BufferResponse = false
	}
	return v
}

// Hook is consulted once per message. Implementations must be safe for
// concurrent use.
type Hook interface {
	Evaluate(Input) Verdict
}

type Rule struct {
	If   string `yaml:"if"`
	Then Action `yaml:"then"`

	program cel.Program
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("request", cel.DynType),
		cel.Variable("response", cel.DynType),
	)
}

// Compile type-checks the expression and prepares it for evaluation.
func (r *Rule) Compile() error {
	switch r.Then {
	case ActionCapture, ActionSkipCapture, ActionBufferResponse, ActionStream:
	default:
		return fmt.Errorf("invalid action %q", r.Then)
	}

	env, err := newEnv()
	if err != nil {
		return fmt.Errorf("create env: %w", err)
	}

	ast, iss := env.Compile(r.If)
	if err = iss.Err(); err != nil {
		return fmt.Errorf("compile: %w", err)
	}

	if got, want := ast.OutputType(), cel.BoolType; !reflect.DeepEqual(got, want) {
		return fmt.Errorf("invalid output type: got %v, want %v", got, want)
	}

	program, err := env.Program(ast)
	if err != nil {
		return fmt.Errorf("create program: %w", err)
	}
	r.program = program

	if _, err := r.Matches(dummy); err != nil {
		return fmt.Errorf("static test: %w", err)
	}
	return nil
}

func (r *Rule) Matches(in Input) (bool, error) {
	if r.program == nil {
		return false, fmt.Errorf("rule %q not compiled", r.If)
	}

	ret, _, err := r.program.Eval(map[string]any{
		"request": map[string]any{
			"method":  in.Method,
			"host":    in.Host,
			"path":    in.Path,
			"url":     in.URL,
			"process": in.Process,
		},
		"response": map[string]any{
			"status": in.Status,
		},
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}

	if x, ok := ret.Value().(bool); !ok {
		return false, fmt.Errorf("invalid return type: got %T, want bool", ret.Value())
	} else {
		return x, nil
	}
}

// Rules applies every matching rule in order; later rules override earlier
// ones for the same field.
type Rules []Rule

func (rs Rules) Compile() error {
	for i := range rs {
		if err := rs[i].Compile(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

func (rs Rules) Evaluate(in Input) Verdict {
	var v Verdict
	for i := range rs {
		ok, err := rs[i].Matches(in)
		if err != nil {
			// Rules must never break proxying; a failing rule is treated as no match.
			slog.Debug("rule evaluation failed", "rule", rs[i].If, "err", err)
			continue
		}
		if ok {
			v = v.merge(rs[i].Then)
		}
	}
	return v
}

var dummy = Input{
	Method: "GET",
	Host:   "example.com",
	Path:   "/example",
	URL:    "http://example.com/example",
}
