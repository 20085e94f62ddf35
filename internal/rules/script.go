package rules

import (
	"fmt"
	"go/parser"
	"go/token"
	"strconv"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// ScriptFunc is a compiled script node body.
type ScriptFunc func(input string) (string, error)

// Callback is a host-registered value provider for callback nodes. args are
// the evaluated argument values.
type Callback func(env *Env, args []string) string

// ScriptRunner compiles script node sources with the yaegi interpreter.
// A script defines
//
//	func Eval(input string) string
//
// and may import only the whitelisted standard packages. Compiled scripts
// are cached by source.
type ScriptRunner struct {
	allowed map[string]bool

	mu    sync.Mutex
	cache map[string]ScriptFunc
}

// NewScriptRunner returns a runner with the default whitelist.
func NewScriptRunner() *ScriptRunner {
	return &ScriptRunner{
		allowed: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"math":            true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"sort":            true,
			"bytes":           true,
			"unicode":         true,
		},
		cache: make(map[string]ScriptFunc),
	}
}

// Compile validates imports and evaluates src.
func (r *ScriptRunner) Compile(src string) (ScriptFunc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn, ok := r.cache[src]; ok {
		return fn, nil
	}

	full := src
	if !strings.Contains(src, "package ") {
		full = "package main\n\n" + src
	}
	if err := r.validateImports(full); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("script: load stdlib: %w", err)
	}
	if _, err := i.Eval(full); err != nil {
		return nil, fmt.Errorf("script: eval: %w", err)
	}
	v, err := i.Eval("main.Eval")
	if err != nil {
		return nil, fmt.Errorf("script: Eval not defined: %w", err)
	}
	eval, ok := v.Interface().(func(string) string)
	if !ok {
		return nil, fmt.Errorf("script: Eval must be func(string) string")
	}

	fn := func(input string) (out string, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("script: panic: %v", p)
			}
		}()
		return eval(input), nil
	}
	r.cache[src] = fn
	return fn, nil
}

func (r *ScriptRunner) validateImports(src string) error {
	f, err := parser.ParseFile(token.NewFileSet(), "script.go", src, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("script: parse: %w", err)
	}
	var forbidden []string
	for _, imp := range f.Imports {
		path, _ := strconv.Unquote(imp.Path.Value)
		if !r.allowed[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("script: forbidden imports %v", forbidden)
	}
	return nil
}
