// Package authz implements an OPA-backed lifecycle.AuthChecker: scope
// satisfaction is expressed as Rego instead of Go, the way
// services/policy-service/opa_engine.go compiles and prepares a query
// once and evaluates it per call, narrowed from that engine's
// multi-package policy store to the single taskqueue.authz.allow
// decision the core ever asks for.
package authz

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/taskqueue/engine/internal/taskerr"
)

//go:embed policy/default.rego
var defaultPolicyFS embed.FS

const decisionQuery = "data.taskqueue.authz.allow"

// OPAChecker evaluates the §4.5/§6 scope-satisfaction rule through a
// compiled Rego policy: the embedded default.rego, plus any .rego files
// found in policyDir.
type OPAChecker struct {
	mu       sync.RWMutex
	prepared rego.PreparedEvalQuery
}

// NewOPAChecker compiles and prepares the decision query. With policyDir
// empty, only the embedded default policy loads; otherwise every *.rego
// file under policyDir is compiled alongside it. The default module is
// always loaded, so those files add rules to it rather than replace it.
func NewOPAChecker(ctx context.Context, policyDir string) (*OPAChecker, error) {
	c := &OPAChecker{}
	if err := c.reload(ctx, policyDir); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *OPAChecker) reload(ctx context.Context, policyDir string) error {
	modules, err := loadModules(policyDir)
	if err != nil {
		return err
	}
	compiler := ast.NewCompiler()
	compiler.Compile(modules)
	if compiler.Failed() {
		return fmt.Errorf("authz: compile policies: %v", compiler.Errors)
	}
	prepared, err := rego.New(
		rego.Query(decisionQuery),
		rego.Compiler(compiler),
		rego.Store(nil),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("authz: prepare query: %w", err)
	}
	c.mu.Lock()
	c.prepared = prepared
	c.mu.Unlock()
	return nil
}

func loadModules(policyDir string) (map[string]*ast.Module, error) {
	modules := make(map[string]*ast.Module)
	defaultSrc, err := defaultPolicyFS.ReadFile("policy/default.rego")
	if err != nil {
		return nil, fmt.Errorf("authz: read embedded default policy: %w", err)
	}
	module, err := ast.ParseModule("default.rego", string(defaultSrc))
	if err != nil {
		return nil, fmt.Errorf("authz: parse embedded default policy: %w", err)
	}
	modules["default.rego"] = module

	if policyDir == "" {
		return modules, nil
	}
	files, err := filepath.Glob(filepath.Join(policyDir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("authz: glob %s: %w", policyDir, err)
	}
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("authz: read %s: %w", file, err)
		}
		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("authz: parse %s: %w", file, err)
		}
		modules[file] = module
	}
	return modules, nil
}

// Reload recompiles the policy set from policyDir, for a config
// hot-reload path to call after fsnotify reports a change.
func (c *OPAChecker) Reload(ctx context.Context, policyDir string) error {
	return c.reload(ctx, policyDir)
}

// CheckScopes implements lifecycle.AuthChecker: requiredScopes is
// satisfied when the policy's allow decision is true for the given
// callerScopes/requiredScopes input.
func (c *OPAChecker) CheckScopes(ctx context.Context, callerScopes, requiredScopes []string) error {
	c.mu.RLock()
	prepared := c.prepared
	c.mu.RUnlock()

	input := map[string]any{
		"callerScopes":   callerScopes,
		"requiredScopes": requiredScopes,
	}
	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return taskerr.Internal(err, "evaluate authorization policy")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return taskerr.Unauthorized("no scope among %v satisfies required scopes %v", callerScopes, requiredScopes)
	}
	allow, _ := results[0].Expressions[0].Value.(bool)
	if !allow {
		return taskerr.Unauthorized("no scope among %v satisfies required scopes %v", callerScopes, requiredScopes)
	}
	return nil
}
