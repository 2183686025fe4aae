package runner

import (
	"context"
	"encoding/json"
	"regexp"
)

// PolicyMode selects how a subagent's tool access is restricted.
type PolicyMode int

const (
	// PolicyAllowAll grants every tool; the zero policy for top-level
	// sessions.
	PolicyAllowAll PolicyMode = iota
	// PolicyDenyAll blocks every tool; text-only helper sessions.
	PolicyDenyAll
	// PolicyAllowList grants only the named tools.
	PolicyAllowList
)

// ArgumentRule denies a specific tool when its serialized arguments match the
// pattern, for cases like allowing file reads but denying writes to a path.
type ArgumentRule struct {
	ToolName string
	Pattern  *regexp.Regexp
}

// ToolPolicy is a subagent's tool-denial policy, evaluated per invocation.
type ToolPolicy struct {
	Mode         PolicyMode
	AllowedTools []string
	DenyRules    []ArgumentRule
}

// DenyAllTools returns the text-only policy.
func DenyAllTools() ToolPolicy {
	return ToolPolicy{Mode: PolicyDenyAll}
}

// AllowTools returns a policy granting exactly the named tools.
func AllowTools(names ...string) ToolPolicy {
	return ToolPolicy{Mode: PolicyAllowList, AllowedTools: names}
}

// Allows reports whether the policy permits invoking the named tool with the
// given arguments.
func (p ToolPolicy) Allows(name string, args json.RawMessage) bool {
	switch p.Mode {
	case PolicyDenyAll:
		return false
	case PolicyAllowList:
		var listed bool
		for _, allowed := range p.AllowedTools {
			if allowed == name {
				listed = true
				break
			}
		}
		if !listed {
			return false
		}
	}
	for _, rule := range p.DenyRules {
		if rule.ToolName != name || rule.Pattern == nil {
			continue
		}
		if rule.Pattern.Match(args) {
			return false
		}
	}
	return true
}

// Wrap returns an executor enforcing the policy in front of the given one.
func (p ToolPolicy) Wrap(next ToolExecutor) ToolExecutor {
	return ToolExecutorFunc(func(ctx context.Context, name string, args json.RawMessage) (string, error) {
		if !p.Allows(name, args) {
			return "", ErrToolDenied
		}
		return next.Execute(ctx, name, args)
	})
}
