package permissions

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/mcp-gateway-auth/identity"
	"github.com/giantswarm/mcp-gateway-auth/instrumentation"
	"github.com/giantswarm/mcp-gateway-auth/security"
)

// AnyTool in AllowedTools permits every tool.
const AnyTool = "*"

// Action is what a caller wants to do. Empty fields are not checked.
type Action struct {
	Tool     string
	Project  string
	Severity Severity
}

// Decision is the outcome of a permission check. Denial is set when the
// action is not allowed.
type Decision struct {
	Allowed bool
	Reason  string
	// Rule is the governing rule, nil when no rule matched.
	Rule   *Rule
	Denial *Denial
}

// Err returns nil for allowed decisions and the *Denial otherwise.
func (d Decision) Err() error {
	if d.Allowed || d.Denial == nil {
		return nil
	}
	return d.Denial
}

type compiledRule struct {
	rule  Rule
	index int
	// projects holds nil for patterns that failed to compile; they never match.
	projects []*regexp.Regexp
}

// Engine evaluates permission rules. It is immutable after construction and
// safe for concurrent use.
type Engine struct {
	rules      []compiledRule
	writeTools []string

	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
}

// NewEngine builds an engine from cfg. Rules are ordered by descending
// priority with ties kept in list order. cfg is expected to be validated by
// ParseConfig or Config.Validate; patterns that do not compile are kept but
// never match.
func NewEngine(cfg *Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	rules := make([]compiledRule, 0, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		cr := compiledRule{rule: rule, index: i}
		for _, pattern := range rule.AllowedProjects {
			re, err := regexp.Compile(pattern)
			if err != nil {
				logger.Warn("Ignoring project pattern that does not compile",
					"rule", i, "pattern", pattern, "error", err)
				re = nil
			}
			cr.projects = append(cr.projects, re)
		}
		rules = append(rules, cr)
	}
	slices.SortStableFunc(rules, func(a, b compiledRule) int {
		return cmp.Compare(b.rule.priority(), a.rule.priority())
	})

	writeTools := cfg.WriteTools
	if len(writeTools) == 0 {
		writeTools = DefaultWriteTools
	}

	return &Engine{
		rules:      rules,
		writeTools: slices.Clone(writeTools),
		logger:     logger,
	}
}

// SetAuditor enables audit records for denials.
func (e *Engine) SetAuditor(aud *security.Auditor) {
	e.auditor = aud
}

// SetInstrumentation enables decision metrics.
func (e *Engine) SetInstrumentation(inst *instrumentation.Instrumentation) {
	e.metrics = inst.Metrics()
}

// RuleCount returns the number of configured rules.
func (e *Engine) RuleCount() int {
	return len(e.rules)
}

// governingRule returns the first rule, in priority order, whose groups are
// empty or intersect the user's groups.
func (e *Engine) governingRule(user *identity.UserContext) *compiledRule {
	if user == nil {
		return nil
	}
	for i := range e.rules {
		r := &e.rules[i]
		if len(r.rule.Groups) == 0 {
			return r
		}
		for _, g := range r.rule.Groups {
			if slices.Contains(user.Groups, g) {
				return r
			}
		}
	}
	return nil
}

// Check decides whether user may perform action. The first matching rule
// governs the whole decision; rules are never merged. Without a matching
// rule the action is denied.
func (e *Engine) Check(ctx context.Context, user *identity.UserContext, action Action) Decision {
	d := e.evaluate(user, action)

	if d.Allowed {
		e.metrics.RecordPermissionDecision(ctx, instrumentation.ResultAllowed, "")
		return d
	}

	e.metrics.RecordPermissionDecision(ctx, instrumentation.ResultDenied, string(d.Denial.Type))
	userID := ""
	if user != nil {
		userID = user.UserID
	}
	e.auditor.LogPermissionDenied(userID, action.Tool, action.Project, d.Denial.Code)
	e.logger.Debug("Permission denied",
		"user_id", userID,
		"tool", action.Tool,
		"project", action.Project,
		"code", d.Denial.Code)
	return d
}

func (e *Engine) evaluate(user *identity.UserContext, action Action) Decision {
	cr := e.governingRule(user)
	if cr == nil {
		return deny(nil, newDenial(CodeNoMatchingRule, DenialNoRule, "no permission rule matches the user's groups", map[string]any{
			"groups": userGroups(user),
		}))
	}
	rule := &cr.rule

	if action.Tool != "" {
		if slices.Contains(rule.DeniedTools, action.Tool) {
			return deny(rule, newDenial(CodeToolDenied, DenialTool,
				fmt.Sprintf("tool %q is denied", action.Tool), map[string]any{"tool": action.Tool}))
		}
		if !slices.Contains(rule.AllowedTools, AnyTool) && !slices.Contains(rule.AllowedTools, action.Tool) {
			return deny(rule, newDenial(CodeToolDenied, DenialTool,
				fmt.Sprintf("tool %q is not allowed", action.Tool), map[string]any{"tool": action.Tool}))
		}
		if rule.Readonly && e.IsWriteTool(action.Tool) {
			return deny(rule, newDenial(CodeReadonlyViolation, DenialReadonly,
				fmt.Sprintf("tool %q modifies data and the user has read-only access", action.Tool), map[string]any{"tool": action.Tool}))
		}
	}

	if action.Project != "" && !cr.matchProject(action.Project) {
		return deny(rule, newDenial(CodeProjectDenied, DenialProject,
			fmt.Sprintf("project %q is not allowed", action.Project), map[string]any{"project": action.Project}))
	}

	if action.Severity != "" && rule.MaxSeverity != "" {
		requested := action.Severity.Rank()
		if requested < 0 || requested > rule.MaxSeverity.Rank() {
			return deny(rule, newDenial(CodeSeverityExceeded, DenialSeverity,
				fmt.Sprintf("severity %s exceeds the maximum %s", action.Severity, rule.MaxSeverity), map[string]any{
					"requested": string(action.Severity),
					"max":       string(rule.MaxSeverity),
				}))
		}
	}

	return Decision{
		Allowed: true,
		Reason:  fmt.Sprintf("allowed by rule %d", cr.index),
		Rule:    rule,
	}
}

func deny(rule *Rule, d *Denial) Decision {
	return Decision{Reason: d.Reason, Rule: rule, Denial: d}
}

func (cr *compiledRule) matchProject(project string) bool {
	for _, re := range cr.projects {
		if re != nil && re.MatchString(project) {
			return true
		}
	}
	return false
}

// IsWriteTool reports whether tool modifies data.
func (e *Engine) IsWriteTool(tool string) bool {
	return slices.Contains(e.writeTools, tool)
}

// CanUseTool reports whether user may call tool.
func (e *Engine) CanUseTool(ctx context.Context, user *identity.UserContext, tool string) bool {
	return e.Check(ctx, user, Action{Tool: tool}).Allowed
}

// CanAccessProject reports whether user may access project.
func (e *Engine) CanAccessProject(ctx context.Context, user *identity.UserContext, project string) bool {
	return e.Check(ctx, user, Action{Project: project}).Allowed
}

// IsReadonly reports whether the user's governing rule is read-only. Users
// without a rule are treated as read-only.
func (e *Engine) IsReadonly(user *identity.UserContext) bool {
	cr := e.governingRule(user)
	return cr == nil || cr.rule.Readonly
}

// ShouldHideSensitiveData reports whether tool output must be redacted for
// user. Users without a rule get redacted output.
func (e *Engine) ShouldHideSensitiveData(user *identity.UserContext) bool {
	cr := e.governingRule(user)
	return cr == nil || cr.rule.HideSensitiveData
}

// MaxSeverity returns the severity ceiling of the user's governing rule and
// whether one is set.
func (e *Engine) MaxSeverity(user *identity.UserContext) (Severity, bool) {
	cr := e.governingRule(user)
	if cr == nil || cr.rule.MaxSeverity == "" {
		return "", false
	}
	return cr.rule.MaxSeverity, true
}

// FilterTools returns the tools user may call, in their original order.
// Filtering is silent: hidden tools are neither audited nor counted.
func (e *Engine) FilterTools(user *identity.UserContext, tools []mcp.Tool) []mcp.Tool {
	out := make([]mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		if e.evaluate(user, Action{Tool: tool.Name}).Allowed {
			out = append(out, tool)
		}
	}
	return out
}

// RequireScopes returns a scope *Denial unless user holds every scope in
// required.
func (e *Engine) RequireScopes(user *identity.UserContext, required ...string) error {
	var held []string
	if user != nil {
		held = user.Scopes
	}
	var missing []string
	for _, scope := range required {
		if !slices.Contains(held, scope) {
			missing = append(missing, scope)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return newDenial(CodeInsufficientScope, DenialScope,
		fmt.Sprintf("missing required scopes: %v", missing), map[string]any{
			"required": slices.Clone(required),
			"held":     slices.Clone(held),
			"missing":  missing,
		})
}

func userGroups(user *identity.UserContext) []string {
	if user == nil {
		return nil
	}
	return slices.Clone(user.Groups)
}
