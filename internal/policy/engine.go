package policy

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/opencode-ai/opencode/pkg/types"
	"mvdan.cc/sh/v3/syntax"
)

// defaultPolicies returns the built-in dispositions (§4.2) before any file is
// overlaid: safe reads allow, writes prompt, destructive/execute deny.
func defaultPolicies() map[string]types.ToolPolicy {
	return map[string]types.ToolPolicy{
		"read":     types.PolicyAllow,
		"glob":     types.PolicyAllow,
		"grep":     types.PolicyAllow,
		"list":     types.PolicyAllow,
		"todoread": types.PolicyAllow,
		"Write":    types.PolicyPrompt,
		"edit":     types.PolicyPrompt,
		"todowrite": types.PolicyPrompt,
		"webfetch": types.PolicyPrompt,
		"bash":     types.PolicyPrompt,
		"delete_file":  types.PolicyDeny,
		"execute_code": types.PolicyDeny,
	}
}

const defaultDefaultPolicy = types.PolicyPrompt

// ConstraintResult is the closed tagged-union result of apply_constraints.
type ConstraintResult struct {
	Kind     ConstraintResultKind
	Reason   string         // set when Kind == Violated
	Note     string         // set when Kind == Modified
	Args     map[string]any // set when Kind == Modified (possibly rewritten)
}

type ConstraintResultKind int

const (
	Allowed ConstraintResultKind = iota
	Violated
	Modified
)

// Engine holds the merged policy and serves get_policy/apply_constraints
// and the admin bulk operations (§4.2).
type Engine struct {
	mu sync.RWMutex

	policies    map[string]types.ToolPolicy
	constraints map[string]types.ToolConstraints
	defaultPol  types.ToolPolicy

	fullAuto        bool
	fullAutoAllowed map[string]bool

	preapproved map[string]bool // one-shot allow for the remainder of the turn

	projectPath string
	globalPath  string
}

// Load builds an Engine from defaults, overlaid with the global file then
// the project file. File load errors are swallowed (§4.2).
func Load(directory string) *Engine {
	e := &Engine{
		policies:        defaultPolicies(),
		constraints:     make(map[string]types.ToolConstraints),
		defaultPol:      defaultDefaultPolicy,
		fullAutoAllowed: make(map[string]bool),
		preapproved:     make(map[string]bool),
		globalPath:      GlobalPolicyPath(),
		projectPath:     ProjectPolicyPath(directory),
	}
	if f, ok := loadFile(e.globalPath); ok {
		e.overlay(f)
	}
	if f, ok := loadFile(e.projectPath); ok {
		e.overlay(f)
	}
	return e
}

func (e *Engine) overlay(f *File) {
	for name, p := range f.Policies {
		e.policies[name] = p
	}
	for name, c := range f.Constraints {
		e.constraints[name] = c
	}
	if f.DefaultPolicy != "" {
		e.defaultPol = f.DefaultPolicy
	}
}

// GetPolicy returns the effective disposition for a tool, honoring a full
// auto-allowlist override.
func (e *Engine) GetPolicy(name string) types.ToolPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.fullAuto && e.fullAutoAllowed[name] {
		return types.PolicyAllow
	}
	if e.preapproved[name] {
		return types.PolicyAllow
	}
	if p, ok := e.policies[name]; ok {
		return p
	}
	return e.defaultPol
}

// Preapprove grants a one-shot allow for the remainder of the turn. The
// caller is responsible for clearing it (e.g. at turn start) via ResetTurn.
func (e *Engine) Preapprove(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preapproved[name] = true
}

// ResetTurn clears one-shot preapprovals; called at the start of each turn.
func (e *Engine) ResetTurn() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preapproved = make(map[string]bool)
}

func (e *Engine) EnableFullAuto(allowlist []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fullAuto = true
	e.fullAutoAllowed = make(map[string]bool, len(allowlist))
	for _, n := range allowlist {
		e.fullAutoAllowed[n] = true
	}
}

func (e *Engine) DisableFullAuto() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fullAuto = false
	e.fullAutoAllowed = make(map[string]bool)
}

func (e *Engine) AllowAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name := range e.policies {
		e.policies[name] = types.PolicyAllow
	}
	e.defaultPol = types.PolicyAllow
}

func (e *Engine) DenyAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name := range e.policies {
		e.policies[name] = types.PolicyDeny
	}
	e.defaultPol = types.PolicyDeny
}

func (e *Engine) ResetToPrompt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name := range e.policies {
		e.policies[name] = types.PolicyPrompt
	}
	e.defaultPol = types.PolicyPrompt
}

func (e *Engine) ResetToDefaults() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = defaultPolicies()
	e.defaultPol = defaultDefaultPolicy
}

// Save persists the merged policy to the project file (default save path).
func (e *Engine) Save() error {
	return e.saveTo(e.projectPath)
}

// SaveGlobal persists the merged policy to the global file.
func (e *Engine) SaveGlobal() error {
	return e.saveTo(e.globalPath)
}

func (e *Engine) saveTo(path string) error {
	e.mu.RLock()
	f := &File{
		Version:       1,
		Policies:      e.policies,
		Constraints:   e.constraints,
		DefaultPolicy: e.defaultPol,
	}
	e.mu.RUnlock()
	return saveFile(path, f)
}

// ApplyConstraints is read-only over a consistent snapshot of the engine's
// constraint map; it never mutates engine state. It may return rewritten
// args (Modified) or a deny reason (Violated).
func (e *Engine) ApplyConstraints(name string, args map[string]any) ConstraintResult {
	e.mu.RLock()
	c, ok := e.constraints[name]
	e.mu.RUnlock()
	if !ok {
		return ConstraintResult{Kind: Allowed}
	}

	modifiedArgs := args
	note := ""
	modified := false

	// URL scheme/host blocklist.
	if rawURL, ok := stringArg(args, "url"); ok {
		if reason, bad := checkURL(rawURL, c.BlockedURLSchemes, c.BlockedHosts); bad {
			return ConstraintResult{Kind: Violated, Reason: reason}
		}
	}

	// Path-based checks: extension allowlist + glob blocklist.
	if path, ok := firstPathArg(args); ok {
		if len(c.AllowedExtensions) > 0 && !hasAllowedExtension(path, c.AllowedExtensions) {
			return ConstraintResult{Kind: Violated, Reason: fmt.Sprintf("extension of %q is not in the allowed list", path)}
		}
		if blocked, pattern := matchesBlockedPattern(path, c.BlockedPathPattern); blocked {
			return ConstraintResult{Kind: Violated, Reason: fmt.Sprintf("path %q matches blocked pattern %q", path, pattern)}
		}
	}

	// For bash-like tools, also scan referenced path tokens inside the command.
	if cmd, ok := stringArg(args, "command"); ok && len(c.BlockedPathPattern) > 0 {
		for _, tok := range extractBashPathTokens(cmd) {
			if blocked, pattern := matchesBlockedPattern(tok, c.BlockedPathPattern); blocked {
				return ConstraintResult{Kind: Violated, Reason: fmt.Sprintf("command references blocked path %q (pattern %q)", tok, pattern)}
			}
		}
	}

	// allowed_modes.
	if mode, ok := stringArg(args, "mode"); ok && len(c.AllowedModes) > 0 {
		if !contains(c.AllowedModes, mode) {
			return ConstraintResult{Kind: Violated, Reason: fmt.Sprintf("mode %q is not allowed", mode)}
		}
	}

	// limit -> max_items clamp.
	if c.MaxItems != nil {
		if limit, ok := numberArg(args, "limit"); ok && limit > *c.MaxItems {
			modifiedArgs = cloneArgs(args)
			modifiedArgs["limit"] = *c.MaxItems
			note = fmt.Sprintf("Limit reduced from %d to %d per policy constraint", limit, *c.MaxItems)
			modified = true
		}
	}

	if modified {
		return ConstraintResult{Kind: Modified, Args: modifiedArgs, Note: note}
	}
	return ConstraintResult{Kind: Allowed}
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func numberArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i, true
		}
	}
	return 0, false
}

func firstPathArg(args map[string]any) (string, bool) {
	for _, key := range []string{"path", "file_path", "file", "target"} {
		if s, ok := stringArg(args, key); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func hasAllowedExtension(path string, allowed []string) bool {
	for _, ext := range allowed {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// matchesBlockedPattern implements the `*`/`**` glob semantics of §4.2:
// `**` matches any depth, `*` does not cross `/`, otherwise literal.
func matchesBlockedPattern(path string, patterns []string) (bool, string) {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true, pattern
		}
		// Also try matching against the base name for bare "*.ext"-style patterns.
		if ok, _ := doublestar.Match(pattern, pathBase(path)); ok {
			return true, pattern
		}
	}
	return false, ""
}

func pathBase(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return p
	}
	return p[i+1:]
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// checkURL validates a URL against scheme and host blocklists (exact match
// or `.suffix` wildcard per §3).
func checkURL(raw string, blockedSchemes, blockedHosts []string) (reason string, blocked bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Sprintf("URL %q could not be parsed", raw), true
	}
	for _, s := range blockedSchemes {
		if strings.EqualFold(u.Scheme, s) {
			return fmt.Sprintf("Scheme %q is blocked", u.Scheme), true
		}
	}
	host := u.Hostname()
	for _, h := range blockedHosts {
		if strings.HasPrefix(h, ".") {
			if strings.HasSuffix(host, h) {
				return fmt.Sprintf("Host '%s' is blocked", host), true
			}
			continue
		}
		if strings.EqualFold(host, h) {
			return fmt.Sprintf("Host '%s' is blocked", host), true
		}
	}
	return "", false
}

// extractBashPathTokens parses a shell command line and returns its literal
// word tokens, used to apply path-pattern constraints to commands that
// reference files as plain arguments (e.g. `cat ./secrets/*`).
func extractBashPathTokens(cmd string) []string {
	var tokens []string
	f, err := syntax.NewParser().Parse(strings.NewReader(cmd), "")
	if err != nil {
		return tokens
	}
	syntax.Walk(f, func(node syntax.Node) bool {
		if lit, ok := node.(*syntax.Lit); ok {
			tokens = append(tokens, lit.Value)
		}
		return true
	})
	return tokens
}
