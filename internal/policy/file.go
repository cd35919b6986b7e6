// Package policy implements the two-tier (global + project) declarative
// tool policy engine: merged allow/prompt/deny dispositions plus per-tool
// argument constraints.
package policy

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"github.com/opencode-ai/opencode/internal/config"
	"github.com/opencode-ai/opencode/pkg/types"
)

// File is the on-disk JSON shape described in §6.4.
type File struct {
	Version        int                              `json:"version"`
	AvailableTools []string                          `json:"available_tools,omitempty"`
	Policies       map[string]types.ToolPolicy       `json:"policies,omitempty"`
	Constraints    map[string]types.ToolConstraints  `json:"constraints,omitempty"`
	DefaultPolicy  types.ToolPolicy                   `json:"default_policy,omitempty"`
}

const policyFileBasename = "tool-policy.json"

// GlobalPolicyPath is `<home>/.config/opencode/tool-policy.json`.
func GlobalPolicyPath() string {
	return filepath.Join(config.GetPaths().Config, policyFileBasename)
}

// ProjectPolicyPath is `<workspace>/.opencode/tool-policy.json`.
func ProjectPolicyPath(directory string) string {
	return filepath.Join(directory, ".opencode", policyFileBasename)
}

var jsoncSingleLine = regexp.MustCompile(`//.*$`)
var jsoncMultiLine = regexp.MustCompile(`/\*[\s\S]*?\*/`)

func stripJSONComments(data []byte) []byte {
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		lines[i] = jsoncSingleLine.ReplaceAll(line, nil)
	}
	data = bytes.Join(lines, []byte("\n"))
	return jsoncMultiLine.ReplaceAll(data, nil)
}

// loadFile reads and parses a policy file. A missing or malformed file is
// treated as "not present" (§4.2, §7 PolicyLoadError) — never fatal.
func loadFile(path string) (*File, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	data = stripJSONComments(data)
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, false
	}
	return &f, true
}

func saveFile(path string, f *File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
