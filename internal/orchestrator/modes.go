// Package orchestrator coordinates a single execution request: sandbox
// resolution, workspace preparation, process supervision and job admission
// against the wrapper's control surface.
package orchestrator

import (
	v1 "github.com/kilodev/cloudagent/pkg/api/v1"
)

// modeAliases maps surface-level mode names onto the internal vocabulary.
// Internal modes map to themselves.
var modeAliases = map[string]v1.Mode{
	"plan":         v1.ModePlan,
	"code":         v1.ModeCode,
	"ask":          v1.ModeAsk,
	"debug":        v1.ModeDebug,
	"architect":    v1.ModePlan,
	"orchestrator": v1.ModeCode,
}

// NormalizeMode maps a requested mode onto the internal set. Unknown values
// fall back to code, the default working mode.
func NormalizeMode(mode string) v1.Mode {
	if m, ok := modeAliases[mode]; ok {
		return m
	}
	return v1.ModeCode
}
