// Package buildcmd turns a detected build strategy into the concrete command
// sequence the agent executes. Commands are argument vectors, never shell
// strings, so repository-controlled manifest content is passed as data.
package buildcmd

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/berth-dev/berth/internal/detect"
)

// Step is a single command invocation. When the primary argv cannot run or
// exits non-zero and a Fallback is present, the fallback is attempted once.
type Step struct {
	Argv     []string
	Fallback []string
}

// Sequence is an ordered list of build steps with a strict success
// dependency: a later step must not run if an earlier one failed.
type Sequence struct {
	Steps    []Step
	Warnings []string
}

// Empty reports whether there is nothing to run. Static projects legitimately
// synthesize an empty sequence; the checked-out tree is the artifact.
func (s Sequence) Empty() bool {
	return len(s.Steps) == 0
}

type packageManifest struct {
	Scripts map[string]string `json:"scripts"`
}

// Synthesize produces the install and build steps for the given strategy.
// It never fails: a malformed manifest degrades to an empty sequence with a
// warning attached.
func Synthesize(strategy detect.Strategy, projectPath string) Sequence {
	switch {
	case strategy.IsPackageManifest():
		return synthesizeNode(projectPath)
	case strategy == detect.StrategyJavaMaven:
		return Sequence{Steps: []Step{{Argv: []string{"mvn", "clean", "package"}}}}
	case strategy == detect.StrategyJavaGradle:
		return Sequence{Steps: []Step{{
			Argv:     []string{"./gradlew", "build"},
			Fallback: []string{"gradle", "build"},
		}}}
	default:
		return Sequence{}
	}
}

func synthesizeNode(projectPath string) Sequence {
	manifestPath := filepath.Join(projectPath, "package.json")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		// npm install runs fine without a manifest on disk.
		return Sequence{Steps: []Step{{Argv: []string{"npm", "install"}}}}
	}

	var manifest packageManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Sequence{Warnings: []string{"malformed package.json, skipping build: " + err.Error()}}
	}

	var steps []Step
	if manifest.Scripts["install"] != "" {
		steps = append(steps, Step{Argv: []string{"npm", "run", "install"}})
	} else {
		steps = append(steps, Step{Argv: []string{"npm", "install"}})
	}
	if manifest.Scripts["build"] != "" {
		steps = append(steps, Step{Argv: []string{"npm", "run", "build"}})
	}
	return Sequence{Steps: steps}
}
