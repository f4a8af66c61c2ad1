// Package detect classifies a checked-out project tree into a build strategy.
package detect

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Strategy enumerates the supported build strategies.
type Strategy string

const (
	StrategyJavaMaven  Strategy = "java-maven"
	StrategyJavaGradle Strategy = "java-gradle"
	StrategyNextJS     Strategy = "nextjs"
	StrategyVite       Strategy = "vite"
	StrategyNode       Strategy = "node"
	StrategyStatic     Strategy = "static"
)

// IsPackageManifest reports whether the strategy is driven by a package.json
// manifest. The framework distinction is cosmetic: all manifest strategies
// share the same install-then-build command shape.
func (s Strategy) IsPackageManifest() bool {
	switch s {
	case StrategyNextJS, StrategyVite, StrategyNode:
		return true
	}
	return false
}

// Detect inspects projectPath and returns its build strategy. It is total:
// any unreadable or unrecognized tree classifies as static. Precedence is
// fixed: Maven before Gradle before package manifests.
func Detect(projectPath string) Strategy {
	if fileExists(filepath.Join(projectPath, "pom.xml")) {
		return StrategyJavaMaven
	}
	if fileExists(filepath.Join(projectPath, "build.gradle")) || fileExists(filepath.Join(projectPath, "build.gradle.kts")) {
		return StrategyJavaGradle
	}
	if manifestDeclaresBuild(filepath.Join(projectPath, "package.json")) {
		if fileExists(filepath.Join(projectPath, "next.config.js")) {
			return StrategyNextJS
		}
		if fileExists(filepath.Join(projectPath, "vite.config.js")) {
			return StrategyVite
		}
		return StrategyNode
	}
	return StrategyStatic
}

type packageManifest struct {
	Scripts map[string]string `json:"scripts"`
}

func manifestDeclaresBuild(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var manifest packageManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return false
	}
	return manifest.Scripts["build"] != ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
