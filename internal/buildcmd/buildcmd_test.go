package buildcmd

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/berth-dev/berth/internal/detect"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(content), 0o644); err != nil {
		t.Fatalf("write package.json: %v", err)
	}
}

func TestSynthesizeNodeInstallAndBuild(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"scripts":{"build":"vite build"}}`)

	seq := Synthesize(detect.StrategyVite, dir)
	if len(seq.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", seq.Warnings)
	}
	want := []Step{
		{Argv: []string{"npm", "install"}},
		{Argv: []string{"npm", "run", "build"}},
	}
	if !reflect.DeepEqual(seq.Steps, want) {
		t.Fatalf("unexpected steps: %#v", seq.Steps)
	}
}

func TestSynthesizeNodeCustomInstallScript(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"scripts":{"install":"lerna bootstrap","build":"lerna run build"}}`)

	seq := Synthesize(detect.StrategyNode, dir)
	if len(seq.Steps) != 2 {
		t.Fatalf("expected two steps, got %d", len(seq.Steps))
	}
	if !reflect.DeepEqual(seq.Steps[0].Argv, []string{"npm", "run", "install"}) {
		t.Fatalf("unexpected install step: %v", seq.Steps[0].Argv)
	}
}

func TestSynthesizeNodeInstallOnlyWithoutBuildScript(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"scripts":{"test":"jest"}}`)

	seq := Synthesize(detect.StrategyNode, dir)
	want := []Step{{Argv: []string{"npm", "install"}}}
	if !reflect.DeepEqual(seq.Steps, want) {
		t.Fatalf("unexpected steps: %#v", seq.Steps)
	}
}

func TestSynthesizeNodeMissingManifestStillInstalls(t *testing.T) {
	seq := Synthesize(detect.StrategyNode, t.TempDir())
	want := []Step{{Argv: []string{"npm", "install"}}}
	if !reflect.DeepEqual(seq.Steps, want) {
		t.Fatalf("unexpected steps: %#v", seq.Steps)
	}
}

func TestSynthesizeNodeMalformedManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"scripts":`)

	seq := Synthesize(detect.StrategyNode, dir)
	if !seq.Empty() {
		t.Fatalf("expected empty sequence, got %#v", seq.Steps)
	}
	if len(seq.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", seq.Warnings)
	}
}

func TestSynthesizeMaven(t *testing.T) {
	seq := Synthesize(detect.StrategyJavaMaven, t.TempDir())
	want := []Step{{Argv: []string{"mvn", "clean", "package"}}}
	if !reflect.DeepEqual(seq.Steps, want) {
		t.Fatalf("unexpected steps: %#v", seq.Steps)
	}
}

func TestSynthesizeGradleFallback(t *testing.T) {
	seq := Synthesize(detect.StrategyJavaGradle, t.TempDir())
	if len(seq.Steps) != 1 {
		t.Fatalf("expected one step, got %d", len(seq.Steps))
	}
	step := seq.Steps[0]
	if !reflect.DeepEqual(step.Argv, []string{"./gradlew", "build"}) {
		t.Fatalf("unexpected argv: %v", step.Argv)
	}
	if !reflect.DeepEqual(step.Fallback, []string{"gradle", "build"}) {
		t.Fatalf("unexpected fallback: %v", step.Fallback)
	}
}

func TestSynthesizeStaticIsEmpty(t *testing.T) {
	seq := Synthesize(detect.StrategyStatic, t.TempDir())
	if !seq.Empty() {
		t.Fatalf("expected empty sequence for static strategy")
	}
}
