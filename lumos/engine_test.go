package lumos

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// programLoader provides packages type checked from the project files without the go toolchain.
type programLoader struct {
	t       *testing.T
	pkgDir  string
	files   map[string]string
	loadCfg LoadConfig
	err     error
}

func (p *programLoader) LoadPackages(cfg LoadConfig) (*LoadResult, error) {
	p.loadCfg = cfg
	if p.err != nil {
		return nil, p.err
	}
	prog := newTestProgram(p.t, true)
	pkg := prog.addDir("example.com/app", p.pkgDir, p.files)
	return &LoadResult{Packages: []*Package{pkg}, Payload: prog.payload()}, nil
}

type capturedReportWriter struct {
	jsonPath, chartPath string
	report              ReportMetrics
}

func (c *capturedReportWriter) WriteReportFiles(jsonPath, chartPath string, report ReportMetrics) error {
	c.jsonPath, c.chartPath, c.report = jsonPath, chartPath, report
	return nil
}

// newEngineProject creates a module on disk and an engine which loads it through a programLoader.
func newEngineProject(t *testing.T, config *Config, store SourceStore) (*Engine, *programLoader, string) {
	t.Helper()

	projectDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "go.mod"), []byte("module example.com\n\ngo 1.24\n"), 0644))
	pkgDir := filepath.Join(projectDir, "app")
	require.NoError(t, os.MkdirAll(pkgDir, 0755))
	files := map[string]string{"app.go": workspaceAppSrc, "util.go": workspaceUtilSrc}
	for name, src := range files {
		require.NoError(t, os.WriteFile(filepath.Join(pkgDir, name), []byte(src), 0644))
	}

	config.ProjectDir = projectDir
	loader := &programLoader{t: t, pkgDir: pkgDir, files: files}
	engine := NewEngine(config)
	engine.PackageLoader = loader
	engine.StoreProvider = &SingletonStoreProvider{Store: store}
	engine.DiffOutput = &bytes.Buffer{}
	return engine, loader, projectDir
}

func TestEngineRunOverlay(t *testing.T) {
	t.Parallel()

	config := &Config{Targets: []string{"example.com/app.Untouched()", "bad spec"}}
	engine, loader, projectDir := newEngineProject(t, config, NewMemSourceStore())
	config.ReportJsonFile = filepath.Join(projectDir, "out", "report.json")
	require.NoError(t, engine.Run())

	assert.Equal(t, projectDir, loader.loadCfg.Dir)
	assert.Equal(t, []string{"./..."}, loader.loadCfg.Patterns)
	assert.False(t, loader.loadCfg.Tests)

	overlayPath := filepath.Join(projectDir, ".lumos", "overlay", "overlay.json")
	data, err := os.ReadFile(overlayPath)
	require.NoError(t, err)
	var overlay OverlayFile
	require.NoError(t, json.Unmarshal(data, &overlay))
	assert.Len(t, overlay.Replace, 2)

	original, err := os.ReadFile(filepath.Join(projectDir, "app", "app.go"))
	require.NoError(t, err)
	assert.Equal(t, workspaceAppSrc, string(original))

	report, err := ReadReportMetrics(config.ReportJsonFile)
	require.NoError(t, err)
	assert.Equal(t, "example.com", report.ModulePath)
	assert.Equal(t, "overlay", report.Mode)
	assert.Equal(t, []string{"bad spec"}, report.RejectedTargets)
	assert.Equal(t, 2, report.Summary.PatchedDeclCount)
	assert.Equal(t, 1, report.Summary.CallSiteCount)
}

func TestEngineRunRejectedTargetLogged(t *testing.T) {
	var logs bytes.Buffer
	log.SetOutput(&logs)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	config := &Config{ModeFlag: "diff", Targets: []string{"bad spec", "example.com/app.Untouched()"}}
	engine, _, projectDir := newEngineProject(t, config, NewMemSourceStore())
	reports := &capturedReportWriter{}
	engine.ReportWriter = reports
	config.ReportJsonFile = filepath.Join(projectDir, "report.json")
	require.NoError(t, engine.Run())

	assert.Equal(t, 1, strings.Count(logs.String(), `ignoring malformed target specification: "bad spec"`))
	assert.Equal(t, []string{"bad spec"}, reports.report.RejectedTargets)
}

func TestEngineRunDiff(t *testing.T) {
	t.Parallel()

	config := &Config{ModeFlag: "diff"}
	engine, _, projectDir := newEngineProject(t, config, NewMemSourceStore())
	reports := &capturedReportWriter{}
	engine.ReportWriter = reports
	config.ReportChartsFile = filepath.Join(projectDir, "report.svg")
	require.NoError(t, engine.Run())

	diff := engine.DiffOutput.(*bytes.Buffer).String()
	assert.Contains(t, diff, "app/app.go")
	assert.Contains(t, diff, "lumosSyntheticLumen")
	assert.NotContains(t, diff, "util.go")
	assert.Empty(t, reports.jsonPath)
	assert.Equal(t, config.ReportChartsFile, reports.chartPath)
	assert.Equal(t, 1, reports.report.Summary.ChangedUnitCount)
	assert.False(t, FileExists(filepath.Join(projectDir, ".lumos")))
}

func TestEngineRunWriteRestore(t *testing.T) {
	t.Parallel()

	store := NewMemSourceStore()
	engine, _, projectDir := newEngineProject(t, &Config{ModeFlag: "write"}, store)
	appPath := filepath.Join(projectDir, "app", "app.go")
	require.NoError(t, engine.Run())

	rewritten, err := os.ReadFile(appPath)
	require.NoError(t, err)
	assert.Contains(t, string(rewritten), "lumosSyntheticLumen xxlumoslumen.Lumen")
	assert.True(t, FileExists(manifestPath(projectDir)))
	paths, err := store.Paths()
	require.NoError(t, err)
	assert.Equal(t, []string{appPath}, paths)

	t.Run("pending_restore", func(t *testing.T) {
		second := NewEngine(&Config{ProjectDir: projectDir, ModeFlag: "write"})
		second.PackageLoader = &programLoader{t: t, pkgDir: filepath.Join(projectDir, "app"),
			files: map[string]string{"app.go": workspaceAppSrc, "util.go": workspaceUtilSrc}}
		second.StoreProvider = &SingletonStoreProvider{Store: store}
		assert.ErrorIs(t, second.Run(), ErrPendingRestore)
	})

	restore := NewEngine(&Config{ProjectDir: projectDir, Restore: true})
	restore.StoreProvider = &SingletonStoreProvider{Store: store}
	require.NoError(t, restore.Run())

	restored, err := os.ReadFile(appPath)
	require.NoError(t, err)
	assert.Equal(t, workspaceAppSrc, string(restored))
	assert.False(t, FileExists(manifestPath(projectDir)))
	paths, err = store.Paths()
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestEngineRestoreNothingPending(t *testing.T) {
	t.Parallel()

	engine := NewEngine(&Config{ProjectDir: t.TempDir(), Restore: true})
	engine.StoreProvider = &SingletonStoreProvider{Store: NewMemSourceStore()}
	assert.NoError(t, engine.Run())
}

func TestEngineRunErrors(t *testing.T) {
	t.Parallel()

	t.Run("prepare", func(t *testing.T) {
		assert.Error(t, NewEngine(&Config{}).Run())
	})
	t.Run("load", func(t *testing.T) {
		engine, loader, _ := newEngineProject(t, &Config{}, NewMemSourceStore())
		loader.err = errors.New("load failed")
		assert.ErrorIs(t, engine.Run(), loader.err)
	})
	t.Run("verify_requires_overlay", func(t *testing.T) {
		engine, _, _ := newEngineProject(t, &Config{ModeFlag: "diff", Verify: true}, NewMemSourceStore())
		assert.Error(t, engine.Run())
	})
}
