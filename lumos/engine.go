package lumos

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

// PackageLoader loads and type checks the project packages to rewrite.
type PackageLoader interface {
	// LoadPackages returns the project packages and the resolved payload, the payload may be nil when the
	// project does not depend on it.
	LoadPackages(cfg LoadConfig) (*LoadResult, error)
}

// StoreProvider opens the store which holds the original content of files rewritten in place.
type StoreProvider interface {
	// NewSourceStore opens the store for the project, it must contain the content saved by a previous run.
	NewSourceStore(projectDir string, verbose bool) (SourceStore, error)
}

// ReportWriter writes the run report files.
type ReportWriter interface {
	// WriteReportFiles writes the JSON and chart reports, an empty path skips that report.
	WriteReportFiles(jsonPath, chartPath string, report ReportMetrics) error
}

// DefaultPackageLoader loads packages using the go toolchain.
type DefaultPackageLoader struct{}

func (d *DefaultPackageLoader) LoadPackages(cfg LoadConfig) (*LoadResult, error) {
	return LoadPackages(cfg)
}

// DefaultStoreProvider persists original sources with BadgerDB inside the project state directory.
type DefaultStoreProvider struct{}

func (d *DefaultStoreProvider) NewSourceStore(projectDir string, verbose bool) (SourceStore, error) {
	return NewBadgerSourceStore(backupDir(projectDir), verbose)
}

// SingletonStoreProvider is a StoreProvider that returns a single consistent store instance.
type SingletonStoreProvider struct {
	Store SourceStore
}

func (s *SingletonStoreProvider) NewSourceStore(string, bool) (SourceStore, error) {
	return s.Store, nil
}

// DefaultReportWriter provides the standard implementation of ReportWriter.
type DefaultReportWriter struct{}

func (d *DefaultReportWriter) WriteReportFiles(jsonPath, chartPath string, report ReportMetrics) error {
	if jsonPath != "" {
		reportMap, err := BuildReportMap(report)
		if err != nil {
			return err
		} else if err := reportMap.WriteToFile(jsonPath); err != nil {
			return err
		}
	}
	if chartPath != "" {
		if err := WriteReportCharts(chartPath, report); err != nil {
			return err
		}
	}
	return nil
}

// Engine orchestrates package loading, the rewrite pipeline, output of the rewritten sources, and reporting.
type Engine struct {
	Config        *Config
	PackageLoader PackageLoader
	StoreProvider StoreProvider
	ReportWriter  ReportWriter
	// DiffOutput receives the diff in ModeDiff.
	DiffOutput io.Writer
	// VerifyOutput receives the build output while verifying an overlay, nil to only capture it.
	VerifyOutput io.Writer
}

// NewEngine creates an Engine with default providers.
func NewEngine(config *Config) *Engine {
	e := &Engine{
		Config:        config,
		PackageLoader: &DefaultPackageLoader{},
		StoreProvider: &DefaultStoreProvider{},
		ReportWriter:  &DefaultReportWriter{},
		DiffOutput:    os.Stdout,
	}
	if config.Verbose {
		e.VerifyOutput = os.Stderr
	}
	return e
}

// Run executes the configured workflow.
func (e *Engine) Run() error {
	startTime := time.Now()
	if err := e.Config.Prepare(); err != nil {
		return err
	} else if e.Config.Restore {
		return e.restore()
	}
	config := e.Config

	targets, rejected := parseTargetsLogged(config.Targets)
	session := NewSession(targets)

	log.Printf("Loading packages: %s", strings.Join(config.Packages, " "))
	loaded, err := e.PackageLoader.LoadPackages(LoadConfig{
		Dir:        config.AbsProjDir,
		Patterns:   config.Packages,
		Tests:      config.Tests,
		Env:        GoEnv(config.Gopath, config.Gomodcache),
		BuildFlags: config.BuildFlags,
	})
	if err != nil {
		return err
	}
	loadEndTime := time.Now()
	log.Printf("Loaded package count: %d", len(loaded.Packages))

	result, err := NewPipeline(session, loaded.Payload).Run(loaded.Packages)
	if err != nil {
		return err
	}
	rewriteEndTime := time.Now()
	for _, d := range result.Diagnostics() {
		log.Printf("%s%s", WarnLogPrefix, d)
	}
	changed := result.ChangedUnits()
	log.Printf("Patched declarations: %d, instrumented call sites: %d, changed files: %d",
		len(result.PatchedDecls()), len(result.CallSites()), len(changed))

	if len(changed) == 0 {
		log.Printf("No sources to rewrite")
	} else if err := e.writeOutput(session, changed); err != nil {
		return err
	}

	if config.ReportJsonFile == "" && config.ReportChartsFile == "" {
		return nil
	}
	report := BuildReportMetrics(config.AbsProjDir, config.ModulePath, config.Mode, ReportDurations{
		Start:   startTime,
		Load:    loadEndTime.Sub(startTime),
		Rewrite: rewriteEndTime.Sub(loadEndTime),
		Output:  time.Since(rewriteEndTime),
	}, config.Targets, rejected, result)
	if err := e.ReportWriter.WriteReportFiles(config.ReportJsonFile, config.ReportChartsFile, report); err != nil {
		return err
	}
	if config.ReportJsonFile != "" {
		log.Printf("Report file wrote: %s", config.ReportJsonFile)
	}
	if config.ReportChartsFile != "" {
		log.Printf("Report file wrote: %s", config.ReportChartsFile)
	}
	return nil
}

func (e *Engine) writeOutput(session *Session, changed []*UnitResult) error {
	config := e.Config
	switch config.Mode {
	case ModeDiff:
		return WriteDiffs(e.DiffOutput, config.AbsProjDir, changed)
	case ModeWrite:
		store, err := e.StoreProvider.NewSourceStore(config.AbsProjDir, config.Verbose)
		if err != nil {
			return fmt.Errorf("backup store failure: %w", err)
		}
		manifest := newManifest(config.ModulePath, targetSpecs(session))
		err = CommitInPlace(config.AbsProjDir, store, manifest, changed)
		if closeErr := store.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}
		log.Printf("Rewrote %d files in place, run with -restore to revert", len(changed))
		return nil
	default:
		overlayPath, err := WriteOverlay(config.AbsProjDir, config.OverlayDir, changed)
		if err != nil {
			return err
		}
		log.Printf("Overlay file wrote: %s", overlayPath)
		if config.Verify {
			log.Printf("Verifying rewritten packages build")
			if err := VerifyOverlay(config.AbsProjDir, GoEnv(config.Gopath, config.Gomodcache), overlayPath,
				config.BuildFlags, config.Packages, config.Tests, e.VerifyOutput); err != nil {
				return err
			}
			log.Printf("Verified rewritten packages build")
		}
		return nil
	}
}

func targetSpecs(session *Session) []string {
	targets := session.Targets()
	specs := make([]string, len(targets))
	for i, t := range targets {
		specs[i] = t.OriginalSpec()
	}
	return specs
}

func (e *Engine) restore() error {
	projectDir := e.Config.AbsProjDir
	if _, err := ReadManifest(manifestPath(projectDir)); errors.Is(err, ErrNoManifest) {
		log.Printf("No rewritten files to restore")
		return nil
	} else if err != nil {
		return err
	}

	store, err := e.StoreProvider.NewSourceStore(projectDir, e.Config.Verbose)
	if err != nil {
		return fmt.Errorf("backup store failure: %w", err)
	}
	restored, err := Restore(projectDir, store)
	for _, path := range restored {
		log.Printf("Restored: %s", relativePath(projectDir, path))
	}
	if err != nil {
		_ = store.Close()
		return err
	}
	if err := store.Clear(); err != nil {
		log.Printf("%sFailed to clear backup store: %v", ErrorLogPrefix, err)
	}
	if err := store.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(backupDir(projectDir)); err != nil {
		log.Printf("%sFailed to remove backup dir: %v", ErrorLogPrefix, err)
	}
	log.Printf("Restored file count: %d", len(restored))
	return nil
}
