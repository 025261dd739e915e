package lumos

import (
	"errors"
	"fmt"
	"go/token"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/tools/go/packages"
)

// LoadConfig controls which project packages are loaded.
type LoadConfig struct {
	Dir        string
	Patterns   []string
	Tests      bool
	Env        []string
	BuildFlags []string
}

// LoadResult holds the loaded project packages and the payload, nil if the payload package could not be resolved.
type LoadResult struct {
	Packages []*Package
	Payload  *Payload
}

const loadMode = packages.NeedName | packages.NeedFiles | packages.NeedSyntax |
	packages.NeedImports | packages.NeedTypes | packages.NeedTypesInfo

// LoadPackages loads, parses, and type checks the project packages matching the patterns. The payload package
// is loaded alongside, failing to load it is not an error, it only means nothing can be instrumented. Files
// outside of the project dir (generated cgo files, build cache) are excluded, and when tests are included each
// file is owned only by the first package variant which contains it, test variants taking priority.
func LoadPackages(cfg LoadConfig) (*LoadResult, error) {
	fset := token.NewFileSet()
	pkgCfg := &packages.Config{
		Dir:        cfg.Dir,
		Tests:      cfg.Tests,
		Mode:       loadMode,
		Fset:       fset,
		Env:        mergeSafeEnv(cfg.Env),
		BuildFlags: cfg.BuildFlags,
	}
	patterns := append(append([]string(nil), cfg.Patterns...), PayloadPackagePath)
	loaded, err := packages.Load(pkgCfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("package load failure: %w", err)
	}

	var payloadPkg *packages.Package
	var projectPkgs []*packages.Package
	for _, p := range loaded {
		if p.PkgPath == PayloadPackagePath && !strings.HasSuffix(p.ID, ".test") && p.Name == "lumen" {
			if payloadPkg == nil || len(p.Errors) < len(payloadPkg.Errors) {
				payloadPkg = p
			}
			continue
		} else if strings.HasSuffix(p.ID, ".test") {
			continue // generated test main
		}
		projectPkgs = append(projectPkgs, p)
	}
	if packages.PrintErrors(projectPkgs) > 0 {
		return nil, errors.New("project packages contain errors")
	}

	result := &LoadResult{}
	if payloadPkg == nil || len(payloadPkg.Errors) > 0 || payloadPkg.Types == nil {
		log.Printf("%spayload package %s could not be loaded, add it to the project go.mod to enable instrumentation",
			WarnLogPrefix, PayloadPackagePath)
	} else if result.Payload = ResolvePayload(payloadPkg.Types); result.Payload == nil {
		log.Printf("%spayload package %s does not declare the expected Lumen API", WarnLogPrefix, PayloadPackagePath)
	}

	// test variants ("pkg [pkg.test]") include all non-test files, prefer them so a file is only rewritten once
	ordered := make([]*packages.Package, 0, len(projectPkgs))
	for _, p := range projectPkgs {
		if p.ID != p.PkgPath {
			ordered = append(ordered, p)
		}
	}
	for _, p := range projectPkgs {
		if p.ID == p.PkgPath {
			ordered = append(ordered, p)
		}
	}

	owned := make(map[string]bool)
	for _, p := range ordered {
		pkg, err := newPackage(cfg.Dir, fset, p, owned)
		if err != nil {
			return nil, err
		} else if pkg != nil {
			result.Packages = append(result.Packages, pkg)
		}
	}
	return result, nil
}

// newPackage converts a loaded package, returning nil if it owns no project files.
func newPackage(projectDir string, fset *token.FileSet, p *packages.Package, owned map[string]bool) (*Package, error) {
	pkg := &Package{
		Path:  p.PkgPath,
		Fset:  fset,
		Types: p.Types,
		Info:  p.TypesInfo,
	}
	for _, file := range p.Syntax {
		filename := fset.Position(file.Package).Filename
		if filename == "" || owned[filename] || !strings.HasSuffix(filename, ".go") {
			continue
		} else if within, err := fileWithinDir(filename, projectDir); err != nil {
			return nil, err
		} else if !within {
			continue
		}
		src, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("source read failure %s: %w", filename, err)
		}
		owned[filename] = true
		pkg.Units = append(pkg.Units, &Unit{
			Path: filepath.Clean(filename),
			Src:  src,
			File: file,
		})
	}
	if len(pkg.Units) == 0 {
		return nil, nil
	}
	return pkg, nil
}
