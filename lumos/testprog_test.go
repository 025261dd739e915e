package lumos

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testLumenSrc = `package lumen

type Lumen struct {
	FilePath           string
	FileName           string
	LineNumber         int
	TargetFunctionName string
}

func New(filePath, fileName string, lineNumber int, targetFunctionName string) Lumen {
	return Lumen{filePath, fileName, lineNumber, targetFunctionName}
}

func Here() Lumen {
	return New("Unknown Path", "Unknown File", -1, "")
}
`

// testProgram type checks in-memory packages which may import each other and the payload package.
type testProgram struct {
	t        *testing.T
	fset     *token.FileSet
	packages map[string]*Package
}

func newTestProgram(t *testing.T, withPayload bool) *testProgram {
	t.Helper()

	p := &testProgram{
		t:        t,
		fset:     token.NewFileSet(),
		packages: make(map[string]*Package),
	}
	if withPayload {
		p.add(PayloadPackagePath, map[string]string{"lumen.go": testLumenSrc})
	}
	return p
}

func (p *testProgram) Import(importPath string) (*types.Package, error) {
	if pkg, ok := p.packages[importPath]; ok {
		return pkg.Types, nil
	}
	return nil, fmt.Errorf("package not found: %s", importPath)
}

// add parses and type checks a package, files are keyed by base name.
func (p *testProgram) add(pkgPath string, files map[string]string) *Package {
	p.t.Helper()

	return p.addDir(pkgPath, path.Join("/src", pkgPath), files)
}

// addDir is like add, but the units are located in dir.
func (p *testProgram) addDir(pkgPath, dir string, files map[string]string) *Package {
	p.t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	pkg := &Package{
		Path: pkgPath,
		Fset: p.fset,
		Info: &types.Info{
			Types:      make(map[ast.Expr]types.TypeAndValue),
			Defs:       make(map[*ast.Ident]types.Object),
			Uses:       make(map[*ast.Ident]types.Object),
			Selections: make(map[*ast.SelectorExpr]*types.Selection),
			Instances:  make(map[*ast.Ident]types.Instance),
			Implicits:  make(map[ast.Node]types.Object),
		},
	}
	astFiles := make([]*ast.File, 0, len(names))
	for _, name := range names {
		filename := filepath.Join(dir, name)
		f, err := parser.ParseFile(p.fset, filename, files[name], parser.ParseComments)
		require.NoError(p.t, err)
		astFiles = append(astFiles, f)
		pkg.Units = append(pkg.Units, &Unit{Path: filename, Src: []byte(files[name]), File: f})
	}

	conf := types.Config{Importer: p}
	typesPkg, err := conf.Check(pkgPath, p.fset, astFiles, pkg.Info)
	require.NoError(p.t, err)
	pkg.Types = typesPkg
	p.packages[pkgPath] = pkg
	return pkg
}

func (p *testProgram) payload() *Payload {
	pkg, ok := p.packages[PayloadPackagePath]
	if !ok {
		return nil
	}
	return ResolvePayload(pkg.Types)
}

// all returns the packages in the order they were added.
func (p *testProgram) all(paths ...string) []*Package {
	pkgs := make([]*Package, 0, len(paths))
	for _, pkgPath := range paths {
		pkgs = append(pkgs, p.packages[pkgPath])
	}
	return pkgs
}

// findFunc returns the declaration and object for a top level function or method, `Type.Method` for methods.
func findFunc(t *testing.T, pkg *Package, ident string) (*ast.FuncDecl, *types.Func) {
	t.Helper()

	recv, name, isMethod := strings.Cut(ident, ".")
	if !isMethod {
		name, recv = recv, ""
	}
	for _, unit := range pkg.Units {
		for _, decl := range unit.File.Decls {
			fd, ok := decl.(*ast.FuncDecl)
			if !ok || fd.Name.Name != name {
				continue
			}
			fn := pkg.Info.Defs[fd.Name].(*types.Func)
			if receiverTypeName(fn) == recv {
				return fd, fn
			}
		}
	}
	require.FailNow(t, "function not found", ident)
	return nil, nil
}

func formatResult(t *testing.T, u *UnitResult) string {
	t.Helper()

	src, err := u.Format()
	require.NoError(t, err)
	return string(src)
}

// typeCheckOutput verifies the rewritten units compile together with the payload package.
func typeCheckOutput(t *testing.T, result *Result, pkgOrder ...string) {
	t.Helper()

	check := newTestProgram(t, true)
	for _, pkgPath := range pkgOrder {
		files := make(map[string]string)
		for _, u := range result.Units {
			if u.Package == pkgPath {
				files[path.Base(u.Path)] = formatResult(t, u)
			}
		}
		check.add(pkgPath, files)
	}
}
