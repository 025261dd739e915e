package lumos

import (
	"go/ast"
	"go/token"
	"go/types"
	"strconv"

	"golang.org/x/tools/go/ast/astutil"
)

const (
	// PayloadPackagePath is the import path of the runtime payload package.
	PayloadPackagePath = "github.com/PatchLens/go-lumos/lumen"
	payloadTypeName    = "Lumen"
	payloadCtorName    = "New"
	payloadHereName    = "Here"
	// payloadImportName is the import name used in rewritten files, chosen to avoid collisions with user
	// identifiers.
	payloadImportName = "xxlumoslumen"
	// syntheticParamName names the injected parameter.
	syntheticParamName = "lumosSyntheticLumen"
)

// Payload is the resolved runtime payload package.
type Payload struct {
	pkg       *types.Package
	lumenType *types.TypeName
	here      *types.Func
}

// ResolvePayload searches the provided packages, and everything they import, for the payload package. Nil is
// returned if the package is not part of the program or does not have the expected shape.
func ResolvePayload(pkgs ...*types.Package) *Payload {
	seen := make(map[*types.Package]bool)
	var find func(pkgs []*types.Package) *types.Package
	find = func(pkgs []*types.Package) *types.Package {
		for _, pkg := range pkgs {
			if pkg == nil || seen[pkg] {
				continue
			}
			seen[pkg] = true
			if pkg.Path() == PayloadPackagePath {
				return pkg
			} else if found := find(pkg.Imports()); found != nil {
				return found
			}
		}
		return nil
	}
	return newPayload(find(pkgs))
}

func newPayload(pkg *types.Package) *Payload {
	if pkg == nil {
		return nil
	}
	typeName, ok := pkg.Scope().Lookup(payloadTypeName).(*types.TypeName)
	if !ok {
		return nil
	}
	p := &Payload{pkg: pkg, lumenType: typeName}
	if p.Constructor() == nil {
		return nil
	}
	if here, ok := pkg.Scope().Lookup(payloadHereName).(*types.Func); ok && isPayloadSignature(here, typeName, 0) {
		p.here = here
	}
	return p
}

// Constructor resolves the payload constructor, returning nil if it is missing or has an unexpected signature.
func (p *Payload) Constructor() *types.Func {
	if p == nil {
		return nil
	}
	ctor, ok := p.pkg.Scope().Lookup(payloadCtorName).(*types.Func)
	if !ok || !isPayloadSignature(ctor, p.lumenType, 4) {
		return nil
	}
	sig := ctor.Type().(*types.Signature)
	for i, kind := range []types.BasicKind{types.String, types.String, types.Int, types.String} {
		basic, ok := sig.Params().At(i).Type().(*types.Basic)
		if !ok || basic.Kind() != kind {
			return nil
		}
	}
	return ctor
}

func isPayloadSignature(fn *types.Func, result *types.TypeName, paramCount int) bool {
	sig, ok := fn.Type().(*types.Signature)
	if !ok || sig.Recv() != nil || sig.Variadic() || sig.Params().Len() != paramCount || sig.Results().Len() != 1 {
		return false
	}
	named, ok := sig.Results().At(0).Type().(*types.Named)
	return ok && named.Obj() == result
}

// Type returns the payload type.
func (p *Payload) Type() types.Type {
	return p.lumenType.Type()
}

// Package returns the payload package.
func (p *Payload) Package() *types.Package {
	return p.pkg
}

// isHere reports if fn is the in-function accessor of the payload.
func (p *Payload) isHere(fn *types.Func) bool {
	return p != nil && p.here != nil && fn == p.here
}

// payloadTypeExpr returns the qualified payload type positioned at pos. The printer decides on a trailing comma from
// the position of the last parameter, so synthetic parameters must not end before the closing parenthesis.
func payloadTypeExpr(pos token.Pos) ast.Expr {
	return &ast.SelectorExpr{
		X:   &ast.Ident{NamePos: pos, Name: payloadImportName},
		Sel: &ast.Ident{NamePos: pos, Name: payloadTypeName},
	}
}

// newPayloadCall builds the constructor call for the call site.
func newPayloadCall(site CallSite) *ast.CallExpr {
	line := ast.Expr(&ast.BasicLit{Kind: token.INT, Value: strconv.Itoa(site.Line)})
	if site.Line < 0 {
		line = &ast.UnaryExpr{Op: token.SUB, X: &ast.BasicLit{Kind: token.INT, Value: strconv.Itoa(-site.Line)}}
	}
	return &ast.CallExpr{
		Fun: &ast.SelectorExpr{X: ast.NewIdent(payloadImportName), Sel: ast.NewIdent(payloadCtorName)},
		Args: []ast.Expr{
			&ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(site.FilePath)},
			&ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(site.FileName)},
			line,
			&ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(site.Target)},
		},
	}
}

// addPayloadImport returns a copy of the file importing the payload package under the rewrite import name. Import
// declarations are cloned so that the input file is not mutated. Imports of the payload package left unused by the
// rewrite are converted to blank imports.
func addPayloadImport(fset *token.FileSet, f *ast.File) *ast.File {
	c := *f
	c.Decls = make([]ast.Decl, len(f.Decls))
	c.Imports = make([]*ast.ImportSpec, 0, len(f.Imports)+1)
	c.Comments = append([]*ast.CommentGroup(nil), f.Comments...)
	for i, decl := range f.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.IMPORT {
			c.Decls[i] = decl
			continue
		}
		genCopy := *gen
		genCopy.Specs = make([]ast.Spec, len(gen.Specs))
		for j, spec := range gen.Specs {
			specCopy := cloneImportSpec(spec.(*ast.ImportSpec))
			genCopy.Specs[j] = specCopy
			c.Imports = append(c.Imports, specCopy)
		}
		c.Decls[i] = &genCopy
	}

	astutil.AddNamedImport(fset, &c, payloadImportName, PayloadPackagePath)

	for _, spec := range c.Imports {
		if importPath(spec) != PayloadPackagePath {
			continue
		}
		name := importLocalName(spec)
		if name == payloadImportName || name == "_" || name == "." {
			continue
		}
		if !fileUsesName(&c, name) {
			spec.Name = &ast.Ident{NamePos: spec.Pos(), Name: "_"}
		}
	}
	return &c
}

func cloneImportSpec(spec *ast.ImportSpec) *ast.ImportSpec {
	c := *spec
	if spec.Name != nil {
		name := *spec.Name
		c.Name = &name
	}
	if spec.Path != nil {
		path := *spec.Path
		c.Path = &path
	}
	return &c
}

func importPath(spec *ast.ImportSpec) string {
	path, err := strconv.Unquote(spec.Path.Value)
	if err != nil {
		return ""
	}
	return path
}

func importLocalName(spec *ast.ImportSpec) string {
	if spec.Name != nil {
		return spec.Name.Name
	}
	return "lumen" // declared package name of the payload package
}

// fileUsesName reports if any selector in the file is qualified by the given name.
func fileUsesName(f *ast.File, name string) bool {
	var used bool
	ast.Inspect(f, func(n ast.Node) bool {
		if used {
			return false
		}
		if sel, ok := n.(*ast.SelectorExpr); ok {
			if id, ok := sel.X.(*ast.Ident); ok && id.Name == name {
				used = true
			}
		}
		return true
	})
	return used
}
