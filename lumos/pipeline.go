package lumos

import (
	"bytes"
	"errors"
	"fmt"
	"go/ast"
	"go/format"
	"go/token"
	"go/types"
	"runtime"

	"github.com/go-analyze/bulk"
)

// Unit is a single parsed source file of a package.
type Unit struct {
	Path string
	Src  []byte
	File *ast.File
}

// Package is a type checked package and the units it owns. A file must be owned by only one package.
type Package struct {
	Path  string
	Fset  *token.FileSet
	Types *types.Package
	Info  *types.Info
	Units []*Unit
}

// PatchedDecl describes a declaration which received the payload parameter.
type PatchedDecl struct {
	Name     string         `json:"name"`
	Fqn      string         `json:"fqn"`
	Reason   string         `json:"reason"`
	Position token.Position `json:"position"`
}

// UnitResult is the outcome of rewriting a single unit.
type UnitResult struct {
	Package      string
	Path         string
	Src          []byte
	Fset         *token.FileSet
	Original     *ast.File
	File         *ast.File
	PatchedDecls []PatchedDecl
	CallSites    []CallSite
	Diagnostics  []Diagnostic
}

// Changed reports if the unit was rewritten.
func (u *UnitResult) Changed() bool {
	return u.File != u.Original
}

// Format prints the rewritten file.
func (u *UnitResult) Format() ([]byte, error) {
	var buf bytes.Buffer
	if err := u.formatInto(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (u *UnitResult) formatInto(buf *bytes.Buffer) error {
	buf.Reset()
	if err := format.Node(buf, u.Fset, u.File); err != nil {
		return fmt.Errorf("ast format failure %s: %w", u.Path, err)
	}
	return nil
}

// Result collects the unit results of a pipeline run.
type Result struct {
	Units []*UnitResult
	// PayloadResolved is false when the payload package was not available and nothing could be rewritten.
	PayloadResolved bool
}

// ChangedUnits returns the units which were rewritten.
func (r *Result) ChangedUnits() []*UnitResult {
	return bulk.SliceFilter(func(u *UnitResult) bool {
		return u.Changed()
	}, r.Units)
}

// CallSites returns every instrumented call site.
func (r *Result) CallSites() []CallSite {
	var sites []CallSite
	for _, u := range r.Units {
		sites = append(sites, u.CallSites...)
	}
	return sites
}

// PatchedDecls returns every patched declaration.
func (r *Result) PatchedDecls() []PatchedDecl {
	var decls []PatchedDecl
	for _, u := range r.Units {
		decls = append(decls, u.PatchedDecls...)
	}
	return decls
}

// Diagnostics returns every diagnostic reported while rewriting.
func (r *Result) Diagnostics() []Diagnostic {
	var diags []Diagnostic
	for _, u := range r.Units {
		diags = append(diags, u.Diagnostics...)
	}
	return diags
}

// Pipeline runs declaration patching over every unit, then call site rewriting over every unit.
type Pipeline struct {
	session     *Session
	payload     *Payload
	matcher     *Matcher
	patcher     *Patcher
	rewriter    *Rewriter
	concurrency int
}

// NewPipeline creates a pipeline for the session. A nil payload makes every run a no-op.
func NewPipeline(session *Session, payload *Payload) *Pipeline {
	return &Pipeline{
		session:     session,
		payload:     payload,
		matcher:     NewMatcher(session),
		patcher:     NewPatcher(session, payload),
		rewriter:    NewRewriter(session, payload),
		concurrency: runtime.NumCPU(),
	}
}

type unitState struct {
	pkg         *Package
	unit        *Unit
	result      *UnitResult
	needsImport bool
}

// Run rewrites the packages. The session is sealed once all declarations have been visited. Instrumentation
// problems are reported as diagnostics on the result rather than errors.
func (p *Pipeline) Run(pkgs []*Package) (*Result, error) {
	if p.session.Sealed() {
		return nil, errors.New("pipeline session has already been run")
	}

	var states []*unitState
	for _, pkg := range pkgs {
		if pkg.Path == PayloadPackagePath {
			continue
		}
		for _, unit := range pkg.Units {
			if unit.File == nil {
				continue
			}
			states = append(states, &unitState{
				pkg:  pkg,
				unit: unit,
				result: &UnitResult{
					Package:  pkg.Path,
					Path:     unit.Path,
					Src:      unit.Src,
					Fset:     pkg.Fset,
					Original: unit.File,
					File:     unit.File,
				},
			})
		}
	}

	valueRefs := p.scanValueRefs(states)
	for _, state := range states {
		p.patchDecls(state, valueRefs)
	}
	p.session.Seal()

	group := limitedGroup(p.concurrency)
	for _, state := range states {
		group.Go(func() error {
			p.rewriteCalls(state)
			return nil
		})
	}
	_ = group.Wait() // rewriting reports problems as diagnostics

	result := &Result{
		Units:           make([]*UnitResult, len(states)),
		PayloadResolved: p.payload != nil,
	}
	for i, state := range states {
		result.Units[i] = state.result
	}
	return result, nil
}

// scanValueRefs records the first position each function is referenced as a value within the packages.
func (p *Pipeline) scanValueRefs(states []*unitState) map[FuncID]token.Position {
	refs := make(map[FuncID]token.Position)
	for _, state := range states {
		for _, ref := range findFuncValueRefs(state.pkg.Info, state.unit.File) {
			id := p.session.Identify(ref.fn)
			if _, ok := refs[id]; !ok {
				refs[id] = state.pkg.Fset.Position(ref.ident.Pos())
			}
		}
	}
	return refs
}

// patchDecls visits each top level function of the unit, replacing matched declarations. Functions referenced as a
// value keep their signature.
func (p *Pipeline) patchDecls(state *unitState, valueRefs map[FuncID]token.Position) {
	fset, info := state.pkg.Fset, state.pkg.Info
	file := state.result.File
	var decls []ast.Decl
	for i, decl := range file.Decls {
		funcDecl, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		fn, _ := info.Defs[funcDecl.Name].(*types.Func)
		reason := p.matcher.Match(funcDecl, fn)
		if reason == MatchNone {
			continue
		} else if fn != nil {
			if refPos, ok := valueRefs[p.session.Identify(fn)]; ok {
				state.result.Diagnostics = append(state.result.Diagnostics,
					newDiagnostic(fset, funcDecl.Pos(), "declaration not patched: %s is referenced as a value at %s",
						fn.Name(), refPos))
				continue
			}
		}

		patched, err := p.patcher.Patch(info, funcDecl, fn)
		if err != nil {
			state.result.Diagnostics = append(state.result.Diagnostics,
				newDiagnostic(fset, funcDecl.Pos(), "declaration not patched: %v", err))
			continue
		}
		if decls == nil {
			decls = append([]ast.Decl(nil), file.Decls...)
		}
		decls[i] = patched
		state.needsImport = true

		fqn := funcDecl.Name.Name
		if fn != nil {
			fqn = FuncContextFqn(fn) + "." + fn.Name()
		}
		state.result.PatchedDecls = append(state.result.PatchedDecls, PatchedDecl{
			Name:     funcDecl.Name.Name,
			Fqn:      fqn,
			Reason:   reason.String(),
			Position: fset.Position(funcDecl.Pos()),
		})
	}
	if decls != nil {
		fileCopy := *file
		fileCopy.Decls = decls
		state.result.File = &fileCopy
	}
}

// rewriteCalls instruments the calls of the unit and finalizes its imports.
func (p *Pipeline) rewriteCalls(state *unitState) {
	if p.payload == nil {
		return // nothing could be patched
	}
	fset := state.pkg.Fset
	file, sites, diags := p.rewriter.RewriteFile(fset, state.pkg.Info, state.unit.Path, state.result.File)
	state.result.CallSites = append(state.result.CallSites, sites...)
	state.result.Diagnostics = append(state.result.Diagnostics, diags...)
	if len(sites) > 0 {
		state.needsImport = true
	}
	if state.needsImport {
		file = addPayloadImport(fset, file)
	}
	state.result.File = file
}
