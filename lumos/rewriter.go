package lumos

import (
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"path/filepath"

	"github.com/PatchLens/go-lumos/lumen"
)

// CallSite describes an instrumented call.
type CallSite struct {
	FilePath string `json:"filePath"`
	FileName string `json:"fileName"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	// Target is the simple name of the called function.
	Target string `json:"target"`
	// TargetFqn is the descriptor form of the called function, `<container>.<name>`.
	TargetFqn string `json:"targetFqn"`
}

// Diagnostic reports a declaration or call which could not be instrumented.
type Diagnostic struct {
	Position token.Position `json:"position"`
	Message  string         `json:"message"`
}

func (d Diagnostic) String() string {
	if !d.Position.IsValid() {
		return d.Message
	}
	return d.Position.String() + ": " + d.Message
}

// Rewriter appends the payload argument to calls of patched functions.
type Rewriter struct {
	session *Session
	payload *Payload
}

// NewRewriter creates a call site rewriter. The session should be sealed before rewriting starts.
func NewRewriter(session *Session, payload *Payload) *Rewriter {
	return &Rewriter{session: session, payload: payload}
}

// RewriteFile returns a new file with every call to a patched function instrumented. The input file is not
// modified, and unchanged subtrees are shared with the result. Info must describe the type checked nodes of file,
// nodes created during declaration patching are ignored.
func (r *Rewriter) RewriteFile(fset *token.FileSet, info *types.Info, unitPath string, file *ast.File) (*ast.File, []CallSite, []Diagnostic) {
	var sites []CallSite
	var diags []Diagnostic
	w := &cowRewriter{onCall: func(orig, call *ast.CallExpr) (ast.Expr, bool) {
		fn, methodExpr := resolveCallee(info, orig.Fun)
		if fn == nil {
			return nil, false
		}
		id := r.session.Resolve(fn)
		patched, ok := r.session.Patched(id)
		if !ok {
			return nil, false
		}

		argCount := len(orig.Args)
		if methodExpr {
			argCount-- // receiver is passed as the first argument
		}
		if r.payload.Constructor() == nil {
			diags = append(diags, newDiagnostic(fset, orig.Pos(), "payload constructor unavailable, call to %s left unchanged", fn.Name()))
			return nil, false
		} else if isTupleSpread(info, orig) {
			diags = append(diags, newDiagnostic(fset, orig.Pos(), "call to %s spreads a multi-value result, left unchanged", fn.Name()))
			return nil, false
		} else if argCount+1 != patched.Arity {
			diags = append(diags, newDiagnostic(fset, orig.Pos(), "call to %s has %d arguments, expected %d, left unchanged",
				fn.Name(), argCount, patched.Arity-1))
			return nil, false
		}

		site := callSiteMetadata(fset, unitPath, orig.Pos(), fn)
		sites = append(sites, site)

		instrumented := *call
		instrumented.Args = make([]ast.Expr, 0, len(call.Args)+1)
		instrumented.Args = append(instrumented.Args, call.Args...)
		instrumented.Args = append(instrumented.Args, newPayloadCall(site))
		return &instrumented, true
	}}

	result, _ := w.file(file)
	return result, sites, diags
}

// funcValueRef is a use of a declared function outside of call position.
type funcValueRef struct {
	ident *ast.Ident
	fn    *types.Func
}

// findFuncValueRefs returns the uses of declared functions in the file which are not the callee of a call. A
// function value takes the signature of its declaration, so a referenced function must keep its signature.
func findFuncValueRefs(info *types.Info, file *ast.File) []funcValueRef {
	callees := make(map[*ast.Ident]bool)
	ast.Inspect(file, func(n ast.Node) bool {
		if call, ok := n.(*ast.CallExpr); ok {
			switch f := unwrapCallee(call.Fun).(type) {
			case *ast.Ident:
				callees[f] = true
			case *ast.SelectorExpr:
				callees[f.Sel] = true
			}
		}
		return true
	})

	var refs []funcValueRef
	ast.Inspect(file, func(n ast.Node) bool {
		ident, ok := n.(*ast.Ident)
		if !ok || callees[ident] {
			return true
		}
		if fn, ok := info.Uses[ident].(*types.Func); ok {
			refs = append(refs, funcValueRef{ident: ident, fn: fn})
		}
		return true
	})
	return refs
}

// unwrapCallee strips parentheses and explicit instantiation from a call function expression.
func unwrapCallee(fun ast.Expr) ast.Expr {
	for {
		switch f := fun.(type) {
		case *ast.ParenExpr:
			fun = f.X
		case *ast.IndexExpr:
			fun = f.X
		case *ast.IndexListExpr:
			fun = f.X
		default:
			return fun
		}
	}
}

// resolveCallee returns the declared function a call invokes, and if it is invoked as a method expression. Calls of
// function values, builtins, and conversions resolve to nil.
func resolveCallee(info *types.Info, fun ast.Expr) (*types.Func, bool) {
	var obj types.Object
	var methodExpr bool
	switch f := unwrapCallee(fun).(type) {
	case *ast.Ident:
		obj = info.Uses[f]
	case *ast.SelectorExpr:
		if sel, ok := info.Selections[f]; ok {
			switch sel.Kind() {
			case types.MethodVal:
				obj = sel.Obj()
			case types.MethodExpr:
				obj, methodExpr = sel.Obj(), true
			}
		} else {
			obj = info.Uses[f.Sel] // package qualified
		}
	}
	fn, ok := obj.(*types.Func)
	if !ok {
		return nil, false
	}
	return fn.Origin(), methodExpr
}

func isTupleSpread(info *types.Info, call *ast.CallExpr) bool {
	if len(call.Args) != 1 {
		return false
	}
	tv, ok := info.Types[call.Args[0]]
	if !ok {
		return false
	}
	tuple, ok := tv.Type.(*types.Tuple)
	return ok && tuple.Len() > 1
}

func callSiteMetadata(fset *token.FileSet, unitPath string, pos token.Pos, fn *types.Func) CallSite {
	site := CallSite{
		FilePath:  unitPath,
		Line:      lumen.UnknownLine,
		Target:    fn.Name(),
		TargetFqn: FuncContextFqn(fn) + "." + fn.Name(),
	}
	if pos.IsValid() && fset != nil {
		if position := fset.Position(pos); position.IsValid() {
			site.Line = position.Line
			site.Column = position.Column
			if site.FilePath == "" {
				site.FilePath = position.Filename
			}
		}
	}
	if site.FilePath == "" {
		site.FilePath = lumen.UnknownPath
		site.FileName = lumen.UnknownFile
	} else {
		site.FileName = filepath.Base(site.FilePath)
	}
	return site
}

func newDiagnostic(fset *token.FileSet, pos token.Pos, format string, args ...any) Diagnostic {
	var position token.Position
	if pos.IsValid() && fset != nil {
		position = fset.Position(pos)
	}
	return Diagnostic{Position: position, Message: fmt.Sprintf(format, args...)}
}
