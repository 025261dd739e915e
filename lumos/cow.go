package lumos

import (
	"go/ast"
	"slices"
)

// callHook is invoked for every call after its function and arguments have been rewritten. orig is the call as it
// appears in the type checked tree, call is the copy with rewritten children (or orig when nothing changed). The
// hook returns the replacement expression and true when the call should be replaced.
type callHook func(orig, call *ast.CallExpr) (ast.Expr, bool)

// cowRewriter walks a syntax tree depth first and rebuilds only the ancestors of replaced nodes. Unchanged subtrees
// are shared with the input, which is never mutated.
type cowRewriter struct {
	onCall callHook
}

func rewriteList[T any](list []T, fn func(T) (T, bool)) ([]T, bool) {
	var out []T
	for i, n := range list {
		if nn, changed := fn(n); changed {
			if out == nil {
				out = slices.Clone(list)
			}
			out[i] = nn
		}
	}
	if out == nil {
		return list, false
	}
	return out, true
}

func (w *cowRewriter) file(f *ast.File) (*ast.File, bool) {
	decls, changed := rewriteList(f.Decls, w.decl)
	if !changed {
		return f, false
	}
	c := *f
	c.Decls = decls
	return &c, true
}

func (w *cowRewriter) decl(d ast.Decl) (ast.Decl, bool) {
	switch n := d.(type) {
	case *ast.FuncDecl:
		if n.Body == nil {
			return d, false
		}
		body, changed := w.block(n.Body)
		if !changed {
			return d, false
		}
		c := *n
		c.Body = body
		return &c, true
	case *ast.GenDecl:
		specs, changed := rewriteList(n.Specs, w.spec)
		if !changed {
			return d, false
		}
		c := *n
		c.Specs = specs
		return &c, true
	}
	return d, false
}

func (w *cowRewriter) spec(s ast.Spec) (ast.Spec, bool) {
	vs, ok := s.(*ast.ValueSpec)
	if !ok {
		return s, false // type and import specs hold no calls
	}
	values, changed := rewriteList(vs.Values, w.expr)
	if !changed {
		return s, false
	}
	c := *vs
	c.Values = values
	return &c, true
}

func (w *cowRewriter) block(b *ast.BlockStmt) (*ast.BlockStmt, bool) {
	if b == nil {
		return nil, false
	}
	list, changed := rewriteList(b.List, w.stmt)
	if !changed {
		return b, false
	}
	c := *b
	c.List = list
	return &c, true
}

func (w *cowRewriter) callExpr(call *ast.CallExpr) (*ast.CallExpr, bool) {
	e, changed := w.expr(call)
	if !changed {
		return call, false
	} else if nc, ok := e.(*ast.CallExpr); ok {
		return nc, true
	}
	return call, false // go and defer require a call, keep the original
}

func (w *cowRewriter) stmt(s ast.Stmt) (ast.Stmt, bool) {
	switch n := s.(type) {
	case nil:
		return s, false
	case *ast.DeclStmt:
		d, changed := w.decl(n.Decl)
		if !changed {
			return s, false
		}
		c := *n
		c.Decl = d
		return &c, true
	case *ast.LabeledStmt:
		inner, changed := w.stmt(n.Stmt)
		if !changed {
			return s, false
		}
		c := *n
		c.Stmt = inner
		return &c, true
	case *ast.ExprStmt:
		x, changed := w.expr(n.X)
		if !changed {
			return s, false
		}
		c := *n
		c.X = x
		return &c, true
	case *ast.SendStmt:
		ch, chChanged := w.expr(n.Chan)
		val, valChanged := w.expr(n.Value)
		if !chChanged && !valChanged {
			return s, false
		}
		c := *n
		c.Chan, c.Value = ch, val
		return &c, true
	case *ast.IncDecStmt:
		x, changed := w.expr(n.X)
		if !changed {
			return s, false
		}
		c := *n
		c.X = x
		return &c, true
	case *ast.AssignStmt:
		lhs, lhsChanged := rewriteList(n.Lhs, w.expr)
		rhs, rhsChanged := rewriteList(n.Rhs, w.expr)
		if !lhsChanged && !rhsChanged {
			return s, false
		}
		c := *n
		c.Lhs, c.Rhs = lhs, rhs
		return &c, true
	case *ast.GoStmt:
		call, changed := w.callExpr(n.Call)
		if !changed {
			return s, false
		}
		c := *n
		c.Call = call
		return &c, true
	case *ast.DeferStmt:
		call, changed := w.callExpr(n.Call)
		if !changed {
			return s, false
		}
		c := *n
		c.Call = call
		return &c, true
	case *ast.ReturnStmt:
		results, changed := rewriteList(n.Results, w.expr)
		if !changed {
			return s, false
		}
		c := *n
		c.Results = results
		return &c, true
	case *ast.BlockStmt:
		b, changed := w.block(n)
		return b, changed
	case *ast.IfStmt:
		init, initChanged := w.stmt(n.Init)
		cond, condChanged := w.expr(n.Cond)
		body, bodyChanged := w.block(n.Body)
		els, elseChanged := w.stmt(n.Else)
		if !initChanged && !condChanged && !bodyChanged && !elseChanged {
			return s, false
		}
		c := *n
		c.Init, c.Cond, c.Body, c.Else = init, cond, body, els
		return &c, true
	case *ast.CaseClause:
		list, listChanged := rewriteList(n.List, w.expr)
		body, bodyChanged := rewriteList(n.Body, w.stmt)
		if !listChanged && !bodyChanged {
			return s, false
		}
		c := *n
		c.List, c.Body = list, body
		return &c, true
	case *ast.SwitchStmt:
		init, initChanged := w.stmt(n.Init)
		tag, tagChanged := w.expr(n.Tag)
		body, bodyChanged := w.block(n.Body)
		if !initChanged && !tagChanged && !bodyChanged {
			return s, false
		}
		c := *n
		c.Init, c.Tag, c.Body = init, tag, body
		return &c, true
	case *ast.TypeSwitchStmt:
		init, initChanged := w.stmt(n.Init)
		assign, assignChanged := w.stmt(n.Assign)
		body, bodyChanged := w.block(n.Body)
		if !initChanged && !assignChanged && !bodyChanged {
			return s, false
		}
		c := *n
		c.Init, c.Assign, c.Body = init, assign, body
		return &c, true
	case *ast.CommClause:
		comm, commChanged := w.stmt(n.Comm)
		body, bodyChanged := rewriteList(n.Body, w.stmt)
		if !commChanged && !bodyChanged {
			return s, false
		}
		c := *n
		c.Comm, c.Body = comm, body
		return &c, true
	case *ast.SelectStmt:
		body, changed := w.block(n.Body)
		if !changed {
			return s, false
		}
		c := *n
		c.Body = body
		return &c, true
	case *ast.ForStmt:
		init, initChanged := w.stmt(n.Init)
		cond, condChanged := w.expr(n.Cond)
		post, postChanged := w.stmt(n.Post)
		body, bodyChanged := w.block(n.Body)
		if !initChanged && !condChanged && !postChanged && !bodyChanged {
			return s, false
		}
		c := *n
		c.Init, c.Cond, c.Post, c.Body = init, cond, post, body
		return &c, true
	case *ast.RangeStmt:
		key, keyChanged := w.expr(n.Key)
		val, valChanged := w.expr(n.Value)
		x, xChanged := w.expr(n.X)
		body, bodyChanged := w.block(n.Body)
		if !keyChanged && !valChanged && !xChanged && !bodyChanged {
			return s, false
		}
		c := *n
		c.Key, c.Value, c.X, c.Body = key, val, x, body
		return &c, true
	}
	// BadStmt, EmptyStmt, BranchStmt
	return s, false
}

func (w *cowRewriter) expr(e ast.Expr) (ast.Expr, bool) {
	switch n := e.(type) {
	case nil:
		return e, false
	case *ast.CallExpr:
		fun, funChanged := w.expr(n.Fun)
		args, argsChanged := rewriteList(n.Args, w.expr)
		call := n
		if funChanged || argsChanged {
			c := *n
			c.Fun, c.Args = fun, args
			call = &c
		}
		if w.onCall != nil {
			if replacement, ok := w.onCall(n, call); ok {
				return replacement, true
			}
		}
		return call, call != n
	case *ast.FuncLit:
		body, changed := w.block(n.Body)
		if !changed {
			return e, false
		}
		c := *n
		c.Body = body
		return &c, true
	case *ast.CompositeLit:
		elts, changed := rewriteList(n.Elts, w.expr)
		if !changed {
			return e, false
		}
		c := *n
		c.Elts = elts
		return &c, true
	case *ast.ParenExpr:
		x, changed := w.expr(n.X)
		if !changed {
			return e, false
		}
		c := *n
		c.X = x
		return &c, true
	case *ast.SelectorExpr:
		x, changed := w.expr(n.X)
		if !changed {
			return e, false
		}
		c := *n
		c.X = x
		return &c, true
	case *ast.IndexExpr:
		x, xChanged := w.expr(n.X)
		idx, idxChanged := w.expr(n.Index)
		if !xChanged && !idxChanged {
			return e, false
		}
		c := *n
		c.X, c.Index = x, idx
		return &c, true
	case *ast.IndexListExpr:
		x, xChanged := w.expr(n.X)
		indices, idxChanged := rewriteList(n.Indices, w.expr)
		if !xChanged && !idxChanged {
			return e, false
		}
		c := *n
		c.X, c.Indices = x, indices
		return &c, true
	case *ast.SliceExpr:
		x, xChanged := w.expr(n.X)
		low, lowChanged := w.expr(n.Low)
		high, highChanged := w.expr(n.High)
		maxExpr, maxChanged := w.expr(n.Max)
		if !xChanged && !lowChanged && !highChanged && !maxChanged {
			return e, false
		}
		c := *n
		c.X, c.Low, c.High, c.Max = x, low, high, maxExpr
		return &c, true
	case *ast.TypeAssertExpr:
		x, changed := w.expr(n.X)
		if !changed {
			return e, false
		}
		c := *n
		c.X = x
		return &c, true
	case *ast.StarExpr:
		x, changed := w.expr(n.X)
		if !changed {
			return e, false
		}
		c := *n
		c.X = x
		return &c, true
	case *ast.UnaryExpr:
		x, changed := w.expr(n.X)
		if !changed {
			return e, false
		}
		c := *n
		c.X = x
		return &c, true
	case *ast.BinaryExpr:
		x, xChanged := w.expr(n.X)
		y, yChanged := w.expr(n.Y)
		if !xChanged && !yChanged {
			return e, false
		}
		c := *n
		c.X, c.Y = x, y
		return &c, true
	case *ast.KeyValueExpr:
		key, keyChanged := w.expr(n.Key)
		val, valChanged := w.expr(n.Value)
		if !keyChanged && !valChanged {
			return e, false
		}
		c := *n
		c.Key, c.Value = key, val
		return &c, true
	}
	// identifiers, literals, and type expressions
	return e, false
}
