package lumos

import (
	"errors"
	"fmt"
	"go/ast"
	"go/types"
)

var (
	// ErrNoFunctionBody indicates a function has no body (e.g., assembly-only or external).
	ErrNoFunctionBody = errors.New("function has no body (likely assembly or external implementation)")
	// ErrIneligible indicates the declaration kind can not accept an additional parameter.
	ErrIneligible = errors.New("function can not be patched")
	// ErrPayloadUnavailable indicates the payload package was not found in the program.
	ErrPayloadUnavailable = errors.New("payload package " + PayloadPackagePath + " is not available")
)

// IsNormalPatchError returns true if the error should be reported as a skipped declaration rather than failing.
func IsNormalPatchError(err error) bool {
	return errors.Is(err, ErrNoFunctionBody) || errors.Is(err, ErrIneligible) ||
		errors.Is(err, ErrPayloadUnavailable) || errors.Is(err, ErrAlreadyPatched)
}

// Patcher appends the payload parameter to matched declarations.
type Patcher struct {
	session *Session
	payload *Payload
}

// NewPatcher creates a patcher recording into the session. A nil payload results in every declaration being
// returned unchanged.
func NewPatcher(session *Session, payload *Payload) *Patcher {
	return &Patcher{session: session, payload: payload}
}

// Patch returns a new declaration with the payload parameter appended and records it in the session. The input
// declaration is never modified. When patching is not possible the original declaration is returned with an error
// describing why.
func (p *Patcher) Patch(info *types.Info, decl *ast.FuncDecl, fn *types.Func) (*ast.FuncDecl, error) {
	name := decl.Name.Name
	if decl.Body == nil {
		return decl, fmt.Errorf("%w: %s", ErrNoFunctionBody, name)
	} else if fn == nil {
		return decl, fmt.Errorf("%w: %s has no type information", ErrIneligible, name)
	} else if err := checkEligible(decl, fn); err != nil {
		return decl, err
	} else if p.payload == nil {
		return decl, fmt.Errorf("%w: %s left unchanged", ErrPayloadUnavailable, name)
	}

	sig := fn.Type().(*types.Signature)
	original := p.session.Identify(fn)
	if p.session.Resolve(fn) != original {
		return decl, fmt.Errorf("%w: %s", ErrAlreadyPatched, name)
	}

	funcType := *decl.Type
	funcType.Params = appendPayloadParam(decl.Type.Params)
	patched := *decl
	patched.Type = &funcType
	patched.Body = p.bindHere(info, decl.Body)

	if _, err := p.session.RecordPatched(original, name, sig.Params().Len()+1); err != nil {
		return decl, fmt.Errorf("%s: %w", name, err)
	}
	return &patched, nil
}

func checkEligible(decl *ast.FuncDecl, fn *types.Func) error {
	name := decl.Name.Name
	sig, ok := fn.Type().(*types.Signature)
	if !ok {
		return fmt.Errorf("%w: %s is not a function", ErrIneligible, name)
	} else if name == "_" {
		return fmt.Errorf("%w: blank function", ErrIneligible)
	} else if decl.Recv == nil && name == "init" {
		return fmt.Errorf("%w: init functions are invoked by the runtime", ErrIneligible)
	} else if decl.Recv == nil && name == "main" && fn.Pkg() != nil && fn.Pkg().Name() == "main" {
		return fmt.Errorf("%w: main functions are invoked by the runtime", ErrIneligible)
	} else if sig.Variadic() {
		return fmt.Errorf("%w: %s is variadic, no parameter may follow", ErrIneligible, name)
	}
	return nil
}

// appendPayloadParam returns a copy of the parameter list with the payload parameter appended. Unnamed parameters
// are given blank names since Go does not allow mixing named and unnamed parameters.
func appendPayloadParam(params *ast.FieldList) *ast.FieldList {
	result := &ast.FieldList{}
	if params == nil {
		params = &ast.FieldList{}
	}
	*result = *params

	var named bool
	for _, field := range params.List {
		if len(field.Names) > 0 {
			named = true
			break
		}
	}
	result.List = make([]*ast.Field, 0, len(params.List)+1)
	for _, field := range params.List {
		if !named {
			fieldCopy := *field
			fieldCopy.Names = []*ast.Ident{{NamePos: field.Pos(), Name: "_"}}
			field = &fieldCopy
		}
		result.List = append(result.List, field)
	}
	result.List = append(result.List, &ast.Field{
		Names: []*ast.Ident{{NamePos: params.Closing, Name: syntheticParamName}},
		Type:  payloadTypeExpr(params.Closing),
	})
	return result
}

// bindHere replaces calls to the payload accessor within the body with the injected parameter.
func (p *Patcher) bindHere(info *types.Info, body *ast.BlockStmt) *ast.BlockStmt {
	if p.payload.here == nil {
		return body
	}
	w := &cowRewriter{onCall: func(orig, _ *ast.CallExpr) (ast.Expr, bool) {
		if len(orig.Args) != 0 {
			return nil, false
		} else if fn, _ := resolveCallee(info, orig.Fun); !p.payload.isHere(fn) {
			return nil, false
		}
		return &ast.Ident{NamePos: orig.Pos(), Name: syntheticParamName}, true
	}}
	result, _ := w.block(body)
	return result
}
