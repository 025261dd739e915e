package lumos

import (
	"errors"
	"go/token"
	"go/types"
	"slices"
	"sync"
	"sync/atomic"
)

var (
	// ErrSessionSealed is returned when a declaration is patched after the call rewriting phase has started.
	ErrSessionSealed = errors.New("session sealed, declarations can no longer be patched")
	// ErrAlreadyPatched is returned when a declaration is patched a second time.
	ErrAlreadyPatched = errors.New("function already patched")
)

// FuncID is an opaque identity for a declared function. Zero is never a valid identity.
type FuncID uint32

// PatchedFunc describes a declaration which gained the payload parameter.
type PatchedFunc struct {
	ID       FuncID
	Original FuncID
	Name     string
	// Arity is the parameter count after patching, including the payload parameter.
	Arity int
}

// Session holds the targets and patched function state for a single rewrite of a set of packages. Declarations are
// patched sequentially, after Seal the session is read only and may be shared by concurrent call rewriting.
type Session struct {
	targets  []TargetDescriptor
	currID   atomic.Uint32
	sealed   atomic.Bool
	lock     sync.RWMutex
	idents   map[any]FuncID
	patched  map[FuncID]PatchedFunc
	redirect map[FuncID]FuncID
}

// NewSession creates a session for the provided descriptors, order is preserved.
func NewSession(targets []TargetDescriptor) *Session {
	return &Session{
		targets:  slices.Clone(targets),
		idents:   make(map[any]FuncID),
		patched:  make(map[FuncID]PatchedFunc),
		redirect: make(map[FuncID]FuncID),
	}
}

// NewSessionFromSpecs parses the specs and creates a session from the valid ones. Malformed specs are logged and
// dropped.
func NewSessionFromSpecs(specs []string) *Session {
	descriptors, _ := parseTargetsLogged(specs)
	return NewSession(descriptors)
}

// Targets returns a copy of the session targets.
func (s *Session) Targets() []TargetDescriptor {
	return slices.Clone(s.targets)
}

func (s *Session) nextID() FuncID {
	for {
		val := s.currID.Load()
		if val == 0 { // 0 is an invalid id, skip it
			if s.currID.CompareAndSwap(0, 2) {
				return 1
			}
			continue
		} else if next := val + 1; next == 0 {
			panic("function identity overflow")
		} else if s.currID.CompareAndSwap(val, next) {
			return FuncID(val)
		}
	}
}

type declKey struct {
	pos  token.Pos
	name string
}

// funcKey identifies a declaration independent of the type checking pass that produced the object. Package variants
// (for example a package and its test variant) type check shared syntax into distinct objects.
func funcKey(fn *types.Func) any {
	if fn.Pos().IsValid() {
		return declKey{pos: fn.Pos(), name: fn.Name()}
	}
	return fn
}

// Identify returns the identity of the declared function, allocating one on first use. Instantiated generic
// functions share the identity of their generic declaration.
func (s *Session) Identify(fn *types.Func) FuncID {
	if fn == nil {
		return 0
	}
	key := funcKey(fn.Origin())

	s.lock.RLock()
	id, ok := s.idents[key]
	s.lock.RUnlock()
	if ok {
		return id
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if id, ok = s.idents[key]; ok {
		return id
	}
	id = s.nextID()
	s.idents[key] = id
	return id
}

// Resolve returns the identity a reference to fn currently resolves to. A patched function resolves to the identity
// of its patched declaration.
func (s *Session) Resolve(fn *types.Func) FuncID {
	id := s.Identify(fn)

	s.lock.RLock()
	defer s.lock.RUnlock()
	if patchedID, ok := s.redirect[id]; ok {
		return patchedID
	}
	return id
}

// RecordPatched registers the replacement of the original declaration and returns the new identity.
func (s *Session) RecordPatched(original FuncID, name string, arity int) (FuncID, error) {
	if original == 0 {
		return 0, errors.New("invalid function identity")
	} else if s.sealed.Load() {
		return 0, ErrSessionSealed
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.redirect[original]; ok {
		return 0, ErrAlreadyPatched
	} else if _, ok := s.patched[original]; ok {
		return 0, ErrAlreadyPatched // original is itself a patched declaration
	}
	id := s.nextID()
	s.patched[id] = PatchedFunc{
		ID:       id,
		Original: original,
		Name:     name,
		Arity:    arity,
	}
	s.redirect[original] = id
	return id, nil
}

// IsPatched reports if the identity belongs to a patched declaration.
func (s *Session) IsPatched(id FuncID) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.patched[id]
	return ok
}

// Patched returns the patch record for the identity.
func (s *Session) Patched(id FuncID) (PatchedFunc, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	pf, ok := s.patched[id]
	return pf, ok
}

// PatchedCount returns how many declarations have been patched.
func (s *Session) PatchedCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.patched)
}

// Seal ends the declaration patching phase.
func (s *Session) Seal() {
	s.sealed.Store(true)
}

// Sealed reports if Seal has been invoked.
func (s *Session) Sealed() bool {
	return s.sealed.Load()
}
