package lumos

import (
	"go/ast"
	"go/format"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipelineLibSrc = `package lib

import "github.com/PatchLens/go-lumos/lumen"

type Client struct{ name string }

//lumos:maxima
func Greet(name string) string {
	where := lumen.Here()
	return name + where.FileName
}

func Welcome() string {
	return Greet("w")
}

func (c *Client) Send(msg string, retries int) error { return nil }

func Ident[T any](v T) T { return v }

func Plain(x int) int { return x }

//lumos:maxima
func Callback(n int) int { return n }
`

const pipelineAppSrc = `package app

import "example.com/lib"

func Run(c *lib.Client) string {
	defer c.Send("bye", 0)
	out := lib.Greet(lib.Greet("x"))
	if err := c.Send(out, 3); err != nil {
		return err.Error()
	}
	_ = (*lib.Client).Send(c, "m", 1)
	func() {
		_ = lib.Greet("closure")
	}()
	names := []string{lib.Greet("a")}
	f := lib.Callback
	_ = f(1)
	return names[0] + out + string(rune(lib.Ident[int](5))) + string(rune(lib.Plain(2)))
}
`

var pipelineTargets = []string{
	"example.com/lib.Client.Send(string,int)",
	"example.com/lib.Ident(T)",
	"not a target",
}

func TestPipelineRun(t *testing.T) {
	t.Parallel()

	prog := newTestProgram(t, true)
	prog.add("example.com/lib", map[string]string{"lib.go": pipelineLibSrc})
	prog.add("example.com/app", map[string]string{"app.go": pipelineAppSrc})
	session := NewSessionFromSpecs(pipelineTargets)
	pipeline := NewPipeline(session, prog.payload())

	result, err := pipeline.Run(prog.all(PayloadPackagePath, "example.com/lib", "example.com/app"))
	require.NoError(t, err)
	require.True(t, result.PayloadResolved)
	require.Len(t, result.Units, 2) // payload package skipped
	assert.True(t, session.Sealed())

	t.Run("patched_decls", func(t *testing.T) {
		decls := result.PatchedDecls()
		require.Len(t, decls, 3)
		assert.Equal(t, "example.com/lib.Greet", decls[0].Fqn)
		assert.Equal(t, "directive", decls[0].Reason)
		assert.Equal(t, "example.com/lib.Client.Send", decls[1].Fqn)
		assert.Equal(t, "descriptor", decls[1].Reason)
		assert.Equal(t, "example.com/lib.Ident", decls[2].Fqn)
		assert.Equal(t, 3, session.PatchedCount())
	})
	t.Run("call_sites", func(t *testing.T) {
		sites := result.CallSites()
		require.Len(t, sites, 9)

		var appGreetLine7 int
		for _, site := range sites {
			if site.FileName == "app.go" && site.Line == 7 && site.Target == "Greet" {
				appGreetLine7++
				assert.Equal(t, "/src/example.com/app/app.go", site.FilePath)
				assert.Equal(t, "example.com/lib.Greet", site.TargetFqn)
			}
			assert.NotEqual(t, "Plain", site.Target)
		}
		assert.Equal(t, 2, appGreetLine7)
	})
	t.Run("rewritten_source", func(t *testing.T) {
		require.Len(t, result.ChangedUnits(), 2)
		lib := formatResult(t, result.Units[0])
		app := formatResult(t, result.Units[1])

		assert.Contains(t, lib, `xxlumoslumen "github.com/PatchLens/go-lumos/lumen"`)
		assert.Contains(t, lib, `_ "github.com/PatchLens/go-lumos/lumen"`)
		assert.Contains(t, lib, "func Greet(name string, lumosSyntheticLumen xxlumoslumen.Lumen) string")
		assert.Contains(t, lib, "where := lumosSyntheticLumen")
		assert.Contains(t, lib, `return Greet("w", xxlumoslumen.New("/src/example.com/lib/lib.go", "lib.go", 14, "Greet"))`)
		assert.Contains(t, lib, "func Plain(x int) int")

		site := `xxlumoslumen.New("/src/example.com/app/app.go", "app.go", 7, "Greet")`
		assert.Contains(t, app, `out := lib.Greet(lib.Greet("x", `+site+`), `+site+`)`)
		assert.Contains(t, app, `defer c.Send("bye", 0, xxlumoslumen.New("/src/example.com/app/app.go", "app.go", 6, "Send"))`)
		assert.Contains(t, app, `(*lib.Client).Send(c, "m", 1, xxlumoslumen.New(`)
		assert.Contains(t, app, `lib.Ident[int](5, xxlumoslumen.New(`)
		assert.Contains(t, app, "lib.Plain(2)")
		assert.Contains(t, lib, "func Callback(n int) int {")
		assert.Contains(t, app, "f := lib.Callback\n")
		assert.Contains(t, app, "_ = f(1)\n")
	})
	t.Run("originals_unchanged", func(t *testing.T) {
		for _, u := range result.Units {
			assert.NotSame(t, u.Original, u.File)
			assert.Equal(t, string(u.Src), formatOriginal(t, u))
		}
	})
	t.Run("diagnostics", func(t *testing.T) {
		diags := result.Diagnostics()
		require.Len(t, diags, 1)
		assert.Contains(t, diags[0].Message, "Callback is referenced as a value at /src/example.com/app/app.go:16")
		assert.Equal(t, "lib.go", filepath.Base(diags[0].Position.Filename))
		assert.Equal(t, 24, diags[0].Position.Line)
		_, callback := findFunc(t, prog.packages["example.com/lib"], "Callback")
		assert.False(t, session.IsPatched(session.Resolve(callback)))
	})
	t.Run("compiles", func(t *testing.T) {
		typeCheckOutput(t, result, "example.com/lib", "example.com/app")
	})
	t.Run("rerun", func(t *testing.T) {
		_, err := pipeline.Run(prog.all("example.com/lib"))
		assert.Error(t, err)
	})
}

func formatOriginal(t *testing.T, u *UnitResult) string {
	t.Helper()

	orig := &UnitResult{Path: u.Path, Fset: u.Fset, File: u.Original}
	return formatResult(t, orig)
}

func TestPipelineNoPayload(t *testing.T) {
	t.Parallel()

	prog := newTestProgram(t, false)
	prog.add("example.com/app", map[string]string{"app.go": `package app

//lumos:maxima
func Target(x int) int { return x }

func Caller() int { return Target(1) }
`})
	session := NewSessionFromSpecs(nil)
	result, err := NewPipeline(session, prog.payload()).Run(prog.all("example.com/app"))
	require.NoError(t, err)

	assert.False(t, result.PayloadResolved)
	assert.Empty(t, result.ChangedUnits())
	assert.Empty(t, result.CallSites())
	assert.Zero(t, session.PatchedCount())
	diags := result.Diagnostics()
	require.Len(t, diags, 1)
	assert.Contains(t, diags[0].Message, "declaration not patched")
}

func TestPipelineNoTargets(t *testing.T) {
	t.Parallel()

	prog := newTestProgram(t, true)
	prog.add("example.com/app", map[string]string{"app.go": "package app\n\nfunc A() int { return B() }\n\nfunc B() int { return 1 }\n"})
	result, err := NewPipeline(NewSession(nil), prog.payload()).Run(prog.all("example.com/app"))
	require.NoError(t, err)

	require.Len(t, result.Units, 1)
	assert.False(t, result.Units[0].Changed())
	assert.Empty(t, result.Diagnostics())
}

func TestPipelineSharedSubtrees(t *testing.T) {
	t.Parallel()

	prog := newTestProgram(t, true)
	prog.add("example.com/app", map[string]string{"app.go": `package app

//lumos:maxima
func Target() {}

func Untouched() int { return 1 }

func Caller() { Target() }
`})
	result, err := NewPipeline(NewSession(nil), prog.payload()).Run(prog.all("example.com/app"))
	require.NoError(t, err)

	u := result.Units[0]
	require.True(t, u.Changed())
	origDecls := declsByName(u.Original)
	newDecls := declsByName(u.File)
	assert.Same(t, origDecls["Untouched"], newDecls["Untouched"])
	assert.NotSame(t, origDecls["Caller"], newDecls["Caller"])
	assert.NotSame(t, origDecls["Target"], newDecls["Target"])
}

func declsByName(f *ast.File) map[string]*ast.FuncDecl {
	result := make(map[string]*ast.FuncDecl)
	for _, decl := range f.Decls {
		if fd, ok := decl.(*ast.FuncDecl); ok {
			result[fd.Name.Name] = fd
		}
	}
	return result
}

func TestPipelineValueReferences(t *testing.T) {
	t.Parallel()

	prog := newTestProgram(t, true)
	prog.add("example.com/app", map[string]string{"app.go": `package app

//lumos:maxima
func Target(x int) int { return x }

//lumos:maxima
func Called(x int) int { return x }

type S struct{}

//lumos:maxima
func (S) Method(x int) int { return x }

func Apply(f func(int) int) int { return f(1) }

func Run(s S) int {
	g := s.Method
	return Apply(Target) + Called(2) + g(3)
}
`})
	session := NewSession(nil)
	result, err := NewPipeline(session, prog.payload()).Run(prog.all("example.com/app"))
	require.NoError(t, err)

	decls := result.PatchedDecls()
	require.Len(t, decls, 1)
	assert.Equal(t, "Called", decls[0].Name)
	require.Len(t, result.CallSites(), 1)
	assert.Equal(t, "Called", result.CallSites()[0].Target)

	diags := result.Diagnostics()
	require.Len(t, diags, 2)
	assert.Contains(t, diags[0].Message, "Target is referenced as a value at /src/example.com/app/app.go:18")
	assert.Equal(t, 4, diags[0].Position.Line)
	assert.Contains(t, diags[1].Message, "Method is referenced as a value at /src/example.com/app/app.go:17")
	assert.Equal(t, 12, diags[1].Position.Line)

	src := formatResult(t, result.Units[0])
	assert.Contains(t, src, "func Target(x int) int {")
	assert.Contains(t, src, "func (S) Method(x int) int {")
	assert.Contains(t, src, "return Apply(Target) + Called(2, xxlumoslumen.New(")
	typeCheckOutput(t, result, "example.com/app")
}

func TestPipelineOutputFormatStable(t *testing.T) {
	t.Parallel()

	prog := newTestProgram(t, true)
	prog.add("example.com/app", map[string]string{"app.go": `package app

type Base struct{}

//lumos:maxima
func (Base) Ping() int { return 1 }

//lumos:maxima
func Multi(
	a int,
	b string,
) string {
	return b
}

//lumos:maxima
func Unnamed(int, string) {}

func Caller(b Base) string {
	Unnamed(b.Ping(), "x")
	return Multi(
		1,
		"y",
	)
}
`})
	prog.add("example.com/lib", map[string]string{"lib.go": pipelineLibSrc})
	result, err := NewPipeline(NewSession(nil), prog.payload()).Run(prog.all("example.com/lib", "example.com/app"))
	require.NoError(t, err)
	require.Len(t, result.ChangedUnits(), 2)

	for _, u := range result.ChangedUnits() {
		t.Run(filepath.Base(u.Path), func(t *testing.T) {
			out := formatResult(t, u)
			reformatted, err := format.Source([]byte(out))
			require.NoError(t, err)
			assert.Equal(t, out, string(reformatted))
			assert.NotContains(t, out, ",)")
		})
	}

	app := formatResult(t, result.Units[1])
	assert.Contains(t, app, "func (Base) Ping(lumosSyntheticLumen xxlumoslumen.Lumen) int {")
	assert.Contains(t, app, "\tb string,\n\tlumosSyntheticLumen xxlumoslumen.Lumen) string {")
	assert.Contains(t, app, "func Unnamed(_ int, _ string, lumosSyntheticLumen xxlumoslumen.Lumen) {}")
	assert.Contains(t, app, `"y", xxlumoslumen.New("/src/example.com/app/app.go", "app.go", 21, "Multi"),`)
	typeCheckOutput(t, result, "example.com/lib", "example.com/app")
}
