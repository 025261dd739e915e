package lumos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lumenTypeSrc = `package lumen

type Lumen struct{ FilePath, FileName string; LineNumber int; Target string }
`

func TestResolvePayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		src      string
		resolved bool
		here     bool
	}{
		{"complete", testLumenSrc, true, true},
		{"without_here", lumenTypeSrc + `
func New(filePath, fileName string, lineNumber int, target string) Lumen { return Lumen{} }
`, true, false},
		{"here_with_params", lumenTypeSrc + `
func New(filePath, fileName string, lineNumber int, target string) Lumen { return Lumen{} }

func Here(skip int) Lumen { return Lumen{} }
`, true, false},
		{"missing_type", `package lumen

type Light struct{}

func New(filePath, fileName string, lineNumber int, target string) Light { return Light{} }
`, false, false},
		{"type_is_func", `package lumen

func Lumen() {}
`, false, false},
		{"missing_constructor", lumenTypeSrc, false, false},
		{"constructor_three_params", lumenTypeSrc + `
func New(filePath, fileName string, lineNumber int) Lumen { return Lumen{} }
`, false, false},
		{"constructor_int_file_name", lumenTypeSrc + `
func New(filePath string, fileName int, lineNumber int, target string) Lumen { return Lumen{} }
`, false, false},
		{"constructor_string_line", lumenTypeSrc + `
func New(filePath, fileName, lineNumber, target string) Lumen { return Lumen{} }
`, false, false},
		{"constructor_variadic", lumenTypeSrc + `
func New(filePath, fileName string, lineNumber int, target ...string) Lumen { return Lumen{} }
`, false, false},
		{"constructor_pointer_result", lumenTypeSrc + `
func New(filePath, fileName string, lineNumber int, target string) *Lumen { return nil }
`, false, false},
		{"constructor_variable", lumenTypeSrc + `
var New = func(filePath, fileName string, lineNumber int, target string) Lumen { return Lumen{} }
`, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			prog := newTestProgram(t, false)
			pkg := prog.add(PayloadPackagePath, map[string]string{"lumen.go": tt.src})

			payload := ResolvePayload(pkg.Types)
			if !tt.resolved {
				assert.Nil(t, payload)
				return
			}
			require.NotNil(t, payload)
			assert.NotNil(t, payload.Constructor())
			assert.Same(t, pkg.Types, payload.Package())
			assert.Equal(t, tt.here, payload.here != nil)
		})
	}
}

func TestResolvePayloadImported(t *testing.T) {
	t.Parallel()

	prog := newTestProgram(t, true)
	lib := prog.add("example.com/lib", map[string]string{"lib.go": `package lib

import "github.com/PatchLens/go-lumos/lumen"

func At() string { return lumen.Here().FileName }
`})
	app := prog.add("example.com/app", map[string]string{"app.go": `package app

import "example.com/lib"

func Run() string { return lib.At() }
`})

	payload := ResolvePayload(app.Types)
	require.NotNil(t, payload)
	assert.Equal(t, PayloadPackagePath, payload.Package().Path())
	assert.Same(t, payload.Package(), ResolvePayload(lib.Types).Package())

	assert.Nil(t, ResolvePayload())
	assert.Nil(t, ResolvePayload(prog.add("example.com/plain", map[string]string{"plain.go": "package plain\n"}).Types))
}
