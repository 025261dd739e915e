// Package lumen is the runtime payload injected by lumos.
//
// A function is selected for instrumentation either by listing its descriptor as a target, or by placing the
// directive below in its doc comment:
//
//	//lumos:maxima
//	func (s *Service) Process(id string) error {
//		where := lumen.Here()
//		log.Printf("Process called from %s:%d", where.FileName, where.LineNumber)
//		...
//	}
//
// Once rewritten the function accepts a trailing Lumen parameter, and every call site in the rewritten packages
// passes the location of the call. Here returns that parameter inside a rewritten function, and a placeholder
// before rewriting.
package lumen

import "strconv"

const (
	// Directive marks a function declaration for instrumentation.
	Directive = "//lumos:maxima"
	// UnknownPath is recorded when the file path of a call site is not available.
	UnknownPath = "Unknown Path"
	// UnknownFile is recorded when the file name of a call site is not available.
	UnknownFile = "Unknown File"
	// UnknownLine is recorded when the line of a call site is not available.
	UnknownLine = -1
)

// Lumen describes a single call site of an instrumented function.
type Lumen struct {
	// FilePath is the path of the source file containing the call.
	FilePath string `json:"filePath"`
	// FileName is the base name of FilePath.
	FileName string `json:"fileName"`
	// LineNumber is the 1-based line of the call, or UnknownLine.
	LineNumber int `json:"lineNumber"`
	// TargetFunctionName is the simple name of the called function.
	TargetFunctionName string `json:"targetFunctionName"`
}

// New constructs the payload passed at rewritten call sites. The signature is relied on by the rewriter and must
// not change.
func New(filePath, fileName string, lineNumber int, targetFunctionName string) Lumen {
	return Lumen{
		FilePath:           filePath,
		FileName:           fileName,
		LineNumber:         lineNumber,
		TargetFunctionName: targetFunctionName,
	}
}

// Here is replaced with the injected parameter inside instrumented functions. Outside of rewritten code it returns
// a Lumen populated with the unknown sentinels.
func Here() Lumen {
	return New(UnknownPath, UnknownFile, UnknownLine, "")
}

// Known reports if the call site location was resolved at rewrite time.
func (l Lumen) Known() bool {
	return l.FilePath != UnknownPath && l.LineNumber != UnknownLine
}

// String formats the call site as file:line followed by the target name.
func (l Lumen) String() string {
	loc := l.FileName + ":" + strconv.Itoa(l.LineNumber)
	if l.TargetFunctionName == "" {
		return loc
	}
	return loc + " -> " + l.TargetFunctionName
}
