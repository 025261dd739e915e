package lumos

import (
	"log"
	"slices"
	"strings"
)

// TargetDescriptor identifies a function to instrument. The container is the import path for package level
// functions, or the import path joined with the receiver type name for methods:
//
//	github.com/acme/svc.Handle(context.Context,string)
//	github.com/acme/svc.Service.Process(string,int)
type TargetDescriptor struct {
	containerFqn   string
	methodName     string
	parameterTypes []string
	originalSpec   string
}

// ContainerFqn returns the package path, or package path and receiver type name, that declares the target.
func (t TargetDescriptor) ContainerFqn() string {
	return t.containerFqn
}

// MethodName returns the simple name of the target function.
func (t TargetDescriptor) MethodName() string {
	return t.methodName
}

// ParameterTypes returns a copy of the declared parameter type names, in order.
func (t TargetDescriptor) ParameterTypes() []string {
	return slices.Clone(t.parameterTypes)
}

// OriginalSpec returns the raw string this descriptor was parsed from.
func (t TargetDescriptor) OriginalSpec() string {
	return t.originalSpec
}

func (t TargetDescriptor) String() string {
	return t.originalSpec
}

// ParseTarget parses a target specification of the form `<container>.<method>` with an optional parenthesized,
// comma separated list of parameter types. False is returned for any malformed input.
func ParseTarget(spec string) (desc TargetDescriptor, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			desc, ok = TargetDescriptor{}, false
		}
	}()

	openIdx := strings.IndexByte(spec, '(')
	closeIdx := -1
	if openIdx >= 0 {
		closeIdx = strings.LastIndexByte(spec, ')')
	} else if strings.IndexByte(spec, ')') >= 0 {
		return TargetDescriptor{}, false // closing paren without an opening one
	}

	var qualified string
	var params []string
	if openIdx < 0 {
		qualified = spec
	} else if closeIdx < openIdx {
		return TargetDescriptor{}, false
	} else {
		qualified = spec[:openIdx]
		for _, p := range strings.Split(spec[openIdx+1:closeIdx], ",") {
			if p = strings.TrimSpace(p); p != "" {
				params = append(params, p)
			}
		}
	}

	dotIdx := strings.LastIndexByte(qualified, '.')
	if dotIdx <= 0 || dotIdx == len(qualified)-1 {
		return TargetDescriptor{}, false
	}
	container, method := qualified[:dotIdx], qualified[dotIdx+1:]
	if container == "" || method == "" || strings.Contains(method, ".") {
		return TargetDescriptor{}, false
	}

	return TargetDescriptor{
		containerFqn:   container,
		methodName:     method,
		parameterTypes: params,
		originalSpec:   spec,
	}, true
}

// ParseTargets parses each spec, returning the valid descriptors in input order and the rejected specs.
func ParseTargets(specs []string) ([]TargetDescriptor, []string) {
	descriptors := make([]TargetDescriptor, 0, len(specs))
	var rejected []string
	for _, spec := range specs {
		if desc, ok := ParseTarget(spec); ok {
			descriptors = append(descriptors, desc)
		} else {
			rejected = append(rejected, spec)
		}
	}
	return descriptors, rejected
}

// parseTargetsLogged parses the specs like ParseTargets, logging each rejected value.
func parseTargetsLogged(specs []string) ([]TargetDescriptor, []string) {
	descriptors, rejected := ParseTargets(specs)
	for _, spec := range rejected {
		log.Printf("%signoring malformed target specification: %q", WarnLogPrefix, spec)
	}
	return descriptors, rejected
}
