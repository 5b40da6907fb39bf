package compiler

import "fmt"

// CompileError is one problem found while compiling a Blueprint. compile
// never fails fast: it collects every CompileError it can find in a
// single pass and returns them all together (§4.2 "best-effort
// collection, not fail-fast").
type CompileError struct {
	NodeID string
	Path   string // the template/expression path implicated, if any
	Reason string
}

func (e CompileError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("node %s: %s (path=%s)", e.NodeID, e.Reason, e.Path)
	}
	if e.NodeID != "" {
		return fmt.Sprintf("node %s: %s", e.NodeID, e.Reason)
	}
	return e.Reason
}

func errf(nodeID, format string, args ...any) CompileError {
	return CompileError{NodeID: nodeID, Reason: fmt.Sprintf(format, args...)}
}

func errPath(nodeID, path, format string, args ...any) CompileError {
	return CompileError{NodeID: nodeID, Path: path, Reason: fmt.Sprintf(format, args...)}
}
