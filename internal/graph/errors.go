package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. The struct error types below match these via errors.Is.
var (
	// ErrCycleDetected indicates a circular dependency was found in the graph.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrDuplicateNode indicates a node id was registered twice.
	ErrDuplicateNode = errors.New("duplicate node")
	// ErrUnknownNode indicates a reference to a node id that was never declared.
	ErrUnknownNode = errors.New("unknown node")
	// ErrDanglingEdge indicates an edge whose endpoint was never declared.
	ErrDanglingEdge = errors.New("dangling edge")
	// ErrInvalidFork indicates a fork with fewer than two variants.
	ErrInvalidFork = errors.New("invalid fork")
	// ErrInvalidSnapshot indicates a ready-tracker snapshot that does not fit the graph.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// DuplicateNodeError is returned when a node id is registered more than once.
type DuplicateNodeError struct {
	ID string
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("node %q already registered", e.ID)
}

// Is reports whether target is ErrDuplicateNode.
func (e *DuplicateNodeError) Is(target error) bool { return target == ErrDuplicateNode }

// UnknownNodeError is returned for references to undeclared node ids.
type UnknownNodeError struct {
	ID string
}

func (e *UnknownNodeError) Error() string {
	if e.ID == "" {
		return "empty node id"
	}
	return fmt.Sprintf("unknown node %q", e.ID)
}

// Is reports whether target is ErrUnknownNode.
func (e *UnknownNodeError) Is(target error) bool { return target == ErrUnknownNode }

// DanglingEdgeError is returned by Build when an edge references a node
// that was never declared. It unwraps to the UnknownNodeError for the
// missing endpoint.
type DanglingEdgeError struct {
	From    string
	To      string
	Missing string
}

func (e *DanglingEdgeError) Error() string {
	return fmt.Sprintf("edge %s -> %s references undeclared node %q", e.From, e.To, e.Missing)
}

// Is reports whether target is ErrDanglingEdge.
func (e *DanglingEdgeError) Is(target error) bool { return target == ErrDanglingEdge }

// Unwrap returns the UnknownNodeError for the missing endpoint.
func (e *DanglingEdgeError) Unwrap() error { return &UnknownNodeError{ID: e.Missing} }

// CycleDetectedError names the nodes participating in a cycle, in
// dependency order, with the first id repeated at the end.
type CycleDetectedError struct {
	Cycle []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycleDetected, strings.Join(e.Cycle, " -> "))
}

// Is reports whether target is ErrCycleDetected.
func (e *CycleDetectedError) Is(target error) bool { return target == ErrCycleDetected }

// InvalidForkError is returned when a fork declares fewer than two variants.
type InvalidForkError struct {
	ID       string
	Variants int
}

func (e *InvalidForkError) Error() string {
	return fmt.Sprintf("fork %q needs at least 2 variants, got %d", e.ID, e.Variants)
}

// Is reports whether target is ErrInvalidFork.
func (e *InvalidForkError) Is(target error) bool { return target == ErrInvalidFork }
