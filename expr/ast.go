// Package expr implements the small, total expression language used for
// edge conditions and node exit conditions: comparators, logical
// connectives, dotted-path identifiers into the routing context, and
// nothing else — no function calls, no assignment, no side effects, no
// loops. Evaluation is a total function: every expression over every
// context yields either a boolean or an error, never a panic.
package expr

import "fmt"

// Expr is the interface implemented by all AST nodes.
type Expr interface {
	expr() // marker method
	String() string
}

// BinaryExpr represents a binary operation (e.g. a == b, a && b).
type BinaryExpr struct {
	Left  Expr
	Op    TokenKind
	Right Expr
}

func (e *BinaryExpr) expr() {}
func (e *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", e.Left, e.Op, e.Right)
}

// UnaryExpr represents a unary operation (only ! is defined).
type UnaryExpr struct {
	Op      TokenKind
	Operand Expr
}

func (e *UnaryExpr) expr() {}
func (e *UnaryExpr) String() string {
	return fmt.Sprintf("(%s%s)", e.Op, e.Operand)
}

// LiteralExpr represents a literal value (number, string, or bool).
type LiteralExpr struct {
	Value any
}

func (e *LiteralExpr) expr() {}
func (e *LiteralExpr) String() string {
	return fmt.Sprintf("%v", e.Value)
}

// IdentExpr represents a root identifier into the routing context
// (e.g. status, confidence).
type IdentExpr struct {
	Name string
}

func (e *IdentExpr) expr() {}
func (e *IdentExpr) String() string {
	return e.Name
}

// MemberExpr represents dotted-path property access (e.g. envelope.summary).
type MemberExpr struct {
	Object   Expr
	Property string
}

func (e *MemberExpr) expr() {}
func (e *MemberExpr) String() string {
	return fmt.Sprintf("%s.%s", e.Object, e.Property)
}
