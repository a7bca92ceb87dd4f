// Package expression implements the restricted boolean expression
// language used by step conditions and trigger when-clauses (§4.2).
//
// The grammar is deliberately small: property access into the run
// context (dot and bracket form), array literals, the comparison and
// logical operators, a ternary, an "in" membership test, and a
// left-to-right pipe chain of named transforms
// (lower, upper, trim, split, contains, startsWith, endsWith, match,
// length, not). Truthiness follows JavaScript's rules rather than Go's:
// nil, false, 0, "" and NaN are falsy, everything else is truthy. A
// reference to a property that does not exist evaluates to nil rather
// than failing, so conditions can freely probe optional context
// without a guard clause. Anything the grammar itself rejects, or a
// type mismatch an operator cannot reconcile (e.g. comparing a string
// to a number with "<"), surfaces as *conductorerrors.ExpressionError.
//
// Expressions are never interpolated into strings and never reach a
// text/template engine; they are parsed once and walked directly
// against the map produced by workflow.WorkflowContext.ToMap().
package expression
