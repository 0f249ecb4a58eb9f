package expr

import "sync"

// compiledCache caches parsed ASTs by source text, so a graph with many
// edges sharing the same condition string parses it once.
var compiledCache sync.Map // string -> Expr

// Compile parses source, returning a cached AST if this exact source text
// has been compiled before. Parse failures are never cached.
func Compile(source string) (Expr, error) {
	if cached, ok := compiledCache.Load(source); ok {
		return cached.(Expr), nil
	}
	e, err := Parse(source)
	if err != nil {
		return nil, err
	}
	compiledCache.Store(source, e)
	return e, nil
}

// EvaluateSource compiles (with caching) and evaluates source against ctx.
func EvaluateSource(source string, ctx map[string]any) (bool, error) {
	e, err := Compile(source)
	if err != nil {
		return false, err
	}
	return Evaluate(e, ctx)
}
