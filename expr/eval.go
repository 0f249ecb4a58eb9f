package expr

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
)

// rootContextKeys are the fields the routing context exposes at the top
// level: status, iteration, max_iterations, confidence, has_errors,
// receipt.*, envelope.*, run.step_count.
var rootContextKeys = map[string]bool{
	"status":         true,
	"iteration":      true,
	"max_iterations": true,
	"confidence":     true,
	"has_errors":     true,
	"receipt":        true,
	"envelope":       true,
	"run":            true,
}

// Evaluate is the evaluator's total function: evaluate(expr, context) ->
// (bool, error). ctx is the compact routing context view.
func Evaluate(e Expr, ctx map[string]any) (bool, error) {
	val, err := (&evaluator{ctx: ctx}).eval(e)
	if err != nil {
		return false, err
	}
	return IsTruthy(val), nil
}

type evaluator struct {
	ctx map[string]any
}

func (ev *evaluator) eval(e Expr) (any, error) {
	switch n := e.(type) {
	case *LiteralExpr:
		return n.Value, nil

	case *IdentExpr:
		if !rootContextKeys[n.Name] {
			return nil, &UnresolvedIdentifierError{Name: n.Name}
		}
		return ev.ctx[n.Name], nil

	case *MemberExpr:
		obj, err := ev.eval(n.Object)
		if err != nil {
			return nil, err
		}
		return accessMember(obj, n.Property), nil

	case *UnaryExpr:
		return ev.evalUnary(n)

	case *BinaryExpr:
		return ev.evalBinary(n)

	default:
		return nil, fmt.Errorf("unknown expression type %T", e)
	}
}

func (ev *evaluator) evalUnary(n *UnaryExpr) (any, error) {
	val, err := ev.eval(n.Operand)
	if err != nil {
		return nil, err
	}
	if n.Op != TokenNot {
		return nil, fmt.Errorf("unknown unary operator %s", n.Op)
	}
	return !IsTruthy(val), nil
}

func (ev *evaluator) evalBinary(n *BinaryExpr) (any, error) {
	switch n.Op {
	case TokenAnd:
		left, err := ev.eval(n.Left)
		if err != nil {
			return nil, err
		}
		if !IsTruthy(left) {
			return false, nil
		}
		right, err := ev.eval(n.Right)
		if err != nil {
			return nil, err
		}
		return IsTruthy(right), nil

	case TokenOr:
		left, err := ev.eval(n.Left)
		if err != nil {
			return nil, err
		}
		if IsTruthy(left) {
			return true, nil
		}
		right, err := ev.eval(n.Right)
		if err != nil {
			return nil, err
		}
		return IsTruthy(right), nil
	}

	left, err := ev.eval(n.Left)
	if err != nil {
		return nil, err
	}
	right, err := ev.eval(n.Right)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case TokenEq:
		return isEqual(left, right), nil
	case TokenNeq:
		return !isEqual(left, right), nil
	case TokenGt, TokenGte, TokenLt, TokenLte:
		cmp, err := compareOrdered(n.Op.String(), left, right)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case TokenGt:
			return cmp > 0, nil
		case TokenGte:
			return cmp >= 0, nil
		case TokenLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case TokenIn:
		return checkIn(left, right)
	case TokenContains:
		return checkContains(left, right)
	case TokenMatches:
		return checkMatches(left, right)
	default:
		return nil, fmt.Errorf("unknown binary operator %s", n.Op)
	}
}

// IsTruthy is the boolean coercion rule: falsy values are nil, "", false,
// 0, and empty arrays/maps.
func IsTruthy(val any) bool {
	if val == nil {
		return false
	}
	switch v := val.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case string:
		return v != ""
	default:
		rv := reflect.ValueOf(val)
		switch rv.Kind() {
		case reflect.Slice, reflect.Array, reflect.Map:
			return rv.Len() > 0
		}
		return true
	}
}

func isEqual(a, b any) bool {
	af, aOK := toFloat64(a)
	bf, bOK := toFloat64(b)
	if aOK && bOK {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

// compareOrdered compares two values for <,<=,>,>=. Both operands must be
// numeric, or both must be strings; anything else is a TypeMismatch.
func compareOrdered(op string, a, b any) (int, error) {
	af, aOK := toFloat64(a)
	bf, bOK := toFloat64(b)
	if aOK && bOK {
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs), nil
	}
	return 0, &TypeMismatchError{Op: op, Left: a, Right: b}
}

func toFloat64(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	}
	return 0, false
}

// accessMember resolves a dotted-path step. Missing fields on open maps
// resolve to nil rather than erroring: authors may probe envelope extras
// that a given station never reported.
func accessMember(obj any, prop string) any {
	if obj == nil {
		return nil
	}
	if m, ok := obj.(map[string]any); ok {
		return m[prop]
	}
	rv := reflect.ValueOf(obj)
	if rv.Kind() == reflect.Map {
		val := rv.MapIndex(reflect.ValueOf(prop))
		if val.IsValid() {
			return val.Interface()
		}
	}
	return nil
}

func checkIn(left, right any) (bool, error) {
	if right == nil {
		return false, nil
	}
	rv := reflect.ValueOf(right)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false, &TypeMismatchError{Op: "in", Left: left, Right: right}
	}
	for i := 0; i < rv.Len(); i++ {
		if isEqual(left, rv.Index(i).Interface()) {
			return true, nil
		}
	}
	return false, nil
}

func checkContains(left, right any) (bool, error) {
	ls, lok := left.(string)
	rs, rok := right.(string)
	if !lok || !rok {
		return false, &TypeMismatchError{Op: "contains", Left: left, Right: right}
	}
	return strings.Contains(ls, rs), nil
}

var regexCache sync.Map

func checkMatches(left, right any) (bool, error) {
	ls, lok := left.(string)
	rs, rok := right.(string)
	if !lok || !rok {
		return false, &TypeMismatchError{Op: "matches", Left: left, Right: right}
	}

	if cached, ok := regexCache.Load(rs); ok {
		re := cached.(*regexp.Regexp)
		return re.MatchString(ls), nil
	}

	re, err := regexp.Compile(rs)
	if err != nil {
		return false, fmt.Errorf("invalid regex %q: %w", rs, err)
	}
	regexCache.Store(rs, re)
	return re.MatchString(ls), nil
}
