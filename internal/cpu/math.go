package cpu

import (
	"fmt"
	"strconv"
	"strings"
)

// splitAssignment splits "target=expr" into its two halves. The expression
// is not validated here; malformed input surfaces later as a PROGRAM_FAULT
// once evaluation is attempted.
func splitAssignment(expr string) (target, rhs string, ok bool) {
	idx := strings.Index(expr, "=")
	if idx <= 0 {
		return "", "", false
	}
	return expr[:idx], expr[idx+1:], true
}

// normalizeExpr strips every whitespace character, matching the "normalized
// (whitespace stripped)" contract of spec §4.4's math evaluation.
func normalizeExpr(expr string) string {
	return strings.Join(strings.Fields(expr), "")
}

// identifierTokens returns every maximal run of identifier characters in
// expr, in order of first appearance, without duplicates. It is used in
// phase one to find which operands name a cached variable.
func identifierTokens(expr string) []string {
	var out []string
	seen := map[string]bool{}
	var cur strings.Builder

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		tok := cur.String()
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
		cur.Reset()
	}

	for _, r := range expr {
		if isIdentChar(r) {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

// substituteVars rewrites every whole-identifier occurrence of a key in
// values with its replacement, leaving operators, parentheses, and unknown
// identifiers untouched.
func substituteVars(expr string, values map[string]string) string {
	var out, cur strings.Builder

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		tok := cur.String()
		if v, ok := values[tok]; ok {
			out.WriteString(v)
		} else {
			out.WriteString(tok)
		}
		cur.Reset()
	}

	for _, r := range expr {
		if isIdentChar(r) {
			cur.WriteRune(r)
		} else {
			flush()
			out.WriteRune(r)
		}
	}
	flush()
	return out.String()
}

func isIdentChar(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}

// reduceParens repeatedly extracts the innermost parenthesised subexpression
// from expr, replacing each with a "b:i" placeholder referencing the i-th
// entry of the returned subexpression list. The final element of the
// returned residual string is the last operation to evaluate.
func reduceParens(expr string) (residual string, subExprs []string, err error) {
	for {
		close := strings.IndexByte(expr, ')')
		if close == -1 {
			break
		}
		open := strings.LastIndexByte(expr[:close], '(')
		if open == -1 {
			return "", nil, fmt.Errorf("unbalanced parentheses in %q", expr)
		}

		inner := expr[open+1 : close]
		placeholder := fmt.Sprintf("b:%d", len(subExprs))
		subExprs = append(subExprs, inner)
		expr = expr[:open] + placeholder + expr[close+1:]
	}
	return expr, subExprs, nil
}

// evaluateMath runs the full paren-driven, left-to-right, no-precedence
// evaluation contract over a normalized expression whose variable operands
// have already been substituted with their string values.
//
// Operator precedence is intentionally not implemented: every operation is
// evaluated strictly left to right, exactly as spec §9 documents.
func evaluateMath(substituted string) (float64, error) {
	residual, subExprs, err := reduceParens(substituted)
	if err != nil {
		return 0, err
	}

	results := make([]float64, len(subExprs))
	for i, sub := range subExprs {
		val, err := evaluateFlat(sub, results[:i])
		if err != nil {
			return 0, err
		}
		results[i] = val
	}

	return evaluateFlat(residual, results)
}

// evaluateFlat evaluates an operator/operand chain with no parentheses and
// no precedence, left to right. Operands are either numeric literals or
// "b:i" references into results.
func evaluateFlat(expr string, results []float64) (float64, error) {
	tokens, err := tokenizeFlat(expr)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 || len(tokens)%2 == 0 {
		return 0, fmt.Errorf("malformed expression %q", expr)
	}

	acc, err := resolveOperand(tokens[0], results)
	if err != nil {
		return 0, err
	}

	for i := 1; i < len(tokens); i += 2 {
		op := tokens[i]
		rhs, err := resolveOperand(tokens[i+1], results)
		if err != nil {
			return 0, err
		}
		acc, err = applyOp(acc, op, rhs)
		if err != nil {
			return 0, err
		}
	}
	return acc, nil
}

func tokenizeFlat(expr string) ([]string, error) {
	var tokens []string
	var cur strings.Builder

	flush := func() error {
		if cur.Len() == 0 {
			return fmt.Errorf("empty operand in %q", expr)
		}
		tokens = append(tokens, cur.String())
		cur.Reset()
		return nil
	}

	for _, r := range expr {
		switch r {
		case '+', '-', '*', '/', '%':
			if err := flush(); err != nil {
				return nil, err
			}
			tokens = append(tokens, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func resolveOperand(token string, results []float64) (float64, error) {
	if strings.HasPrefix(token, "b:") {
		idx, err := strconv.Atoi(token[2:])
		if err != nil || idx < 0 || idx >= len(results) {
			return 0, fmt.Errorf("invalid sub-operation reference %q", token)
		}
		return results[idx], nil
	}
	return strconv.ParseFloat(token, 64)
}

func applyOp(a float64, op string, b float64) (float64, error) {
	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		return a / b, nil
	case "%":
		return float64(int64(a) % int64(b)), nil
	default:
		return 0, fmt.Errorf("unknown operator %q", op)
	}
}

// formatDouble renders a float64 the way the simulator's output and write
// operations do: always with a decimal point, e.g. "5.0" rather than "5".
func formatDouble(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// compareValues implements jumpif's comparison rule: numeric comparison
// when both operands parse as doubles, otherwise lexicographic string
// comparison.
func compareValues(a, b, op string) (bool, error) {
	af, aErr := strconv.ParseFloat(a, 64)
	bf, bErr := strconv.ParseFloat(b, 64)

	if aErr == nil && bErr == nil {
		switch op {
		case "==":
			return af == bf, nil
		case "!=":
			return af != bf, nil
		case "<":
			return af < bf, nil
		case ">":
			return af > bf, nil
		case "<=":
			return af <= bf, nil
		case ">=":
			return af >= bf, nil
		}
		return false, fmt.Errorf("unknown comparison operator %q", op)
	}

	switch op {
	case "==":
		return a == b, nil
	case "!=":
		return a != b, nil
	case "<":
		return a < b, nil
	case ">":
		return a > b, nil
	case "<=":
		return a <= b, nil
	case ">=":
		return a >= b, nil
	}
	return false, fmt.Errorf("unknown comparison operator %q", op)
}
