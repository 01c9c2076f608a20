package luahost

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

// HookName is the global function called at the start of every instrumented line.
const HookName = "__dbg_line"

// Instrument inserts a call to HookName at the start of every line on which a
// statement begins, keeping line numbers unchanged. It returns the rewritten
// source and the sorted 1-based lines that carry a hook.
func Instrument(src, name string) (string, []int, error) {
	chunk, err := parse.Parse(strings.NewReader(src), name)
	if err != nil {
		return "", nil, fmt.Errorf("parse %s: %w", name, err)
	}

	starts := make(map[int]bool)
	collectStmts(chunk, starts)

	hooked := make(map[int]bool)
	for line := range lineHeads(src, name) {
		if starts[line] {
			hooked[line] = true
		}
	}

	for {
		out := applyHooks(src, hooked)
		_, err := parse.Parse(strings.NewReader(out), name)
		if err == nil {
			return out, sortedLines(hooked), nil
		}

		var perr *parse.Error
		if !errors.As(err, &perr) {
			return "", nil, fmt.Errorf("instrument %s: %w", name, err)
		}
		line := closestHook(hooked, perr.Pos.Line)
		if line == 0 {
			return "", nil, fmt.Errorf("instrument %s: %w", name, err)
		}
		delete(hooked, line)
	}
}

// lineHeads returns the lines whose first token can begin a statement and
// is also the first text on the line.
func lineHeads(src, name string) map[int]bool {
	lines := strings.Split(src, "\n")
	heads := make(map[int]bool)
	seen := make(map[int]bool)

	sc := parse.NewScanner(strings.NewReader(src), name)
	lx := &parse.Lexer{}
	for {
		tok, err := sc.Scan(lx)
		if err != nil || tok.Type == parse.EOF {
			break
		}
		lx.PrevTokenType = tok.Type

		line := tok.Pos.Line
		if line < 1 || line > len(lines) || seen[line] {
			continue
		}
		seen[line] = true

		text := strings.TrimLeft(lines[line-1], " \t\r")
		if startsStatement(tok) && strings.HasPrefix(text, tok.Str) {
			heads[line] = true
		}
	}
	return heads
}

func startsStatement(tok ast.Token) bool {
	switch tok.Type {
	case parse.TIdent, parse.TLocal, parse.TFunction, parse.TReturn, parse.TBreak,
		parse.TDo, parse.TWhile, parse.TRepeat, parse.TIf, parse.TFor, parse.TGoto:
		return true
	case '(':
		return true
	}
	return false
}

func applyHooks(src string, hooked map[int]bool) string {
	lines := strings.Split(src, "\n")
	var b strings.Builder
	b.Grow(len(src) + len(hooked)*24)
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		n := i + 1
		if hooked[n] {
			indent := len(line) - len(strings.TrimLeft(line, " \t"))
			b.WriteString(line[:indent])
			fmt.Fprintf(&b, "%s(%d); ", HookName, n)
			b.WriteString(line[indent:])
			continue
		}
		b.WriteString(line)
	}
	return b.String()
}

// closestHook returns the highest hooked line not after line, or 0.
func closestHook(hooked map[int]bool, line int) int {
	if line < 1 {
		line = int(^uint(0) >> 1)
	}
	best := 0
	for l := range hooked {
		if l <= line && l > best {
			best = l
		}
	}
	return best
}

func sortedLines(set map[int]bool) []int {
	lines := make([]int, 0, len(set))
	for l := range set {
		lines = append(lines, l)
	}
	sort.Ints(lines)
	return lines
}

func collectStmts(stmts []ast.Stmt, starts map[int]bool) {
	for _, stmt := range stmts {
		starts[stmt.Line()] = true

		switch s := stmt.(type) {
		case *ast.AssignStmt:
			collectExprs(s.Lhs, starts)
			collectExprs(s.Rhs, starts)
		case *ast.LocalAssignStmt:
			collectExprs(s.Exprs, starts)
		case *ast.FuncCallStmt:
			collectExpr(s.Expr, starts)
		case *ast.DoBlockStmt:
			collectStmts(s.Stmts, starts)
		case *ast.WhileStmt:
			collectExpr(s.Condition, starts)
			collectStmts(s.Stmts, starts)
		case *ast.RepeatStmt:
			collectStmts(s.Stmts, starts)
			collectExpr(s.Condition, starts)
		case *ast.IfStmt:
			collectExpr(s.Condition, starts)
			collectStmts(s.Then, starts)
			collectStmts(s.Else, starts)
		case *ast.NumberForStmt:
			collectExpr(s.Init, starts)
			collectExpr(s.Limit, starts)
			collectExpr(s.Step, starts)
			collectStmts(s.Stmts, starts)
		case *ast.GenericForStmt:
			collectExprs(s.Exprs, starts)
			collectStmts(s.Stmts, starts)
		case *ast.FuncDefStmt:
			if s.Func != nil {
				collectStmts(s.Func.Stmts, starts)
			}
		case *ast.ReturnStmt:
			collectExprs(s.Exprs, starts)
		}
	}
}

func collectExprs(exprs []ast.Expr, starts map[int]bool) {
	for _, e := range exprs {
		collectExpr(e, starts)
	}
}

// collectExpr finds function literals nested in an expression.
func collectExpr(expr ast.Expr, starts map[int]bool) {
	switch e := expr.(type) {
	case *ast.FunctionExpr:
		collectStmts(e.Stmts, starts)
	case *ast.FuncCallExpr:
		collectExpr(e.Func, starts)
		collectExpr(e.Receiver, starts)
		collectExprs(e.Args, starts)
	case *ast.AttrGetExpr:
		collectExpr(e.Object, starts)
		collectExpr(e.Key, starts)
	case *ast.TableExpr:
		for _, f := range e.Fields {
			collectExpr(f.Key, starts)
			collectExpr(f.Value, starts)
		}
	case *ast.LogicalOpExpr:
		collectExpr(e.Lhs, starts)
		collectExpr(e.Rhs, starts)
	case *ast.RelationalOpExpr:
		collectExpr(e.Lhs, starts)
		collectExpr(e.Rhs, starts)
	case *ast.StringConcatOpExpr:
		collectExpr(e.Lhs, starts)
		collectExpr(e.Rhs, starts)
	case *ast.ArithmeticOpExpr:
		collectExpr(e.Lhs, starts)
		collectExpr(e.Rhs, starts)
	case *ast.UnaryMinusOpExpr:
		collectExpr(e.Expr, starts)
	case *ast.UnaryNotOpExpr:
		collectExpr(e.Expr, starts)
	case *ast.UnaryLenOpExpr:
		collectExpr(e.Expr, starts)
	}
}
