/*
 * awsideman
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package accountfilter parses and evaluates account selector
// expressions against an organization snapshot.
//
// The grammar, in order of binding strength:
//
//	term     = "*" | "id:<id>" | "name:<glob>" | "ou:<id>" |
//	           "ou:<id>:*" | "tag:<key>=<value>"
//	unary    = ["NOT"] ( term | "(" expr ")" )
//	andExpr  = unary { "AND" unary }
//	orExpr   = andExpr { "OR" andExpr }
//	expr     = orExpr { "exclude:" term }
//
// "*", "name:" and "tag:" terms only match ACTIVE accounts; "id:" and
// "ou:" terms name accounts explicitly and match regardless of status.
// A tag value ending in "*" is a prefix match, otherwise exact.
// "exclude:" subtracts its matches from the surrounding expression.
package accountfilter

import (
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/gravitational/trace"

	"github.com/gravitational/awsideman/lib/orgcache"
	"github.com/gravitational/awsideman/lib/sso"
)

// node is one evaluated element of a parsed expression.
type node interface {
	matches(account *sso.Account, snap *orgcache.Snapshot) bool
}

// Filter is a parsed, reusable selector expression.
type Filter struct {
	raw  string
	expr node
}

// Parse compiles a selector expression.
func Parse(expression string) (*Filter, error) {
	tokens := tokenize(expression)
	if len(tokens) == 0 {
		return nil, trace.BadParameter("empty account filter")
	}
	p := &parser{tokens: tokens}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !p.done() {
		return nil, trace.BadParameter("unexpected token %q in account filter %q", p.peek(), expression)
	}
	return &Filter{raw: expression, expr: expr}, nil
}

// String returns the original expression.
func (f *Filter) String() string { return f.raw }

// IsWildcard reports whether the whole expression is the bare "*"
// selector.
func (f *Filter) IsWildcard() bool {
	_, ok := f.expr.(allNode)
	return ok
}

// Select evaluates the filter over a snapshot. The result is ordered by
// account id so repeated evaluations render identical previews.
func (f *Filter) Select(snap *orgcache.Snapshot) []sso.Account {
	var out []sso.Account
	for _, account := range snap.Accounts {
		if f.expr.matches(&account, snap) {
			out = append(out, account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Matches evaluates the filter against a single account.
func (f *Filter) Matches(account *sso.Account, snap *orgcache.Snapshot) bool {
	return f.expr.matches(account, snap)
}

// tokenize splits an expression on whitespace, treating parentheses as
// their own tokens. Terms therefore cannot contain spaces.
func tokenize(expression string) []string {
	expression = strings.ReplaceAll(expression, "(", " ( ")
	expression = strings.ReplaceAll(expression, ")", " ) ")
	return strings.Fields(expression)
}

type parser struct {
	tokens []string
	pos    int
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() string {
	if p.done() {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *parser) next() string {
	token := p.peek()
	p.pos++
	return token
}

func (p *parser) parseExpr() (node, error) {
	expr, err := p.parseOr()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for strings.HasPrefix(p.peek(), "exclude:") {
		term, err := parseTerm(strings.TrimPrefix(p.next(), "exclude:"))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		expr = andNode{expr, notNode{term}}
	}
	return expr, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for p.peek() == "OR" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for p.peek() == "AND" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	switch token := p.peek(); {
	case token == "":
		return nil, trace.BadParameter("account filter ended unexpectedly")
	case token == "NOT":
		p.next()
		child, err := p.parseUnary()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return notNode{child}, nil
	case token == "(":
		p.next()
		expr, err := p.parseExpr()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if p.next() != ")" {
			return nil, trace.BadParameter("missing closing parenthesis in account filter")
		}
		return expr, nil
	default:
		return parseTerm(p.next())
	}
}

func parseTerm(token string) (node, error) {
	switch {
	case token == "*":
		return allNode{}, nil
	case strings.HasPrefix(token, "id:"):
		id := strings.TrimPrefix(token, "id:")
		if id == "" {
			return nil, trace.BadParameter("empty account id in filter term %q", token)
		}
		return idNode{id: id}, nil
	case strings.HasPrefix(token, "name:"):
		pattern := strings.TrimPrefix(token, "name:")
		if pattern == "" {
			return nil, trace.BadParameter("empty name pattern in filter term %q", token)
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, trace.BadParameter("invalid name glob %q: %v", pattern, err)
		}
		return nameNode{glob: g}, nil
	case strings.HasPrefix(token, "ou:"):
		ou := strings.TrimPrefix(token, "ou:")
		recursive := false
		if rest, ok := strings.CutSuffix(ou, ":*"); ok {
			ou, recursive = rest, true
		}
		if ou == "" {
			return nil, trace.BadParameter("empty OU id in filter term %q", token)
		}
		return ouNode{id: ou, recursive: recursive}, nil
	case strings.HasPrefix(token, "tag:"):
		key, value, found := strings.Cut(strings.TrimPrefix(token, "tag:"), "=")
		if !found || key == "" {
			return nil, trace.BadParameter("tag filter term must be tag:<key>=<value>, got %q", token)
		}
		prefix, isPrefix := strings.CutSuffix(value, "*")
		return tagNode{key: key, value: value, prefix: prefix, isPrefix: isPrefix}, nil
	case token == "AND", token == "OR", token == "NOT", token == "(", token == ")":
		return nil, trace.BadParameter("misplaced %q in account filter", token)
	default:
		return nil, trace.BadParameter("unknown filter term %q, expected one of *, id:, name:, ou:, tag:", token)
	}
}

type allNode struct{}

func (allNode) matches(account *sso.Account, _ *orgcache.Snapshot) bool {
	return account.Status == sso.AccountStatusActive
}

type idNode struct{ id string }

func (n idNode) matches(account *sso.Account, _ *orgcache.Snapshot) bool {
	return account.ID == n.id
}

type nameNode struct{ glob glob.Glob }

func (n nameNode) matches(account *sso.Account, _ *orgcache.Snapshot) bool {
	return account.Status == sso.AccountStatusActive && n.glob.Match(account.Name)
}

type ouNode struct {
	id        string
	recursive bool
}

func (n ouNode) matches(account *sso.Account, snap *orgcache.Snapshot) bool {
	if account.OUID == n.id {
		return true
	}
	if !n.recursive {
		return false
	}
	// Walk the OU ancestry toward the root. The parent map is a tree,
	// but guard against cycles in corrupt snapshots anyway.
	seen := map[string]bool{}
	for ou := account.OUID; ou != "" && !seen[ou]; {
		seen[ou] = true
		ou = snap.OUParents[ou]
		if ou == n.id {
			return true
		}
	}
	return false
}

type tagNode struct {
	key      string
	value    string
	prefix   string
	isPrefix bool
}

func (n tagNode) matches(account *sso.Account, _ *orgcache.Snapshot) bool {
	if account.Status != sso.AccountStatusActive {
		return false
	}
	value, ok := account.Tags[n.key]
	if !ok {
		return false
	}
	if n.isPrefix {
		return strings.HasPrefix(value, n.prefix)
	}
	return value == n.value
}

type notNode struct{ child node }

func (n notNode) matches(account *sso.Account, snap *orgcache.Snapshot) bool {
	return !n.child.matches(account, snap)
}

type andNode struct{ left, right node }

func (n andNode) matches(account *sso.Account, snap *orgcache.Snapshot) bool {
	return n.left.matches(account, snap) && n.right.matches(account, snap)
}

type orNode struct{ left, right node }

func (n orNode) matches(account *sso.Account, snap *orgcache.Snapshot) bool {
	return n.left.matches(account, snap) || n.right.matches(account, snap)
}
