package common

import (
	"strconv"
	"strings"
)

// The gateway's control channel speaks a textual s-expression dialect:
//
//	(CCCclientRequest
//		:RequestHeader (
//			:id (1)
//			:type (ClientHello)
//		)
//		:RequestData (
//			:client_type (TRAC)
//		)
//	)
//
// Every value is parenthesized. A node is either a leaf (one atom inside
// the parens) or a block: an optional leading tag followed by :key (value)
// fields. Field order is significant and preserved on round trips.

// Expr is one node of the control-channel s-expression tree.
type Expr struct {
	Leaf   string
	IsLeaf bool

	Tag    string
	Fields []Field
}

// Field is one ordered :key (value) pair inside a block.
type Field struct {
	Key string
	Val *Expr
}

// LeafExpr builds a leaf node.
func LeafExpr(v string) *Expr { return &Expr{Leaf: v, IsLeaf: true} }

// BlockExpr builds an empty block with an optional tag.
func BlockExpr(tag string) *Expr { return &Expr{Tag: tag} }

// Add appends a field and returns the receiver for chaining.
func (e *Expr) Add(key string, val *Expr) *Expr {
	e.Fields = append(e.Fields, Field{Key: key, Val: val})
	return e
}

// AddLeaf appends a leaf-valued field.
func (e *Expr) AddLeaf(key, val string) *Expr {
	return e.Add(key, LeafExpr(val))
}

// Get returns the first field with the given key, or nil.
func (e *Expr) Get(key string) *Expr {
	for _, f := range e.Fields {
		if f.Key == key {
			return f.Val
		}
	}
	return nil
}

// Str returns the leaf value of the named field, or "".
func (e *Expr) Str(key string) string {
	v := e.Get(key)
	if v == nil || !v.IsLeaf {
		return ""
	}
	return v.Leaf
}

// Int returns the leaf value of the named field parsed as int.
func (e *Expr) Int(key string) int {
	n, _ := strconv.Atoi(e.Str(key))
	return n
}

// Bool interprets the gateway's true/false leaves.
func (e *Expr) Bool(key string) bool {
	return strings.EqualFold(e.Str(key), "true")
}

// Elems returns the values of anonymous ":" fields, the gateway's list
// encoding.
func (e *Expr) Elems() []*Expr {
	var out []*Expr
	for _, f := range e.Fields {
		if f.Key == "" {
			out = append(out, f.Val)
		}
	}
	return out
}

// Encode renders the tree in the gateway's wire format.
func (e *Expr) Encode() string {
	var b strings.Builder
	e.encode(&b, 0)
	return b.String()
}

func (e *Expr) encode(b *strings.Builder, depth int) {
	if e.IsLeaf {
		b.WriteByte('(')
		b.WriteString(quoteAtom(e.Leaf))
		b.WriteByte(')')
		return
	}
	b.WriteByte('(')
	b.WriteString(e.Tag)
	for _, f := range e.Fields {
		b.WriteByte('\n')
		b.WriteString(strings.Repeat("\t", depth+1))
		b.WriteByte(':')
		b.WriteString(f.Key)
		b.WriteByte(' ')
		f.Val.encode(b, depth+1)
	}
	b.WriteByte(')')
}

func quoteAtom(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n()\"") {
		return strconv.Quote(s)
	}
	return s
}

// DecodeExpr parses one s-expression from the gateway. Any syntax error is
// a ProtocolError; the input is untrusted.
func DecodeExpr(data string) (*Expr, error) {
	p := &sexprParser{src: data}
	p.skipSpace()
	e, err := p.parseNode()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, ProtocolErrorf("trailing data at offset %d", p.pos)
	}
	return e, nil
}

type sexprParser struct {
	src string
	pos int
}

func (p *sexprParser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\r', '\n':
			p.pos++
		default:
			return
		}
	}
}

func (p *sexprParser) parseNode() (*Expr, error) {
	if p.pos >= len(p.src) || p.src[p.pos] != '(' {
		return nil, ProtocolErrorf("expected '(' at offset %d", p.pos)
	}
	p.pos++
	p.skipSpace()

	e := &Expr{}
	// Optional tag or single leaf atom.
	if p.pos < len(p.src) && p.src[p.pos] != ':' && p.src[p.pos] != ')' {
		atom, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos < len(p.src) && p.src[p.pos] == ')' {
			p.pos++
			e.Leaf = atom
			e.IsLeaf = true
			return e, nil
		}
		e.Tag = atom
	}

	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, ProtocolErrorf("unterminated expression")
		}
		if p.src[p.pos] == ')' {
			p.pos++
			return e, nil
		}
		if p.src[p.pos] != ':' {
			return nil, ProtocolErrorf("expected ':' at offset %d", p.pos)
		}
		p.pos++
		key := p.parseKey()
		p.skipSpace()
		val, err := p.parseNode()
		if err != nil {
			return nil, err
		}
		e.Fields = append(e.Fields, Field{Key: key, Val: val})
	}
}

func (p *sexprParser) parseKey() string {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '(' || c == ')' {
			break
		}
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *sexprParser) parseAtom() (string, error) {
	if p.src[p.pos] == '"' {
		end := p.pos + 1
		for end < len(p.src) {
			if p.src[end] == '\\' {
				end += 2
				continue
			}
			if p.src[end] == '"' {
				s, err := strconv.Unquote(p.src[p.pos : end+1])
				if err != nil {
					return "", ProtocolErrorf("bad quoted atom at offset %d", p.pos)
				}
				p.pos = end + 1
				return s, nil
			}
			end++
		}
		return "", ProtocolErrorf("unterminated quoted atom at offset %d", p.pos)
	}
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '(' || c == ')' {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return "", ProtocolErrorf("empty atom at offset %d", p.pos)
	}
	return p.src[start:p.pos], nil
}
