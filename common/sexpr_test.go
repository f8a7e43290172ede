package common

import (
	"strings"
	"testing"
)

func TestSexprRoundTrip(t *testing.T) {
	req := BlockExpr("CCCclientRequest").
		Add("RequestHeader", BlockExpr("").
			AddLeaf("id", "1").
			AddLeaf("type", "ClientHello")).
		Add("RequestData", BlockExpr("").
			AddLeaf("client_type", "TRAC").
			AddLeaf("note", "has spaces (and parens)"))

	enc := req.Encode()
	dec, err := DecodeExpr(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.Tag != "CCCclientRequest" {
		t.Fatalf("tag mismatch: %q", dec.Tag)
	}
	hdr := dec.Get("RequestHeader")
	if hdr == nil || hdr.Str("id") != "1" || hdr.Str("type") != "ClientHello" {
		t.Fatalf("header mismatch: %+v", hdr)
	}
	if got := dec.Get("RequestData").Str("note"); got != "has spaces (and parens)" {
		t.Fatalf("quoted atom mismatch: %q", got)
	}
}

func TestSexprFieldOrderPreserved(t *testing.T) {
	e := BlockExpr("list")
	for _, v := range []string{"c", "a", "b"} {
		e.Add("", LeafExpr(v))
	}
	dec, err := DecodeExpr(e.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	elems := dec.Elems()
	if len(elems) != 3 {
		t.Fatalf("want 3 elems, got %d", len(elems))
	}
	for i, want := range []string{"c", "a", "b"} {
		if elems[i].Leaf != want {
			t.Fatalf("elem %d: want %q got %q", i, want, elems[i].Leaf)
		}
	}
}

func TestSexprAnonymousListKeys(t *testing.T) {
	src := "(outer\n\t:items (\n\t\t: (one)\n\t\t: (two)))"
	dec, err := DecodeExpr(src)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	items := dec.Get("items").Elems()
	if len(items) != 2 || items[0].Leaf != "one" || items[1].Leaf != "two" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestSexprMalformed(t *testing.T) {
	cases := []string{
		"",
		"(",
		"(a",
		"(a :k)",
		"(a :k (v) trailing",
		"(a :k (v)) extra",
		`(a :k ("unterminated))`,
	}
	for _, src := range cases {
		if _, err := DecodeExpr(src); err == nil {
			t.Fatalf("expected error for %q", src)
		} else if !IsKind(err, KindProtocol) {
			t.Fatalf("want protocol error for %q, got %v", src, err)
		}
	}
}

func TestSexprEncodeQuotesWhenNeeded(t *testing.T) {
	enc := LeafExpr("with space").Encode()
	if !strings.Contains(enc, `"with space"`) {
		t.Fatalf("atom not quoted: %s", enc)
	}
	if enc := LeafExpr("plain").Encode(); enc != "(plain)" {
		t.Fatalf("unexpected encoding: %s", enc)
	}
}
