package squaresync

import (
	"encoding/json"
	"testing"
)

func TestAliasResolverOrderedFallback(t *testing.T) {
	resolver, err := newAliasResolver(json.RawMessage(`{"start_time":"2024-01-02T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("newAliasResolver: %v", err)
	}

	got := resolver.str("start_at", "start_time")
	if got != "2024-01-02T10:00:00Z" {
		t.Fatalf("expected fallback to start_time, got %q", got)
	}

	resolver, _ = newAliasResolver(json.RawMessage(`{"start_at":"a","start_time":"b"}`))
	if got := resolver.str("start_at", "start_time"); got != "a" {
		t.Fatalf("first alias should win, got %q", got)
	}
}

func TestAliasResolverDottedPath(t *testing.T) {
	body := json.RawMessage(`{"creator_details":{"customer_id":"CUST-9","creator_type":"CUSTOMER"}}`)
	resolver, err := newAliasResolver(body)
	if err != nil {
		t.Fatalf("newAliasResolver: %v", err)
	}

	if got := resolver.str("customer_id", "creator_details.customer_id"); got != "CUST-9" {
		t.Fatalf("dotted path lookup failed, got %q", got)
	}
	if got := resolver.str("creator_details.missing"); got != "" {
		t.Fatalf("missing nested key should be empty, got %q", got)
	}
}

func TestAliasResolverNumberKeepsPrecision(t *testing.T) {
	// 2^60 + 1 is not representable in float64; the digits must survive.
	body := json.RawMessage(`{"version":1152921504606846977,"other":"42"}`)
	resolver, err := newAliasResolver(body)
	if err != nil {
		t.Fatalf("newAliasResolver: %v", err)
	}

	if got := resolver.number("version"); got != "1152921504606846977" {
		t.Fatalf("large version mangled: %q", got)
	}
	if got := resolver.number("other"); got != "42" {
		t.Fatalf("string-typed number should pass through, got %q", got)
	}
	if got := resolver.number("absent"); got != "" {
		t.Fatalf("absent number should be empty, got %q", got)
	}
}

func TestAliasResolverNullTreatedAsAbsent(t *testing.T) {
	resolver, err := newAliasResolver(json.RawMessage(`{"cursor":null,"next_cursor":"abc"}`))
	if err != nil {
		t.Fatalf("newAliasResolver: %v", err)
	}
	if got := resolver.str("cursor", "next_cursor"); got != "abc" {
		t.Fatalf("null alias should fall through, got %q", got)
	}
}

func TestVersionGreater(t *testing.T) {
	if !versionGreater("1152921504606846977", "1152921504606846976") {
		t.Fatal("adjacent large versions compare wrong")
	}
	if versionGreater("2", "10") {
		t.Fatal("string comparison leaked in")
	}
	if versionGreater("", "1") {
		t.Fatal("empty version should compare as zero")
	}
	if !versionGreater("1", "") {
		t.Fatal("non-empty should beat empty")
	}
}
