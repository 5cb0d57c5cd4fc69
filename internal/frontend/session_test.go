package frontend

import (
	"context"
	"errors"
	"testing"

	"github.com/pgdogdev/pgdog-sub003/internal/wireerr"
)

func TestParseListen(t *testing.T) {
	channel, ok := parseListen(`LISTEN orders_updated`)
	if !ok || channel != "orders_updated" {
		t.Errorf("parseListen = %q, %v, want orders_updated, true", channel, ok)
	}
}

func TestParseListenQuotedChannel(t *testing.T) {
	channel, ok := parseListen(`LISTEN "weird chan";`)
	if !ok || channel != "weird chan" {
		t.Errorf("parseListen = %q, %v, want %q, true", channel, ok, "weird chan")
	}
}

func TestParseListenNotListen(t *testing.T) {
	if _, ok := parseListen("SELECT 1"); ok {
		t.Fatal("expected not ok for a non-LISTEN statement")
	}
}

func TestParseUnlisten(t *testing.T) {
	channel, ok := parseUnlisten("UNLISTEN orders_updated")
	if !ok || channel != "orders_updated" {
		t.Errorf("parseUnlisten = %q, %v, want orders_updated, true", channel, ok)
	}
}

func TestParseShardParam(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"3", 3}, {" 12 ", 12}, {"abc", 0}, {"", 0},
	}
	for _, c := range cases {
		if got := parseShardParam(c.in); got != c.want {
			t.Errorf("parseShardParam(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestMD5AuthHashMatchesKnownVector(t *testing.T) {
	// The MD5 auth scheme is "md5" + md5hex(md5hex(password+user) + salt); this is the
	// same concatenation internal/backend/auth.go's md5PasswordHash uses, checked here
	// independently so a change to one doesn't silently desync the client-facing and
	// backend-facing halves.
	got := md5AuthHash("alice", "s3cret", []byte{0x01, 0x02, 0x03, 0x04})
	if len(got) != 35 || got[:3] != "md5" {
		t.Fatalf("md5AuthHash = %q, want 35-char md5-prefixed hash", got)
	}
	if want := "md5b79948bbeb35dee03ab8fe15a839030b"; got != want {
		t.Errorf("md5AuthHash = %q, want %q", got, want)
	}
	// deterministic for the same inputs
	again := md5AuthHash("alice", "s3cret", []byte{0x01, 0x02, 0x03, 0x04})
	if got != again {
		t.Fatal("md5AuthHash is not deterministic for identical inputs")
	}
	// a different salt must change the hash
	other := md5AuthHash("alice", "s3cret", []byte{0x04, 0x03, 0x02, 0x01})
	if got == other {
		t.Fatal("md5AuthHash did not vary with salt")
	}
}

func TestAsWireErrPassesThroughWireErr(t *testing.T) {
	s := &Session{}
	original := wireerr.NoPrimary()
	got := s.asWireErr(original)
	if got != original {
		t.Fatalf("asWireErr should pass through an existing *wireerr.Error unchanged")
	}
}

func TestAsWireErrWrapsGenericError(t *testing.T) {
	s := &Session{}
	got := s.asWireErr(errors.New("boom"))
	if got.Code != "XX000" {
		t.Errorf("asWireErr code = %q, want XX000", got.Code)
	}
}

func TestAsWireErrOrTimeoutTranslatesDeadlineExceeded(t *testing.T) {
	s := &Session{}
	got := s.asWireErrOrTimeout(context.DeadlineExceeded)
	if got.Code != "57014" {
		t.Errorf("asWireErrOrTimeout code = %q, want 57014 (query timeout)", got.Code)
	}
}
