package fsx

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPathRoundTripString(t *testing.T) {
	cases := []string{".", "a/", "a/b/", "a/b", "/a/b/", "//a/b", "..", "../a"}
	for _, s := range cases {
		p, err := New(s)
		if err != nil {
			t.Fatalf("New(%q): %v", s, err)
		}
		got := p.AsString()
		p2, err := New(got)
		if err != nil {
			t.Fatalf("New(%q) (round trip): %v", got, err)
		}
		if !p.Equal(p2) {
			t.Errorf("round trip mismatch for %q: got %q", s, got)
		}
	}
}

func TestEncodeDecodePathKeyRoundTrip(t *testing.T) {
	cases := []string{"", "a/", "a/b/", "a/b/c/"}
	for _, s := range cases {
		p, err := DecodePathKey(s)
		if err != nil {
			t.Fatalf("DecodePathKey(%q): %v", s, err)
		}
		got, err := EncodePathKey(p)
		if err != nil {
			t.Fatalf("EncodePathKey: %v", err)
		}
		if got != s {
			t.Errorf("EncodePathKey(DecodePathKey(%q)) = %q, want %q", s, got, s)
		}
	}
}

func TestEncodePathKeyRejectsAbsolute(t *testing.T) {
	p := MustNew("/a/b")
	if _, err := EncodePathKey(p); err == nil {
		t.Error("expected error encoding an absolute path as a db key")
	}
}

func TestJoinRequiresDirLHS(t *testing.T) {
	a := MustNew("a")
	b := MustNew("b")
	if _, err := a.Join(b); err == nil {
		t.Error("expected error joining onto a non-directory path")
	}
	ad := MustNew("a/")
	joined, err := ad.Join(b)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if joined.AsString() != "a/b" {
		t.Errorf("Join = %q, want a/b", joined.AsString())
	}
}

func TestClearIsDirRejectsEmptyAndDotDot(t *testing.T) {
	dotdot := MustNew("../")
	if _, err := dotdot.WithIsDir(false); err == nil {
		t.Error("expected error clearing is_dir on '..'")
	}
	root, _ := New(".")
	if _, err := root.WithIsDir(false); err == nil {
		t.Error("expected error clearing is_dir on the empty path")
	}
}

func TestLessOrdersLexicographicallyThenByIsDir(t *testing.T) {
	a := MustNew("a")
	ad := MustNew("a/")
	b := MustNew("b")
	if !a.Less(ad) {
		t.Error("a should sort before a/ (scalar before dir)")
	}
	if !ad.Less(b) {
		t.Error("a/ should sort before b")
	}
}

func TestMemoEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Memo{
		{},
		{Stat: &StatSummary{Mode: 0o100644, Size: 123, MtimeNs: 456, Uid: 1, Gid: 2}},
	}
	for _, m := range cases {
		enc := Encode(m)
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if diff := cmp.Diff(m, dec); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}
