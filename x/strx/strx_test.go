package strx

import "testing"

func TestCoalesceTruncate(t *testing.T) {
	if Coalesce("", "d") != "d" || Coalesce("s", "d") != "s" {
		t.Fatal("coalesce")
	}
	if Truncate("abcdef", 3) != "abc" || Truncate("ab", 3) != "ab" {
		t.Fatal("truncate")
	}
}

func TestJSONEscape(t *testing.T) {
	cases := map[string]string{
		"plain":       "plain",
		`say "hi"`:    `say \"hi\"`,
		"a\\b":        `a\\b`,
		"line\nbreak": `line\nbreak`,
		"tab\there":   "tab here",
	}
	for in, want := range cases {
		if got := JSONEscape(in); got != want {
			t.Errorf("JSONEscape(%q)=%q want %q", in, got, want)
		}
	}
}
