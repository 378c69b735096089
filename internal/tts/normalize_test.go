package tts

import "testing"

func TestNormalizeText(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"سلام دنیا.", "سلام دنیا،"},
		{"line one\nline two", "line one line two"},
		{"a\r\nb\rc", "a b c"},
		{"wait... what?", "wait، what،"},
		{"wait…", "wait،"},
		{"one; two: three!", "one، two، three،"},
		{"چطوری؟ خوبم، ممنون", "چطوری، خوبم، ممنون"},
		{"no punctuation here", "no punctuation here"},
		{"long pause..... yes", "long pause، yes"},
		{"wow！", "wow،"},
	}
	for _, tc := range cases {
		if got := NormalizeText(tc.in); got != tc.want {
			t.Fatalf("NormalizeText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeTextIdempotent(t *testing.T) {
	inputs := []string{
		"سلام دنیا.",
		"Hello... world?\nNext line!",
		"؟؟؟...!!",
		"a.b.c",
		"…… done",
		"",
		"   ",
	}
	for _, in := range inputs {
		once := NormalizeText(in)
		if twice := NormalizeText(once); twice != once {
			t.Fatalf("not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}
