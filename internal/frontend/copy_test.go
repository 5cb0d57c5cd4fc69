package frontend

import "testing"

func TestUnescapeCopyTextPlain(t *testing.T) {
	got := unescapeCopyText("hello")
	if got != "hello" {
		t.Errorf("unescapeCopyText = %q, want %q", got, "hello")
	}
}

func TestUnescapeCopyTextNull(t *testing.T) {
	got := unescapeCopyText(`\N`)
	if got != "" {
		t.Errorf("unescapeCopyText(\\N) = %q, want empty", got)
	}
}

func TestUnescapeCopyTextEscapes(t *testing.T) {
	got := unescapeCopyText(`a\tb\nc\\d`)
	want := "a\tb\nc\\d"
	if got != want {
		t.Errorf("unescapeCopyText = %q, want %q", got, want)
	}
}

func TestParseCopyRowCount(t *testing.T) {
	cases := []struct {
		tag  string
		want int64
	}{
		{"COPY 42", 42},
		{"COPY 0", 0},
		{"INSERT 0 1", 0},
		{"COPY", 0},
		{"", 0},
	}
	for _, c := range cases {
		if got := parseCopyRowCount(c.tag); got != c.want {
			t.Errorf("parseCopyRowCount(%q) = %d, want %d", c.tag, got, c.want)
		}
	}
}
