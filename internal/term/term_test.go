package term

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDisableStripsColor(t *testing.T) {
	Disable(true)
	defer Disable(false)

	for _, s := range []string{"running", "failed", "creating", "stopped"} {
		if got := Status(s); got != s {
			t.Errorf("Status(%q) = %q with colors disabled", s, got)
		}
	}
	if got := Bold("x"); got != "x" {
		t.Errorf("Bold = %q", got)
	}
}

func TestPadRight(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{in: "ab", width: 4, want: "ab  "},
		{in: "abcd", width: 2, want: "abcd"},
		{in: "é", width: 2, want: "é "},
		{in: "\x1b[31mab\x1b[0m", width: 3, want: "\x1b[31mab\x1b[0m "},
	}
	for _, tt := range tests {
		if got := PadRight(tt.in, tt.width); got != tt.want {
			t.Errorf("PadRight(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}

func TestTableAlignsColumns(t *testing.T) {
	Disable(true)
	defer Disable(false)

	var buf bytes.Buffer
	Table(&buf, []string{"NAME", "STATUS", "NOTE"}, [][]string{
		{"fleet", Status("running"), "two hosts"},
		{"cluster-eu", Status("error"), ""},
	})
	want := "NAME        STATUS   NOTE\n" +
		"fleet       running  two hosts\n" +
		"cluster-eu  error\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("table mismatch (-want +got):\n%s", diff)
	}
}
