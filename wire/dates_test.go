package wire

import "testing"

func TestNormalizeDate(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"25.12.2024", "25.12.2024"},
		{"2024.12.25", "25.12.2024"},
		{"01.02.2003", "01.02.2003"}, // ambiguous input stays day-first
		{"2024.03.01 10:30:00", "01.03.2024"},
		{"", ""},
		{"tomorrow", "tomorrow"},
	}
	for _, tc := range cases {
		if got := NormalizeDate(tc.in); got != tc.want {
			t.Fatalf("NormalizeDate(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeDateTime(t *testing.T) {
	if got := NormalizeDateTime("2024.03.01 10:30:00"); got != "01.03.2024 10:30:00" {
		t.Fatalf("unexpected datetime %q", got)
	}
	if got := NormalizeDateTime("25.12.2024"); got != "25.12.2024 00:00:00" {
		t.Fatalf("unexpected datetime %q", got)
	}
}
