package slurm

import "testing"

func TestParseTimeToSeconds(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"05:30", 330, true},
		{"00:00", 0, true},
		{"01:02:03", 3723, true},
		{"2-00:00:00", 172800, true},
		{"1-12:30:00", 131400, true},
		{"14-00:00:00", 1209600, true},
		{"UNLIMITED", 0, false},
		{"INVALID", 0, false},
		{"", 0, false},
		{"5", 0, false},
		{"1:2:3:4", 0, false},
		{"2-00:00", 0, false},
		{"-1:00", 0, false},
		{"aa:bb", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseTimeToSeconds(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("ParseTimeToSeconds(%q) = (%d, %v), want (%d, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestFormatSecondsRoundTrip(t *testing.T) {
	for _, secs := range []int{0, 59, 3600, 86399, 86400, 172800 + 3661} {
		formatted := FormatSeconds(secs)
		parsed, ok := ParseTimeToSeconds(formatted)
		if !ok || parsed != secs {
			t.Errorf("round trip %d -> %q -> (%d, %v)", secs, formatted, parsed, ok)
		}
	}
}
