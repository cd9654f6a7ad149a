package timeframe

import "testing"

func TestInterval(t *testing.T) {
	cases := []struct {
		tag  string
		want int64
	}{
		{"1m", 60_000},
		{"5m", 300_000},
		{"1h", 3_600_000},
		{"1d", 86_400_000},
		{"1w", 604_800_000},
		{"1M", 2_592_000_000},
	}
	for _, c := range cases {
		if got := Interval(c.tag); got != c.want {
			t.Errorf("Interval(%q) = %d, want %d", c.tag, got, c.want)
		}
	}
}

func TestIntervalUnknownDefaultsTo5m(t *testing.T) {
	for _, tag := range []string{"", "7m", "1y", "bogus"} {
		if got := Interval(tag); got != 300_000 {
			t.Errorf("Interval(%q) = %d, want 300000", tag, got)
		}
	}
}

func TestKnown(t *testing.T) {
	if !Known("15m") {
		t.Error("Known(15m) = false, want true")
	}
	if Known("7m") {
		t.Error("Known(7m) = true, want false")
	}
}

func TestIntervalSeconds(t *testing.T) {
	if got := IntervalSeconds("1h"); got != 3600 {
		t.Errorf("IntervalSeconds(1h) = %d, want 3600", got)
	}
}

func TestSupportedExcludesEdgeTags(t *testing.T) {
	sup := Supported()
	if len(sup) != 12 {
		t.Fatalf("len(Supported()) = %d, want 12", len(sup))
	}
	for _, tag := range sup {
		if tag == "1m" || tag == "1w" || tag == "1M" {
			t.Errorf("Supported() contains %q", tag)
		}
		if !Known(tag) {
			t.Errorf("Supported() contains unknown tag %q", tag)
		}
	}
}

func TestAllOrderedByInterval(t *testing.T) {
	all := All()
	if len(all) != 15 {
		t.Fatalf("len(All()) = %d, want 15", len(all))
	}
	for i, tag := range all {
		if !Known(tag) {
			t.Errorf("All() contains unknown tag %q", tag)
		}
		if i > 0 && Interval(all[i-1]) >= Interval(tag) {
			t.Errorf("All() not ascending at %q", tag)
		}
	}
}

func TestParseStartDate(t *testing.T) {
	ms, err := ParseStartDate("2021-01-01")
	if err != nil {
		t.Fatalf("ParseStartDate: %v", err)
	}
	if ms != 1609459200000 {
		t.Errorf("ParseStartDate(2021-01-01) = %d, want 1609459200000", ms)
	}

	if _, err := ParseStartDate("01/02/2021"); err == nil {
		t.Error("ParseStartDate accepted a malformed date")
	}
}

func TestFormatMs(t *testing.T) {
	if got := FormatMs(1609459200000); got != "2021-01-01 00:00:00" {
		t.Errorf("FormatMs = %q", got)
	}
}
