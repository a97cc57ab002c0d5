package textfit

import (
	"strings"
	"testing"
)

const budget = 140

func TestShortTextPassesThrough(t *testing.T) {
	in := "SVR issues a warning"
	if got := Fit(in, budget); got != in {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestNormalizeCollapsesWhitespaceAndEntities(t *testing.T) {
	got := Fit("Gusts &gt; 60    MPH  expected", budget)
	if got != "Gusts > 60 MPH expected" {
		t.Fatalf("unexpected normalization: %q", got)
	}
}

func TestBudgetBoundaries(t *testing.T) {
	// Literal lengths 139, 140, 141 with no URL.
	for _, n := range []int{budget - 1, budget, budget + 1} {
		in := strings.Repeat("x", n)
		got := Fit(in, budget)
		if len(got) > budget {
			t.Fatalf("n=%d: result over budget: %d", n, len(got))
		}
		switch {
		case n <= budget && got != in:
			t.Fatalf("n=%d: expected unchanged text, got len %d", n, len(got))
		case n == budget+1 && len(got) != budget:
			t.Fatalf("n=%d: expected hard truncate to %d, got %d", n, budget, len(got))
		}
	}
}

func TestAccountedBudgetBoundaries(t *testing.T) {
	// Accounted lengths 139, 140, 141 against budget 140, built from a prose
	// run plus one URL worth URLCost units. Adaptation starts only once the
	// accounted length reaches the budget; the boundary inputs below keep
	// their literal length under it, so only the strictly-over case changes.
	const url = "http://e.example/x"
	for _, tc := range []struct {
		extra   int
		changed bool
	}{
		{-1, false},
		{0, false},
		{1, true},
	} {
		prose := strings.Repeat("x", budget-URLCost-1+tc.extra)
		in := prose + " " + url
		if got := AccountedLen(in); got != budget+tc.extra {
			t.Fatalf("extra=%d: accounted length %d, want %d", tc.extra, got, budget+tc.extra)
		}

		got := Fit(in, budget)
		if (got != in) != tc.changed {
			t.Fatalf("extra=%d: changed=%v, want %v (%q)", tc.extra, got != in, tc.changed, got)
		}
		if !strings.Contains(got, url) {
			t.Fatalf("extra=%d: URL lost: %q", tc.extra, got)
		}
		if tc.changed && AccountedLen(got) > budget {
			t.Fatalf("extra=%d: result accounted length %d over budget", tc.extra, AccountedLen(got))
		}
	}
}

func TestAccountedLenCountsURLsAsFixedCost(t *testing.T) {
	got := AccountedLen("hail http://a.example/very/long/path/that/keeps/going")
	if got != len("hail")+1+URLCost {
		t.Fatalf("unexpected accounted length %d", got)
	}
}

func TestUnderBudgetWithURLUnchanged(t *testing.T) {
	in := "Storm update http://example.com/x"
	if got := Fit(in, budget); got != in {
		t.Fatalf("expected unchanged, got %q", got)
	}
}

func TestPhraseRebuildKeepsTimeAndURL(t *testing.T) {
	in := "ABC issues severe thunderstorm warning for Example County and a very long list of additional places that will not fit in the message at all till 415 PM http://example.com/x"
	got := Fit(in, budget)
	if len(got) > budget {
		t.Fatalf("over budget: %d %q", len(got), got)
	}
	if !strings.HasSuffix(got, "http://example.com/x") {
		t.Fatalf("URL not preserved: %q", got)
	}
	if !strings.Contains(got, " till 415 PM") {
		t.Fatalf("time clause dropped: %q", got)
	}
	if strings.Contains(got, "Example County") {
		t.Fatalf("area detail should be dropped first: %q", got)
	}
}

func TestProseTruncationAppendsEllipsisAndURL(t *testing.T) {
	in := "Spotters report quarter sized hail near the town square with damage to several vehicles and windows broken on the north side of the street downtown http://example.com/x"
	got := Fit(in, budget)
	if len(got) > budget {
		t.Fatalf("over budget: %d", len(got))
	}
	if !strings.HasSuffix(got, "... http://example.com/x") {
		t.Fatalf("expected ellipsis plus URL suffix: %q", got)
	}
}

func TestTrailingWordsDroppedBeforeFinalURL(t *testing.T) {
	// Two URLs defeat the single-URL path; the final URL must still survive.
	words := []string{"http://first.example/a"}
	for i := 0; i < 30; i++ {
		words = append(words, "word")
	}
	words = append(words, "http://example.com/x")
	got := Fit(strings.Join(words, " "), budget)
	if !strings.HasSuffix(got, "... http://example.com/x") {
		t.Fatalf("expected final URL preserved: %q", got)
	}
	if AccountedLen(got) > budget+URLCost {
		t.Fatalf("result badly over budget: %q", got)
	}
}

func TestZeroBudget(t *testing.T) {
	if got := Fit("anything", 0); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}
