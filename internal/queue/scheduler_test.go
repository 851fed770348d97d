package queue

import (
	"testing"
	"time"
)

func TestRecurringJobIDIsDeterministic(t *testing.T) {
	nominal := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

	a := RecurringJobID("thumbnail-cache-sweep", nominal)
	b := RecurringJobID("thumbnail-cache-sweep", nominal)
	if a != b {
		t.Fatalf("RecurringJobID not deterministic: %q != %q", a, b)
	}

	c := RecurringJobID("thumbnail-cache-sweep", nominal.Add(time.Minute))
	if a == c {
		t.Fatal("RecurringJobID should differ across nominal fire times")
	}

	d := RecurringJobID("other-job", nominal)
	if a == d {
		t.Fatal("RecurringJobID should differ across job names")
	}
}
