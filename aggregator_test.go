package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

var testWindow = TimeWindow{Start: testNow.AddDate(0, 0, -30), End: testNow.AddDate(1, 0, 0)}

func collect(t *testing.T, agg *Aggregator) *Aggregation {
	t.Helper()
	result, err := agg.Collect(context.Background(), testWindow)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return result
}

func TestAggregatorFirstSeenWins(t *testing.T) {
	app, _ := testApp()
	src := newFakeSource("Personal", "Shared")
	src.events["Personal"] = []RawEvent{timedRaw("dup", "From personal", testNow)}
	src.events["Shared"] = []RawEvent{timedRaw("dup", "From shared", testNow), timedRaw("other", "Other", testNow)}

	result := collect(t, NewAggregator(app, src, nil, SourceRouting{}))
	if len(result.Events) != 2 || result.Duplicates != 1 {
		t.Fatalf("got %d events, %d duplicates", len(result.Events), result.Duplicates)
	}
	if result.Events[0].Summary != "From personal" {
		t.Errorf("kept %q, want the first source's copy", result.Events[0].Summary)
	}
	if result.Events[0].Collection != "Personal" {
		t.Errorf("collection = %q", result.Events[0].Collection)
	}

	// Reversing the routing order reverses the winner.
	result = collect(t, NewAggregator(app, src, nil, SourceRouting{CalDAVCalendars: []string{"2", "1"}}))
	if result.Events[0].Summary != "From shared" {
		t.Errorf("kept %q with reversed order", result.Events[0].Summary)
	}
}

func TestAggregatorMasterAndInstancesAreDistinct(t *testing.T) {
	app, _ := testApp()
	src := newFakeSource("Work")
	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	master := timedRaw("weekly", "Sync", start)
	master.RRule = "FREQ=WEEKLY;COUNT=3"
	src.events["Work"] = []RawEvent{master}
	for i := 0; i < 3; i++ {
		occ := start.AddDate(0, 0, 7*i)
		inst := timedRaw("weekly", "Sync", occ)
		rid := TimeValue(occ)
		inst.RecurrenceID = &rid
		src.events["Work"] = append(src.events["Work"], inst)
	}

	result := collect(t, NewAggregator(app, src, nil, SourceRouting{}))
	if len(result.Events) != 4 || result.Duplicates != 0 {
		t.Fatalf("got %d events, %d duplicates; want 4 distinct", len(result.Events), result.Duplicates)
	}
}

func TestAggregatorDropsEventsWithoutUID(t *testing.T) {
	app, _ := testApp()
	src := newFakeSource("Work")
	src.events["Work"] = []RawEvent{timedRaw("", "No id", testNow), timedRaw("ok", "Fine", testNow)}

	result := collect(t, NewAggregator(app, src, nil, SourceRouting{}))
	if len(result.Events) != 1 || result.Rejected != 1 {
		t.Errorf("events=%d rejected=%d", len(result.Events), result.Rejected)
	}
}

func TestAggregatorAllDayFilter(t *testing.T) {
	app, _ := testApp()
	app.config.Sync.AllDayMaxHours = 48
	src := newFakeSource("Work")
	src.events["Work"] = []RawEvent{
		{UID: "one-day", Start: DateValue(2024, 3, 1), End: DateValue(2024, 3, 2)},
		{UID: "two-days", Start: DateValue(2024, 3, 1), End: DateValue(2024, 3, 3)},
		{UID: "trip", Start: DateValue(2024, 3, 1), End: DateValue(2024, 3, 8)},
		{UID: "no-end", Start: DateValue(2024, 3, 1)},
		timedRaw("timed", "Long meeting", testNow),
	}

	result := collect(t, NewAggregator(app, src, nil, SourceRouting{}))
	if result.Filtered != 1 {
		t.Errorf("filtered = %d, want 1", result.Filtered)
	}
	for _, ev := range result.Events {
		if ev.StableKey == "trip" {
			t.Error("week-long all-day event was kept")
		}
	}
	if len(result.Events) != 4 {
		t.Errorf("kept %d events, want 4", len(result.Events))
	}
}

func TestAggregatorFallbackToLocal(t *testing.T) {
	app, clk := testApp()
	remote := newFakeSource("Work")
	remote.events["Work"] = rawEvents(2)

	local := newFakeSource("Work")
	local.events["Work"] = rawEvents(6)
	local.queued["Work"] = [][]RawEvent{nil}

	routing := SourceRouting{FallbackEnabled: true}
	result := collect(t, NewAggregator(app, remote, local, routing))
	if len(result.Events) != 6 {
		t.Fatalf("got %d events, want the 6 local ones", len(result.Events))
	}
	if local.calls["Work"] != 2 {
		t.Errorf("local pulled %d times, want one retry", local.calls["Work"])
	}
	if len(clk.slept) != 1 || clk.slept[0] != 2*time.Second {
		t.Errorf("slept %v, want one 2s delay", clk.slept)
	}
}

func TestAggregatorFallbackKeepsRemoteWhenLocalEmpty(t *testing.T) {
	app, _ := testApp()
	remote := newFakeSource("Work")
	remote.events["Work"] = rawEvents(2)
	local := newFakeSource("Work")

	result := collect(t, NewAggregator(app, remote, local, SourceRouting{FallbackEnabled: true}))
	if len(result.Events) != 2 {
		t.Errorf("got %d events, want the 2 remote ones", len(result.Events))
	}
	if local.calls["Work"] != sourceRetryPolicy.MaxAttempts {
		t.Errorf("local pulled %d times", local.calls["Work"])
	}
}

func TestAggregatorNoFallbackAboveThreshold(t *testing.T) {
	app, _ := testApp()
	remote := newFakeSource("Work")
	remote.events["Work"] = rawEvents(5)
	local := newFakeSource("Work")
	local.events["Work"] = rawEvents(9)

	result := collect(t, NewAggregator(app, remote, local, SourceRouting{FallbackEnabled: true}))
	if len(result.Events) != 5 || local.calls["Work"] != 0 {
		t.Errorf("events=%d local calls=%d", len(result.Events), local.calls["Work"])
	}
}

func TestAggregatorLocalByCalDAVIndex(t *testing.T) {
	app, _ := testApp()
	remote := newFakeSource("Home", "Work")
	local := newFakeSource("Home", "Work")
	local.events["Work"] = []RawEvent{timedRaw("l1", "Local work", testNow)}
	local.events["Home"] = []RawEvent{timedRaw("l2", "Local home", testNow)}

	routing := SourceRouting{CalDAVCalendars: []string{"Home"}, LocalIndices: []int{2}}
	result := collect(t, NewAggregator(app, remote, local, routing))
	if len(result.Events) != 1 || result.Events[0].StableKey != "l1" {
		t.Errorf("got %v, want only the local Work calendar", keysOf(result.Events))
	}
}

func TestAggregatorReportsFailedCollections(t *testing.T) {
	app, _ := testApp()
	src := newFakeSource("Good", "Bad")
	src.events["Good"] = rawEvents(3)
	src.errs["Bad"] = errors.New("503 service unavailable")

	result := collect(t, NewAggregator(app, src, nil, SourceRouting{}))
	if result.Complete() || len(result.Failed) != 1 || result.Failed[0] != "Bad" {
		t.Errorf("failed = %v", result.Failed)
	}
	if len(result.Events) != 3 {
		t.Errorf("got %d events", len(result.Events))
	}
}
