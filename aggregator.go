package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Aggregator pulls one job's source collections and merges them into the
// cycle's event set.
type Aggregator struct {
	caldav Source
	local  Source

	routing           SourceRouting
	allDayMaxHours    float64
	fallbackThreshold int
	retry             RetryPolicy

	log   *logger
	clock clock
}

// Aggregation is the outcome of one pull.
type Aggregation struct {
	Events []Event
	// Failed lists collections that could not be read this cycle.
	Failed []string
	// Rejected counts source events dropped for lack of an identifier.
	Rejected int
	// Duplicates counts events dropped because their key was already seen.
	Duplicates int
	// Filtered counts all-day events dropped by the duration cutoff.
	Filtered int
}

// Complete reports whether every routed collection was read.
func (a *Aggregation) Complete() bool {
	return len(a.Failed) == 0
}

func NewAggregator(app *appContext, caldav, local Source, routing SourceRouting) *Aggregator {
	return &Aggregator{
		caldav:            caldav,
		local:             local,
		routing:           routing,
		allDayMaxHours:    app.config.Sync.AllDayMaxHours,
		fallbackThreshold: app.config.Sync.FallbackThreshold,
		retry:             sourceRetryPolicy,
		log:               app.log,
		clock:             app.clock,
	}
}

type pulledCollection struct {
	name   string
	events []RawEvent
}

// Collect reads every routed collection in routing order and returns the
// deduplicated, filtered event set. It only fails when no source could be
// listed at all.
func (a *Aggregator) Collect(ctx context.Context, w TimeWindow) (*Aggregation, error) {
	result := &Aggregation{}
	var pulled []pulledCollection
	var caldavAll []Collection
	var errs []error

	if a.caldav != nil {
		all, err := a.caldav.Collections(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list CalDAV calendars: %w", err))
			result.Failed = append(result.Failed, "caldav")
		} else {
			caldavAll = all
			for _, col := range selectCollections(all, a.routing.CalDAVCalendars, a.log) {
				events, err := a.pullCalDAV(ctx, col, w)
				if err != nil {
					a.log.Errorf("reading %s: %v", collectionLabel(col), err)
					result.Failed = append(result.Failed, collectionLabel(col))
					continue
				}
				pulled = append(pulled, pulledCollection{name: collectionLabel(col), events: events})
			}
		}
	}

	if a.local != nil && a.routesLocal() {
		all, err := a.local.Collections(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list local calendars: %w", err))
			result.Failed = append(result.Failed, "local")
		} else {
			for _, col := range a.localSelection(all, caldavAll) {
				events, err := a.local.ListEvents(ctx, col, w)
				if err != nil {
					a.log.Errorf("reading local calendar %s: %v", col.Name, err)
					result.Failed = append(result.Failed, col.Name)
					continue
				}
				pulled = append(pulled, pulledCollection{name: col.Name, events: events})
			}
		}
	}

	if len(pulled) == 0 && len(errs) > 0 {
		return result, errors.Join(errs...)
	}
	for _, err := range errs {
		a.log.Errorf("%v", err)
	}

	seen := make(map[string]struct{})
	for _, p := range pulled {
		for _, raw := range p.events {
			if raw.Collection == "" {
				raw.Collection = p.name
			}
			ev, err := buildEvent(raw)
			if err != nil {
				result.Rejected++
				a.log.Warnf("dropping event %q from %s: %v", raw.Summary, p.name, err)
				continue
			}
			if _, dup := seen[ev.StableKey]; dup {
				result.Duplicates++
				a.log.Printf(5, "    ⏭ Duplicate %s from %s ignored\n", ev.StableKey, p.name)
				continue
			}
			seen[ev.StableKey] = struct{}{}
			result.Events = append(result.Events, ev)
		}
	}

	if a.allDayMaxHours > 0 {
		kept := result.Events[:0]
		for _, ev := range result.Events {
			if ev.IsAllDay() && allDayHours(ev) > a.allDayMaxHours {
				result.Filtered++
				a.log.Printf(4, "    ⏭ Skipping long all-day event: %s (%.0fh)\n", ev.Summary, allDayHours(ev))
				continue
			}
			kept = append(kept, ev)
		}
		result.Events = kept
	}

	a.log.Printf(1, "  📥 Collected %d events from %d calendars\n", len(result.Events), len(pulled))
	return result, nil
}

// pullCalDAV reads one CalDAV collection, substituting the local copy when
// the server answers with suspiciously few events.
func (a *Aggregator) pullCalDAV(ctx context.Context, col Collection, w TimeWindow) ([]RawEvent, error) {
	events, err := a.caldav.ListEvents(ctx, col, w)
	if !a.routing.FallbackEnabled || a.local == nil {
		return events, err
	}
	if err == nil && len(events) >= a.fallbackThreshold {
		return events, nil
	}

	reason := fmt.Sprintf("only %d events", len(events))
	if err != nil {
		reason = err.Error()
	}
	a.log.Warnf("%s returned %s, trying local calendar %q", collectionLabel(col), reason, col.Name)

	fallback, ferr := a.pullLocalByName(ctx, col.Name, w)
	if ferr != nil {
		a.log.Warnf("fallback for %s failed: %v", col.Name, ferr)
		return events, err
	}
	if len(fallback) == 0 {
		a.log.Warnf("fallback for %s returned nothing, keeping %d CalDAV events", col.Name, len(events))
		return events, err
	}
	a.log.Printf(1, "  🔁 Using %d events from local calendar %s\n", len(fallback), col.Name)
	return fallback, nil
}

func (a *Aggregator) pullLocalByName(ctx context.Context, name string, w TimeWindow) ([]RawEvent, error) {
	all, err := a.local.Collections(ctx)
	if err != nil {
		return nil, err
	}
	col, ok := findCollectionByName(all, name)
	if !ok {
		return nil, fmt.Errorf("no local calendar named %q", name)
	}

	var events []RawEvent
	attempts, err := a.retry.Do(ctx, a.clock, func(ctx context.Context, attempt int) (bool, error) {
		var lerr error
		events, lerr = a.local.ListEvents(ctx, col, w)
		if lerr != nil {
			return false, lerr
		}
		if len(events) == 0 {
			a.log.Printf(3, "    🔁 Local calendar %s empty on attempt %d\n", name, attempt)
		}
		return len(events) > 0, nil
	})
	a.log.Printf(4, "    Local calendar %s: %d events after %d attempts\n", name, len(events), attempts)
	return events, err
}

func (a *Aggregator) routesLocal() bool {
	if len(a.routing.LocalCalendars) > 0 || len(a.routing.LocalIndices) > 0 {
		return true
	}
	// A job without CalDAV routing reads every local calendar.
	return a.caldav == nil
}

func (a *Aggregator) localSelection(all, caldavAll []Collection) []Collection {
	if len(a.routing.LocalCalendars) == 0 && len(a.routing.LocalIndices) == 0 {
		return all
	}

	selected := selectCollections(all, a.routing.LocalCalendars, a.log)
	if len(a.routing.LocalCalendars) == 0 {
		selected = nil
	}
	for _, name := range collectionNameByIndex(caldavAll, a.routing.LocalIndices) {
		col, ok := findCollectionByName(all, name)
		if !ok {
			a.log.Warnf("no local calendar named %q", name)
			continue
		}
		selected = append(selected, col)
	}
	return selected
}

func findCollectionByName(all []Collection, name string) (Collection, bool) {
	name = strings.TrimSpace(name)
	for _, c := range all {
		if strings.TrimSpace(c.Name) == name {
			return c, true
		}
	}
	return Collection{}, false
}

func collectionLabel(c Collection) string {
	if c.Name != "" {
		return c.Name
	}
	return c.Path
}

// allDayHours is the span of an all-day event in hours. A missing end
// counts as one day.
func allDayHours(ev Event) float64 {
	if ev.End.IsZero() || !ev.End.Time.After(ev.Start.Time) {
		return 24
	}
	return ev.End.Time.Sub(ev.Start.Time).Hours()
}
