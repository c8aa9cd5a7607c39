package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrListTimeout means a listing exceeded its bound. It is never read as
	// "the destination is empty".
	ErrListTimeout = errors.New("destination listing timed out")

	// ErrNotAccessible means the destination calendar cannot be reached at all,
	// which is different from it being empty.
	ErrNotAccessible = errors.New("destination calendar is not accessible")

	// ErrNoMatch is returned by the delete operations when nothing matched.
	ErrNoMatch = errors.New("no matching destination event")

	ErrMissingCapability = errors.New("destination is missing required operations")
)

type EventCreator interface {
	Create(ctx context.Context, ev *Event) error
}

// MarkerDeleter deletes the event carrying the exact sync marker.
type MarkerDeleter interface {
	DeleteByMarker(ctx context.Context, stableKey string) error
}

// TitleDeleter deletes an event whose title contains summary. It may hit an
// unrelated event with the same title.
type TitleDeleter interface {
	DeleteByTitle(ctx context.Context, summary string) error
}

type EventLister interface {
	ListExisting(ctx context.Context) ([]DestinationEvent, error)
}

type CalendarClearer interface {
	ClearAll(ctx context.Context) error
}

type AccessChecker interface {
	IsAccessible(ctx context.Context) bool
}

// Destination is the full capability set a sync target must offer.
type Destination interface {
	EventCreator
	MarkerDeleter
	TitleDeleter
	EventLister
	CalendarClearer
	AccessChecker
}

// requireDestination checks every capability up front so a misconfigured
// target fails before any mutation is attempted.
func requireDestination(v interface{}) (Destination, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: no destination configured", ErrMissingCapability)
	}

	var missing []string
	if _, ok := v.(EventCreator); !ok {
		missing = append(missing, "create")
	}
	if _, ok := v.(MarkerDeleter); !ok {
		missing = append(missing, "delete_by_marker")
	}
	if _, ok := v.(TitleDeleter); !ok {
		missing = append(missing, "delete_by_title")
	}
	if _, ok := v.(EventLister); !ok {
		missing = append(missing, "list_existing")
	}
	if _, ok := v.(CalendarClearer); !ok {
		missing = append(missing, "clear_all")
	}
	if _, ok := v.(AccessChecker); !ok {
		missing = append(missing, "is_accessible")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingCapability, strings.Join(missing, ", "))
	}
	return v.(Destination), nil
}

type listingStatus int

const (
	listingOK listingStatus = iota
	listingTimeout
	listingNotAccessible
	listingFailed
)

func (s listingStatus) String() string {
	switch s {
	case listingOK:
		return "ok"
	case listingTimeout:
		return "timeout"
	case listingNotAccessible:
		return "not_accessible"
	default:
		return "failed"
	}
}

func classifyListing(err error) listingStatus {
	switch {
	case err == nil:
		return listingOK
	case errors.Is(err, ErrListTimeout), errors.Is(err, context.DeadlineExceeded):
		return listingTimeout
	case errors.Is(err, ErrNotAccessible):
		return listingNotAccessible
	default:
		return listingFailed
	}
}
