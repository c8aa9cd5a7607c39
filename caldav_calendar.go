package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

const productID = "-//bobuk//calsync//EN"

func newCalDAVClient(serverURL, username, password string) (*caldav.Client, error) {
	baseURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid CalDAV server URL: %w", err)
	}

	var httpClient webdav.HTTPClient = http.DefaultClient
	if username != "" && password != "" {
		httpClient = webdav.HTTPClientWithBasicAuth(httpClient, username, password)
	}
	httpClient = statusClient{next: httpClient}

	c, err := caldav.NewClient(httpClient, baseURL.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create CalDAV client: %w", err)
	}
	return c, nil
}

// remoteStatusError is returned for CalDAV responses that say the resource
// is missing or off limits.
type remoteStatusError struct {
	Method string
	Path   string
	Code   int
	Status string
}

func (e *remoteStatusError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Status)
}

// statusClient reports access failures as remoteStatusError so callers can
// match them with errors.As; go-webdav keeps its own HTTP error unexported.
type statusClient struct {
	next webdav.HTTPClient
}

func (c statusClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.next.Do(req)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		resp.Body.Close()
		return nil, &remoteStatusError{Method: req.Method, Path: req.URL.Path, Code: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}

// CalDAVSource reads events from the calendars of one CalDAV account.
type CalDAVSource struct {
	client *caldav.Client
	// expand turns recurring masters into instances after download.
	expand bool
	log    *logger
}

func NewCalDAVSource(client *caldav.Client, expand bool, log *logger) *CalDAVSource {
	return &CalDAVSource{client: client, expand: expand, log: log}
}

func (c *CalDAVSource) Collections(ctx context.Context) ([]Collection, error) {
	principal, err := c.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find principal: %w", err)
	}
	homeSet, err := c.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar home set: %w", err)
	}
	calendars, err := c.client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendars: %w", err)
	}

	collections := make([]Collection, 0, len(calendars))
	for _, cal := range calendars {
		if !supportsEvents(cal.SupportedComponentSet) {
			continue
		}
		name := cal.Name
		if name == "" {
			name = path.Base(strings.TrimRight(cal.Path, "/"))
		}
		collections = append(collections, Collection{Name: name, Path: cal.Path})
	}
	// Indices in the config refer to this order, so keep it stable.
	sort.Slice(collections, func(i, j int) bool { return collections[i].Path < collections[j].Path })
	return collections, nil
}

func supportsEvents(components []string) bool {
	if len(components) == 0 {
		return true
	}
	for _, comp := range components {
		if strings.EqualFold(comp, ical.CompEvent) {
			return true
		}
	}
	return false
}

func (c *CalDAVSource) ListEvents(ctx context.Context, col Collection, w TimeWindow) ([]RawEvent, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: w.Start,
				End:   w.End,
			}},
		},
	}
	objects, err := c.client.QueryCalendar(ctx, col.Path, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	var result []RawEvent
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, comp := range obj.Data.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			raw := rawEventFromComponent(comp)
			raw.Collection = col.Name
			result = append(result, raw)
		}
	}
	if c.expand {
		result = expandRecurring(result, w, c.log)
	}
	return result, nil
}

// rawEventFromComponent reads the fields the sync engine cares about from a
// VEVENT. Unparseable values are left empty rather than failing the event.
func rawEventFromComponent(comp *ical.Component) RawEvent {
	props := comp.Props
	raw := RawEvent{
		UID:         getTextProp(props, ical.PropUID),
		Summary:     getTextProp(props, ical.PropSummary),
		Description: getTextProp(props, ical.PropDescription),
		Location:    getTextProp(props, ical.PropLocation),
		Start:       propEventTime(props.Get(ical.PropDateTimeStart)),
		End:         propEventTime(props.Get(ical.PropDateTimeEnd)),
	}

	if raw.End.IsZero() && !raw.Start.IsZero() {
		if p := props.Get(ical.PropDuration); p != nil {
			if d, err := p.Duration(); err == nil {
				raw.End = EventTime{Time: raw.Start.Time.Add(d), AllDay: raw.Start.AllDay}
			}
		}
	}

	if rid := propEventTime(props.Get(ical.PropRecurrenceID)); !rid.IsZero() {
		raw.RecurrenceID = &rid
	}
	if p := props.Get(ical.PropRecurrenceRule); p != nil {
		raw.RRule = p.Value
	}

	var unparsed []string
	for _, p := range props.Values(ical.PropExceptionDates) {
		for _, v := range strings.Split(p.Value, ",") {
			single := ical.Prop{Name: p.Name, Params: p.Params, Value: strings.TrimSpace(v)}
			t := propEventTime(&single)
			if t.IsZero() {
				unparsed = append(unparsed, single.Value)
				continue
			}
			raw.ExDates = append(raw.ExDates, t)
		}
	}
	if len(unparsed) > 0 && len(raw.ExDates) == 0 {
		raw.ExDateRaw = strings.Join(unparsed, ",")
	}

	if t, err := props.DateTime(ical.PropCreated, time.UTC); err == nil {
		raw.Created = t
	}
	if t, err := props.DateTime(ical.PropLastModified, time.UTC); err == nil {
		raw.LastModified = t
	}
	return raw
}

func propEventTime(p *ical.Prop) EventTime {
	if p == nil || strings.TrimSpace(p.Value) == "" {
		return EventTime{}
	}
	t, err := p.DateTime(time.UTC)
	if err != nil {
		d, derr := time.Parse("20060102", strings.TrimSpace(p.Value))
		if derr != nil {
			return EventTime{}
		}
		return DateValue(d.Year(), d.Month(), d.Day())
	}
	allDay := p.ValueType() == ical.ValueDate || !strings.Contains(p.Value, "T")
	if allDay {
		return DateValue(t.Year(), t.Month(), t.Day())
	}
	return TimeValue(t)
}

// Helper function to get text property safely
func getTextProp(props ical.Props, name string) string {
	prop := props.Get(name)
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		return prop.Value
	}
	return text
}

// CalDAVDestination writes synced events into one CalDAV calendar.
type CalDAVDestination struct {
	client       *caldav.Client
	calendarPath string
	window       TimeWindow
	now          func() time.Time
}

func NewCalDAVDestination(client *caldav.Client, calendarURL string, window TimeWindow) (*CalDAVDestination, error) {
	calURL, err := url.Parse(calendarURL)
	if err != nil {
		return nil, fmt.Errorf("invalid calendar URL: %w", err)
	}
	return &CalDAVDestination{
		client:       client,
		calendarPath: strings.TrimRight(calURL.Path, "/"),
		window:       window,
		now:          time.Now,
	}, nil
}

func (c *CalDAVDestination) IsAccessible(ctx context.Context) bool {
	// Extract the calendar home set from the URL (usually the parent path)
	homeSetPath := path.Dir(c.calendarPath)

	calendars, err := c.client.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return false
	}
	for _, cal := range calendars {
		if strings.TrimRight(cal.Path, "/") == c.calendarPath {
			return true
		}
	}
	return false
}

func (c *CalDAVDestination) Create(ctx context.Context, ev *Event) error {
	eventUID := "calsync-" + uuid.NewString()

	icalEvent := ical.NewEvent()
	icalEvent.Props.SetText(ical.PropUID, eventUID)
	icalEvent.Props.SetDateTime(ical.PropDateTimeStamp, c.now().UTC())
	icalEvent.Props.SetText(ical.PropSummary, ev.Summary)
	icalEvent.Props.SetText(ical.PropDescription, ev.DestinationDescription())
	if ev.Location != "" {
		icalEvent.Props.SetText(ical.PropLocation, ev.Location)
	}
	start, end := destinationSpan(ev)
	if ev.IsAllDay() {
		icalEvent.Props.SetDate(ical.PropDateTimeStart, start)
		icalEvent.Props.SetDate(ical.PropDateTimeEnd, end)
	} else {
		icalEvent.Props.SetDateTime(ical.PropDateTimeStart, start)
		icalEvent.Props.SetDateTime(ical.PropDateTimeEnd, end)
	}
	icalEvent.Props.SetText(ical.PropStatus, "CONFIRMED")

	calendar := ical.NewCalendar()
	calendar.Props.SetText(ical.PropProductID, productID)
	calendar.Props.SetText(ical.PropVersion, "2.0")
	calendar.Children = append(calendar.Children, icalEvent.Component)

	objectPath := c.calendarPath + "/" + eventUID + ".ics"
	if _, err := c.client.PutCalendarObject(ctx, objectPath, calendar); err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

func (c *CalDAVDestination) DeleteByMarker(ctx context.Context, stableKey string) error {
	marker := syncMarker(stableKey)
	return c.deleteFirst(ctx, func(ev DestinationEvent) bool {
		return strings.Contains(ev.Description, marker)
	})
}

func (c *CalDAVDestination) DeleteByTitle(ctx context.Context, summary string) error {
	return c.deleteFirst(ctx, func(ev DestinationEvent) bool {
		return summary != "" && strings.Contains(ev.Summary, summary)
	})
}

func (c *CalDAVDestination) deleteFirst(ctx context.Context, match func(DestinationEvent) bool) error {
	events, err := c.listObjects(ctx, nil)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if match(ev) {
			if err := c.client.RemoveAll(ctx, ev.ID); err != nil {
				return fmt.Errorf("failed to delete event: %w", err)
			}
			return nil
		}
	}
	return ErrNoMatch
}

func (c *CalDAVDestination) ListExisting(ctx context.Context) ([]DestinationEvent, error) {
	return c.listObjects(ctx, &c.window)
}

func (c *CalDAVDestination) ClearAll(ctx context.Context) error {
	events, err := c.listObjects(ctx, nil)
	if err != nil {
		return err
	}
	var errs []error
	for _, ev := range events {
		if err := c.client.RemoveAll(ctx, ev.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", ev.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (c *CalDAVDestination) listObjects(ctx context.Context, w *TimeWindow) ([]DestinationEvent, error) {
	filter := caldav.CompFilter{Name: ical.CompEvent}
	if w != nil {
		filter.Start, filter.End = w.Start, w.End
	}
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{filter},
		},
	}

	objects, err := c.client.QueryCalendar(ctx, c.calendarPath, query)
	if err != nil {
		return nil, classifyRemoteError(err)
	}

	var result []DestinationEvent
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, comp := range obj.Data.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			start, _ := comp.Props.DateTime(ical.PropDateTimeStart, time.UTC)
			end, _ := comp.Props.DateTime(ical.PropDateTimeEnd, time.UTC)
			result = append(result, DestinationEvent{
				ID:          obj.Path,
				Summary:     getTextProp(comp.Props, ical.PropSummary),
				Description: getTextProp(comp.Props, ical.PropDescription),
				Location:    getTextProp(comp.Props, ical.PropLocation),
				Start:       start,
				End:         end,
			})
		}
	}
	return result, nil
}

// classifyRemoteError maps transport failures onto the listing sentinels.
func classifyRemoteError(err error) error {
	var statusErr *remoteStatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrListTimeout, err)
	case errors.As(err, &statusErr):
		return fmt.Errorf("%w: %w", ErrNotAccessible, err)
	default:
		return err
	}
}

// destinationSpan fills in a missing end: one day for all-day events, one
// hour for timed ones.
func destinationSpan(ev *Event) (time.Time, time.Time) {
	start, end := ev.Start.Time, ev.End.Time
	if !end.IsZero() && end.After(start) {
		return start, end
	}
	if ev.IsAllDay() {
		return start, start.AddDate(0, 0, 1)
	}
	return start, start.Add(time.Hour)
}
