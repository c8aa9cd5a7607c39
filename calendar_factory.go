package main

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/emersion/go-webdav/caldav"
)

// CalendarFactory builds the sources, destination and state store of a job
// from the configuration.
type CalendarFactory struct {
	app     *appContext
	db      *sql.DB
	clients map[string]*caldav.Client
}

func NewCalendarFactory(app *appContext, db *sql.DB) *CalendarFactory {
	return &CalendarFactory{
		app:     app,
		db:      db,
		clients: make(map[string]*caldav.Client),
	}
}

// caldavClient returns one client per configured server.
func (cf *CalendarFactory) caldavClient(serverName string) (*caldav.Client, error) {
	if c, ok := cf.clients[serverName]; ok {
		return c, nil
	}
	server, ok := cf.app.config.CalDAVs[serverName]
	if !ok {
		return nil, fmt.Errorf("CalDAV server '%s' not found in configuration", serverName)
	}
	c, err := newCalDAVClient(server.ServerURL, server.Username, server.Password)
	if err != nil {
		return nil, err
	}
	cf.clients[serverName] = c
	return c, nil
}

// Sources returns the CalDAV and local sources a job routes to; either may
// be nil.
func (cf *CalendarFactory) Sources(job JobConfig) (Source, Source, error) {
	expand := *cf.app.config.Sync.ExpandRecurring
	var caldavSource, localSource Source

	if job.Source.CalDAVServer != "" {
		client, err := cf.caldavClient(job.Source.CalDAVServer)
		if err != nil {
			return nil, nil, err
		}
		caldavSource = NewCalDAVSource(client, expand, cf.app.log)
	}
	if root := cf.app.config.Local.Root; root != "" {
		localSource = NewLocalStoreSource(cf.app.config.resolve(root), expand, cf.app.log)
	}

	if caldavSource == nil && localSource == nil {
		return nil, nil, fmt.Errorf("job %s has no source: set source.caldav_server or [local] root", job.Name)
	}
	return caldavSource, localSource, nil
}

func (cf *CalendarFactory) Destination(ctx context.Context, job JobConfig, window TimeWindow) (Destination, error) {
	d := job.Destination
	var dest interface{}

	switch d.Type {
	case "google":
		account := d.Account
		if account == "" {
			account = "default"
		}
		client, err := getClient(ctx, oauthConfigFor(cf.app.config), cf.db, account, cf.app.log)
		if err != nil {
			return nil, fmt.Errorf("authorize %s: %w", account, err)
		}
		g, err := NewGoogleDestination(ctx, client, d.CalendarID, window)
		if err != nil {
			return nil, err
		}
		dest = g

	case "caldav":
		if d.Server == "" {
			return nil, fmt.Errorf("job %s: no server name provided for CalDAV destination", job.Name)
		}
		client, err := cf.caldavClient(d.Server)
		if err != nil {
			return nil, err
		}
		c, err := NewCalDAVDestination(client, d.CalendarID, window)
		if err != nil {
			return nil, err
		}
		dest = c

	default:
		return nil, fmt.Errorf("unsupported destination type: %s", d.Type)
	}

	return requireDestination(dest)
}

func (cf *CalendarFactory) StateStore(job string) (StateStore, error) {
	general := cf.app.config.General
	switch general.StateBackend {
	case "sqlite":
		return newSQLiteStateStore(cf.db, job), nil
	case "json":
		return newJSONStateStore(filepath.Join(cf.app.config.resolve(general.StateDir), job+".json"), cf.app.log), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, general.StateBackend)
	}
}

// Engine wires a ready-to-run engine for the job with its state loaded.
func (cf *CalendarFactory) Engine(ctx context.Context, job JobConfig) (*Engine, error) {
	s := cf.app.config.Sync
	window := syncWindow(cf.app.clock.Now(), s.PastDays, s.FutureDays)

	caldavSource, localSource, err := cf.Sources(job)
	if err != nil {
		return nil, err
	}
	dest, err := cf.Destination(ctx, job, window)
	if err != nil {
		return nil, err
	}
	store, err := cf.StateStore(job.Name)
	if err != nil {
		return nil, err
	}
	state, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state for %s: %w", job.Name, err)
	}

	agg := NewAggregator(cf.app, caldavSource, localSource, job.Source)
	return NewEngine(cf.app, job.Name, agg, dest, state, store), nil
}
