// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package keystore keeps the live set of SSH keys found in an SSH directory
// in sync with the files on disk. A load pass scans key pairs,
// authorized_keys and other_keys.seahorse, merges what it found with the
// entities it already knows, and reports additions, changes and removals to
// subscribed listeners.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/toeirei/sshkeyring/internal/logging"
	"github.com/toeirei/sshkeyring/internal/sshkey"
)

// Default file names inside the SSH directory.
const (
	DefaultAuthorizedKeys = "authorized_keys"
	DefaultOtherKeys      = "other_keys.seahorse"
)

var (
	// ErrNotFound is returned when no entity exists at a location.
	ErrNotFound = errors.New("key not found")
	// ErrInvalidRecord is returned for records without key material.
	ErrInvalidRecord = errors.New("record has no fingerprint")
	// ErrAllSourcesFailed is returned by Load when no source could be read.
	ErrAllSourcesFailed = errors.New("no key source could be read")
)

// EventKind tells listeners what happened to an entity.
type EventKind int

const (
	EventAdded EventKind = iota
	EventRemoved
	EventChanged
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventChanged:
		return "changed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event describes one change to the entity mapping. For removals Entity holds
// the last known state.
type Event struct {
	Kind     EventKind
	Location string
	Entity   Entity
}

// Listener receives events synchronously, in the order they were produced.
type Listener func(Event)

// Options configure a Store.
type Options struct {
	// Dir is the SSH directory, usually ~/.ssh.
	Dir string
	// AuthorizedKeys and OtherKeys are file names, resolved inside Dir unless
	// they are absolute.
	AuthorizedKeys string
	OtherKeys      string
}

// LoadResult summarises one load pass.
type LoadResult struct {
	Added   int
	Changed int
	Removed int
	// Warnings holds per-source failures that did not abort the load.
	Warnings error
}

type subscription struct {
	id int
	fn Listener
}

// Store owns the location → Entity mapping.
type Store struct {
	opts Options

	mu       sync.RWMutex
	entities map[string]*Entity

	lmu       sync.Mutex
	listeners []subscription
	nextID    int

	// loads lets one load pass run at a time.
	loads *semaphore.Weighted

	// afterSource is a test hook run after each source of a load pass.
	afterSource func(Source)
}

// New returns an empty Store. Call Load to populate it.
func New(opts Options) *Store {
	if opts.AuthorizedKeys == "" {
		opts.AuthorizedKeys = DefaultAuthorizedKeys
	}
	if opts.OtherKeys == "" {
		opts.OtherKeys = DefaultOtherKeys
	}
	return &Store{
		opts:     opts,
		entities: make(map[string]*Entity),
		loads:    semaphore.NewWeighted(1),
	}
}

// Dir returns the SSH directory the store scans.
func (s *Store) Dir() string { return s.opts.Dir }

// AuthorizedKeysPath returns the full path of the authorized_keys file.
func (s *Store) AuthorizedKeysPath() string { return s.resolve(s.opts.AuthorizedKeys) }

// OtherKeysPath returns the full path of the file holding keys that are
// known but not authorized.
func (s *Store) OtherKeysPath() string { return s.resolve(s.opts.OtherKeys) }

func (s *Store) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.opts.Dir, name)
}

// Subscribe registers l for all future events. The returned function removes
// the subscription.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, subscription{id: id, fn: l})
	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		for i, sub := range s.listeners {
			if sub.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	s.lmu.Lock()
	subs := make([]subscription, len(s.listeners))
	copy(subs, s.listeners)
	s.lmu.Unlock()

	for _, ev := range events {
		for _, sub := range subs {
			sub.fn(ev)
		}
	}
}

// Load scans the SSH directory and brings the entity mapping in line with
// it. The mapping is updated in one step at the end of the pass; a cancelled
// or failed load leaves it untouched. Concurrent calls run one after another,
// each with its own pass started after the call, so a load always sees the
// files as they were when it was requested.
func (s *Store) Load(ctx context.Context) (LoadResult, error) {
	if err := s.loads.Acquire(ctx, 1); err != nil {
		return LoadResult{}, err
	}
	defer s.loads.Release(1)
	return s.load(ctx)
}

func (s *Store) load(ctx context.Context) (LoadResult, error) {
	p := newPass()
	var warnings *multierror.Error
	failed := 0

	for _, src := range sourceOrder {
		if err := ctx.Err(); err != nil {
			return LoadResult{}, err
		}

		found, err := s.scanSource(ctx, src, p)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return LoadResult{}, ctxErr
		}
		var fatal *fatalError
		if errors.As(err, &fatal) {
			logging.Errorf("loading keys from %s: %v", s.opts.Dir, fatal.err)
			return LoadResult{}, fatal.err
		}
		if err != nil {
			logging.Warnf("%s: %v", src, err)
			warnings = multierror.Append(warnings, &SourceError{Source: src, Err: err})
			if found == 0 {
				failed++
			}
		}

		if s.afterSource != nil {
			s.afterSource(src)
		}
	}

	if failed == len(sourceOrder) {
		return LoadResult{}, fmt.Errorf("%w: %v", ErrAllSourcesFailed, warnings)
	}

	res := s.commit(p)
	res.Warnings = warnings.ErrorOrNil()
	logging.Debugf("loaded keys from %s: %d added, %d changed, %d removed", s.opts.Dir, res.Added, res.Changed, res.Removed)
	return res, nil
}

// commit applies the records of a finished pass: known locations are
// updated, new ones added, and locations not seen in the pass removed.
func (s *Store) commit(p *pass) LoadResult {
	var res LoadResult
	var events []Event

	s.mu.Lock()
	unseen := make(map[string]struct{}, len(s.entities))
	for loc := range s.entities {
		unseen[loc] = struct{}{}
	}

	for _, rec := range p.records {
		loc := LocationOf(rec)
		delete(unseen, loc)

		if ent, ok := s.entities[loc]; ok {
			if ent.Record.Equal(rec) {
				continue
			}
			ent.Record = *rec
			res.Changed++
			events = append(events, Event{Kind: EventChanged, Location: loc, Entity: *ent})
			continue
		}

		ent := &Entity{Location: loc, Record: *rec}
		s.entities[loc] = ent
		res.Added++
		events = append(events, Event{Kind: EventAdded, Location: loc, Entity: *ent})
	}

	stale := make([]string, 0, len(unseen))
	for loc := range unseen {
		stale = append(stale, loc)
	}
	sort.Strings(stale)
	for _, loc := range stale {
		ent := s.entities[loc]
		delete(s.entities, loc)
		res.Removed++
		events = append(events, Event{Kind: EventRemoved, Location: loc, Entity: *ent})
	}
	s.mu.Unlock()

	s.emit(events)
	return res
}

// AddOrUpdate stores rec at its location, replacing the record of an
// existing entity in place.
func (s *Store) AddOrUpdate(rec *sshkey.KeyRecord) (Entity, error) {
	if !rec.Valid() {
		return Entity{}, ErrInvalidRecord
	}
	loc := LocationOf(rec)

	s.mu.Lock()
	ent, ok := s.entities[loc]
	var ev *Event
	switch {
	case !ok:
		ent = &Entity{Location: loc, Record: *rec}
		s.entities[loc] = ent
		ev = &Event{Kind: EventAdded, Location: loc, Entity: *ent}
	case !ent.Record.Equal(rec):
		ent.Record = *rec
		ev = &Event{Kind: EventChanged, Location: loc, Entity: *ent}
	}
	out := *ent
	s.mu.Unlock()

	if ev != nil {
		s.emit([]Event{*ev})
	}
	return out, nil
}

// Remove drops the entity at location. It reports whether one existed.
func (s *Store) Remove(location string) bool {
	s.mu.Lock()
	ent, ok := s.entities[location]
	if ok {
		delete(s.entities, location)
	}
	s.mu.Unlock()

	if ok {
		s.emit([]Event{{Kind: EventRemoved, Location: location, Entity: *ent}})
	}
	return ok
}

// Lookup returns a copy of the entity at location.
func (s *Store) Lookup(location string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.entities[location]
	if !ok {
		return Entity{}, false
	}
	return *ent, true
}

// FindByFingerprint returns the entity holding the key with fingerprint fp.
// Key pairs win over key-list entries.
func (s *Store) FindByFingerprint(fp string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Entity
	for _, ent := range s.entities {
		if ent.Record.Fingerprint != fp {
			continue
		}
		switch {
		case best == nil:
			best = ent
		case ent.HasPrivate() != best.HasPrivate():
			if ent.HasPrivate() {
				best = ent
			}
		case ent.Location < best.Location:
			best = ent
		}
	}
	if best == nil {
		return Entity{}, false
	}
	return *best, true
}

// Entities returns a snapshot of all entities sorted by location.
func (s *Store) Entities() []Entity {
	s.mu.RLock()
	out := make([]Entity, 0, len(s.entities))
	for _, ent := range s.entities {
		out = append(out, *ent)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out
}

// Len returns the number of entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}
