// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package keystore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toeirei/sshkeyring/internal/sshkey"
)

func TestLoad_KeyPair(t *testing.T) {
	s, dir := newTestStore(t)
	writeFile(t, filepath.Join(dir, "id_rsa"), rsaPrivate)
	writeFile(t, filepath.Join(dir, "id_rsa.pub"), rsaAlice+"\n")

	res := mustLoad(t, s)
	require.Equal(t, 1, res.Added)
	require.Nil(t, res.Warnings)

	ent, ok := s.Lookup(filepath.Join(dir, "id_rsa"))
	require.True(t, ok)
	require.True(t, ent.HasPrivate())
	require.False(t, ent.Record.Partial)
	require.False(t, ent.Record.Authorized)
	require.Equal(t, fpAlice, ent.Fingerprint())
	require.Equal(t, "RSA", ent.Algorithm())
	require.Equal(t, "alice@example.com", ent.Label())
	require.Equal(t, "Private Secure Shell Key", ent.Usage())
	require.Equal(t, "53403B77", ent.Identifier())
	require.Equal(t, filepath.Join(dir, "id_rsa.pub"), ent.Record.PublicFile)
}

func TestLoad_PairRequiresPrivateMarkerAndSibling(t *testing.T) {
	s, dir := newTestStore(t)
	// .pub without private half
	writeFile(t, filepath.Join(dir, "lonely.pub"), rsaBob+"\n")
	// candidate without private key marker
	writeFile(t, filepath.Join(dir, "config"), "Host *\n")
	writeFile(t, filepath.Join(dir, "config.pub"), rsaBob+"\n")
	// hidden files, such as atomic-write leftovers, are never pairs
	writeFile(t, filepath.Join(dir, ".id_rsa123"), rsaPrivate)
	writeFile(t, filepath.Join(dir, ".id_rsa123.pub"), rsaBob+"\n")

	res := mustLoad(t, s)
	require.Equal(t, 0, res.Added)
	require.Equal(t, 0, s.Len())
}

func TestLoad_AuthorizedDuplicateOfPair(t *testing.T) {
	s, dir := newTestStore(t)
	writeFile(t, filepath.Join(dir, "id_rsa"), rsaPrivate)
	writeFile(t, filepath.Join(dir, "id_rsa.pub"), rsaAlice+"\n")
	writeFile(t, filepath.Join(dir, "authorized_keys"), rsaAlice+"\n"+rsaBob+"\n")

	mustLoad(t, s)
	require.Equal(t, 2, s.Len())

	pair, ok := s.Lookup(filepath.Join(dir, "id_rsa"))
	require.True(t, ok)
	require.True(t, pair.Record.Authorized)
	require.True(t, pair.HasPrivate())

	authPath := filepath.Join(dir, "authorized_keys")
	_, ok = s.Lookup(authPath + "#" + fpAlice)
	require.False(t, ok, "duplicate key must not become its own entity")

	bob, ok := s.Lookup(authPath + "#" + fpBob)
	require.True(t, ok)
	require.True(t, bob.Record.Partial)
	require.True(t, bob.Record.Authorized)
	require.Equal(t, "Public Secure Shell Key", bob.Usage())
}

func TestLoad_OtherKeys(t *testing.T) {
	s, dir := newTestStore(t)
	writeFile(t, filepath.Join(dir, "authorized_keys"), rsaBob+"\n")
	writeFile(t, filepath.Join(dir, "other_keys.seahorse"), "# known keys\n"+rsaBob+"\n"+dssCarol+"\n")

	mustLoad(t, s)
	require.Equal(t, 2, s.Len())

	carol, ok := s.FindByFingerprint(fpCarol)
	require.True(t, ok)
	require.True(t, carol.Record.Partial)
	require.False(t, carol.Record.Authorized)
	require.Equal(t, 1024, carol.Record.Bits)
	require.Equal(t, filepath.Join(dir, "other_keys.seahorse")+"#"+fpCarol, carol.Location)

	bob, ok := s.FindByFingerprint(fpBob)
	require.True(t, ok)
	require.True(t, bob.Record.Authorized)
	require.Equal(t, filepath.Join(dir, "authorized_keys"), bob.Record.PublicFile)
}

func TestLoad_ReloadKeepsEntities(t *testing.T) {
	s, dir := newTestStore(t)
	writeFile(t, filepath.Join(dir, "id_rsa"), rsaPrivate)
	writeFile(t, filepath.Join(dir, "id_rsa.pub"), rsaAlice+"\n")
	writeFile(t, filepath.Join(dir, "authorized_keys"), rsaBob+"\n")

	rec := &recorder{}
	unsubscribe := s.Subscribe(rec.listen)
	defer unsubscribe()

	mustLoad(t, s)
	events := rec.take()
	require.Len(t, events, 2)
	require.Equal(t, EventAdded, events[0].Kind)
	require.Equal(t, filepath.Join(dir, "id_rsa"), events[0].Location)
	require.Equal(t, EventAdded, events[1].Kind)

	res := mustLoad(t, s)
	require.Equal(t, LoadResult{}, res)
	require.Empty(t, rec.take(), "unchanged reload must not emit events")
	require.Equal(t, 2, s.Len())
}

func TestLoad_ChangedRecord(t *testing.T) {
	s, dir := newTestStore(t)
	writeFile(t, filepath.Join(dir, "id_rsa"), rsaPrivate)
	pub := filepath.Join(dir, "id_rsa.pub")
	writeFile(t, pub, rsaAlice+"\n")
	mustLoad(t, s)

	rec := &recorder{}
	s.Subscribe(rec.listen)

	writeFile(t, pub, rsaAlice[:len(rsaAlice)-len("alice@example.com")]+"alice@laptop\n")
	res := mustLoad(t, s)
	require.Equal(t, 1, res.Changed)
	require.Zero(t, res.Added)

	events := rec.take()
	require.Len(t, events, 1)
	require.Equal(t, EventChanged, events[0].Kind)
	require.Equal(t, "alice@laptop", events[0].Entity.Record.Comment)

	ent, _ := s.Lookup(filepath.Join(dir, "id_rsa"))
	require.Equal(t, "alice@laptop", ent.Label())
}

func TestLoad_SweepRemovesVanishedKeys(t *testing.T) {
	s, dir := newTestStore(t)
	auth := filepath.Join(dir, "authorized_keys")
	writeFile(t, auth, rsaBob+"\n"+dssCarol+"\n")
	mustLoad(t, s)
	require.Equal(t, 2, s.Len())

	rec := &recorder{}
	s.Subscribe(rec.listen)

	require.NoError(t, os.Remove(auth))
	res := mustLoad(t, s)
	require.Equal(t, 2, res.Removed)
	require.Zero(t, s.Len())

	events := rec.take()
	require.Len(t, events, 2)
	seen := map[string]int{}
	for _, ev := range events {
		require.Equal(t, EventRemoved, ev.Kind)
		seen[ev.Location]++
	}
	require.Equal(t, 1, seen[auth+"#"+fpBob])
	require.Equal(t, 1, seen[auth+"#"+fpCarol])

	mustLoad(t, s)
	require.Empty(t, rec.take())
}

func TestLoad_CancelLeavesMappingUntouched(t *testing.T) {
	s, dir := newTestStore(t)
	writeFile(t, filepath.Join(dir, "authorized_keys"), rsaBob+"\n")
	mustLoad(t, s)

	writeFile(t, filepath.Join(dir, "id_rsa"), rsaPrivate)
	writeFile(t, filepath.Join(dir, "id_rsa.pub"), rsaAlice+"\n")
	require.NoError(t, os.Remove(filepath.Join(dir, "authorized_keys")))

	rec := &recorder{}
	s.Subscribe(rec.listen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.afterSource = func(src Source) {
		if src == SourcePairs {
			cancel()
		}
	}

	_, err := s.Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, rec.take())
	require.Equal(t, 1, s.Len())
	_, ok := s.FindByFingerprint(fpBob)
	require.True(t, ok)
	_, ok = s.FindByFingerprint(fpAlice)
	require.False(t, ok)
}

func TestLoad_CancelOnlyAffectsItsCaller(t *testing.T) {
	s, dir := newTestStore(t)
	writeFile(t, filepath.Join(dir, "id_rsa"), rsaPrivate)
	writeFile(t, filepath.Join(dir, "id_rsa.pub"), rsaAlice+"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	entered := make(chan struct{})
	var calls atomic.Int32
	s.afterSource = func(src Source) {
		if src == SourcePairs && calls.Add(1) == 1 {
			close(entered)
			<-ctx.Done()
		}
	}

	first := make(chan error, 1)
	go func() {
		_, err := s.Load(ctx)
		first <- err
	}()
	<-entered

	second := make(chan error, 1)
	go func() {
		_, err := s.Load(context.Background())
		second <- err
	}()
	cancel()

	require.ErrorIs(t, <-first, context.Canceled)
	require.NoError(t, <-second)
	_, ok := s.Lookup(filepath.Join(dir, "id_rsa"))
	require.True(t, ok)
}

func TestLoad_RequestedAfterChangeSeesIt(t *testing.T) {
	s, dir := newTestStore(t)
	writeFile(t, filepath.Join(dir, "other_keys.seahorse"), dssCarol+"\n")

	held := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	s.afterSource = func(src Source) {
		if src == SourceOther && calls.Add(1) == 1 {
			close(held)
			<-release
		}
	}

	first := make(chan error, 1)
	go func() {
		_, err := s.Load(context.Background())
		first <- err
	}()
	<-held

	// the running pass has already read other_keys
	writeFile(t, filepath.Join(dir, "other_keys.seahorse"), dssCarol+"\n"+rsaBob+"\n")
	second := make(chan error, 1)
	go func() {
		_, err := s.Load(context.Background())
		second <- err
	}()
	close(release)

	require.NoError(t, <-first)
	require.NoError(t, <-second)
	_, ok := s.FindByFingerprint(fpBob)
	require.True(t, ok)
	require.Equal(t, 2, s.Len())
}

func TestLoad_AllSourcesFailed(t *testing.T) {
	s, dir := newTestStore(t)
	writeFile(t, filepath.Join(dir, "id_rsa"), rsaPrivate)
	writeFile(t, filepath.Join(dir, "id_rsa.pub"), rsaAlice+"\n")
	writeFile(t, filepath.Join(dir, "authorized_keys"), rsaBob+"\n")
	writeFile(t, filepath.Join(dir, "other_keys.seahorse"), dssCarol+"\n")
	mustLoad(t, s)
	before := s.Entities()

	rec := &recorder{}
	s.Subscribe(rec.listen)

	// every source becomes unreadable
	orig := openKeyFile
	openKeyFile = func(string) (*os.File, error) { return nil, fs.ErrPermission }
	t.Cleanup(func() { openKeyFile = orig })
	for _, name := range []string{"authorized_keys", "other_keys.seahorse"} {
		require.NoError(t, os.Remove(filepath.Join(dir, name)))
		require.NoError(t, os.Mkdir(filepath.Join(dir, name), 0o700))
	}

	_, err := s.Load(context.Background())
	require.ErrorIs(t, err, ErrAllSourcesFailed)
	require.Empty(t, rec.take())
	require.Equal(t, before, s.Entities())
}

func TestLoad_MissingDirectoryIsEmpty(t *testing.T) {
	s := New(Options{Dir: filepath.Join(t.TempDir(), "nope")})
	res, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, res.Warnings)
	require.Zero(t, s.Len())
}

func TestLoad_DirectoryReadErrorIsFatal(t *testing.T) {
	file := filepath.Join(t.TempDir(), "ssh")
	writeFile(t, file, "not a directory")

	s := New(Options{Dir: file})
	_, err := s.Load(context.Background())
	require.Error(t, err)
	require.Zero(t, s.Len())
}

func TestLoad_UnreadableSourceIsWarning(t *testing.T) {
	s, dir := newTestStore(t)
	writeFile(t, filepath.Join(dir, "id_rsa"), rsaPrivate)
	writeFile(t, filepath.Join(dir, "id_rsa.pub"), rsaAlice+"\n")
	// a directory where a key list is expected cannot be read
	require.NoError(t, os.Mkdir(filepath.Join(dir, "authorized_keys"), 0o700))
	writeFile(t, filepath.Join(dir, "other_keys.seahorse"), dssCarol+"\n")

	res, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Error(t, res.Warnings)

	var srcErr *SourceError
	require.True(t, errors.As(res.Warnings, &srcErr))
	require.Equal(t, SourceAuthorized, srcErr.Source)
	require.Equal(t, 2, s.Len())
}

func TestAddOrUpdateAndRemove(t *testing.T) {
	s, dir := newTestStore(t)
	rec := &recorder{}
	s.Subscribe(rec.listen)

	_, err := s.AddOrUpdate(&sshkey.KeyRecord{})
	require.ErrorIs(t, err, ErrInvalidRecord)

	key, err := sshkey.ParsePublicLine(rsaBob)
	require.NoError(t, err)
	key.PublicFile = filepath.Join(dir, "authorized_keys")
	key.Partial = true

	ent, err := s.AddOrUpdate(key)
	require.NoError(t, err)
	require.Equal(t, key.PublicFile+"#"+fpBob, ent.Location)

	// unchanged update is silent
	_, err = s.AddOrUpdate(key)
	require.NoError(t, err)

	key.Authorized = true
	ent, err = s.AddOrUpdate(key)
	require.NoError(t, err)
	require.True(t, ent.Record.Authorized)

	// snapshots are copies
	ent.Record.Comment = "mutated"
	got, ok := s.Lookup(ent.Location)
	require.True(t, ok)
	require.Equal(t, "bob@example.com", got.Record.Comment)

	require.True(t, s.Remove(ent.Location))
	require.False(t, s.Remove(ent.Location))

	events := rec.take()
	require.Len(t, events, 3)
	require.Equal(t, []EventKind{EventAdded, EventChanged, EventRemoved},
		[]EventKind{events[0].Kind, events[1].Kind, events[2].Kind})
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	s, dir := newTestStore(t)
	writeFile(t, filepath.Join(dir, "authorized_keys"), rsaBob+"\n")

	rec := &recorder{}
	unsubscribe := s.Subscribe(rec.listen)
	unsubscribe()

	mustLoad(t, s)
	require.Empty(t, rec.take())
}

func TestEntities_Sorted(t *testing.T) {
	s, dir := newTestStore(t)
	writeFile(t, filepath.Join(dir, "authorized_keys"), dssCarol+"\n"+rsaBob+"\n"+rsaAlice+"\n")
	mustLoad(t, s)

	ents := s.Entities()
	require.Len(t, ents, 3)
	for i := 1; i < len(ents); i++ {
		require.Less(t, ents[i-1].Location, ents[i].Location)
	}
}

func TestEntity_LabelFallback(t *testing.T) {
	ent := Entity{Record: sshkey.KeyRecord{Fingerprint: fpBob}}
	require.Equal(t, "Secure Shell Key", ent.Label())
	require.Equal(t, "EDAB2407", ent.Identifier())
}
