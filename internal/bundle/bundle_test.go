package bundle

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/failure"
	"github.com/umbrasys/umbra-sync/internal/identity"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestCodeRoundTrip(t *testing.T) {
	b := New("OWNER1", testNow)
	owner, id, err := ParseCode(b.Code())
	if err != nil {
		t.Fatalf("parse code: %v", err)
	}
	if owner != "OWNER1" || id != b.ID {
		t.Fatalf("unexpected parse result %s %s", owner, id)
	}
	for _, bad := range []string{"", "nocolon", ":" + uuid.NewString(), "owner:", "owner:not-a-uuid"} {
		if _, _, err := ParseCode(bad); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("ParseCode(%q) should fail", bad)
		}
	}
}

func TestAuthorizeSpecifiedIgnoresShareType(t *testing.T) {
	graph := identity.NewMemoryGraph()
	for _, share := range []ShareType{ShareCodeOnly, ShareShared} {
		b := New("OWNER", testNow)
		b.AccessType = AccessSpecified
		b.ShareType = share
		b.AllowedUsers = []identity.CanonicalID{"U1"}

		if err := Authorize(context.Background(), b, "U1", graph, testNow); err != nil {
			t.Fatalf("share=%s: U1 should be allowed: %v", share, err)
		}
		if err := Authorize(context.Background(), b, "U2", graph, testNow); !errors.Is(err, failure.ErrAccessDenied) {
			t.Fatalf("share=%s: U2 should be denied, got %v", share, err)
		}
	}
}

func TestAuthorizeSpecifiedByGroup(t *testing.T) {
	graph := identity.NewMemoryGraph()
	graph.Join("fc-1", "U3")
	b := New("OWNER", testNow)
	b.AllowedGroups = []string{"fc-1"}

	if err := Authorize(context.Background(), b, "U3", graph, testNow); err != nil {
		t.Fatalf("group member should be allowed: %v", err)
	}
	if err := Authorize(context.Background(), b, "U4", graph, testNow); !errors.Is(err, failure.ErrAccessDenied) {
		t.Fatalf("non member should be denied: %v", err)
	}
}

func TestAuthorizeExpiryPrecedesEverything(t *testing.T) {
	past := testNow.Add(-time.Hour)
	b := New("OWNER", testNow.Add(-48*time.Hour))
	b.AccessType = AccessPublic
	b.ExpiresAt = &past

	for _, requester := range []identity.CanonicalID{"OWNER", "ANYONE", ""} {
		if err := Authorize(context.Background(), b, requester, nil, testNow); !errors.Is(err, failure.ErrExpired) {
			t.Fatalf("requester %q: expected ErrExpired, got %v", requester, err)
		}
	}
}

func TestAuthorizePairedModes(t *testing.T) {
	graph := identity.NewMemoryGraph()
	graph.Pair("OWNER", "FRIEND")
	graph.Join("fc", "OWNER")
	graph.Join("fc", "GUILDMATE")

	cases := []struct {
		access    AccessType
		requester identity.CanonicalID
		allowed   bool
	}{
		{AccessPairedDirect, "FRIEND", true},
		{AccessPairedDirect, "GUILDMATE", false},
		{AccessPairedAny, "FRIEND", true},
		{AccessPairedAny, "GUILDMATE", true},
		{AccessPairedAny, "STRANGER", false},
		{AccessPublic, "STRANGER", true},
		{AccessPairedDirect, "OWNER", true},
	}
	for _, tc := range cases {
		b := New("OWNER", testNow)
		b.AccessType = tc.access
		err := Authorize(context.Background(), b, tc.requester, graph, testNow)
		if (err == nil) != tc.allowed {
			t.Fatalf("%s/%s: allowed=%v err=%v", tc.access, tc.requester, tc.allowed, err)
		}
	}
}

func TestDiscoverableRequiresSharedAndAccess(t *testing.T) {
	b := New("OWNER", testNow)
	b.AccessType = AccessPublic
	if Discoverable(context.Background(), b, "U1", nil, testNow) {
		t.Fatalf("code-only bundle must not be discoverable")
	}
	b.ShareType = ShareShared
	if !Discoverable(context.Background(), b, "U1", nil, testNow) {
		t.Fatalf("shared public bundle should be discoverable")
	}
	if Discoverable(context.Background(), b, "OWNER", nil, testNow) {
		t.Fatalf("own bundle is not a shared share")
	}
	b.AccessType = AccessSpecified
	if Discoverable(context.Background(), b, "U1", identity.NewMemoryGraph(), testNow) {
		t.Fatalf("discovery must not bypass access checks")
	}
}

func TestDiffIsOrderInsensitiveForSets(t *testing.T) {
	h1 := cache.HashBytes([]byte("1"))
	h2 := cache.HashBytes([]byte("2"))
	before := State{
		AllowedUsers: []identity.CanonicalID{"A", "B"},
		Mappings:     []Mapping{{GamePath: "a", Hash: h1}, {GamePath: "b", Hash: h2}},
	}
	after := State{
		AllowedUsers: []identity.CanonicalID{"B", "A"},
		Mappings:     []Mapping{{GamePath: "b", Hash: h2}, {GamePath: "a", Hash: h1}},
	}
	if delta := Diff(before, after); !delta.Empty() {
		t.Fatalf("reordering should not count as a change: %+v", delta)
	}

	after.Mappings = append(after.Mappings, Mapping{GamePath: "c", SwapPath: "x"})
	after.AllowedUsers = []identity.CanonicalID{"A"}
	delta := Diff(before, after)
	if !reflect.DeepEqual(delta.UsersRemoved, []identity.CanonicalID{"B"}) {
		t.Fatalf("unexpected removed users: %v", delta.UsersRemoved)
	}
	if len(delta.MappingsAdded) != 1 || delta.MappingsAdded[0].GamePath != "c" || delta.MetadataOnly() {
		t.Fatalf("unexpected mapping delta: %+v", delta)
	}
}

func TestNewHashes(t *testing.T) {
	h1 := cache.HashBytes([]byte("1"))
	h2 := cache.HashBytes([]byte("2"))
	before := []Mapping{{GamePath: "a", Hash: h1}}
	after := []Mapping{{GamePath: "a", Hash: h1}, {GamePath: "b", Hash: h2}, {GamePath: "c", Hash: h2}, {GamePath: "d", SwapPath: "e"}}
	got := NewHashes(before, after)
	if !reflect.DeepEqual(got, []cache.Hash{h2}) {
		t.Fatalf("NewHashes = %v", got)
	}
}

func TestChangeSetHasChangesTracksStructure(t *testing.T) {
	later := testNow.Add(24 * time.Hour)
	seed := New("OWNER", testNow)
	seed.Description = "original"
	seed.AllowedUsers = []identity.CanonicalID{"U1"}
	cs := NewChangeSet(seed)

	if cs.HasChanges() {
		t.Fatalf("fresh change set should be clean")
	}
	cs.SetDescription("edited")
	if !cs.HasChanges() {
		t.Fatalf("description edit should be a change")
	}
	cs.SetDescription("original")
	if cs.HasChanges() {
		t.Fatalf("reverting the edit should clear HasChanges")
	}

	cs.AddAllowedUser("U2")
	cs.RemoveAllowedUser("U2")
	cs.SetExpiry(&later)
	cs.SetExpiry(nil)
	if cs.HasChanges() {
		t.Fatalf("add+remove and set+clear should cancel out")
	}

	id := cs.AddPose(Pose{Description: "sitting", World: &WorldData{TerritoryID: 132}})
	if !cs.HasChanges() {
		t.Fatalf("new pose should be a change")
	}
	cs.RemovePose(id)
	if cs.HasChanges() {
		t.Fatalf("removing the added pose should clear HasChanges")
	}

	cs.SetAccessType(AccessPublic)
	result := cs.Result()
	if result.ID != seed.ID || result.Code() != seed.Code() || result.AccessType != AccessPublic {
		t.Fatalf("result should keep identity and apply edits: %+v", result)
	}
	cs.Rebase(result)
	if cs.HasChanges() {
		t.Fatalf("rebase should clear HasChanges")
	}
}

func TestChangeSetDoesNotAliasSeed(t *testing.T) {
	seed := New("OWNER", testNow)
	seed.AllowedGroups = []string{"g1"}
	cs := NewChangeSet(seed)
	cs.AddAllowedGroup("g2")
	if len(seed.AllowedGroups) != 1 {
		t.Fatalf("change set must not mutate the server copy")
	}
	if len(cs.Seed().AllowedGroups) != 1 {
		t.Fatalf("seed state must stay untouched")
	}
}

func TestChangeSetMergeKeepsConcurrentServerEdits(t *testing.T) {
	hash := cache.HashBytes([]byte("outfit"))
	original := New("OWNER", testNow)
	stale := NewChangeSet(original)
	stale.SetDescription("new description")
	stale.AddAllowedUser("U2")

	server := original.Clone()
	server.Mappings = []Mapping{{GamePath: "a", Hash: hash}}
	server.AllowedUsers = []identity.CanonicalID{"U1"}

	merged := stale.MergeInto(server)
	if merged.Description != "new description" {
		t.Fatalf("changed description should be merged")
	}
	if len(merged.Mappings) != 1 || merged.Mappings[0].Hash != hash {
		t.Fatalf("untouched mappings must keep the server value: %+v", merged.Mappings)
	}
	if !reflect.DeepEqual(merged.AllowedUsers, []identity.CanonicalID{"U1", "U2"}) {
		t.Fatalf("allow-list should merge additions: %v", merged.AllowedUsers)
	}
	if len(server.AllowedUsers) != 1 {
		t.Fatalf("merge must not alias the server copy")
	}
}

func TestChangeSetMergeKeysMappingsByGamePath(t *testing.T) {
	oldHash := cache.HashBytes([]byte("old body"))
	localHash := cache.HashBytes([]byte("local body"))
	serverHash := cache.HashBytes([]byte("server body"))
	original := New("OWNER", testNow)
	original.Mappings = []Mapping{
		{GamePath: "body.mdl", Hash: oldHash},
		{GamePath: "hair.mdl", Hash: oldHash},
		{GamePath: "gloves.mdl", Hash: oldHash},
	}

	session := NewChangeSet(original)
	session.SetMappings([]Mapping{
		{GamePath: "body.mdl", Hash: localHash},
		{GamePath: "gloves.mdl", Hash: oldHash},
	})

	server := original.Clone()
	server.Mappings = []Mapping{
		{GamePath: "body.mdl", Hash: serverHash},
		{GamePath: "hair.mdl", Hash: oldHash},
		{GamePath: "gloves.mdl", Hash: serverHash},
		{GamePath: "shoes.mdl", Hash: serverHash},
	}

	merged := session.MergeInto(server)
	byPath := make(map[string]cache.Hash, len(merged.Mappings))
	for _, m := range merged.Mappings {
		if _, dup := byPath[m.GamePath]; dup {
			t.Fatalf("game path %s mapped twice: %+v", m.GamePath, merged.Mappings)
		}
		byPath[m.GamePath] = m.Hash
	}
	want := map[string]cache.Hash{
		"body.mdl":   localHash,
		"gloves.mdl": serverHash,
		"shoes.mdl":  serverHash,
	}
	if !reflect.DeepEqual(byPath, want) {
		t.Fatalf("unexpected merged mappings: %v", byPath)
	}
}
