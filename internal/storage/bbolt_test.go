package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"palaver/internal/changefeed"
	"palaver/internal/models"

	"github.com/google/uuid"
)

func newTestStorage(t *testing.T, events *changefeed.Feed) *BboltStorage {
	t.Helper()
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "palaver.db"), events)
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestProfile(t *testing.T, store *BboltStorage, username string) models.Profile {
	t.Helper()
	profile := models.Profile{
		ID:        uuid.NewString(),
		Username:  username,
		Theme:     models.Themes[0],
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := store.CreateProfile(profile, "hash-"+username); err != nil {
		t.Fatalf("failed to create profile %q: %v", username, err)
	}
	return profile
}

func TestProfileLifecycle(t *testing.T) {
	store := newTestStorage(t, nil)

	created := createTestProfile(t, store, "alice")

	got, err := store.GetProfile(created.ID)
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if got.Username != "alice" || got.ID != created.ID {
		t.Errorf("unexpected profile %+v", got)
	}

	byName, hash, err := store.GetCredentials("alice")
	if err != nil {
		t.Fatalf("GetCredentials failed: %v", err)
	}
	if byName.ID != created.ID || hash != "hash-alice" {
		t.Errorf("unexpected credentials %+v %q", byName, hash)
	}

	if _, err := store.GetProfile("missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := store.GetCredentials("missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateProfile_UsernameUnique(t *testing.T) {
	store := newTestStorage(t, nil)
	createTestProfile(t, store, "alice")

	err := store.CreateProfile(models.Profile{ID: uuid.NewString(), Username: "alice"}, "other")
	if !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	store := newTestStorage(t, nil)
	alice := createTestProfile(t, store, "alice")
	createTestProfile(t, store, "bob")

	t.Run("settings change", func(t *testing.T) {
		alice.Theme = "midnight"
		alice.AvatarURL = "/api/images/avatars/x.png"
		if err := store.UpdateProfile(alice); err != nil {
			t.Fatalf("UpdateProfile failed: %v", err)
		}
		got, err := store.GetProfile(alice.ID)
		if err != nil {
			t.Fatalf("GetProfile failed: %v", err)
		}
		if got.Theme != "midnight" || got.AvatarURL != alice.AvatarURL {
			t.Errorf("settings not applied: %+v", got)
		}
	})

	t.Run("rename moves the index", func(t *testing.T) {
		alice.Username = "alicia"
		if err := store.UpdateProfile(alice); err != nil {
			t.Fatalf("rename failed: %v", err)
		}
		if _, _, err := store.GetCredentials("alice"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("old username still resolves: %v", err)
		}
		got, _, err := store.GetCredentials("alicia")
		if err != nil || got.ID != alice.ID {
			t.Errorf("new username does not resolve: %v", err)
		}
	})

	t.Run("rename onto a taken name", func(t *testing.T) {
		alice.Username = "bob"
		if err := store.UpdateProfile(alice); !errors.Is(err, ErrUsernameTaken) {
			t.Errorf("expected ErrUsernameTaken, got %v", err)
		}
	})
}

func TestSetLastSeen(t *testing.T) {
	store := newTestStorage(t, nil)
	alice := createTestProfile(t, store, "alice")

	if err := store.SetLastSeen(alice.ID, 12345); err != nil {
		t.Fatalf("SetLastSeen failed: %v", err)
	}
	got, err := store.GetProfile(alice.ID)
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if got.Presence.LastSeen != 12345 {
		t.Errorf("expected last seen 12345, got %d", got.Presence.LastSeen)
	}
}

func TestListProfiles_OrderedByUsername(t *testing.T) {
	store := newTestStorage(t, nil)
	createTestProfile(t, store, "charlie")
	createTestProfile(t, store, "alice")
	createTestProfile(t, store, "bob")

	profiles, err := store.ListProfiles()
	if err != nil {
		t.Fatalf("ListProfiles failed: %v", err)
	}
	want := []string{"alice", "bob", "charlie"}
	if len(profiles) != len(want) {
		t.Fatalf("expected %d profiles, got %d", len(want), len(profiles))
	}
	for i, username := range want {
		if profiles[i].Username != username {
			t.Errorf("index %d: expected %q, got %q", i, username, profiles[i].Username)
		}
	}
}

func TestInsertMessage(t *testing.T) {
	events := changefeed.New()
	defer events.Close()
	store := newTestStorage(t, events)
	alice := createTestProfile(t, store, "alice")

	sub, err := events.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	msg, err := store.InsertMessage(alice.ID, "hello", false)
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	if msg.ID == "" || msg.CreatedAt == 0 {
		t.Errorf("identifier and timestamp must be assigned: %+v", msg)
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != changefeed.EventInsert || ev.MessageID != msg.ID {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("insert event never published")
	}

	if _, err := store.InsertMessage("unknown-sender", "hello", false); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown sender, got %v", err)
	}
}

func TestListMessages_OrderedWithSenders(t *testing.T) {
	store := newTestStorage(t, nil)
	alice := createTestProfile(t, store, "alice")
	bob := createTestProfile(t, store, "bob")

	for i, send := range []struct {
		sender  string
		content string
	}{
		{alice.ID, "one"},
		{bob.ID, "two"},
		{alice.ID, "three"},
	} {
		if _, err := store.InsertMessage(send.sender, send.content, false); err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
	}

	messages, err := store.ListMessages()
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].CreatedAt < messages[i-1].CreatedAt {
			t.Error("messages not ordered by creation timestamp ascending")
		}
	}
	if messages[0].Content != "one" || messages[2].Content != "three" {
		t.Errorf("unexpected order: %q %q %q", messages[0].Content, messages[1].Content, messages[2].Content)
	}
	if messages[0].Sender == nil || messages[0].Sender.Username != "alice" {
		t.Errorf("sender summary not joined: %+v", messages[0].Sender)
	}
	if messages[1].Sender == nil || messages[1].Sender.Username != "bob" {
		t.Errorf("sender summary not joined: %+v", messages[1].Sender)
	}
}

func TestMessageTimestamps_Monotonic(t *testing.T) {
	store := newTestStorage(t, nil)
	alice := createTestProfile(t, store, "alice")

	var prev int64
	for i := 0; i < 50; i++ {
		msg, err := store.InsertMessage(alice.ID, "tick", false)
		if err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
		if msg.CreatedAt < prev {
			t.Fatalf("timestamp went backwards: %d after %d", msg.CreatedAt, prev)
		}
		prev = msg.CreatedAt
	}
}

func TestFriendships(t *testing.T) {
	store := newTestStorage(t, nil)
	alice := createTestProfile(t, store, "alice")
	bob := createTestProfile(t, store, "bob")

	t.Run("self request rejected", func(t *testing.T) {
		_, err := store.CreateFriendRequest(alice.ID, alice.ID)
		if !errors.Is(err, models.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("unknown target rejected", func(t *testing.T) {
		_, err := store.CreateFriendRequest(alice.ID, "missing")
		if !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	friendship, err := store.CreateFriendRequest(alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("CreateFriendRequest failed: %v", err)
	}
	if friendship.Status != models.FriendStatusPending {
		t.Errorf("new request must be pending, got %q", friendship.Status)
	}

	t.Run("pair unique in both directions", func(t *testing.T) {
		if _, err := store.CreateFriendRequest(alice.ID, bob.ID); !errors.Is(err, ErrFriendshipExists) {
			t.Errorf("expected ErrFriendshipExists, got %v", err)
		}
		if _, err := store.CreateFriendRequest(bob.ID, alice.ID); !errors.Is(err, ErrFriendshipExists) {
			t.Errorf("reverse direction: expected ErrFriendshipExists, got %v", err)
		}
	})

	t.Run("only the target accepts", func(t *testing.T) {
		if err := store.AcceptFriendRequest(friendship.ID, alice.ID); !errors.Is(err, models.ErrValidation) {
			t.Errorf("requester accepting: expected ErrValidation, got %v", err)
		}
		if err := store.AcceptFriendRequest(friendship.ID, bob.ID); err != nil {
			t.Fatalf("AcceptFriendRequest failed: %v", err)
		}
		if err := store.AcceptFriendRequest(friendship.ID, bob.ID); !errors.Is(err, models.ErrValidation) {
			t.Errorf("double accept: expected ErrValidation, got %v", err)
		}
	})

	t.Run("listed for both sides", func(t *testing.T) {
		for _, id := range []string{alice.ID, bob.ID} {
			list, err := store.ListFriendships(id)
			if err != nil {
				t.Fatalf("ListFriendships failed: %v", err)
			}
			if len(list) != 1 || list[0].Status != models.FriendStatusAccepted {
				t.Errorf("unexpected friendships for %s: %+v", id, list)
			}
			if other := list[0].Other(id); other != alice.ID && other != bob.ID || other == id {
				t.Errorf("Other(%s) = %s", id, other)
			}
		}
	})
}

func TestPushSubscriptions(t *testing.T) {
	store := newTestStorage(t, nil)
	alice := createTestProfile(t, store, "alice")

	endpoint := "https://push.example.com/sub/1"
	if err := store.UpsertPushSubscription(alice.ID, endpoint, `{"endpoint":"one"}`); err != nil {
		t.Fatalf("UpsertPushSubscription failed: %v", err)
	}
	// Same endpoint again overwrites instead of duplicating.
	if err := store.UpsertPushSubscription(alice.ID, endpoint, `{"endpoint":"two"}`); err != nil {
		t.Fatalf("re-upsert failed: %v", err)
	}

	subs, err := store.ListPushSubscriptions()
	if err != nil {
		t.Fatalf("ListPushSubscriptions failed: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	if subs[0].UserID != alice.ID || subs[0].Subscription != `{"endpoint":"two"}` {
		t.Errorf("unexpected subscription %+v", subs[0])
	}
}

func TestFileMetadata(t *testing.T) {
	store := newTestStorage(t, nil)

	meta := FileMetadata{
		ID:        "message-images/u1/123-pic.png",
		Bucket:    "message-images",
		MimeType:  "image/png",
		Size:      1024,
		CreatedAt: time.Now().UnixMilli(),
		OwnerID:   "u1",
	}
	if err := store.UpsertFileMetadata(meta); err != nil {
		t.Fatalf("UpsertFileMetadata failed: %v", err)
	}

	got, err := store.GetFileMetadata(meta.ID)
	if err != nil {
		t.Fatalf("GetFileMetadata failed: %v", err)
	}
	if got.MimeType != "image/png" || got.OwnerID != "u1" {
		t.Errorf("unexpected metadata %+v", got)
	}

	if _, err := store.GetFileMetadata("missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
