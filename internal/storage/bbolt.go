package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"palaver/internal/changefeed"
	"palaver/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketProfiles    = []byte("profiles")
	bucketUsernames   = []byte("usernames") // username -> profile id
	bucketMessages    = []byte("messages")
	bucketFriendships = []byte("friendships")
	bucketFriendPairs = []byte("friend_pairs") // sorted id pair -> friendship id
	bucketFiles       = []byte("files")
	bucketPushSubs    = []byte("push_subscriptions")
)

var (
	ErrUsernameTaken    = errors.New("username already taken")
	ErrFriendshipExists = errors.New("friendship already exists")
)

type BboltStorage struct {
	db     *bbolt.DB
	events *changefeed.Feed

	// Guards the server-clock timestamp so message creation times are
	// monotonically non-decreasing in assignment order even if the wall
	// clock steps backwards.
	tsMu   sync.Mutex
	lastTS int64
}

// NewBboltStorage opens the database and ensures all buckets exist.
// Message mutations are announced on events after they commit.
func NewBboltStorage(path string, events *changefeed.Feed) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketProfiles,
			bucketUsernames,
			bucketMessages,
			bucketFriendships,
			bucketFriendPairs,
			bucketFiles,
			bucketPushSubs,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, events: events}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// storeErr maps infrastructure failures onto the store-unavailable class
// while letting domain sentinels pass through untouched.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrValidation) ||
		errors.Is(err, ErrUsernameTaken) ||
		errors.Is(err, ErrFriendshipExists) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
}

func (s *BboltStorage) nextTimestamp() int64 {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()

	now := time.Now().UnixMilli()
	if now < s.lastTS {
		now = s.lastTS
	}
	s.lastTS = now
	return now
}

// CreateProfile stores a new profile, enforcing username uniqueness.
func (s *BboltStorage) CreateProfile(profile models.Profile, passwordHash string) error {
	return storeErr(s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketUsernames)
		if names.Get([]byte(profile.Username)) != nil {
			return ErrUsernameTaken
		}

		dbProfile := &DBProfile{
			ID:           profile.ID,
			Username:     profile.Username,
			PasswordHash: passwordHash,
			AvatarURL:    profile.AvatarURL,
			IsAdmin:      profile.IsAdmin,
			Theme:        profile.Theme,
			LastSeen:     profile.Presence.LastSeen,
			CreatedAt:    profile.CreatedAt,
		}
		data, err := dbProfile.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketProfiles).Put(dbProfile.Key(), data); err != nil {
			return err
		}
		return names.Put([]byte(profile.Username), []byte(profile.ID))
	}))
}

func (s *BboltStorage) GetProfile(id string) (models.Profile, error) {
	var profile models.Profile
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketProfiles).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbProfile DBProfile
		if err := dbProfile.UnmarshalBinary(data); err != nil {
			return err
		}
		profile = dbProfile.toModel()
		return nil
	})
	return profile, storeErr(err)
}

// GetCredentials returns the profile and password hash for a username.
func (s *BboltStorage) GetCredentials(username string) (models.Profile, string, error) {
	var (
		profile models.Profile
		hash    string
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUsernames).Get([]byte(username))
		if id == nil {
			return models.ErrNotFound
		}
		data := tx.Bucket(bucketProfiles).Get(id)
		if data == nil {
			return models.ErrNotFound
		}
		var dbProfile DBProfile
		if err := dbProfile.UnmarshalBinary(data); err != nil {
			return err
		}
		profile = dbProfile.toModel()
		hash = dbProfile.PasswordHash
		return nil
	})
	return profile, hash, storeErr(err)
}

func (s *BboltStorage) GetProfileByUsername(username string) (models.Profile, error) {
	profile, _, err := s.GetCredentials(username)
	return profile, err
}

// UpdateProfile applies settings changes (username, theme, avatar).
// The admin flag and password hash are untouched. A username change
// re-checks uniqueness and moves the index entry.
func (s *BboltStorage) UpdateProfile(profile models.Profile) error {
	return storeErr(s.db.Update(func(tx *bbolt.Tx) error {
		profiles := tx.Bucket(bucketProfiles)
		data := profiles.Get([]byte(profile.ID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbProfile DBProfile
		if err := dbProfile.UnmarshalBinary(data); err != nil {
			return err
		}

		names := tx.Bucket(bucketUsernames)
		if profile.Username != dbProfile.Username {
			if names.Get([]byte(profile.Username)) != nil {
				return ErrUsernameTaken
			}
			if err := names.Delete([]byte(dbProfile.Username)); err != nil {
				return err
			}
			if err := names.Put([]byte(profile.Username), []byte(profile.ID)); err != nil {
				return err
			}
		}

		dbProfile.Username = profile.Username
		dbProfile.Theme = profile.Theme
		dbProfile.AvatarURL = profile.AvatarURL

		updated, err := dbProfile.MarshalBinary()
		if err != nil {
			return err
		}
		return profiles.Put(dbProfile.Key(), updated)
	}))
}

func (s *BboltStorage) SetLastSeen(id string, lastSeen int64) error {
	return storeErr(s.db.Update(func(tx *bbolt.Tx) error {
		profiles := tx.Bucket(bucketProfiles)
		data := profiles.Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbProfile DBProfile
		if err := dbProfile.UnmarshalBinary(data); err != nil {
			return err
		}
		dbProfile.LastSeen = lastSeen
		updated, err := dbProfile.MarshalBinary()
		if err != nil {
			return err
		}
		return profiles.Put(dbProfile.Key(), updated)
	}))
}

// ListProfiles returns all profiles ordered by username.
func (s *BboltStorage) ListProfiles() ([]models.Profile, error) {
	var profiles []models.Profile
	err := s.db.View(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(bucketUsernames)
		all := tx.Bucket(bucketProfiles)
		return ids.ForEach(func(_, id []byte) error {
			data := all.Get(id)
			if data == nil {
				return nil
			}
			var dbProfile DBProfile
			if err := dbProfile.UnmarshalBinary(data); err != nil {
				return err
			}
			profiles = append(profiles, dbProfile.toModel())
			return nil
		})
	})
	return profiles, storeErr(err)
}

// InsertMessage persists one message, assigning the identifier and the
// server-clock timestamp, and emits an insert event after the commit.
func (s *BboltStorage) InsertMessage(senderID, content string, isImage bool) (models.Message, error) {
	dbMessage := DBMessage{
		ID:        uuid.NewString(),
		Content:   content,
		SenderID:  senderID,
		IsImage:   isImage,
		CreatedAt: s.nextTimestamp(),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketProfiles).Get([]byte(senderID)) == nil {
			return fmt.Errorf("sender %s: %w", senderID, models.ErrNotFound)
		}
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMessages).Put(dbMessage.Key(), data)
	})
	if err != nil {
		return models.Message{}, storeErr(err)
	}

	if s.events != nil {
		s.events.Publish(changefeed.Event{Type: changefeed.EventInsert, MessageID: dbMessage.ID})
	}

	return models.Message{
		ID:        dbMessage.ID,
		Content:   dbMessage.Content,
		SenderID:  dbMessage.SenderID,
		IsImage:   dbMessage.IsImage,
		CreatedAt: dbMessage.CreatedAt,
	}, nil
}

// ListMessages returns the full room history joined with sender profile
// summaries, ordered by creation timestamp ascending.
func (s *BboltStorage) ListMessages() ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		profiles := tx.Bucket(bucketProfiles)
		senders := make(map[string]*models.ProfileSummary)

		c := tx.Bucket(bucketMessages).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}

			sender, ok := senders[dbMsg.SenderID]
			if !ok {
				if data := profiles.Get([]byte(dbMsg.SenderID)); data != nil {
					var dbProfile DBProfile
					if err := dbProfile.UnmarshalBinary(data); err != nil {
						return err
					}
					summary := dbProfile.toModel().Summary()
					sender = &summary
				}
				senders[dbMsg.SenderID] = sender
			}

			messages = append(messages, models.Message{
				ID:        dbMsg.ID,
				Content:   dbMsg.Content,
				SenderID:  dbMsg.SenderID,
				IsImage:   dbMsg.IsImage,
				CreatedAt: dbMsg.CreatedAt,
				Sender:    sender,
			})
		}
		return nil
	})
	return messages, storeErr(err)
}

// CreateFriendRequest records a pending friendship. The (requester, target)
// pair is unique in both directions and self-friending is rejected.
func (s *BboltStorage) CreateFriendRequest(requesterID, targetID string) (models.Friendship, error) {
	if requesterID == targetID {
		return models.Friendship{}, fmt.Errorf("%w: cannot befriend yourself", models.ErrValidation)
	}

	friendship := models.Friendship{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		TargetID:    targetID,
		Status:      models.FriendStatusPending,
		CreatedAt:   s.nextTimestamp(),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		profiles := tx.Bucket(bucketProfiles)
		if profiles.Get([]byte(requesterID)) == nil || profiles.Get([]byte(targetID)) == nil {
			return models.ErrNotFound
		}

		pairs := tx.Bucket(bucketFriendPairs)
		pair := pairKey(requesterID, targetID)
		if pairs.Get(pair) != nil {
			return ErrFriendshipExists
		}

		dbFriendship := &DBFriendship{
			ID:          friendship.ID,
			RequesterID: friendship.RequesterID,
			TargetID:    friendship.TargetID,
			Status:      string(friendship.Status),
			CreatedAt:   friendship.CreatedAt,
		}
		data, err := dbFriendship.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketFriendships).Put(dbFriendship.Key(), data); err != nil {
			return err
		}
		return pairs.Put(pair, []byte(friendship.ID))
	})
	if err != nil {
		return models.Friendship{}, storeErr(err)
	}
	return friendship, nil
}

// AcceptFriendRequest flips a pending request to accepted. Only the
// target of the request may accept it.
func (s *BboltStorage) AcceptFriendRequest(friendshipID, userID string) error {
	return storeErr(s.db.Update(func(tx *bbolt.Tx) error {
		friendships := tx.Bucket(bucketFriendships)
		data := friendships.Get([]byte(friendshipID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbFriendship DBFriendship
		if err := dbFriendship.UnmarshalBinary(data); err != nil {
			return err
		}
		if dbFriendship.TargetID != userID {
			return fmt.Errorf("%w: only the request target can accept", models.ErrValidation)
		}
		if dbFriendship.Status != string(models.FriendStatusPending) {
			return fmt.Errorf("%w: request is not pending", models.ErrValidation)
		}
		dbFriendship.Status = string(models.FriendStatusAccepted)
		updated, err := dbFriendship.MarshalBinary()
		if err != nil {
			return err
		}
		return friendships.Put(dbFriendship.Key(), updated)
	}))
}

// ListFriendships returns all friendships involving the user, in either
// direction, ordered by creation time ascending.
func (s *BboltStorage) ListFriendships(userID string) ([]models.Friendship, error) {
	var friendships []models.Friendship
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFriendships).ForEach(func(_, v []byte) error {
			var dbFriendship DBFriendship
			if err := dbFriendship.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbFriendship.RequesterID != userID && dbFriendship.TargetID != userID {
				return nil
			}
			friendships = append(friendships, models.Friendship{
				ID:          dbFriendship.ID,
				RequesterID: dbFriendship.RequesterID,
				TargetID:    dbFriendship.TargetID,
				Status:      models.FriendStatus(dbFriendship.Status),
				CreatedAt:   dbFriendship.CreatedAt,
			})
			return nil
		})
	})
	if err != nil {
		return nil, storeErr(err)
	}
	sort.Slice(friendships, func(i, j int) bool {
		return friendships[i].CreatedAt < friendships[j].CreatedAt
	})
	return friendships, nil
}

func pairKey(u1, u2 string) []byte {
	if u2 < u1 {
		u1, u2 = u2, u1
	}
	return []byte(u1 + "|" + u2)
}

// UpsertPushSubscription stores a browser push registration. Re-registering
// the same endpoint overwrites.
func (s *BboltStorage) UpsertPushSubscription(userID, endpoint, subscription string) error {
	return storeErr(s.db.Update(func(tx *bbolt.Tx) error {
		dbSub := &DBPushSubscription{
			UserID:       userID,
			Endpoint:     endpoint,
			Subscription: subscription,
		}
		data, err := dbSub.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPushSubs).Put(dbSub.Key(), data)
	}))
}

func (s *BboltStorage) ListPushSubscriptions() ([]DBPushSubscription, error) {
	var subs []DBPushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPushSubs).ForEach(func(_, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, dbSub)
			return nil
		})
	})
	return subs, storeErr(err)
}

func (p *DBProfile) toModel() models.Profile {
	return models.Profile{
		ID:        p.ID,
		Username:  p.Username,
		AvatarURL: p.AvatarURL,
		IsAdmin:   p.IsAdmin,
		Theme:     p.Theme,
		Presence:  models.Presence{LastSeen: p.LastSeen},
		CreatedAt: p.CreatedAt,
	}
}
