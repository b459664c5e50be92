package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBProfile struct {
	ID           string `msgpack:"id"`
	Username     string `msgpack:"username"`
	PasswordHash string `msgpack:"passwordHash"`
	AvatarURL    string `msgpack:"avatarUrl"`
	IsAdmin      bool   `msgpack:"isAdmin"`
	Theme        string `msgpack:"theme"`
	LastSeen     int64  `msgpack:"lastSeen"`
	CreatedAt    int64  `msgpack:"createdAt"`
}

func (p *DBProfile) Key() []byte {
	return []byte(p.ID)
}

func (p *DBProfile) MarshalBinary() (data []byte, err error) {
	type alias DBProfile
	return msgpack.Marshal((*alias)(p))
}

func (p *DBProfile) UnmarshalBinary(data []byte) error {
	type alias DBProfile
	return msgpack.Unmarshal(data, (*alias)(p))
}

type DBMessage struct {
	ID        string `msgpack:"id"`
	Content   string `msgpack:"content"`
	SenderID  string `msgpack:"senderId"`
	IsImage   bool   `msgpack:"isImage"`
	CreatedAt int64  `msgpack:"createdAt"`
}

// Key orders messages by creation timestamp ascending; the ID suffix keeps
// keys unique when timestamps collide (relative order of such messages is
// unspecified and must not be relied upon).
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBFriendship struct {
	ID          string `msgpack:"id"`
	RequesterID string `msgpack:"requesterId"`
	TargetID    string `msgpack:"targetId"`
	Status      string `msgpack:"status"`
	CreatedAt   int64  `msgpack:"createdAt"`
}

func (f *DBFriendship) Key() []byte {
	return []byte(f.ID)
}

func (f *DBFriendship) MarshalBinary() (data []byte, err error) {
	type alias DBFriendship
	return msgpack.Marshal((*alias)(f))
}

func (f *DBFriendship) UnmarshalBinary(data []byte) error {
	type alias DBFriendship
	return msgpack.Unmarshal(data, (*alias)(f))
}

// DBPushSubscription stores a browser Web Push registration, keyed by
// endpoint so re-registering the same browser overwrites.
type DBPushSubscription struct {
	UserID       string `msgpack:"userId"`
	Endpoint     string `msgpack:"endpoint"`
	Subscription string `msgpack:"subscription"` // raw JSON from the browser
}

func (s *DBPushSubscription) Key() []byte {
	return []byte(s.Endpoint)
}

func (s *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}
