package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"authcore/permission"
	"authcore/provider"
)

var (
	bucketAttempts   = []byte("attempts")
	bucketUsers      = []byte("users")
	bucketUsersByExt = []byte("users_by_ext")
	bucketAPIKeys    = []byte("api_keys")
)

// BoltStore persists users, key records, and login attempts in a bbolt
// file. Relying clients come from configuration and stay in memory.
type BoltStore struct {
	db      *bolt.DB
	clients map[string]OAuthClient
}

// NewBoltStore opens (or creates) the database file and ensures buckets.
func NewBoltStore(path string, clients []OAuthClient) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketAttempts, bucketUsers, bucketUsersByExt, bucketAPIKeys} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &BoltStore{db: db, clients: make(map[string]OAuthClient, len(clients))}
	for _, c := range clients {
		s.clients[c.ID] = c
	}
	return s, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

func (s *BoltStore) SaveAttempt(_ context.Context, a Attempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketAttempts), []byte(a.ID), a)
	})
}

func (s *BoltStore) GetAttempt(_ context.Context, id string) (Attempt, error) {
	var a Attempt
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAttempts).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &a)
	})
	return a, err
}

// TransitionAttempt relies on bbolt serializing write transactions: the
// read-check-write below is atomic with respect to other transitions.
func (s *BoltStore) TransitionAttempt(_ context.Context, id string, from AttemptState, mutate func(*Attempt)) (Attempt, error) {
	var a Attempt
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		raw := b.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		if a.State != from {
			return fmt.Errorf("%w: attempt %s is %s, not %s", ErrStateConflict, id, a.State, from)
		}
		mutate(&a)
		return putJSON(b, []byte(id), a)
	})
	if err != nil {
		return Attempt{}, err
	}
	return a, nil
}

func (s *BoltStore) UpsertAPIUser(_ context.Context, ext provider.ExternalUserID, name string, emails []string) (APIUser, error) {
	var u APIUser
	err := s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		byExt := tx.Bucket(bucketUsersByExt)
		now := time.Now().UTC()

		if idRaw := byExt.Get([]byte(ext.String())); idRaw != nil {
			raw := users.Get(idRaw)
			if raw == nil {
				return fmt.Errorf("user index points at missing record %s", idRaw)
			}
			if err := json.Unmarshal(raw, &u); err != nil {
				return err
			}
			u.Name = name
			u.Emails = emails
			u.UpdatedAt = now
			return putJSON(users, idRaw, u)
		}

		u = APIUser{
			ID:          uuid.New(),
			ExternalID:  ext,
			Name:        name,
			Emails:      emails,
			Permissions: permission.NewSet(),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := putJSON(users, u.ID[:], u); err != nil {
			return err
		}
		return byExt.Put([]byte(ext.String()), u.ID[:])
	})
	if err != nil {
		return APIUser{}, err
	}
	return u, nil
}

func (s *BoltStore) GetAPIUser(_ context.Context, id uuid.UUID) (APIUser, error) {
	var u APIUser
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketUsers).Get(id[:])
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &u)
	})
	return u, err
}

func (s *BoltStore) SetAPIUserPermissions(_ context.Context, id uuid.UUID, perms permission.Set) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		raw := b.Get(id[:])
		if raw == nil {
			return ErrNotFound
		}
		var u APIUser
		if err := json.Unmarshal(raw, &u); err != nil {
			return err
		}
		u.Permissions = perms
		u.UpdatedAt = time.Now().UTC()
		return putJSON(b, id[:], u)
	})
}

func (s *BoltStore) SaveAPIKey(_ context.Context, rec APIKeyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketAPIKeys), rec.ID[:], rec)
	})
}

func (s *BoltStore) GetAPIKey(_ context.Context, id uuid.UUID) (APIKeyRecord, error) {
	var rec APIKeyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAPIKeys).Get(id[:])
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

func (s *BoltStore) DeleteAPIKey(_ context.Context, id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		if b.Get(id[:]) == nil {
			return ErrNotFound
		}
		return b.Delete(id[:])
	})
}

func (s *BoltStore) GetOAuthClient(_ context.Context, id string) (OAuthClient, error) {
	c, ok := s.clients[id]
	if !ok {
		return OAuthClient{}, ErrNotFound
	}
	return c, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }
