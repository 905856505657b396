package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/OmChillure/newera-search/internal/models"
	bolt "go.etcd.io/bbolt"
)

var sessionsBucket = []byte("sessions")

// BoltDB implements the transcript archive using a BoltDB backend. Each session is stored in the
// sessions bucket, and its turns in a bucket of their own keyed by transcript position.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the
// database with required buckets and returns an error if the database cannot be opened or
// initialized. The database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to create sessions bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

func turnBucketName(sessionID string) []byte {
	return []byte(fmt.Sprintf("session-%s", sessionID))
}

func turnKey(i int) []byte {
	return []byte(fmt.Sprintf("%08d", i))
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// SaveSession stores the session record and replaces its archived transcript with turns.
func (b BoltDB) SaveSession(_ context.Context, session models.Session, turns []models.Turn) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(sessionsBucket)
		if sb == nil {
			return fmt.Errorf("sessions bucket is missing")
		}

		v, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		if err := sb.Put([]byte(session.ID), v); err != nil {
			return fmt.Errorf("failed to put session: %w", err)
		}

		name := turnBucketName(session.ID)
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("failed to reset turn bucket: %w", err)
			}
		}
		tb, err := tx.CreateBucket(name)
		if err != nil {
			return fmt.Errorf("failed to create turn bucket: %w", err)
		}

		for i, turn := range turns {
			v, err := json.Marshal(turn)
			if err != nil {
				return fmt.Errorf("failed to marshal turn: %w", err)
			}
			if err := tb.Put(turnKey(i), v); err != nil {
				return fmt.Errorf("failed to put turn: %w", err)
			}
		}
		return nil
	})
}

// Sessions retrieves all archived sessions, newest first.
func (b BoltDB) Sessions(context.Context) ([]models.Session, error) {
	var sessions []models.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(sessionsBucket)
		if sb == nil {
			return nil
		}

		return sb.ForEach(func(_, v []byte) error {
			var s models.Session
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			sessions = append(sessions, s)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(sessions, func(a, b models.Session) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return sessions, nil
}

// Session retrieves one archived session with its turns in transcript order.
func (b BoltDB) Session(_ context.Context, sessionID string) (models.Session, []models.Turn, error) {
	var (
		session models.Session
		turns   []models.Turn
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(sessionsBucket)
		if sb == nil {
			return models.ErrSessionNotArchived
		}
		v := sb.Get([]byte(sessionID))
		if v == nil {
			return models.ErrSessionNotArchived
		}
		if err := json.Unmarshal(v, &session); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}

		tb := tx.Bucket(turnBucketName(sessionID))
		if tb == nil {
			return nil
		}
		return tb.ForEach(func(_, v []byte) error {
			var t models.Turn
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("failed to unmarshal turn: %w", err)
			}
			turns = append(turns, t)
			return nil
		})
	})
	if err != nil {
		return models.Session{}, nil, err
	}
	return session, turns, nil
}
