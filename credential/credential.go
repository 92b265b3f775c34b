// Package credential keeps the list of endpoint/secret pairs that have
// authenticated successfully. The list is stored as one JSON record in an
// encrypted blob store.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"voicelink/log"
	"voicelink/securestore"
)

// RecordKey names the blob holding the credential list.
const RecordKey = "connectivity_credentials"

var ErrEmpty = errors.New("credential: endpoint and secret are required")

type Credential struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Secret   string `json:"secret"`
}

// BlobStore is the key/value capability the list is persisted to.
// *securestore.Store satisfies it.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

type Store struct {
	blobs BlobStore
	newID func() (string, error)

	mu    sync.Mutex
	creds []Credential
}

func NewStore(blobs BlobStore) *Store {
	return &Store{blobs: blobs, newID: newV7}
}

func newV7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Load replaces the in-memory list with the persisted one. A missing record
// loads as an empty list.
func (s *Store) Load(ctx context.Context) ([]Credential, error) {
	raw, err := s.blobs.Get(ctx, RecordKey)
	if errors.Is(err, securestore.ErrNotFound) {
		s.mu.Lock()
		s.creds = nil
		s.mu.Unlock()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	var creds []Credential
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}

	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	return clone(creds), nil
}

// Upsert records a successful endpoint/secret pair. An existing entry with
// the same secret keeps its ID and gets the new endpoint.
func (s *Store) Upsert(ctx context.Context, endpoint, secret string) (Credential, error) {
	if endpoint == "" || secret == "" {
		return Credential{}, ErrEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := clone(s.creds)
	var saved Credential
	found := false
	for i := range next {
		if next[i].Secret == secret {
			next[i].Endpoint = endpoint
			saved = next[i]
			found = true
			break
		}
	}
	if !found {
		id, err := s.newID()
		if err != nil {
			return Credential{}, fmt.Errorf("generate credential id: %w", err)
		}
		saved = Credential{ID: id, Endpoint: endpoint, Secret: secret}
		next = append(next, saved)
	}

	if err := s.persist(ctx, next); err != nil {
		return Credential{}, err
	}
	s.creds = next
	log.Infof("credential saved id=%s endpoint=%s updated=%t", saved.ID, saved.Endpoint, found)
	return saved, nil
}

// Remove deletes the credential with id. Unknown ids are ignored.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]Credential, 0, len(s.creds))
	for _, c := range s.creds {
		if c.ID != id {
			next = append(next, c)
		}
	}
	if len(next) == len(s.creds) {
		return nil
	}

	if err := s.persist(ctx, next); err != nil {
		return err
	}
	s.creds = next
	return nil
}

// List returns a copy of the current list in insertion order.
func (s *Store) List() []Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.creds)
}

// Find returns the credential with id.
func (s *Store) Find(id string) (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds {
		if c.ID == id {
			return c, true
		}
	}
	return Credential{}, false
}

func (s *Store) persist(ctx context.Context, creds []Credential) error {
	if creds == nil {
		creds = []Credential{}
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := s.blobs.Set(ctx, RecordKey, raw); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

func clone(in []Credential) []Credential {
	if in == nil {
		return nil
	}
	out := make([]Credential, len(in))
	copy(out, in)
	return out
}
