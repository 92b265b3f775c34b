package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voicelink/credential"
	"voicelink/securestore"
)

// ResumeKey names the record of the session that was live when the process
// last ran. It is removed by an explicit disconnect.
const ResumeKey = "active_session"

type ResumeRecord struct {
	Endpoint string    `json:"endpoint"`
	Secret   string    `json:"secret"`
	SavedAt  time.Time `json:"saved_at"`
}

// LoadResume returns the stored record, or ok=false when there is none.
func LoadResume(ctx context.Context, store credential.BlobStore) (rec ResumeRecord, ok bool, err error) {
	raw, err := store.Get(ctx, ResumeKey)
	if errors.Is(err, securestore.ErrNotFound) {
		return ResumeRecord{}, false, nil
	}
	if err != nil {
		return ResumeRecord{}, false, fmt.Errorf("load resume record: %w", err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ResumeRecord{}, false, fmt.Errorf("decode resume record: %w", err)
	}
	if rec.Endpoint == "" || rec.Secret == "" {
		return ResumeRecord{}, false, nil
	}
	return rec, true, nil
}

func saveResume(ctx context.Context, store credential.BlobStore, rec ResumeRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := store.Set(ctx, ResumeKey, raw); err != nil {
		return fmt.Errorf("save resume record: %w", err)
	}
	return nil
}

func deleteResume(ctx context.Context, store credential.BlobStore) error {
	err := store.Delete(ctx, ResumeKey)
	if err == nil || errors.Is(err, securestore.ErrNotFound) {
		return nil
	}
	return err
}
