package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/offlinesync/internal/models"
)

// Envelope is the serialized form of a record used by byte-oriented backends.
type Envelope struct {
	ModelType         string                 `json:"model_type"`
	ID                string                 `json:"id,omitempty"`
	LocalID           string                 `json:"local_id"`
	Synced            bool                   `json:"is_synced"`
	MarkedForDeletion bool                   `json:"marked_for_deletion,omitempty"`
	Changes           []models.FieldChange   `json:"changes,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	SyncError         string                 `json:"sync_error,omitempty"`
	SyncAttempts      int                    `json:"sync_attempts,omitempty"`
	Payload           map[string]interface{} `json:"payload"`
}

// EnvelopeOf captures a record and its metadata.
func EnvelopeOf(m models.SyncModel) Envelope {
	meta := m.Base().Meta()
	return Envelope{
		ModelType:         m.ModelType(),
		ID:                meta.ID,
		LocalID:           meta.LocalID,
		Synced:            meta.Synced,
		MarkedForDeletion: meta.MarkedForDeletion,
		Changes:           meta.Changes,
		CreatedAt:         meta.CreatedAt,
		UpdatedAt:         meta.UpdatedAt,
		SyncError:         meta.SyncError,
		SyncAttempts:      meta.SyncAttempts,
		Payload:           m.ToJSON(),
	}
}

// Encode serializes a record.
func Encode(m models.SyncModel) ([]byte, error) {
	return EnvelopeOf(m).Marshal()
}

// Marshal serializes the envelope.
func (env Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s %s: %w", env.ModelType, env.LocalID, err)
	}
	return data, nil
}

// Decode rebuilds a record with the registry's factory and restores its metadata.
func Decode(registry *models.Registry, data []byte) (models.SyncModel, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return env.Model(registry)
}

// Model rebuilds the record the envelope describes.
func (env Envelope) Model(registry *models.Registry) (models.SyncModel, error) {
	m, err := registry.Decode(env.ModelType, env.Payload)
	if err != nil {
		return nil, err
	}
	m.Base().SetMeta(models.Meta{
		ID:                env.ID,
		LocalID:           env.LocalID,
		Synced:            env.Synced,
		MarkedForDeletion: env.MarkedForDeletion,
		Changes:           env.Changes,
		CreatedAt:         env.CreatedAt.UTC(),
		UpdatedAt:         env.UpdatedAt.UTC(),
		SyncError:         env.SyncError,
		SyncAttempts:      env.SyncAttempts,
	})
	return m, nil
}
