package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ledgersync/ledgersync/internal/domain"
	"github.com/ledgersync/ledgersync/internal/store"
)

// IdentitySource yields the seed that binds an envelope to its owner
type IdentitySource interface {
	Seed(ctx context.Context) (string, error)
}

// SubjectSource reports the authenticated user, if any
type SubjectSource interface {
	Subject() (string, bool)
}

// DeviceIdentity uses the authenticated subject when there is one and falls
// back to a random device id generated once and kept in the local store.
type DeviceIdentity struct {
	subjects SubjectSource
	kv       store.KV

	mu       sync.Mutex
	deviceID string
}

// NewDeviceIdentity creates an identity source. subjects may be nil.
func NewDeviceIdentity(subjects SubjectSource, kv store.KV) *DeviceIdentity {
	return &DeviceIdentity{subjects: subjects, kv: kv}
}

// Seed implements IdentitySource
func (d *DeviceIdentity) Seed(ctx context.Context) (string, error) {
	if d.subjects != nil {
		if subject, ok := d.subjects.Subject(); ok && subject != "" {
			return subject, nil
		}
	}
	return d.DeviceID(ctx)
}

// DeviceID returns the persisted device id, creating it on first use
func (d *DeviceIdentity) DeviceID(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.deviceID != "" {
		return d.deviceID, nil
	}

	raw, found, err := d.kv.Get(ctx, domain.KeyDeviceID)
	if err != nil {
		return "", err
	}
	if found {
		var id string
		if err := json.Unmarshal(raw, &id); err == nil && id != "" {
			d.deviceID = id
			return id, nil
		}
	}

	id := uuid.NewString()
	encoded, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	if err := d.kv.Put(ctx, domain.KeyDeviceID, encoded); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	d.deviceID = id
	return id, nil
}
