// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/edged/internal/module"
	edgederrors "github.com/tombee/edged/pkg/errors"
)

// Key identifiers accepted by Sign.
const (
	KeyPrimary   = "primary"
	KeySecondary = "secondary"
)

const keySize = 32

type identityEntry struct {
	identity module.Identity
	keys     map[string][]byte
}

// IdentityManager keeps identities and their signing keys in memory.
type IdentityManager struct {
	managedBy string

	mu         sync.Mutex
	identities map[string]*identityEntry
}

// NewIdentityManager creates an identity manager. managedBy is recorded on
// every identity it creates.
func NewIdentityManager(managedBy string) *IdentityManager {
	return &IdentityManager{
		managedBy:  managedBy,
		identities: make(map[string]*identityEntry),
	}
}

// GetOrCreate returns the existing identity or creates a new generation.
func (m *IdentityManager) GetOrCreate(ctx context.Context, moduleID string) (module.Identity, error) {
	if moduleID == "" {
		return module.Identity{}, &edgederrors.ValidationError{Field: "module_id", Message: "must not be empty"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.identities[moduleID]; ok {
		return e.identity, nil
	}

	keys := make(map[string][]byte, 2)
	for _, id := range []string{KeyPrimary, KeySecondary} {
		k := make([]byte, keySize)
		if _, err := rand.Read(k); err != nil {
			return module.Identity{}, fmt.Errorf("generating %s key: %w", id, err)
		}
		keys[id] = k
	}

	e := &identityEntry{
		identity: module.Identity{
			ModuleID:     moduleID,
			GenerationID: uuid.NewString(),
			ManagedBy:    m.managedBy,
			CreatedAt:    time.Now().UTC(),
		},
		keys: keys,
	}
	m.identities[moduleID] = e
	return e.identity, nil
}

// Get returns an existing identity.
func (m *IdentityManager) Get(ctx context.Context, moduleID string) (module.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.identities[moduleID]
	if !ok {
		return module.Identity{}, &edgederrors.NotFoundError{Resource: "identity", ID: moduleID}
	}
	return e.identity, nil
}

// Sign computes HMAC-SHA256 of data with the identity's key. The generation
// ID must match the current identity so stale modules cannot sign.
func (m *IdentityManager) Sign(ctx context.Context, moduleID, generationID, keyID string, data []byte) ([]byte, error) {
	m.mu.Lock()
	e, ok := m.identities[moduleID]
	m.mu.Unlock()

	if !ok || e.identity.GenerationID != generationID {
		return nil, &edgederrors.NotFoundError{Resource: "identity", ID: moduleID + "/" + generationID}
	}
	key, ok := e.keys[keyID]
	if !ok {
		return nil, &edgederrors.ValidationError{Field: "keyId", Message: fmt.Sprintf("unknown key %q", keyID)}
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

var (
	_ module.IdentityManager = (*IdentityManager)(nil)
	_ module.Signer          = (*IdentityManager)(nil)
)
