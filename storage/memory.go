package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"connectd/core"
)

// Predefined owners for tests and the demo seed.
var (
	Owner1 = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	Owner2 = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

// MemoryRepository keeps everything in process memory. It backs the "memory"
// database type and the tests.
type MemoryRepository struct {
	mu sync.Mutex

	owners  map[uuid.UUID]time.Time
	tokens  map[string]*core.OAuthToken // slug -> token
	nextID  int64
	nowFunc func() time.Time

	// Track method calls for verification
	GetOrCreateTokenCalls int
	UpdateTokenCalls      int
	FindTokenBySlugCalls  int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		owners:  make(map[uuid.UUID]time.Time),
		tokens:  make(map[string]*core.OAuthToken),
		nowFunc: time.Now,
	}
}

// Seed stores token as is, creating its owner. Slug and ID are assigned when
// empty.
func (m *MemoryRepository) Seed(token *core.OAuthToken) *core.OAuthToken {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.owners[token.OwnerID]; !ok {
		m.owners[token.OwnerID] = m.nowFunc()
	}
	if token.Slug == "" {
		token.Slug = newSlug()
	}
	if token.ID == 0 {
		m.nextID++
		token.ID = m.nextID
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = m.nowFunc()
		token.UpdatedAt = token.CreatedAt
	}
	m.tokens[token.Slug] = token.Clone()
	return token
}

func (m *MemoryRepository) EnsureOwner(ctx context.Context, ownerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.owners[ownerID]; !ok {
		m.owners[ownerID] = m.nowFunc()
	}
	return nil
}

func (m *MemoryRepository) DeleteOwner(ctx context.Context, ownerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.owners[ownerID]; !ok {
		return core.ErrNotFound
	}
	delete(m.owners, ownerID)
	for slug, t := range m.tokens {
		if t.OwnerID == ownerID {
			delete(m.tokens, slug)
		}
	}
	return nil
}

func (m *MemoryRepository) GetOrCreateToken(ctx context.Context, provider core.Provider, externalUserID string, ownerID uuid.UUID) (*core.OAuthToken, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetOrCreateTokenCalls++

	if _, ok := m.owners[ownerID]; !ok {
		return nil, false, core.ErrNotFound
	}

	for _, t := range m.tokens {
		if t.Provider == provider && t.ExternalUserID == externalUserID {
			if t.OwnerID != ownerID {
				return nil, false, core.ErrAlreadyExists
			}
			return t.Clone(), false, nil
		}
	}

	now := m.nowFunc().Truncate(time.Second)
	m.nextID++
	token := &core.OAuthToken{
		ID:             m.nextID,
		Slug:           newSlug(),
		Provider:       provider,
		OwnerID:        ownerID,
		ExternalUserID: externalUserID,
		Profile:        core.UserInfo{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.tokens[token.Slug] = token
	return token.Clone(), true, nil
}

func (m *MemoryRepository) UpdateToken(ctx context.Context, token *core.OAuthToken, prevAccessToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdateTokenCalls++

	current, ok := m.tokens[token.Slug]
	if !ok {
		return core.ErrNotFound
	}
	if current.AccessToken != prevAccessToken {
		return core.ErrConflict
	}

	updated := token.Clone()
	// identity fields are never rewritten
	updated.ID = current.ID
	updated.Provider = current.Provider
	updated.OwnerID = current.OwnerID
	updated.ExternalUserID = current.ExternalUserID
	updated.CreatedAt = current.CreatedAt
	m.tokens[token.Slug] = updated
	return nil
}

func (m *MemoryRepository) FindTokenBySlug(ctx context.Context, slug string) (*core.OAuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FindTokenBySlugCalls++

	t, ok := m.tokens[slug]
	if !ok {
		return nil, core.ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryRepository) ListTokensByOwner(ctx context.Context, ownerID uuid.UUID) ([]*core.OAuthToken, error) {
	return m.list(func(t *core.OAuthToken) bool { return t.OwnerID == ownerID }), nil
}

func (m *MemoryRepository) ListTokens(ctx context.Context) ([]*core.OAuthToken, error) {
	return m.list(func(*core.OAuthToken) bool { return true }), nil
}

func (m *MemoryRepository) list(match func(*core.OAuthToken) bool) []*core.OAuthToken {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*core.OAuthToken{}
	for _, t := range m.tokens {
		if match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryRepository) DeleteToken(ctx context.Context, slug string, ownerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[slug]
	if !ok || t.OwnerID != ownerID {
		return core.ErrNotFound
	}
	delete(m.tokens, slug)
	return nil
}
