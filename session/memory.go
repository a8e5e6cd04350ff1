package session

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory keeps sessions in process. Sessions do not survive a restart and
// are not shared between instances.
type Memory struct{ c *gocache.Cache }

func NewMemory(defaultTTL time.Duration) *Memory {
	return &Memory{c: gocache.New(defaultTTL, time.Minute)}
}

func (m *Memory) Load(ctx context.Context, id string) (map[string]string, error) {
	v, ok := m.c.Get(id)
	if !ok {
		return nil, nil
	}
	values, _ := v.(map[string]string)
	return copyValues(values), nil
}

func (m *Memory) Save(ctx context.Context, id string, values map[string]string, ttl time.Duration) error {
	m.c.Set(id, copyValues(values), ttl)
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.c.Delete(id)
	return nil
}

func copyValues(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
