// Package storage implements core.Repository on SQLite, PostgreSQL, YDB and
// in memory.
package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"connectd/core"
)

// tokenColumns is the column list every SQL backend selects, in scan order.
const tokenColumns = `id, slug, provider, owner_id, external_user_id, access_token, token_type, scope,
	refresh_token, refresh_token_expires_at, expires_at, profile, name, created_at, updated_at`

// newSlug returns a 22 character URL-safe identifier.
func newSlug() string {
	return shortuuid.New()
}

func encodeProfile(p core.UserInfo) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode profile: %w", err)
	}
	return string(b), nil
}

func decodeProfile(s string) (core.UserInfo, error) {
	if s == "" {
		return core.UserInfo{}, nil
	}
	var p core.UserInfo
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if p == nil {
		p = core.UserInfo{}
	}
	return p, nil
}

// nullableUnix converts an optional time to a nullable unix column value.
func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// zeroUnix is nullableUnix for stores without typed NULL parameters; 0
// stands for absent.
func zeroUnix(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}

func fromUnix(valid bool, v int64) *time.Time {
	if !valid || v == 0 {
		return nil
	}
	t := time.Unix(v, 0)
	return &t
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "unique")
}
