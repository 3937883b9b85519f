// Package credentials keeps vendor API keys in the database so workers can
// pick up a rotated key without a redeploy.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"productshot/internal/infra"
	"productshot/internal/sqlinline"
)

const ProviderOpenAI = "openai"

var ErrEmptyKey = errors.New("api key is required")

type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// Token returns the stored key of provider, or "" when none is stored.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	var token string
	if err := s.sql.QueryRow(ctx, sqlinline.QProviderKeySelect, provider).Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("select %s key: %w", provider, err)
	}
	return strings.TrimSpace(token), nil
}

// SetToken stores key for provider, replacing any previous one.
func (s *Store) SetToken(ctx context.Context, provider, key, rotatedBy string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	if _, err := s.sql.Exec(ctx, sqlinline.QProviderKeyUpsert, provider, key, rotatedBy); err != nil {
		return fmt.Errorf("store %s key: %w", provider, err)
	}
	return nil
}

// Resolve prefers the configured key and falls back to the stored one.
func (s *Store) Resolve(ctx context.Context, provider, configured string) (string, error) {
	if key := strings.TrimSpace(configured); key != "" {
		return key, nil
	}
	return s.Token(ctx, provider)
}
