// Package registry reads immutable model metadata records from the
// relational catalog backing the model cache's load path.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mixaill76/inference-server/internal/modelkey"
	"github.com/mixaill76/inference-server/internal/pgpool"
)

// ErrRegistryMissing is returned when no record exists for a ModelKey.
var ErrRegistryMissing = errors.New("registry: no record for model key")

// Record is an immutable catalog entry: where to fetch a model's artifact
// and which framework decodes it.
type Record struct {
	Key         modelkey.Key
	ArtifactKey string
	Framework   string
	Metadata    json.RawMessage
}

// Client looks up model metadata. The core never writes through this
// interface; registration is out of scope and happens externally.
type Client interface {
	Lookup(ctx context.Context, key modelkey.Key) (*Record, error)
}

// PostgresClient is the production Client backed by the registry database.
type PostgresClient struct {
	pool *pgpool.Pool
}

// New constructs a PostgresClient over an already-established pool.
func New(pool *pgpool.Pool) *PostgresClient {
	return &PostgresClient{pool: pool}
}

const lookupQuery = `
	SELECT artifact_key, framework, metadata_json
	FROM model_metadata
	WHERE name = $1 AND version = $2
	LIMIT 1`

// Lookup fetches the record for key, or ErrRegistryMissing if none exists.
func (c *PostgresClient) Lookup(ctx context.Context, key modelkey.Key) (*Record, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: acquire connection: %w", err)
	}
	defer conn.Release()

	var (
		artifactKey string
		framework   string
		metadata    []byte
	)
	err = conn.QueryRow(ctx, lookupQuery, key.Name, key.Version).Scan(&artifactKey, &framework, &metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRegistryMissing
		}
		return nil, fmt.Errorf("registry: lookup %s: %w", key, err)
	}

	return &Record{
		Key:         key,
		ArtifactKey: artifactKey,
		Framework:   framework,
		Metadata:    metadata,
	}, nil
}
