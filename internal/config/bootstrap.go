package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/gpttools/gpttools/internal"
	"github.com/gpttools/gpttools/internal/storage"
)

// Bootstrap seeds the database from the config file on first run. Seeded
// platform keys are matched by hash, so re-running is a no-op.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		hash := gateway.HashKey(k.Key)

		existing, _ := store.GetKeyByHash(ctx, hash)
		if existing != nil {
			continue
		}

		key := &gateway.APIKey{
			ID:           uuid.Must(uuid.NewV7()).String(),
			Name:         k.Name,
			KeyHash:      hash,
			Status:       gateway.KeyStatusActive,
			ClientType:   gateway.ClientTypeCodex,
			ProtocolType: gateway.ProtocolOpenAICompat,
			AuthScheme:   gateway.AuthSchemeBearer,
			CreatedAt:    time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped platform key", "name", k.Name)
	}

	return nil
}
