package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ritmohq/ritmo/pkg/persistence"
	"github.com/ritmohq/ritmo/pkg/persistence/file"
	"github.com/ritmohq/ritmo/pkg/persistence/postgresql"
)

// NewPersistence builds a persistence backend from a database URL. A
// postgres:// or postgresql:// URL selects the SQL backend; anything else is
// treated as a filesystem root.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		backend, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic("failed to initialize postgresql persistence: " + err.Error())
		}

		return backend
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"))
	}
}
