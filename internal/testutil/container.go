package testutil

import (
	"context"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const defaultPostgresImage = "postgres:16-alpine"

// PostgresContainer is a throwaway queue database for integration tests.
type PostgresContainer struct {
	container        *postgres.PostgresContainer
	ConnectionString string
}

// NewPostgresContainer starts PostgreSQL and waits until it accepts
// connections. TEST_POSTGRES_IMAGE overrides the image.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	image := os.Getenv("TEST_POSTGRES_IMAGE")
	if image == "" {
		image = defaultPostgresImage
	}

	container, err := postgres.Run(ctx, image,
		postgres.WithDatabase("webhooks"),
		postgres.WithUsername("webhooks"),
		postgres.WithPassword("webhooks"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", image, err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	return &PostgresContainer{container: container, ConnectionString: dsn}, nil
}

// Terminate stops and removes the container.
func (c *PostgresContainer) Terminate(ctx context.Context) error {
	return c.container.Terminate(ctx)
}
