package cli

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/abilian/abilian-core/internal/core"
)

// openServices builds the container of the configured instance. The returned
// context acts as the system user. Indexes are opened only when start is set.
func openServices(ctx context.Context, start bool) (*core.Services, context.Context, error) {
	svc, err := core.New(ctx, loaded, core.Options{})
	if err != nil {
		return nil, nil, err
	}
	ctx = log.Logger.WithContext(ctx)
	ctx = svc.SystemContext(ctx)
	if start {
		if err := svc.Start(ctx); err != nil {
			svc.Close()
			return nil, nil, err
		}
	}
	return svc, ctx, nil
}
