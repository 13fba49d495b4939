package tenant

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/upb/sdp-ingestion/models"
	"github.com/upb/sdp-ingestion/repositories"
	"github.com/upb/sdp-ingestion/services"
)

// AuthorizeBatch loads an existing batch and enforces the caller's tenant against it
func AuthorizeBatch(ctx context.Context, batches repositories.BatchRepository, res Resolution, claim string, batchID uuid.UUID) (*models.Batch, string, error) {
	batch, err := batches.GetByID(ctx, batchID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, "", services.NewNotFoundError("batch not found").WithDetail("batch_id", batchID.String())
		}
		return nil, "", services.WrapInternal("failed to load batch", err)
	}

	effective, err := EnforceTenant(res, claim, batch.TenantID)
	if err != nil {
		return nil, "", err
	}
	return batch, effective, nil
}
