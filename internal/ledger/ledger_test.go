package ledger

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bananafyi/tokens/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsConstraintViolation(t *testing.T) {
	err := fmt.Errorf("insert purchase: %w", &ConstraintViolationError{
		Constraint: ConstraintPurchaseSession,
		Err:        errors.New("duplicate key"),
	})

	assert.True(t, IsConstraintViolation(err, ConstraintPurchaseSession))
	assert.False(t, IsConstraintViolation(err, ConstraintAccountUser))
	assert.False(t, IsConstraintViolation(errors.New("duplicate key"), ConstraintPurchaseSession))
}

func TestPrepareUsage(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := &models.UsageRecord{AccountID: uuid.New(), OperationType: models.OperationImage, EstimatedTokens: 35}

	require.NoError(t, PrepareUsage(rec, now))
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.Equal(t, models.UsageStatusPending, rec.Status)
	assert.Equal(t, now, rec.CreatedAt)

	assert.Error(t, PrepareUsage(&models.UsageRecord{AccountID: uuid.New(), OperationType: "video"}, now))
	assert.Error(t, PrepareUsage(&models.UsageRecord{OperationType: models.OperationImage}, now))
	assert.Error(t, PrepareUsage(&models.UsageRecord{AccountID: uuid.New(), OperationType: models.OperationImage, EstimatedTokens: -1}, now))
}

func TestPreparePurchase(t *testing.T) {
	now := time.Now()
	rec := &models.PurchaseRecord{AccountID: uuid.New(), StripeSessionID: "cs_1", TokensAmount: 1000}

	require.NoError(t, PreparePurchase(rec, now))
	assert.Equal(t, models.PurchaseStatusCompleted, rec.Status)
	assert.Equal(t, rec.CreatedAt, rec.CompletedAt)

	assert.Error(t, PreparePurchase(&models.PurchaseRecord{AccountID: uuid.New(), TokensAmount: 1000}, now))
}

func TestValidateTransition(t *testing.T) {
	n := int64(3)
	assert.NoError(t, ValidateTransition(models.UsageStatusCompleted, &n))
	assert.NoError(t, ValidateTransition(models.UsageStatusFailed, nil))
	assert.Error(t, ValidateTransition(models.UsageStatusCompleted, nil))
	assert.Error(t, ValidateTransition(models.UsageStatusPending, nil))
}

func TestNormalizePage(t *testing.T) {
	limit, offset := NormalizePage(0, -5)
	assert.Equal(t, DefaultListLimit, limit)
	assert.Equal(t, 0, offset)

	limit, _ = NormalizePage(10_000, 0)
	assert.Equal(t, MaxListLimit, limit)
}
