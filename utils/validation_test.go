package utils

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRequest struct {
	ProcessingType string  `json:"processing_type" validate:"required,max=10"`
	BatchID        *string `json:"batch_id,omitempty" validate:"omitempty,uuid"`
	ClientID       string  `form:"client_id" validate:"omitempty,max=5"`
	Mode           string  `json:"mode" validate:"omitempty,oneof=fast slow"`
}

func TestValidateStruct(t *testing.T) {
	t.Run("valid struct", func(t *testing.T) {
		id := uuid.NewString()
		s := testRequest{ProcessingType: "risk", BatchID: &id, ClientID: "A", Mode: "fast"}
		assert.NoError(t, ValidateStruct(&s))
	})

	t.Run("fields are named by tag", func(t *testing.T) {
		bad := "not-a-uuid"
		s := testRequest{BatchID: &bad, ClientID: "toolong", Mode: "medium"}

		err := ValidateStruct(&s)
		require.Error(t, err)
		assert.True(t, IsValidationError(err))

		fields := GetValidationFields(err)
		assert.Equal(t, "processing_type is required", fields["processing_type"])
		assert.Equal(t, "batch_id must be a valid UUID", fields["batch_id"])
		assert.Equal(t, "client_id must be at most 5", fields["client_id"])
		assert.Equal(t, "mode must be one of: fast slow", fields["mode"])
	})
}

func TestValidationErrorHelpers(t *testing.T) {
	err := &ValidationError{Message: "Validation failed", Fields: map[string]string{"a": "b"}}
	assert.Equal(t, "Validation failed", err.Error())
	assert.True(t, IsValidationError(err))
	assert.Equal(t, map[string]string{"a": "b"}, GetValidationFields(err))

	assert.False(t, IsValidationError(errors.New("other")))
	assert.Nil(t, GetValidationFields(errors.New("other")))
}

func TestParseUUID(t *testing.T) {
	id := uuid.New()

	got, err := ParseUUID(" "+id.String()+" ", "batch_id")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = ParseUUID("nope", "batch_id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_id must be a valid UUID")

	opt, err := ParseOptionalUUID("", "batch_id")
	require.NoError(t, err)
	assert.Nil(t, opt)

	opt, err = ParseOptionalUUID(id.String(), "batch_id")
	require.NoError(t, err)
	require.NotNil(t, opt)
	assert.Equal(t, id, *opt)
}
