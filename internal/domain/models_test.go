package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIngestStatus(t *testing.T) {
	for _, s := range []string{"ingesting", "succeeded", "failed"} {
		status, err := ParseIngestStatus(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(status))
	}

	_, err := ParseIngestStatus("done")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNewKnowledgeBaseValidate(t *testing.T) {
	assert.NoError(t, NewKnowledgeBase{ProjectID: 1, Status: StatusIngesting}.Validate())
	assert.ErrorIs(t, NewKnowledgeBase{ProjectID: 0, Status: StatusIngesting}.Validate(), ErrValidation)
	assert.ErrorIs(t, NewKnowledgeBase{ProjectID: 1, Status: "pending"}.Validate(), ErrValidation)
}

func TestDeleteResultErr(t *testing.T) {
	assert.NoError(t, DeleteResult{Reason: ReasonDeleted}.Err())
	assert.ErrorIs(t, DeleteResult{Reason: ReasonNotFound}.Err(), ErrNotFound)
	assert.ErrorIs(t, DeleteResult{Reason: ReasonAlreadyDeleted}.Err(), ErrConflict)
	assert.ErrorIs(t, DeleteResult{Reason: ReasonQAKBForbidden}.Err(), ErrForbidden)
	assert.ErrorIs(t, DeleteResult{Reason: ReasonIngestingForbidden}.Err(), ErrForbidden)
}

func TestExternalServiceWrapsOnce(t *testing.T) {
	base := errors.New("boom")
	err := ExternalService(base)
	assert.ErrorIs(t, err, ErrExternalService)
	assert.ErrorIs(t, err, base)
	assert.Same(t, err, ExternalService(err))
	assert.NoError(t, ExternalService(nil))
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "abc", NormalizeText("  a\x00bc \n"))
	assert.Nil(t, OptionalText(nil))
	blank := " \x00 "
	assert.Nil(t, OptionalText(&blank))
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-03-05")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 5, d.Day())

	d, err = ParseDate("  ")
	require.NoError(t, err)
	assert.Nil(t, d)

	_, err = ParseDate("05/03/2024")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIngestStatusTransitions(t *testing.T) {
	assert.True(t, StatusIngesting.CanTransition(StatusSucceeded))
	assert.True(t, StatusIngesting.CanTransition(StatusFailed))
	assert.True(t, StatusSucceeded.CanTransition(StatusIngesting))
	assert.True(t, StatusFailed.CanTransition(StatusIngesting))

	assert.False(t, StatusIngesting.CanTransition(StatusIngesting))
	assert.False(t, StatusSucceeded.CanTransition(StatusFailed))
	assert.False(t, IngestStatus("pending").CanTransition(StatusIngesting))
}
