package storage

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestContinuationTokenRoundTrip(t *testing.T) {
	token := &ContinuationToken{
		CreatedAt:    time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC),
		ExperienceID: "experience-42",
	}

	got, err := UnmarshalContinuationToken(MarshalContinuationToken(token))
	require.NoError(t, err)
	require.Equal(t, token.ExperienceID, got.ExperienceID)
	require.True(t, token.CreatedAt.Equal(got.CreatedAt))
}

func TestUnmarshalContinuationTokenInvalid(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "not_base64",
			token: "not a token!",
		},
		{
			name:  "not_json",
			token: base64.URLEncoding.EncodeToString([]byte("notjson")),
		},
		{
			name:  "missing_experience_id",
			token: base64.URLEncoding.EncodeToString([]byte(`{"created_at":"2024-06-01T12:30:00Z"}`)),
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := UnmarshalContinuationToken(test.token)
			require.ErrorIs(t, err, ErrInvalidContinuationToken)
		})
	}
}

func TestExperienceCategoryIDs(t *testing.T) {
	e := &Experience{
		ID:                  "e1",
		PrimaryCategory:     "restaurants",
		SecondaryCategories: []string{"date-night", "restaurants", ""},
		ColorCategory:       "red",
	}

	require.Equal(t, []string{"restaurants", "date-night", "red"}, e.CategoryIDs())
}

func TestScopeValid(t *testing.T) {
	require.True(t, ScopeExperience.Valid())
	require.True(t, ScopeCategory.Valid())
	require.True(t, ScopeColorCategory.Valid())
	require.False(t, Scope("user").Valid())
	require.False(t, Scope("").Valid())
}
