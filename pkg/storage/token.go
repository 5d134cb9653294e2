package storage

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// ContinuationToken is the decoded form of the opaque cursor returned by
// ReadExperiencePage. It points at the last experience of the previous page:
// creation time plus document ID as tiebreak, so the cursor stays stable when
// many documents share a timestamp.
type ContinuationToken struct {
	CreatedAt    time.Time `json:"created_at"`
	ExperienceID string    `json:"experience_id"`
}

// MarshalContinuationToken serializes the token into its opaque wire form.
func MarshalContinuationToken(token *ContinuationToken) string {
	data, err := json.Marshal(token)
	if err != nil {
		// ContinuationToken has no unmarshalable fields.
		panic(err)
	}
	return base64.URLEncoding.EncodeToString(data)
}

// UnmarshalContinuationToken decodes an opaque cursor. It returns
// ErrInvalidContinuationToken for anything it did not itself produce.
func UnmarshalContinuationToken(s string) (*ContinuationToken, error) {
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidContinuationToken
	}

	var token ContinuationToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, ErrInvalidContinuationToken
	}
	if token.ExperienceID == "" {
		return nil, ErrInvalidContinuationToken
	}

	return &token, nil
}
