package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plendy/sharesync/pkg/storage"
)

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{
			name: "created",
			body: `{"type":"grant.created","grant":{"id":"g1","owner":"u1","scope":"category","scopeId":"catA","grantee":"u2","accessLevel":"view"}}`,
		},
		{
			name: "deleted",
			body: `{"type":"grant.deleted","grant":{"id":"g1","owner":"u1","scope":"experience","scopeId":"e1","grantee":"u2"}}`,
		},
		{
			name: "updated",
			body: `{"type":"grant.updated","before":{"id":"g1","owner":"u1","scope":"category","scopeId":"catA","grantee":"u2"},"after":{"id":"g1","owner":"u1","scope":"category","scopeId":"catA","grantee":"u3"}}`,
		},
		{
			name: "updated_without_before",
			body: `{"type":"grant.updated","after":{"id":"g1","owner":"u1","scope":"category","scopeId":"catA","grantee":"u2"}}`,
		},
		{
			name:    "created_missing_grant",
			body:    `{"type":"grant.created"}`,
			wantErr: true,
		},
		{
			name:    "updated_missing_after",
			body:    `{"type":"grant.updated","before":{"id":"g1"}}`,
			wantErr: true,
		},
		{
			name:    "unknown_type",
			body:    `{"type":"grant.archived","grant":{"id":"g1"}}`,
			wantErr: true,
		},
		{
			name:    "not_json",
			body:    `{{`,
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(test.body))
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, env)
		})
	}
}

func TestGrantToStorage(t *testing.T) {
	wire := &Grant{
		ID:          "g1",
		Owner:       "u1",
		Scope:       "color_category",
		ScopeID:     "red",
		Grantee:     "u2",
		AccessLevel: "edit",
	}

	got := wire.ToStorage()
	require.Equal(t, storage.ScopeColorCategory, got.Scope)
	require.Equal(t, storage.AccessLevelEdit, got.AccessLevel)
	require.Equal(t, "red", got.ScopeID)
	require.Equal(t, "u2", got.Grantee)

	var nilGrant *Grant
	require.Nil(t, nilGrant.ToStorage())
}
