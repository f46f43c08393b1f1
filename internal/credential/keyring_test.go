package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoundTrip(t *testing.T) {
	s := New(keyring.NewArrayKeyring(nil))

	require.NoError(t, s.Set(MailboxPasswordKey, "hunter2"))

	v, err := s.Get(MailboxPasswordKey)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	require.NoError(t, s.Delete(MailboxPasswordKey))

	_, err = s.Get(MailboxPasswordKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_LookupMissing(t *testing.T) {
	s := New(keyring.NewArrayKeyring(nil))

	v, err := s.Lookup(VirusTotalKey)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestIsKnownKey(t *testing.T) {
	assert.True(t, IsKnownKey("virustotal-api-key"))
	assert.False(t, IsKnownKey("jira-token"))
}
