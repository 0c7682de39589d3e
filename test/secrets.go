// Package test holds conformance checks run against every backend.
package test

import (
	"context"
	"strconv"
	"testing"

	"github.com/pborman/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	secrets "github.com/libopenstorage/vaultkv"
)

// Fixture describes a secret the backend under test is expected to hold.
type Fixture struct {
	// SecretId is the name of an existing secret.
	SecretId string
	// Key and Value are one field of its current version.
	Key   string
	Value string
	// Version is the current version, 0 for unversioned backends.
	Version int
}

type secretTest struct {
	s         secrets.Secrets
	fixture   Fixture
	missingId string
}

// Run checks s against the read contract using fixture.
func Run(s secrets.Secrets, fixture Fixture, t *testing.T) {
	st := &secretTest{
		s:         s,
		fixture:   fixture,
		missingId: "openstorage_secret_" + uuid.New(),
	}
	st.TestGetSecret(t)
	st.TestGetSecretVersion(t)
	st.TestGetSecretIdempotent(t)
}

func (a *secretTest) TestGetSecret(t *testing.T) {
	// GetSecret with non-existant id
	_, _, err := a.s.GetSecret(a.missingId, nil)
	assert.Equal(t, secrets.ErrInvalidSecretId, err, "Expected GetSecret to fail")

	// GetSecret with empty id
	_, _, err = a.s.GetSecret("", nil)
	assert.Equal(t, secrets.ErrEmptySecretId, err, "Expected GetSecret to fail")

	data, version, err := a.s.GetSecret(a.fixture.SecretId, nil)
	require.NoError(t, err, "Expected GetSecret to succeed")
	v, ok := data[a.fixture.Key]
	assert.True(t, ok, "Unexpected secretData")
	str, ok := v.(string)
	assert.True(t, ok, "Unexpected secretData")
	assert.Equal(t, a.fixture.Value, str, "Unexpected secretData")
	if a.fixture.Version > 0 {
		assert.Equal(t, secrets.Version(strconv.Itoa(a.fixture.Version)), version)
	}
}

func (a *secretTest) TestGetSecretVersion(t *testing.T) {
	if a.fixture.Version == 0 {
		return
	}
	keyContext := map[string]string{secrets.KeyVersion: strconv.Itoa(a.fixture.Version)}
	data, version, err := a.s.GetSecret(a.fixture.SecretId, keyContext)
	require.NoError(t, err, "Expected GetSecret with version to succeed")
	assert.Equal(t, a.fixture.Value, data[a.fixture.Key])
	assert.Equal(t, secrets.Version(strconv.Itoa(a.fixture.Version)), version)

	_, _, err = a.s.GetSecret(a.fixture.SecretId, map[string]string{secrets.KeyVersion: "0"})
	assert.Error(t, err, "Expected GetSecret with version 0 to fail")
}

func (a *secretTest) TestGetSecretIdempotent(t *testing.T) {
	first, v1, err := a.s.GetSecret(a.fixture.SecretId, nil)
	require.NoError(t, err)
	second, v2, err := a.s.GetSecret(a.fixture.SecretId, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, v1, v2)
}

// RunForReader checks the context aware read path of r.
func RunForReader(r secrets.SecretReader, fixture Fixture, t *testing.T) {
	_, err := r.Get(context.Background(), secrets.SecretKey{Name: "openstorage_secret_" + uuid.New()})
	assert.Equal(t, secrets.ErrInvalidSecretId, err, "Expected Get to fail")

	data, err := r.Get(context.Background(), secrets.SecretKey{Name: fixture.SecretId})
	require.NoError(t, err, "Expected Get to succeed")
	assert.Equal(t, fixture.Value, data[fixture.Key])
}
