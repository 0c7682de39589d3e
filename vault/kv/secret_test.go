package kv

import (
	"errors"
	"testing"
	"time"

	"github.com/hengadev/errsx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSecret(data map[string]interface{}) *Secret {
	return &Secret{Data: data, Metadata: Metadata{Version: 1}}
}

func shapeErrorKeys(t *testing.T, err error) []string {
	t.Helper()
	require.True(t, errors.Is(err, ErrShapeMismatch), "%v", err)
	var m errsx.Map
	require.True(t, errors.As(err, &m), "%v", err)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

type dbCreds struct {
	Username string            `json:"username"`
	Password string            `json:"password"`
	Port     int               `json:"port"`
	TLS      bool              `json:"tls"`
	Rotated  time.Time         `json:"rotated"`
	Labels   map[string]string `json:"labels,omitempty"`
	Replica  *string           `json:"replica"`
	Ignored  string            `json:"-"`
}

func TestDecodeStruct(t *testing.T) {
	s := testSecret(map[string]interface{}{
		"username": "admin",
		"password": "hunter2",
		"port":     float64(5432),
		"tls":      true,
		"rotated":  "2024-01-01T00:00:00Z",
		"labels":   map[string]interface{}{"env": "prod"},
		"extra":    "ignored",
	})

	var c dbCreds
	require.NoError(t, s.Decode(&c))
	assert.Equal(t, "admin", c.Username)
	assert.Equal(t, "hunter2", c.Password)
	assert.Equal(t, 5432, c.Port)
	assert.True(t, c.TLS)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), c.Rotated)
	assert.Equal(t, map[string]string{"env": "prod"}, c.Labels)
	assert.Nil(t, c.Replica)
}

func TestDecodeMissingRequired(t *testing.T) {
	s := testSecret(map[string]interface{}{
		"password": "hunter2",
	})

	var c dbCreds
	err := s.Decode(&c)
	assert.ElementsMatch(t, []string{"username", "port", "tls", "rotated"}, shapeErrorKeys(t, err))
	assert.Empty(t, c.Password, "nothing is written on mismatch")
}

func TestDecodeWrongTypes(t *testing.T) {
	s := testSecret(map[string]interface{}{
		"username": float64(42),
		"password": "hunter2",
		"port":     "5432",
		"tls":      "yes",
		"rotated":  "last tuesday",
		"labels":   map[string]interface{}{"env": true},
		"replica":  false,
	})

	var c dbCreds
	err := s.Decode(&c)
	assert.ElementsMatch(t,
		[]string{"username", "port", "tls", "rotated", "labels.env", "replica"},
		shapeErrorKeys(t, err))
	assert.NotContains(t, err.Error(), "hunter2")
	assert.NotContains(t, err.Error(), "5432")
	assert.NotContains(t, err.Error(), "last tuesday")
}

func TestDecodeNumbers(t *testing.T) {
	type shape struct {
		Small int8    `json:"small"`
		Count uint    `json:"count"`
		Ratio float64 `json:"ratio"`
	}

	var ok shape
	require.NoError(t, testSecret(map[string]interface{}{
		"small": float64(-7), "count": float64(3), "ratio": 0.5,
	}).Decode(&ok))
	assert.Equal(t, shape{Small: -7, Count: 3, Ratio: 0.5}, ok)

	var bad shape
	err := testSecret(map[string]interface{}{
		"small": float64(300), "count": float64(-1), "ratio": "0.5",
	}).Decode(&bad)
	assert.ElementsMatch(t, []string{"small", "count", "ratio"}, shapeErrorKeys(t, err))

	err = testSecret(map[string]interface{}{
		"small": 1.5, "count": float64(1), "ratio": float64(1),
	}).Decode(&bad)
	assert.ElementsMatch(t, []string{"small"}, shapeErrorKeys(t, err))
}

func TestDecodeNested(t *testing.T) {
	type endpoint struct {
		Host string `json:"host"`
	}
	type shape struct {
		Primary  endpoint   `json:"primary"`
		Replicas []endpoint `json:"replicas"`
	}

	var ok shape
	require.NoError(t, testSecret(map[string]interface{}{
		"primary":  map[string]interface{}{"host": "db-0"},
		"replicas": []interface{}{map[string]interface{}{"host": "db-1"}},
	}).Decode(&ok))
	assert.Equal(t, "db-0", ok.Primary.Host)
	assert.Equal(t, []endpoint{{Host: "db-1"}}, ok.Replicas)

	var bad shape
	err := testSecret(map[string]interface{}{
		"primary":  map[string]interface{}{},
		"replicas": []interface{}{map[string]interface{}{"host": 1.0}, "db-2"},
	}).Decode(&bad)
	assert.ElementsMatch(t,
		[]string{"primary.host", "replicas[0].host", "replicas[1]"},
		shapeErrorKeys(t, err))
}

func TestDecodeNull(t *testing.T) {
	type shape struct {
		Name string      `json:"name"`
		Any  interface{} `json:"any"`
	}
	var c shape
	err := testSecret(map[string]interface{}{"name": nil, "any": nil}).Decode(&c)
	assert.ElementsMatch(t, []string{"name"}, shapeErrorKeys(t, err))
}

func TestDecodeTarget(t *testing.T) {
	s := testSecret(map[string]interface{}{"a": "b"})

	var c dbCreds
	for _, target := range []interface{}{nil, c, (*dbCreds)(nil), new(string)} {
		err := s.Decode(target)
		assert.True(t, errors.Is(err, ErrShapeMismatch), "%T", target)
	}
}

func TestStrings(t *testing.T) {
	m, err := testSecret(map[string]interface{}{"password": "hunter2", "user": "admin"}).Strings()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"password": "hunter2", "user": "admin"}, m)

	_, err = testSecret(map[string]interface{}{"password": "hunter2", "port": float64(1)}).Strings()
	assert.ElementsMatch(t, []string{"port"}, shapeErrorKeys(t, err))
}

func TestDecodeArrayLength(t *testing.T) {
	type shape struct {
		User  string    `json:"user"`
		Hosts [1]string `json:"hosts"`
	}

	var bad shape
	err := testSecret(map[string]interface{}{
		"user": "admin", "hosts": []interface{}{"db-0", "db-1"},
	}).Decode(&bad)
	assert.ElementsMatch(t, []string{"hosts"}, shapeErrorKeys(t, err))
	assert.Equal(t, shape{}, bad, "nothing is written on mismatch")

	var ok shape
	require.NoError(t, testSecret(map[string]interface{}{
		"user": "admin", "hosts": []interface{}{"db-0"},
	}).Decode(&ok))
	assert.Equal(t, shape{User: "admin", Hosts: [1]string{"db-0"}}, ok)
}

func TestDecodeReplacesTarget(t *testing.T) {
	existing := map[string]string{"keep": "me"}
	err := testSecret(map[string]interface{}{"user": "admin", "port": float64(1)}).Decode(&existing)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	assert.Equal(t, map[string]string{"keep": "me"}, existing)

	require.NoError(t, testSecret(map[string]interface{}{"user": "admin"}).Decode(&existing))
	assert.Equal(t, map[string]string{"user": "admin"}, existing)
}

func TestDecodeKeysMatchExactly(t *testing.T) {
	type shape struct {
		Password string `json:"password"`
		Count    int    `json:"count,omitempty"`
	}

	var c shape
	require.NoError(t, testSecret(map[string]interface{}{
		"password": "p", "COUNT": 1.5,
	}).Decode(&c))
	assert.Equal(t, shape{Password: "p"}, c)

	err := testSecret(map[string]interface{}{"Password": "p"}).Decode(&c)
	assert.ElementsMatch(t, []string{"password"}, shapeErrorKeys(t, err))
}

type AccountBase struct {
	Username string `json:"username"`
}

func TestDecodeEmbeddedAndUntagged(t *testing.T) {
	type shape struct {
		AccountBase
		Password string
	}

	var c shape
	require.NoError(t, testSecret(map[string]interface{}{
		"username": "admin", "Password": "hunter2",
	}).Decode(&c))
	assert.Equal(t, "admin", c.Username)
	assert.Equal(t, "hunter2", c.Password)

	err := testSecret(map[string]interface{}{
		"username": "admin", "password": "hunter2",
	}).Decode(&c)
	assert.ElementsMatch(t, []string{"Password"}, shapeErrorKeys(t, err))

	err = testSecret(map[string]interface{}{
		"AccountBase": map[string]interface{}{"username": "admin"}, "Password": "hunter2",
	}).Decode(&c)
	assert.ElementsMatch(t, []string{"username"}, shapeErrorKeys(t, err))
}
