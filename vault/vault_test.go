package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/hengadev/errsx"
	secrets "github.com/libopenstorage/vaultkv"
	"github.com/libopenstorage/vaultkv/test"
	"github.com/libopenstorage/vaultkv/vault/approle"
	"github.com/libopenstorage/vaultkv/vault/kv"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRoleID   = "4d6f1a32-role"
	testSecretID = "9b1c44e0-secret"
)

// mockVault serves approle logins and KV2 reads of static_secrets/.
type mockVault struct {
	t *testing.T

	mu       sync.Mutex
	issued   int
	valid    map[string]bool
	logins   int
	reads    int
	denyNext int
	versions map[string][]string
}

func newMockVault(t *testing.T) (*mockVault, *httptest.Server) {
	mv := &mockVault{
		t:     t,
		valid: map[string]bool{},
		versions: map[string][]string{
			"portworx/sikret": {`{"bar":"baz123"}`, `{"bar":"baz456"}`, `{"bar":"baz987"}`},
		},
	}
	srv := httptest.NewServer(mv)
	t.Cleanup(srv.Close)
	return mv, srv
}

func (m *mockVault) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t.Log("mockVault: REQ[", req.Method, req.URL.String(), "]")

	switch {
	case req.Method == http.MethodPost && req.URL.Path == "/v1/auth/approle/login":
		m.logins++
		var body struct {
			RoleID   string `json:"role_id"`
			SecretID string `json:"secret_id"`
		}
		if err := decodeJSON(req, &body); err != nil || body.RoleID != testRoleID || body.SecretID != testSecretID {
			resp.WriteHeader(http.StatusBadRequest)
			resp.Write([]byte(`{"errors":["invalid role or secret ID"]}`))
			return
		}
		m.issued++
		token := fmt.Sprintf("hvs.token-%d", m.issued)
		m.valid[token] = true
		fmt.Fprintf(resp, `{"auth":{"accessor":"acc-%d","client_token":%q,"lease_duration":300,"policies":["default","portworx"],"renewable":true,"token_type":"service"}}`, m.issued, token)

	case req.Method == http.MethodGet && strings.HasPrefix(req.URL.Path, "/v1/static_secrets/data/"):
		m.reads++
		if m.denyNext > 0 || !m.valid[req.Header.Get("X-Vault-Token")] {
			if m.denyNext > 0 {
				m.denyNext--
			}
			resp.WriteHeader(http.StatusForbidden)
			resp.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		name := strings.TrimPrefix(req.URL.Path, "/v1/static_secrets/data/")
		versions, ok := m.versions[name]
		if !ok {
			resp.WriteHeader(http.StatusNotFound)
			resp.Write([]byte(`{"errors":[]}`))
			return
		}
		version := len(versions)
		if q := req.URL.Query().Get("version"); q != "" {
			version, _ = strconv.Atoi(q)
		}
		if version < 1 || version > len(versions) {
			resp.WriteHeader(http.StatusNotFound)
			resp.Write([]byte(`{"errors":[]}`))
			return
		}
		fmt.Fprintf(resp, `{"data":{"data":%s,"metadata":{"created_time":"2024-04-12T07:40:32.759558919Z","custom_metadata":null,"deletion_time":"","destroyed":false,"version":%d}}}`,
			versions[version-1], version)

	default:
		resp.WriteHeader(http.StatusNotFound)
		resp.Write([]byte(`{"errors":[]}`))
	}
}

func (m *mockVault) expire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.valid = map[string]bool{}
}

func (m *mockVault) counts() (logins, reads int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logins, m.reads
}

func testConfig(address string) map[string]interface{} {
	return map[string]interface{}{
		VaultAddressKey:     address,
		VaultRoleIDKey:      testRoleID,
		VaultSecretIDKey:    testSecretID,
		VaultBackendPathKey: "static_secrets/",
	}
}

func newTestBackend(t *testing.T, config map[string]interface{}) *Backend {
	logger, _ := logtest.NewNullLogger()
	b, err := NewWithOptions(context.Background(), config, WithLogger(logger))
	require.NoError(t, err)
	return b
}

func TestAll(t *testing.T) {
	_, srv := newMockVault(t)
	b := newTestBackend(t, testConfig(srv.URL))

	fixture := test.Fixture{SecretId: "portworx/sikret", Key: "bar", Value: "baz987", Version: 3}
	test.Run(b, fixture, t)
	test.RunForReader(b, fixture, t)
}

func TestNewMissingConfig(t *testing.T) {
	for _, k := range []string{VaultAddressKey, VaultRoleIDKey, VaultSecretIDKey, VaultBackendPathKey} {
		t.Setenv(k, "")
	}

	_, err := New(map[string]interface{}{
		VaultBackendPathKey: "a//b",
	})
	require.Error(t, err)

	var errs errsx.Map
	require.True(t, errors.As(err, &errs), "%v", err)
	for _, k := range []string{VaultAddressKey, VaultRoleIDKey, VaultSecretIDKey, VaultBackendPathKey} {
		_, ok := errs[k]
		assert.True(t, ok, "expected %s in %v", k, err)
	}
	assert.NotContains(t, err.Error(), testSecretID)
}

func TestNewInvalidAddress(t *testing.T) {
	config := testConfig("127.0.0.1:8200")
	_, err := New(config)
	require.Error(t, err)
	var errs errsx.Map
	require.True(t, errors.As(err, &errs))
	_, ok := errs[VaultAddressKey]
	assert.True(t, ok)
}

func TestNewFromEnv(t *testing.T) {
	_, srv := newMockVault(t)
	t.Setenv(api.EnvVaultAddress, srv.URL)
	t.Setenv(VaultRoleIDKey, testRoleID)
	t.Setenv(VaultSecretIDKey, testSecretID)
	t.Setenv(VaultBackendPathKey, "static_secrets")

	s, err := secrets.New(Name, nil)
	require.NoError(t, err)
	assert.Equal(t, Name, s.String())

	data, version, err := s.GetSecret("portworx/sikret", nil)
	require.NoError(t, err)
	assert.Equal(t, "baz987", data["bar"])
	assert.Equal(t, secrets.Version("3"), version)
}

func TestNewInvalidCredentials(t *testing.T) {
	_, srv := newMockVault(t)
	config := testConfig(srv.URL)
	config[VaultSecretIDKey] = "consumed-secret-id"

	s, err := New(config)
	assert.Nil(t, s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, approle.ErrInvalidCredentials), "%v", err)
	assert.NotContains(t, err.Error(), "consumed-secret-id")
}

func TestGetSecretVersions(t *testing.T) {
	_, srv := newMockVault(t)
	b := newTestBackend(t, testConfig(srv.URL))

	for v, want := range map[string]string{"1": "baz123", "2": "baz456", "3": "baz987"} {
		data, version, err := b.GetSecret("portworx/sikret", map[string]string{secrets.KeyVersion: v})
		require.NoError(t, err)
		assert.Equal(t, want, data["bar"])
		assert.Equal(t, secrets.Version(v), version)
	}

	_, _, err := b.GetSecret("portworx/sikret", map[string]string{secrets.KeyVersion: "4"})
	assert.Equal(t, secrets.ErrInvalidSecretId, err)

	for _, bad := range []string{"0", "-1", "latest"} {
		_, _, err := b.GetSecret("portworx/sikret", map[string]string{secrets.KeyVersion: bad})
		assert.Equal(t, ErrInvalidVersion, err, bad)
	}
}

func TestGetSecretReauthenticates(t *testing.T) {
	mv, srv := newMockVault(t)
	b := newTestBackend(t, testConfig(srv.URL))

	logins, _ := mv.counts()
	require.Equal(t, 1, logins)

	// token revoked server side
	mv.expire()

	data, _, err := b.GetSecret("portworx/sikret", nil)
	require.NoError(t, err)
	assert.Equal(t, "baz987", data["bar"])

	logins, reads := mv.counts()
	assert.Equal(t, 2, logins)
	assert.Equal(t, 2, reads)

	// the fresh token is reused
	_, _, err = b.GetSecret("portworx/sikret", nil)
	require.NoError(t, err)
	logins, reads = mv.counts()
	assert.Equal(t, 2, logins)
	assert.Equal(t, 3, reads)
}

func TestGetSecretUnauthorizedAfterLogin(t *testing.T) {
	mv, srv := newMockVault(t)
	b := newTestBackend(t, testConfig(srv.URL))

	mv.mu.Lock()
	mv.denyNext = 2
	mv.mu.Unlock()

	_, _, err := b.GetSecret("portworx/sikret", nil)
	assert.True(t, errors.Is(err, kv.ErrUnauthorized), "%v", err)

	logins, reads := mv.counts()
	assert.Equal(t, 2, logins, "only one extra login per read")
	assert.Equal(t, 2, reads)
}

func TestGetSecretConcurrentRelogin(t *testing.T) {
	mv, srv := newMockVault(t)
	b := newTestBackend(t, testConfig(srv.URL))
	mv.expire()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Get(context.Background(), secrets.SecretKey{Name: "portworx/sikret"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	logins, _ := mv.counts()
	assert.Equal(t, 2, logins)
}

func TestGetPrefixOverride(t *testing.T) {
	_, srv := newMockVault(t)
	config := testConfig(srv.URL)
	config[VaultBackendPathKey] = "secret/"
	b := newTestBackend(t, config)

	_, err := b.Get(context.Background(), secrets.SecretKey{Name: "portworx/sikret"})
	assert.Equal(t, secrets.ErrInvalidSecretId, err)

	data, err := b.Get(context.Background(), secrets.SecretKey{Prefix: "static_secrets", Name: "portworx/sikret"})
	require.NoError(t, err)
	assert.Equal(t, "baz987", data["bar"])
}

func TestBackendDoesNotLogSecrets(t *testing.T) {
	_, srv := newMockVault(t)
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	b, err := NewWithOptions(context.Background(), testConfig(srv.URL), WithLogger(logger))
	require.NoError(t, err)
	_, _, err = b.GetSecret("portworx/sikret", nil)
	require.NoError(t, err)

	require.NotEmpty(t, hook.AllEntries())
	for _, e := range hook.AllEntries() {
		s, err := e.String()
		require.NoError(t, err)
		assert.NotContains(t, s, testSecretID)
		assert.NotContains(t, s, "hvs.token-")
		assert.NotContains(t, s, "baz987")
	}
}

func decodeJSON(req *http.Request, v interface{}) error {
	return json.NewDecoder(req.Body).Decode(v)
}
