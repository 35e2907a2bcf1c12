package appid

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appidentityassets "github.com/corsproxy/corsproxy/internal/assets/appidentity"
)

func prepareIdentityForTest(t *testing.T) {
	t.Helper()

	// gofulmen caches identity per process; Reset clears the cache and the
	// embedded registration.
	appidentity.Reset()
	require.NoError(t, appidentity.RegisterEmbeddedIdentityYAML(appidentityassets.YAML))
	t.Cleanup(func() { appidentity.Reset() })
}

func TestGet_EmbeddedIdentityOutsideRepo(t *testing.T) {
	prepareIdentityForTest(t)
	t.Setenv(appidentity.EnvIdentityPath, "")

	oldWD, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(oldWD) })
	require.NoError(t, os.Chdir(t.TempDir()))

	identity, err := Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "corsproxy", identity.BinaryName)
	assert.Equal(t, "CORSPROXY_", identity.EnvPrefix)
	assert.Equal(t, "corsproxy", identity.ConfigName)
	assert.NotEmpty(t, identity.Vendor)
	assert.NotEmpty(t, identity.Description)
}

func TestGet_EnvVarRemainsAuthoritative(t *testing.T) {
	prepareIdentityForTest(t)

	missing := filepath.Join(t.TempDir(), "missing-app.yaml")
	t.Setenv(appidentity.EnvIdentityPath, missing)

	_, err := Get(context.Background())
	require.Error(t, err)

	var notFound *appidentity.NotFoundError
	assert.True(t, errors.As(err, &notFound), "expected NotFoundError, got %T: %v", err, err)
}

func TestNameFallbacks(t *testing.T) {
	assert.Equal(t, DefaultBinaryName, BinaryName(nil))
	assert.Equal(t, DefaultBinaryName, ConfigName(nil))
	assert.Equal(t, DefaultEnvPrefix, EnvPrefix(nil))
	assert.Equal(t, DefaultBinaryName, TelemetryNamespace(nil))

	partial := &appidentity.Identity{BinaryName: "edgeproxy", EnvPrefix: "EDGE"}
	assert.Equal(t, "edgeproxy", BinaryName(partial))
	assert.Equal(t, "edgeproxy", ConfigName(partial))
	assert.Equal(t, "EDGE_", EnvPrefix(partial))
	assert.Equal(t, "edgeproxy", TelemetryNamespace(partial))

	full := &appidentity.Identity{BinaryName: "edgeproxy", ConfigName: "edge", EnvPrefix: "EDGE_"}
	assert.Equal(t, "edge", ConfigName(full))
	assert.Equal(t, "EDGE_", EnvPrefix(full))
}

func TestEmbeddedIdentityNames(t *testing.T) {
	prepareIdentityForTest(t)
	t.Setenv(appidentity.EnvIdentityPath, "")

	oldWD, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(oldWD) })
	require.NoError(t, os.Chdir(t.TempDir()))

	identity, err := Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "corsproxy", TelemetryNamespace(identity))
	assert.Equal(t, "CORSPROXY_", EnvPrefix(identity))
}
