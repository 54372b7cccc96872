package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("OCPP_TEST_SYSTEM_NAME=from-file\nOCPP_TEST_PRESET=from-file\n"), 0o600))

	t.Setenv("OCPP_TEST_PRESET", "from-process")
	t.Setenv("OCPP_TEST_SYSTEM_NAME", "")
	os.Unsetenv("OCPP_TEST_SYSTEM_NAME")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, loaded)
	assert.Equal(t, "from-file", os.Getenv("OCPP_TEST_SYSTEM_NAME"))
	assert.Equal(t, "from-process", os.Getenv("OCPP_TEST_PRESET"), "process environment wins")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestLocationsStartWithWorkingDirectory(t *testing.T) {
	locations := Locations()
	require.NotEmpty(t, locations)
	assert.Equal(t, ".env", locations[0])
	assert.Contains(t, locations, "/etc/ocpp-central/.env")
}

func TestGetEnv(t *testing.T) {
	t.Setenv("OCPP_TEST_VALUE", "x")
	assert.Equal(t, "x", GetEnv("OCPP_TEST_VALUE", "d"))
	assert.Equal(t, "d", GetEnv("OCPP_TEST_UNSET_VALUE", "d"))

	t.Setenv("OCPP_TEST_EMPTY", "")
	assert.Equal(t, "", GetEnv("OCPP_TEST_EMPTY", "d"), "set but empty is still set")
}
