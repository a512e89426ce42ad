package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProperties(t *testing.T) {
	props, err := ParseProperties([]byte("key: calib\nrole: expert\nwhen: (now ; 2 hour)\nusecase:\n  model: Calibration\n  config:\n    tick: 10ms\n"))
	require.NoError(t, err)
	assert.Equal(t, "calib", props["key"])
	assert.Equal(t, "(now ; 2 hour)", props["when"])
	uc, ok := props["usecase"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Calibration", uc["model"])

	props, err = ParseProperties([]byte(`{"key": "calib", "special_functional_cardinalities": {"exclusive": ["/dev1/temp"]}}`))
	require.NoError(t, err)
	assert.Equal(t, "calib", props["key"])

	_, err = ParseProperties(nil)
	assert.Error(t, err)

	_, err = ParseProperties([]byte("key: [unterminated"))
	assert.Error(t, err)
}

func TestReadPropertiesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calib.yaml")
	require.NoError(t, os.WriteFile(path, []byte("key: calib\npriority: 3\n"), 0644))

	props, err := ReadPropertiesFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, props["priority"])

	_, err = ReadPropertiesFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("# nothing\n"), 0644))
	_, err = ReadPropertiesFile(empty)
	assert.ErrorContains(t, err, "empty.yaml")
}
