package boot

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRamdiskMissingLumen(t *testing.T) {
	fs := afero.NewMemMapFs()
	err := CheckRamdisk(fs)
	assert.Error(t, err)
}

func TestCheckRamdiskTooSmall(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, RouterBinaryName, []byte("tiny"), 0644))

	err := CheckRamdisk(fs)
	assert.Error(t, err)
}

func TestCheckRamdiskOK(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, RouterBinaryName, []byte("0123456789abcdef"), 0644))

	assert.NoError(t, CheckRamdisk(fs))
}

func TestCheckRamdiskRejectsDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(RouterBinaryName, 0755))

	err := CheckRamdisk(fs)
	assert.Error(t, err)
}
