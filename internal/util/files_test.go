package util

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUtil_ArchiveDirectory(t *testing.T) {
	t.Run("success - nested files land in the archive", func(t *testing.T) {
		// arrange
		workdir := t.TempDir()
		require.NoError(t, os.Chdir(workdir))
		require.NoError(t, os.Mkdir("artifacts", os.ModePerm))

		src := filepath.Join("artifacts", "42")
		require.NoError(t, os.MkdirAll(filepath.Join(src, "target"), os.ModePerm))
		require.NoError(t, os.WriteFile(
			filepath.Join(src, "lcov.info"), []byte("TN:\n"), 0644,
		))
		require.NoError(t, os.WriteFile(
			filepath.Join(src, "target", "app"), []byte("binary"), 0644,
		))

		// act
		archivePath, err := ArchiveDirectory(src)

		// assert
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("artifacts", "42.zip"), archivePath)

		zr, err := zip.OpenReader(archivePath)
		require.NoError(t, err)
		defer zr.Close()
		names := make([]string, 0, len(zr.File))
		for _, f := range zr.File {
			names = append(names, f.Name)
		}
		assert.ElementsMatch(t, []string{
			filepath.Join(src, "lcov.info"),
			filepath.Join(src, "target", "app"),
		}, names)
	})

	t.Run("fail - missing directory surfaces the error", func(t *testing.T) {
		// arrange
		workdir := t.TempDir()
		require.NoError(t, os.Chdir(workdir))
		require.NoError(t, os.Mkdir("artifacts", os.ModePerm))

		// act
		archivePath, err := ArchiveDirectory(filepath.Join("artifacts", "nope"))

		// assert
		assert.Error(t, err)
		assert.Empty(t, archivePath)
	})
}
