package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRenderManifest(t *testing.T) {
	data, err := RenderManifest(&ManifestSpec{
		ContainerName: "alice-pool-1",
		Image:         "burrow/bot-host:latest",
		BasePort:      9000,
		MaxBots:       3,
	})
	require.NoError(t, err)

	var doc struct {
		Services map[string]struct {
			Image         string   `yaml:"image"`
			ContainerName string   `yaml:"container_name"`
			Restart       string   `yaml:"restart"`
			Command       []string `yaml:"command"`
			Ports         []string `yaml:"ports"`
			Volumes       []string `yaml:"volumes"`
		} `yaml:"services"`
	}
	require.NoError(t, yaml.Unmarshal(data, &doc))

	svc, ok := doc.Services["pool"]
	require.True(t, ok)
	assert.Equal(t, "alice-pool-1", svc.ContainerName)
	assert.Equal(t, "unless-stopped", svc.Restart)
	assert.Equal(t, []string{"9000-9002:9000-9002"}, svc.Ports)
	assert.Contains(t, svc.Volumes, "./supervisor:/etc/supervisor")
	assert.Contains(t, svc.Command, "supervisord")
}

func TestRenderManifestRejectsZeroCapacity(t *testing.T) {
	_, err := RenderManifest(&ManifestSpec{ContainerName: "p", Image: "img", BasePort: 9000})
	assert.Error(t, err)
}

func TestWriteManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteManifest(dir, &ManifestSpec{
		ContainerName: "alice-pool-1",
		Image:         "img",
		BasePort:      9000,
		MaxBots:       3,
	}))

	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "alice-pool-1")
}
