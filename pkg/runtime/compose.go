package runtime

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the compose manifest filename written into a pool workdir.
const ManifestFile = "docker-compose.yml"

// ManifestSpec describes a pool container for manifest rendering.
type ManifestSpec struct {
	ContainerName string
	Image         string
	BasePort      int
	MaxBots       int
}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Image         string   `yaml:"image"`
	ContainerName string   `yaml:"container_name"`
	Restart       string   `yaml:"restart"`
	Command       []string `yaml:"command"`
	Ports         []string `yaml:"ports"`
	Volumes       []string `yaml:"volumes"`
}

// RenderManifest produces the compose manifest for a pool container. The
// container mounts the pool's supervisor, bots, and logs directories and runs
// supervisord in the foreground; the pool's whole port range is published 1:1.
func RenderManifest(spec *ManifestSpec) ([]byte, error) {
	if spec.MaxBots <= 0 {
		return nil, fmt.Errorf("manifest needs a positive bot capacity, got %d", spec.MaxBots)
	}

	portRange := fmt.Sprintf("%d-%d:%d-%d",
		spec.BasePort, spec.BasePort+spec.MaxBots-1,
		spec.BasePort, spec.BasePort+spec.MaxBots-1)

	doc := composeFile{
		Services: map[string]composeService{
			"pool": {
				Image:         spec.Image,
				ContainerName: spec.ContainerName,
				Restart:       "unless-stopped",
				Command:       []string{"supervisord", "-n", "-c", "/etc/supervisor/supervisord.conf"},
				Ports:         []string{portRange},
				Volumes: []string{
					"./supervisor:/etc/supervisor",
					"./bots:/app/bots",
					"./logs:/var/log/burrow",
				},
			},
		},
	}

	return yaml.Marshal(doc)
}

// WriteManifest renders and writes the manifest into workdir.
func WriteManifest(workdir string, spec *ManifestSpec) error {
	data, err := RenderManifest(spec)
	if err != nil {
		return err
	}
	path := filepath.Join(workdir, ManifestFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", path, err)
	}
	return nil
}
