package dispatch

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalidBuilder = errors.New("invalid builder specification")

type BuildersConfig struct {
	Builders []struct {
		Name     string `yaml:"name"`
		Kind     string `yaml:"kind"`
		URL      string `yaml:"url"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"builders"`
}

// LoadBuilders parses a builder registry from a YAML file. Known kinds come
// preconfigured with their production endpoint; name and url entries
// override the defaults. Kind custom uses the default payload shapes and
// requires both name and url.
func LoadBuilders(file string) ([]*Builder, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var config BuildersConfig
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}

	builders := make([]*Builder, 0, len(config.Builders))
	for _, entry := range config.Builders {
		if entry.Disabled {
			continue
		}

		var builder *Builder
		switch entry.Kind {
		case "titan":
			builder = NewTitanBuilder()
		case "builder0x69":
			builder = NewBuilder0x69()
		case "rsync":
			builder = NewRsyncBuilder()
		case "beaverbuild":
			builder = NewBeaverBuilder()
		case "flashbots":
			builder = NewFlashbotsBuilder()
		case "loki":
			builder = NewLokiBuilder()
		case "custom":
			if entry.Name == "" || entry.URL == "" {
				return nil, fmt.Errorf("%w: custom builder needs name and url", ErrInvalidBuilder)
			}
			builder = NewBuilder(entry.Name, entry.URL)
		default:
			return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidBuilder, entry.Kind)
		}

		if entry.Name != "" {
			builder.Name = entry.Name
		}
		if entry.URL != "" {
			builder.URL = entry.URL
		}
		builders = append(builders, builder)
	}
	return builders, nil
}
