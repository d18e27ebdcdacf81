package sources

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type seedSource struct {
	Name            string            `yaml:"name"`
	Type            Type              `yaml:"type"`
	Path            string            `yaml:"path"`
	Pattern         string            `yaml:"pattern"`
	AutoCreate      bool              `yaml:"autoCreate"`
	Endpoint        string            `yaml:"endpoint"`
	Headers         map[string]string `yaml:"headers"`
	IntervalSeconds int               `yaml:"intervalSeconds"`
	ResponsePath    string            `yaml:"responsePath"`
	IDFields        []string          `yaml:"idFields"`
}

type seedFile struct {
	Sources []seedSource `yaml:"sources"`
}

func (s seedSource) toSource() *DataSource {
	return &DataSource{
		Name:            s.Name,
		Type:            s.Type,
		Enabled:         true,
		Path:            s.Path,
		Pattern:         s.Pattern,
		AutoCreate:      s.AutoCreate,
		Endpoint:        s.Endpoint,
		Headers:         HeaderMap(s.Headers),
		IntervalSeconds: s.IntervalSeconds,
		ResponsePath:    s.ResponsePath,
		IDFields:        FieldList(s.IDFields),
	}
}

// SeedFromFile loads declarative source definitions from a YAML file and
// reconciles them into the store. New sources are created enabled;
// existing sources get their configuration refreshed while the enabled
// flag and run health are left alone, so an operator's disable sticks
// across restarts. A missing file is not an error.
func SeedFromFile(store *Store, path string, logger *zap.Logger) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("no source seed file, skipping", zap.String("path", path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read seed file %s: %w", path, err)
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse seed file %s: %w", path, err)
	}

	for _, def := range f.Sources {
		src := def.toSource()
		if err := src.Validate(); err != nil {
			logger.Warn("skipping invalid seed entry", zap.Error(err))
			continue
		}

		existing, err := store.FindByName(src.Name)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := store.Create(src); err != nil {
				return err
			}
			logger.Info("seeded data source",
				zap.String("name", src.Name),
				zap.String("type", string(src.Type)))
			continue
		}

		existing.Type = src.Type
		existing.Path = src.Path
		existing.Pattern = src.Pattern
		existing.AutoCreate = src.AutoCreate
		existing.Endpoint = src.Endpoint
		existing.Headers = src.Headers
		existing.IntervalSeconds = src.IntervalSeconds
		existing.ResponsePath = src.ResponsePath
		existing.IDFields = src.IDFields
		if err := store.Update(existing); err != nil {
			return err
		}
		logger.Info("refreshed data source from seed", zap.String("name", src.Name))
	}
	return nil
}
