package release

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"nippo/internal/domain"
)

// defaultRelease はリリースファイルがない場合の初期値
func defaultRelease() *domain.Release {
	return &domain.Release{
		Version:  "v1",
		Manifest: []string{"/", "/index.html", "/manifest.json"},
	}
}

func loadReleaseFile(path string) (*domain.Release, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return createDefaultRelease(path)
		}
		return nil, err
	}

	var rel domain.Release
	if err := yaml.Unmarshal(data, &rel); err != nil {
		return nil, fmt.Errorf("failed to parse release file: %w", err)
	}

	if err := prepare(&rel); err != nil {
		return nil, err
	}
	return &rel, nil
}

func createDefaultRelease(path string) (*domain.Release, error) {
	rel := defaultRelease()

	data, err := yaml.Marshal(rel)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}

	return rel, nil
}

// prepare はリリース情報を正規化する
func prepare(rel *domain.Release) error {
	rel.Version = strings.TrimSpace(rel.Version)
	if err := domain.ValidateGeneration(rel.Version); err != nil {
		return err
	}

	manifest := make([]string, 0, len(rel.Manifest))
	seen := make(map[string]bool)
	for _, entry := range rel.Manifest {
		entry = strings.TrimSpace(entry)
		if entry == "" || seen[entry] {
			continue
		}
		seen[entry] = true
		manifest = append(manifest, entry)
	}
	rel.Manifest = manifest
	return nil
}
