package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/raphaelgruber/statdesk/internal/transcript"
	"gopkg.in/yaml.v3"
)

// documentsFile lists seeded documents inside a seed directory.
const documentsFile = "documents.yaml"

// SeedResult summarizes what LoadSeed imported.
type SeedResult struct {
	Sessions  int
	Documents int
	Skipped   []string
}

type seedDocument struct {
	Name string `yaml:"name"`
}

// LoadSeed imports every transcript (*.md) in dir as a session and, when present,
// the documents listed in documents.yaml. Unparseable transcripts are skipped.
func LoadSeed(store *Store, dir string) (*SeedResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read seed dir: %w", err)
	}

	result := &SeedResult{}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		session, err := transcript.Parse(string(content))
		if err != nil {
			store.logger.Warn("skipping seed transcript", "file", entry.Name(), "error", err)
			result.Skipped = append(result.Skipped, entry.Name())
			continue
		}
		store.PutSession(session)
		result.Sessions++
	}

	content, err := os.ReadFile(filepath.Join(dir, documentsFile))
	if errors.Is(err, os.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", documentsFile, err)
	}

	var docs []seedDocument
	if err := yaml.Unmarshal(content, &docs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", documentsFile, err)
	}
	for _, doc := range docs {
		if strings.TrimSpace(doc.Name) == "" {
			continue
		}
		store.AddDocument(doc.Name)
		result.Documents++
	}

	return result, nil
}
