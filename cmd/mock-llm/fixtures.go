package main

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// fixture is one scripted response.
type fixture struct {
	Content string
	// Status, when non-zero, makes the call fail with this HTTP status.
	Status int
}

var (
	// numberedName matches model.N.ext; it is tried first.
	numberedName = regexp.MustCompile(`^(.+)\.(\d+)\.(txt|json|error)$`)
	baseName     = regexp.MustCompile(`^(.+)\.(txt|json|error)$`)
)

// splitName returns the model, call number (0 for a base file) and kind.
func splitName(name string) (model string, n int, kind string, ok bool) {
	if m := numberedName.FindStringSubmatch(name); m != nil {
		n, _ = strconv.Atoi(m[2])
		return m[1], n, m[3], n > 0
	}
	if m := baseName.FindStringSubmatch(name); m != nil {
		return m[1], 0, m[2], true
	}
	return "", 0, "", false
}

// loadFixtures reads dir and returns the response sequence per model:
// numbered fixtures in numeric order, then the base fixture.
func loadFixtures(dir string) (map[string][]fixture, error) {
	base := make(map[string]fixture)
	numbered := make(map[string]map[int]fixture)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		model, n, kind, ok := splitName(d.Name())
		if !ok {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		f, err := parseFixture(kind, data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		if n == 0 {
			base[model] = f
			return nil
		}
		if numbered[model] == nil {
			numbered[model] = make(map[int]fixture)
		}
		numbered[model][n] = f
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]fixture)
	for model, byIndex := range numbered {
		indices := make([]int, 0, len(byIndex))
		for n := range byIndex {
			indices = append(indices, n)
		}
		slices.Sort(indices)
		for _, n := range indices {
			fixtures[model] = append(fixtures[model], byIndex[n])
		}
	}
	for model, f := range base {
		fixtures[model] = append(fixtures[model], f)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}

func parseFixture(kind string, data []byte) (fixture, error) {
	switch kind {
	case "json":
		if !json.Valid(data) {
			return fixture{}, fmt.Errorf("invalid JSON")
		}
		return fixture{Content: string(data)}, nil
	case "error":
		status, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || status < 400 || status > 599 {
			return fixture{}, fmt.Errorf("error fixture must hold an HTTP status between 400 and 599")
		}
		return fixture{Status: status}, nil
	default:
		return fixture{Content: string(data)}, nil
	}
}
