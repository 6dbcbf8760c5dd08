package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/semforge/storage"
)

// agentsFile is the on-disk agent list:
//
//	agents:
//	  - id: writer-1
//	    role: story_writer
//	    model: qwen
//	    system_message: You write stories.
type agentsFile struct {
	Agents []agentEntry `yaml:"agents"`
}

type agentEntry struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Role          string `yaml:"role"`
	Model         string `yaml:"model"`
	SystemMessage string `yaml:"system_message"`
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`
}

// LoadAgents saves every agent in the YAML file at path and returns how many
// were saved.
func LoadAgents(ctx context.Context, store storage.Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read agents file: %w", err)
	}

	var file agentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse agents file: %w", err)
	}

	for i, entry := range file.Agents {
		if entry.ID == "" || entry.Role == "" {
			return i, fmt.Errorf("agents file entry %d: id and role are required", i+1)
		}
		agent := &storage.Agent{
			ID:            entry.ID,
			Name:          entry.Name,
			Role:          entry.Role,
			Model:         entry.Model,
			SystemMessage: entry.SystemMessage,
			Enabled:       entry.Enabled == nil || *entry.Enabled,
		}
		if agent.Name == "" {
			agent.Name = agent.ID
		}
		if err := store.SaveAgent(ctx, agent); err != nil {
			return i, fmt.Errorf("save agent %s: %w", agent.ID, err)
		}
	}
	return len(file.Agents), nil
}
