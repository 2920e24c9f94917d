package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/track-orchestrator/internal/coordinator"
	"github.com/ChuLiYu/track-orchestrator/pkg/types"
	"gopkg.in/yaml.v3"
)

// loadJobs reads a batch of jobs from a JSON or YAML file:
//
//	[
//	  {"id": "track-1", "priority": 1, "items": [{"id": "race-1", "payload": {...}}]}
//	]
func loadJobs(path string) ([]types.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var jobs []types.Job
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &jobs)
	default:
		err = json.Unmarshal(data, &jobs)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}

	if err := coordinator.ValidateJobs(jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func countItems(jobs []types.Job) int {
	n := 0
	for _, job := range jobs {
		n += len(job.Items)
	}
	return n
}
