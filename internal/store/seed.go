package store

import (
	"context"
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	"jobrig/internal/model"
)

// SeedFile is the YAML shape of a job definitions file: executor groups
// plus the jobs that run on them.
type SeedFile struct {
	Groups []SeedGroup `yaml:"groups"`
	Jobs   []SeedJob   `yaml:"jobs"`
}

type SeedGroup struct {
	ID          int    `yaml:"id"`
	AppName     string `yaml:"app_name"`
	Title       string `yaml:"title"`
	AddressType int    `yaml:"address_type"`
	AddressList string `yaml:"address_list"`
}

type SeedJob struct {
	ID              int    `yaml:"id"`
	GroupID         int    `yaml:"group_id"`
	Name            string `yaml:"name"`
	Schedule        string `yaml:"schedule"`
	TriggerStatus   int    `yaml:"trigger_status"`
	ExecutorHandler string `yaml:"executor_handler"`
	ExecutorParam   string `yaml:"executor_param"`
	RouteStrategy   string `yaml:"route_strategy"`
	BlockStrategy   string `yaml:"block_strategy"`
	TimeoutSec      int    `yaml:"timeout_sec"`
	FailRetryCount  int    `yaml:"fail_retry_count"`
	GlueType        string `yaml:"glue_type"`
	GlueSource      string `yaml:"glue_source"`
	GlueUpdatedAt   int64  `yaml:"glue_updated_at"`
	ChildJobIDs     string `yaml:"child_job_ids"`
}

func (g SeedGroup) toModel() model.Group {
	return model.Group{
		ID:          g.ID,
		AppName:     g.AppName,
		Title:       g.Title,
		AddressType: g.AddressType,
		AddressList: g.AddressList,
	}
}

func (j SeedJob) toModel() model.Job {
	return model.Job{
		ID:              j.ID,
		GroupID:         j.GroupID,
		Name:            j.Name,
		Schedule:        j.Schedule,
		TriggerStatus:   j.TriggerStatus,
		ExecutorHandler: j.ExecutorHandler,
		ExecutorParam:   j.ExecutorParam,
		RouteStrategy:   j.RouteStrategy,
		BlockStrategy:   j.BlockStrategy,
		TimeoutSec:      j.TimeoutSec,
		FailRetryCount:  j.FailRetryCount,
		GlueType:        j.GlueType,
		GlueSource:      j.GlueSource,
		GlueUpdatedAt:   j.GlueUpdatedAt,
		ChildJobIDs:     j.ChildJobIDs,
	}
}

// LoadSeed reads a definitions file and upserts its groups and jobs.
func LoadSeed(ctx context.Context, path string, st Store) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f SeedFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for _, g := range f.Groups {
		if g.ID <= 0 {
			return fmt.Errorf("%s: group %q has no positive id", path, g.AppName)
		}
		if err := st.SaveGroup(ctx, g.toModel()); err != nil {
			return err
		}
	}
	for _, j := range f.Jobs {
		if j.ID <= 0 {
			return fmt.Errorf("%s: job %q has no positive id", path, j.Name)
		}
		if err := st.SaveJob(ctx, j.toModel()); err != nil {
			return err
		}
	}
	return nil
}
