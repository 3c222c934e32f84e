package cron

import (
	"context"

	"gorm.io/gorm"
)

// Job represents a scheduled task that runs inside the cron worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Entry binds a job to a standard five-field cron expression or a descriptor
// such as "@every 1m".
type Entry struct {
	Schedule string
	Job      Job
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Registry tracks registered cron jobs.
type Registry struct {
	entries []Entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a job to the registry. Nil jobs are ignored so optional jobs
// can be registered unconditionally.
func (r *Registry) Register(schedule string, job Job) {
	if job == nil {
		return
	}
	r.entries = append(r.entries, Entry{Schedule: schedule, Job: job})
}

// Entries returns the registered entries in the order they were added.
func (r *Registry) Entries() []Entry {
	entries := make([]Entry, len(r.entries))
	copy(entries, r.entries)
	return entries
}

// Find looks a job up by name.
func (r *Registry) Find(name string) (Job, bool) {
	for _, entry := range r.entries {
		if entry.Job.Name() == name {
			return entry.Job, true
		}
	}
	return nil, false
}
