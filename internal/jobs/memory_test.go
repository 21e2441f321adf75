package jobs_test

import (
	"testing"

	"inferq/internal/jobs"
	"inferq/internal/jobs/jobstest"
)

func TestMemoryStore(t *testing.T) {
	jobstest.Run(t, func(t *testing.T) jobs.Store { return jobs.NewMemoryStore() })
}
