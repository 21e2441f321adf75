package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"inferq/internal/jobs"
	"inferq/internal/jobs/jobstest"
)

func TestSQLiteStore(t *testing.T) {
	jobstest.Run(t, func(t *testing.T) jobs.Store {
		s, err := Open(filepath.Join(t.TempDir(), "db", "jobs.db"), zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestReopenKeepsJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	j, err := s.Create(ctx, jobs.Descriptor{InputRef: "in", Artifact: "styles/a@v1"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusQueued, got.Status)
	require.Nil(t, got.Params)
}
