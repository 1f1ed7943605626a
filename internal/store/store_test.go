package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	s := NewRedisStore(rdb)
	runStoreContract(t, s)

	assert.Equal(t, "ACCEPTED", mr.HGet("consultation:c-1", "status"))
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "consultations.db"))
	require.NoError(t, err)

	runStoreContract(t, s)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consultations.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, models.Consultation{ID: "c-9", DoctorUserID: "d", PatientUserID: "p"}))
	require.NoError(t, s.SetStatus(ctx, "c-9", models.StatusMissed))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	c, err := s.FindByID(ctx, "c-9")
	require.NoError(t, err)
	assert.Equal(t, models.StatusMissed, c.Status)
}

func runStoreContract(t *testing.T, s ConsultationStore) {
	t.Helper()
	ctx := context.Background()
	t.Cleanup(func() { _ = s.Close() })

	t.Run("missing consultation", func(t *testing.T) {
		_, err := s.FindByID(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.SetStatus(ctx, "nope", models.StatusRinging), ErrNotFound)
	})

	t.Run("invalid record", func(t *testing.T) {
		err := s.Put(ctx, models.Consultation{ID: "c-x", DoctorUserID: "d"})
		assert.ErrorIs(t, err, ErrInvalidRecord)
	})

	t.Run("put defaults to scheduled", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, models.Consultation{ID: "c-1", DoctorUserID: "doc-1", PatientUserID: "pat-1"}))

		c, err := s.FindByID(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, "doc-1", c.DoctorUserID)
		assert.Equal(t, "pat-1", c.PatientUserID)
		assert.Equal(t, models.StatusScheduled, c.Status)
		assert.True(t, c.IsParty("pat-1"))
		assert.False(t, c.IsParty("someone-else"))
	})

	t.Run("status transitions", func(t *testing.T) {
		require.NoError(t, s.SetStatus(ctx, "c-1", models.StatusRinging))
		c, err := s.FindByID(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusRinging, c.Status)
		assert.False(t, c.UpdatedAt.IsZero())

		require.NoError(t, s.SetStatus(ctx, "c-1", models.StatusAccepted))
		c, err = s.FindByID(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusAccepted, c.Status)
	})
}
