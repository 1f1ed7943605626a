package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

// setStatusScript updates the status only when the consultation exists,
// so a status write never materialises a half-empty record.
var setStatusScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
	return 1
`)

// RedisStore keeps each consultation as a hash under consultation:<id>.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func consultationKey(id string) string {
	return fmt.Sprintf("consultation:%s", id)
}

func (s *RedisStore) FindByID(ctx context.Context, id string) (models.Consultation, error) {
	fields, err := s.rdb.HGetAll(ctx, consultationKey(id)).Result()
	if err != nil {
		return models.Consultation{}, fmt.Errorf("read consultation %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.Consultation{}, ErrNotFound
	}

	c := models.Consultation{
		ID:            id,
		DoctorUserID:  fields["doctor_user_id"],
		PatientUserID: fields["patient_user_id"],
		Status:        models.ConsultationStatus(fields["status"]),
	}
	if ts := fields["updated_at"]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			c.UpdatedAt = t
		}
	}
	return c, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, id string, status models.ConsultationStatus) error {
	updated, err := setStatusScript.Run(ctx, s.rdb,
		[]string{consultationKey(id)},
		string(status), s.now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return fmt.Errorf("update consultation %s: %w", id, err)
	}
	if updated == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Put(ctx context.Context, c models.Consultation) error {
	if err := validate(c); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = models.StatusScheduled
	}

	key := consultationKey(c.ID)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"doctor_user_id", c.DoctorUserID,
		"patient_user_id", c.PatientUserID,
		"status", string(c.Status),
		"updated_at", s.now().UTC().Format(time.RFC3339Nano),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store consultation %s: %w", c.ID, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
