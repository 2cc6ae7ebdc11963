package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// GetJSON loads key into v. It returns ErrMiss when the key is absent.
// A record that fails to decode is corrupted: it is deleted and reported as ErrMiss.
func GetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.WithFields(log.Fields{"key": key, "error": err}).Warn("discarding corrupted record")
		if delErr := s.Del(ctx, key); delErr != nil {
			log.WithField("key", key).Warnf("failed to delete corrupted record: %v", delErr)
		}
		return ErrMiss
	}
	return nil
}

// SetJSON serializes v and stores it under key with the given ttl.
func SetJSON(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// PushRecord serializes record and appends it to an unbounded queue, e.g. the results
// queue the historian drains.
func PushRecord(ctx context.Context, s Store, queue string, record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record for %s: %w", queue, err)
	}
	if err := s.Append(ctx, queue, data, 0, 0); err != nil {
		return fmt.Errorf("failed to push to queue '%s': %w", queue, err)
	}
	return nil
}

// IsMiss reports whether err means "absent".
func IsMiss(err error) bool {
	return errors.Is(err, ErrMiss)
}
