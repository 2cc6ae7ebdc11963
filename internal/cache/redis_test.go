package cache_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/bingo/internal/cache"
	"github.com/jason-s-yu/bingo/internal/cache/cachetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	ctx := context.Background()

	t.Run("get missing key", func(t *testing.T) {
		s, _ := cachetest.NewStore(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, cache.ErrMiss)
	})

	t.Run("set with ttl expires", func(t *testing.T) {
		s, mr := cachetest.NewStore(t)
		require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))

		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", string(got))

		mr.FastForward(2 * time.Minute)
		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, cache.ErrMiss)
	})

	t.Run("setnx only once", func(t *testing.T) {
		s, _ := cachetest.NewStore(t)
		ok, err := s.SetNX(ctx, "claim", []byte("a"), 0)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.SetNX(ctx, "claim", []byte("b"), 0)
		require.NoError(t, err)
		assert.False(t, ok)

		got, _ := s.Get(ctx, "claim")
		assert.Equal(t, "a", string(got))
	})

	t.Run("hash operations", func(t *testing.T) {
		s, _ := cachetest.NewStore(t)
		require.NoError(t, s.HSet(ctx, "h", "f1", []byte("1")))
		require.NoError(t, s.HSet(ctx, "h", "f2", []byte("2")))

		v, err := s.HGet(ctx, "h", "f1")
		require.NoError(t, err)
		assert.Equal(t, "1", string(v))

		require.NoError(t, s.HDel(ctx, "h", "f1"))
		_, err = s.HGet(ctx, "h", "f1")
		assert.ErrorIs(t, err, cache.ErrMiss)

		all, err := s.HGetAll(ctx, "h")
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{"f2": []byte("2")}, all)
	})

	t.Run("incr and keys", func(t *testing.T) {
		s, _ := cachetest.NewStore(t)
		n, err := s.Incr(ctx, "ctr")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, _ = s.Incr(ctx, "ctr")
		assert.Equal(t, int64(2), n)

		require.NoError(t, s.Set(ctx, "room:a", []byte("x"), 0))
		require.NoError(t, s.Set(ctx, "room:b", []byte("x"), 0))
		keys, err := s.Keys(ctx, "room:*")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"room:a", "room:b"}, keys)
	})

	t.Run("append trims to newest entries", func(t *testing.T) {
		s, _ := cachetest.NewStore(t)
		for _, v := range []string{"1", "2", "3", "4"} {
			require.NoError(t, s.Append(ctx, "q", []byte(v), 3, time.Minute))
		}
		vals, err := s.Range(ctx, "q")
		require.NoError(t, err)
		require.Len(t, vals, 3)
		assert.Equal(t, "2", string(vals[0]))
		assert.Equal(t, "4", string(vals[2]))
	})

	t.Run("publish without subscribers", func(t *testing.T) {
		s, _ := cachetest.NewStore(t)
		assert.NoError(t, s.Publish(ctx, "chan", []byte("hello")))
	})

	t.Run("update reruns after a concurrent write", func(t *testing.T) {
		s, _ := cachetest.NewStore(t)
		require.NoError(t, s.Set(ctx, "n", []byte("1"), 0))

		calls := 0
		err := s.Update(ctx, "n", time.Minute, func(current []byte) ([]byte, error) {
			calls++
			if calls == 1 {
				// another writer lands between our read and our write
				require.NoError(t, s.Set(ctx, "n", []byte("5"), 0))
			}
			n, err := strconv.Atoi(string(current))
			if err != nil {
				return nil, err
			}
			return []byte(strconv.Itoa(n + 1)), nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)

		got, err := s.Get(ctx, "n")
		require.NoError(t, err)
		assert.Equal(t, "6", string(got))
	})

	t.Run("update of missing key and aborted update", func(t *testing.T) {
		s, _ := cachetest.NewStore(t)
		err := s.Update(ctx, "k", 0, func(current []byte) ([]byte, error) {
			assert.Nil(t, current)
			return nil, nil
		})
		require.NoError(t, err)
		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, cache.ErrMiss, "nil result writes nothing")

		boom := errors.New("boom")
		err = s.Update(ctx, "k", 0, func([]byte) ([]byte, error) { return []byte("x"), boom })
		assert.ErrorIs(t, err, boom)
		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, cache.ErrMiss)
	})

	t.Run("numbered appends keep counter order", func(t *testing.T) {
		s, _ := cachetest.NewStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.AppendNumbered(ctx, "seq", []string{"a", "b"}, 0, time.Minute, func(seq int64) ([]byte, error) {
					return []byte(strconv.FormatInt(seq, 10)), nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		for _, key := range []string{"a", "b"} {
			vals, err := s.Range(ctx, key)
			require.NoError(t, err)
			require.Len(t, vals, 20)
			for i, v := range vals {
				assert.Equal(t, strconv.Itoa(i+1), string(v), "list %s position %d", key, i)
			}
		}
	})

	t.Run("store down is transient", func(t *testing.T) {
		s, mr := cachetest.NewStore(t)
		mr.Close()
		_, err := s.Get(ctx, "k")
		assert.ErrorIs(t, err, cache.ErrTransient)
	})
}

func TestJSONCodec(t *testing.T) {
	ctx := context.Background()
	s, _ := cachetest.NewStore(t)

	type rec struct {
		Name string `json:"name"`
	}
	require.NoError(t, cache.SetJSON(ctx, s, "rec", rec{Name: "x"}, 0))

	var got rec
	require.NoError(t, cache.GetJSON(ctx, s, "rec", &got))
	assert.Equal(t, "x", got.Name)

	// corrupted records are discarded, not retried
	require.NoError(t, s.Set(ctx, "bad", []byte("{not json"), 0))
	err := cache.GetJSON(ctx, s, "bad", &got)
	assert.True(t, cache.IsMiss(err))
	_, err = s.Get(ctx, "bad")
	assert.ErrorIs(t, err, cache.ErrMiss, "corrupted record should be deleted")
}

func TestPushRecord(t *testing.T) {
	ctx := context.Background()
	s, _ := cachetest.NewStore(t)

	require.NoError(t, cache.PushRecord(ctx, s, "results", map[string]int{"n": 1}))
	require.NoError(t, cache.PushRecord(ctx, s, "results", map[string]int{"n": 2}))
	vals, err := s.Range(ctx, "results")
	require.NoError(t, err)
	assert.Len(t, vals, 2)
	assert.JSONEq(t, `{"n":1}`, string(vals[0]))
}
