package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rankingEngineAPI/internal/types/leaderboard"
)

// fakeReader serves a fixed list of messages and then reports the reader as
// closed.
type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	closed    bool
	fetchErr  error
	fetches   int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	if r.fetchErr != nil {
		return kafka.Message{}, r.fetchErr
	}
	if len(r.messages) == 0 {
		return kafka.Message{}, io.EOF
	}
	msg := r.messages[0]
	r.messages = r.messages[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type recordedCall struct {
	UserID   string
	Category leaderboard.Category
	Delta    int64
}

var errInvalid = errors.New("invalid")

type fakeRecorder struct {
	mu       sync.Mutex
	calls    []recordedCall
	failures int
}

func (f *fakeRecorder) RecordActivity(ctx context.Context, userID string, category leaderboard.Category, delta int64) (*leaderboard.ScoreRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{userID, category, delta})
	if delta < 0 {
		return nil, errInvalid
	}
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("store unavailable")
	}
	return &leaderboard.ScoreRecord{UserID: userID, Category: category, Score: delta}, nil
}

func isInvalid(err error) bool { return errors.Is(err, errInvalid) }

func msg(offset int64, value string) kafka.Message {
	return kafka.Message{Offset: offset, Value: []byte(value)}
}

func TestActivityConsumer_Run(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		msg(1, `{"user_id":"u1","category":"global","score_delta":5}`),
		msg(2, `{"user_id":"u2","category":"friends","score_delta":10}`),
		msg(3, `not json`),
		msg(4, `{"user_id":"u3","category":"weekly","score_delta":1}`),
		msg(5, `{"user_id":"u4","category":"global","score_delta":2.5}`),
		msg(6, `{"user_id":"u5","category":"global","score_delta":-3}`),
		msg(7, `{"user_id":"","category":"global","score_delta":1}`),
		msg(8, `{"user_id":"u6","category":"Global","score_delta":1}`),
	}}
	recorder := &fakeRecorder{}
	c := newActivityConsumer(ActivityConsumerConfig{Topic: "ranking.activity", GroupID: "test"}, reader, recorder, isInvalid, nil)

	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, []recordedCall{
		{"u1", leaderboard.CategoryGlobal, 5},
		{"u2", leaderboard.CategoryFriends, 10},
		{"u5", leaderboard.CategoryGlobal, -3},
	}, recorder.calls)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, reader.committed, "every message is committed once handled")
}

func TestActivityConsumer_RetriesStorageFailures(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		msg(10, `{"user_id":"u1","category":"company","score_delta":1}`),
	}}
	recorder := &fakeRecorder{failures: 2}
	c := newActivityConsumer(ActivityConsumerConfig{RetryDelay: time.Millisecond}, reader, recorder, isInvalid, nil)

	require.NoError(t, c.Run(context.Background()))

	assert.Len(t, recorder.calls, 3)
	assert.Equal(t, []int64{10}, reader.committed)
}

func TestActivityConsumer_StopsWhileRetrying(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		msg(20, `{"user_id":"u1","category":"company","score_delta":1}`),
	}}
	recorder := &fakeRecorder{failures: 1 << 30}
	c := newActivityConsumer(ActivityConsumerConfig{RetryDelay: 5 * time.Millisecond}, reader, recorder, isInvalid, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, reader.committed, "an unprocessed message is left for redelivery")
}

func TestActivityConsumer_Close(t *testing.T) {
	reader := &fakeReader{}
	c := newActivityConsumer(ActivityConsumerConfig{}, reader, &fakeRecorder{}, nil, nil)
	require.NoError(t, c.Close())
	assert.True(t, reader.closed)
}

func TestNewActivityConsumer_Validation(t *testing.T) {
	_, err := NewActivityConsumer(ActivityConsumerConfig{Topic: "t", GroupID: "g"}, &fakeRecorder{}, nil, nil)
	assert.Error(t, err)

	_, err = NewActivityConsumer(ActivityConsumerConfig{Brokers: []string{"localhost:9092"}, GroupID: "g"}, &fakeRecorder{}, nil, nil)
	assert.Error(t, err)

	_, err = NewActivityConsumer(ActivityConsumerConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}, &fakeRecorder{}, nil, nil)
	assert.Error(t, err)
}

func TestDecodeActivityMessage(t *testing.T) {
	ev, err := decodeActivityMessage([]byte(`{"user_id":" u1 ","category":"regional","score_delta":-7}`))
	require.NoError(t, err)
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, leaderboard.CategoryRegional, ev.Category)
	assert.Equal(t, int64(-7), ev.ScoreDelta)

	_, err = decodeActivityMessage([]byte(`{"user_id":"u1","category":"global"}`))
	assert.Error(t, err, "missing score_delta")

	_, err = decodeActivityMessage([]byte(`{"user_id":"u1","category":"REGIONAL","score_delta":1}`))
	assert.Error(t, err, "category names are matched exactly")
}

func TestActivityConsumer_BacksOffOnFetchErrors(t *testing.T) {
	reader := &fakeReader{fetchErr: errors.New("broker unavailable")}
	c := newActivityConsumer(ActivityConsumerConfig{RetryDelay: 20 * time.Millisecond}, reader, &fakeRecorder{}, isInvalid, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()

	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.GreaterOrEqual(t, reader.fetches, 1)
	assert.LessOrEqual(t, reader.fetches, 5, "fetch errors are retried after a delay, not in a tight loop")
}
