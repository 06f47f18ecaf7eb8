package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/metrics"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/version"
)

func TestKafkaDispatcherSendsEvents(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt DocOpEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.DocID != "doc-1" || evt.EventType != EventOpApplied || evt.Version != 7 {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	})

	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	d := NewKafkaDispatcher(producer, "doc-ops", NewSemaphoreControl(2), KafkaDispatcherOptions{
		Logger:  zerolog.Nop(),
		Metrics: mt,
	})

	require.NoError(t, d.Enqueue(context.Background(), DocOpEvent{EventType: EventOpApplied, DocID: "doc-1", Version: 7}))
	d.Close()
	require.NoError(t, producer.Close())

	assert.Equal(t, 1.0, testutil.ToFloat64(mt.KafkaEventsTotal.WithLabelValues("sent")))
}

func TestKafkaDispatcherRetriesThenDrops(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	d := NewKafkaDispatcher(producer, "doc-ops", nil, KafkaDispatcherOptions{
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
		Logger:      zerolog.Nop(),
		Metrics:     mt,
	})

	// 单 worker 顺序处理：第一条重试一次后成功，第二条重试耗尽后丢弃
	require.NoError(t, d.Enqueue(context.Background(), DocOpEvent{EventType: EventOpApplied, DocID: "a"}))
	require.NoError(t, d.Enqueue(context.Background(), DocOpEvent{EventType: EventOpApplied, DocID: "b"}))
	d.Close()
	require.NoError(t, producer.Close())

	assert.Equal(t, 1.0, testutil.ToFloat64(mt.KafkaEventsTotal.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.KafkaEventsTotal.WithLabelValues("dropped")))
}

func TestKafkaDispatcherRejectsAfterClose(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, KafkaDispatcherOptions{QueueSize: 1})
	require.NoError(t, d.Enqueue(context.Background(), DocOpEvent{DocID: "x"}))
	d.Close()
	d.Close()

	err := d.Enqueue(context.Background(), DocOpEvent{DocID: "y"})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestKafkaDispatcherQueueFull(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()

	// 占满信号量让 worker 卡在发送前
	sem := NewSemaphoreControl(1)
	require.NoError(t, sem.Acquire(context.Background()))
	d := NewKafkaDispatcher(producer, "doc-ops", sem, KafkaDispatcherOptions{QueueSize: 1})

	require.NoError(t, d.Enqueue(context.Background(), DocOpEvent{DocID: "1"}))
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Enqueue(context.Background(), DocOpEvent{DocID: "2"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Enqueue(ctx, DocOpEvent{DocID: "3"}), context.DeadlineExceeded)

	require.NoError(t, sem.Release())
	d.Close()
	require.NoError(t, producer.Close())
}

func TestVersionEventConversion(t *testing.T) {
	m, rec := newTestManager(t, version.Options{})
	openDoc(t, m, "doc")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.events)
	first := rec.events[0]
	assert.Equal(t, EventVersion, first.EventType)
	assert.Equal(t, "version-created", first.VersionEvent)
	assert.Equal(t, uint64(1), first.Version)
	assert.Equal(t, "user-a", first.AuthorID)
	assert.NotEmpty(t, first.VersionID)
}
