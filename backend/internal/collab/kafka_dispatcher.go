package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/metrics"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// Submit 只负责入队；kafka 短暂阻塞时靠队列吸收；队列满时允许丢弃，避免内存无限增长。
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan DocOpEvent

	// 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	log     zerolog.Logger
	metrics *metrics.Metrics

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan DocOpEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		log:         opt.Logger,
		metrics:     opt.Metrics,
		done:        make(chan struct{}),
	}

	d.start()
	return d
}

// Enqueue 把事件放入本地队列；队列满时等待到 ctx 结束，超时即丢弃（事件流不要求每条必达）
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt DocOpEvent) error {
	select {
	case <-d.done:
		d.metrics.KafkaEvent("rejected")
		return context.Canceled
	default:
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		d.metrics.KafkaEvent("dropped")
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for {
		select {
		case evt := <-d.queue:
			d.sendWithRetry(workerID, evt)
		case <-d.done:
			// 退出前把已经入队的事件发完
			for {
				select {
				case evt := <-d.queue:
					d.sendWithRetry(workerID, evt)
				default:
					return
				}
			}
		}
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt DocOpEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 可以一直等，不影响主链路
			_ = d.sem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			d.metrics.KafkaEvent("sent")
			return
		}

		if attempt == d.maxRetry {
			d.metrics.KafkaEvent("dropped")
			d.log.Warn().Err(err).
				Str("doc_id", evt.DocID).
				Str("event", evt.EventType).
				Str("op_id", evt.OperationID).
				Uint64("version", evt.Version).
				Int("worker", workerID).
				Msg("kafka send failed, drop event")
			return
		}

		// 指数退避
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if d.maxBackoff > 0 && backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		select {
		case <-time.After(backoff):
		case <-d.done:
			// 关闭时不再退避等待，直接做最后一次尝试
			attempt = d.maxRetry - 1
		}
	}
}

func (d *KafkaDispatcher) sendOnce(evt DocOpEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

// Close 停止接收新事件，等待 worker 把队列发完
func (d *KafkaDispatcher) Close() {
	d.closeOnce.Do(func() { close(d.done) })
	d.wg.Wait()
}
