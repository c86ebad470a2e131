package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
)

// KafkaDispatcher publishes update events off the submit path: a bounded
// local queue, a few workers and a limited number of retries.
//   - Submit only enqueues
//   - short Kafka stalls are absorbed by the queue
//   - when the queue stays full the event is dropped
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan DocUpdateEvent
	sem   *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	opt.MaxRetry = max(opt.MaxRetry, 0)
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan DocUpdateEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Enqueue waits for queue space until ctx is done. Delivery is best effort;
// a timed-out event is simply not published.
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt DocUpdateEvent) error {
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for the queued ones to be sent.
// Enqueue must not be called after Close.
func (d *KafkaDispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.queue)
		d.wg.Wait()
	})
}

func (d *KafkaDispatcher) start() {
	for i := range d.workers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.workerLoop(i)
		}()
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt DocUpdateEvent) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.baseBackoff
	bo.MaxInterval = d.maxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	send := func() error {
		if d.sem != nil {
			// workers may wait indefinitely, the submit path never does
			_ = d.sem.Acquire(context.Background())
			defer d.sem.Release()
		}
		return d.sendOnce(evt)
	}
	retry := func(err error, wait time.Duration) {
		glog.V(1).Infof("[kafka] retry doc=%s op=%s in %s: %v", evt.DocID, evt.OperationID, wait, err)
	}
	if err := backoff.RetryNotify(send, backoff.WithMaxRetries(bo, uint64(d.maxRetry)), retry); err != nil {
		glog.Errorf("[kafka] send failed, drop event doc=%s op=%s rev=%d worker=%d: %v",
			evt.DocID, evt.OperationID, evt.Revision, workerID, err)
	}
}

func (d *KafkaDispatcher) sendOnce(evt DocUpdateEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		// keyed by document so one room stays on one partition
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
