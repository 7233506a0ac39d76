// Package publish fans committed document versions out to Kafka so other
// services (search indexing, history, analytics) can follow room activity.
package publish

import (
	"encoding/json"
	"sync"
	"time"

	"coderoom-server/collab"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// CommitEvent is the message value. Content itself is not shipped.
type CommitEvent struct {
	RoomID        string    `json:"roomId"`
	Version       uint64    `json:"version"`
	Origin        string    `json:"origin"`
	ContentLength int       `json:"contentLength"`
	CommittedAt   time.Time `json:"committedAt"`
}

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
	return o
}

// Dispatcher queues commit events locally and sends them from a fixed set of
// workers with bounded retry. Publish never blocks the commit path; when the
// queue is full the event is dropped and logged.
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan CommitEvent
	opts     Options

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewDispatcher(producer sarama.SyncProducer, topic string, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		queue:    make(chan CommitEvent, opts.QueueSize),
		opts:     opts,
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// NewSyncProducer builds the producer used in main.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, cfg)
}

// Publish is a collab.DocumentStore subscriber.
func (d *Dispatcher) Publish(c collab.Commit) {
	evt := CommitEvent{
		RoomID:        c.RoomID,
		Version:       c.Version,
		Origin:        string(c.Origin),
		ContentLength: len(c.Content),
		CommittedAt:   c.CommittedAt,
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- evt:
	default:
		logrus.WithFields(logrus.Fields{
			"room_id": evt.RoomID,
			"version": evt.Version,
		}).Warn("Commit event queue full, dropping event")
	}
}

// Close drains the queue, stops the workers and closes the producer.
func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		d.wg.Wait()
		err = d.producer.Close()
	})
	return err
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt CommitEvent) {
	for attempt := 0; attempt <= d.opts.MaxRetry; attempt++ {
		err := d.sendOnce(evt)
		if err == nil {
			return
		}

		if attempt == d.opts.MaxRetry {
			logrus.WithFields(logrus.Fields{
				"room_id": evt.RoomID,
				"version": evt.Version,
				"worker":  workerID,
			}).WithError(err).Error("Failed to publish commit event, dropping")
			return
		}

		backoff := d.opts.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.opts.MaxBackoff {
			backoff = d.opts.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt CommitEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.RoomID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
