/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package broker wraps the AMQP connection: durable acknowledged queue
// consumption on `keepalives`/`results`, fanout exchanges for outbound
// check requests, and arbitrary-kind exchange publish for `amqp`
// handler targets (§6).
package broker

import (
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// QueueKeepalives is the durable queue agents publish liveness
	// announcements to.
	QueueKeepalives = `keepalives`
	// QueueResults is the durable queue agents publish check outcomes
	// to, and the watchdog re-publishes synthetic results to.
	QueueResults = `results`
	// Prefetch is applied to both subscriptions and re-applied after
	// every reconnect (§5, §6).
	Prefetch = 1
)

// Broker owns the single AMQP channel used for both consumption and
// publication.
type Broker struct {
	uri  string
	conn *amqp.Connection
	ch   *amqp.Channel

	mu sync.Mutex

	onError         func(error)
	beforeReconnect func()
	afterReconnect  func()
}

// Dial connects to the broker and declares the two core queues.
func Dial(uri string) (*Broker, error) {
	b := &Broker{uri: uri}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) connect() error {
	conn, err := amqp.Dial(b.uri)
	if err != nil {
		return fmt.Errorf(`broker: dial: %w`, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf(`broker: channel: %w`, err)
	}
	if err := ch.Qos(Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf(`broker: qos: %w`, err)
	}
	for _, q := range []string{QueueKeepalives, QueueResults} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf(`broker: declare queue %s: %w`, q, err)
		}
	}
	b.mu.Lock()
	b.conn, b.ch = conn, ch
	b.mu.Unlock()
	go b.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return nil
}

// watch observes the connection-level close notification and drives
// the §4.9 reconnect lifecycle.
func (b *Broker) watch(closed chan *amqp.Error) {
	err := <-closed
	if err == nil {
		return
	}
	if b.beforeReconnect != nil {
		b.beforeReconnect()
	}
	if b.onError != nil {
		b.onError(err)
	}
	if reconnErr := b.connect(); reconnErr == nil && b.afterReconnect != nil {
		b.afterReconnect()
	}
}

// OnError installs the fatal-error hook (§7 kind 1).
func (b *Broker) OnError(f func(error)) { b.onError = f }

// BeforeReconnect installs the resign-as-master hook (§4.9).
func (b *Broker) BeforeReconnect(f func()) { b.beforeReconnect = f }

// AfterReconnect installs the rearm-prefetch hook (§4.9).
func (b *Broker) AfterReconnect(f func()) { b.afterReconnect = f }

// Consume subscribes to a queue with per-message acknowledgement,
// cancelling any prior consumer on that queue first (§4.7).
func (b *Broker) Consume(queue, consumerTag string) (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if consumerTag != `` {
		_ = ch.Cancel(consumerTag, false)
	}
	return ch.Consume(queue, consumerTag, false, false, false, false, nil)
}

// Cancel ends a consumer subscription by tag (§4.9 pause's unsubscribe).
func (b *Broker) Cancel(consumerTag string) error {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	return ch.Cancel(consumerTag, false)
}

// PublishFanout declares (idempotently) and publishes to a fanout
// exchange (§4.8 publisher scheduler).
func (b *Broker) PublishFanout(exchange string, body []byte) error {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if err := ch.ExchangeDeclare(exchange, `fanout`, true, false, false, false, nil); err != nil {
		return fmt.Errorf(`broker: declare exchange %s: %w`, exchange, err)
	}
	return ch.Publish(exchange, ``, false, false, amqp.Publishing{
		ContentType: `application/json`,
		Body:        body,
	})
}

// PublishExchange declares an exchange of the given kind with options
// and publishes to it — the `amqp` handler transport of §4.5.
func (b *Broker) PublishExchange(name, kind string, options map[string]interface{}, body []byte) error {
	if kind == `` {
		kind = `direct`
	}
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	args := amqp.Table{}
	for k, v := range options {
		args[k] = v
	}
	if err := ch.ExchangeDeclare(name, kind, true, false, false, false, args); err != nil {
		return fmt.Errorf(`broker: declare exchange %s: %w`, name, err)
	}
	return ch.Publish(name, ``, false, false, amqp.Publishing{
		ContentType: `application/json`,
		Body:        body,
	})
}

// PublishQueue publishes directly to a queue's default binding — used
// by the watchdog to re-inject synthetic results (§4.10).
func (b *Broker) PublishQueue(queue string, body []byte) error {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	return ch.Publish(``, queue, false, false, amqp.Publishing{
		ContentType: `application/json`,
		Body:        body,
	})
}

// Close tears down the channel and connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
