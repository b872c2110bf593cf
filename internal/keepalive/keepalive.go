/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package keepalive implements §4.7: the per-message-acknowledged
// keepalives consumer that persists client descriptors.
package keepalive

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/solnx/overseer/internal/broker"
	"github.com/solnx/overseer/internal/model"
	"github.com/solnx/overseer/internal/store"
)

// ConsumerTag identifies this process's subscription so a restart can
// cancel any prior consumer on the queue (§4.7).
const ConsumerTag = `overseer-keepalives`

// Consumer persists client descriptors from the keepalives queue.
type Consumer struct {
	Store *store.Store
}

// Subscribe starts consuming the keepalives queue and returns the
// delivery channel for the reactor's select loop to drain. Ordering
// across clients is not preserved; per-client last write wins.
func (c *Consumer) Subscribe(b *broker.Broker) (<-chan amqp.Delivery, error) {
	return b.Consume(broker.QueueKeepalives, ConsumerTag)
}

// Handle processes one keepalive delivery (§4.7): parse JSON, persist
// client:<name>, add name to clients, then ack. A malformed payload is
// logged and ack'd to avoid poison-message loops (§7 kind 6).
func (c *Consumer) Handle(d amqp.Delivery) {
	var client model.Client
	if err := json.Unmarshal(d.Body, &client); err != nil {
		logrus.WithError(err).Error(`keepalive: malformed payload, dropping`)
		d.Ack(false)
		return
	}

	raw, err := json.Marshal(client)
	if err != nil {
		logrus.WithError(err).WithField(`client`, client.Name).Error(`keepalive: re-encoding client`)
		d.Ack(false)
		return
	}

	if err := c.Store.Set(`client:`+client.Name, string(raw)); err != nil {
		logrus.WithError(err).WithField(`client`, client.Name).Error(`keepalive: persisting client`)
		d.Nack(false, true)
		return
	}
	if err := c.Store.SAdd(`clients`, client.Name); err != nil {
		logrus.WithError(err).WithField(`client`, client.Name).Error(`keepalive: tracking client name`)
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}
