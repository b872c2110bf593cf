/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package config loads the TOML configuration file and exposes a
// read-only Registry of checks, handlers, mutators and filters — the
// in-process replacement for the teacher's networked eye.wall lookup
// client (see DESIGN.md).
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/solnx/overseer/internal/extension"
	"github.com/solnx/overseer/internal/model"
)

// File is the on-disk shape of overseer.conf.
type File struct {
	Overseer OverseerSection            `toml:"overseer"`
	Redis    RedisSection               `toml:"redis"`
	AMQP     AMQPSection                `toml:"amqp"`
	Checks   map[string]model.CheckDefinition `toml:"checks"`
	Handlers map[string]HandlerDefinition    `toml:"handlers"`
	Mutators map[string]MutatorDefinition    `toml:"mutators"`
	Filters  map[string]FilterDefinition     `toml:"filters"`
}

// OverseerSection carries process-wide settings.
type OverseerSection struct {
	Testing bool `toml:"testing"`
}

// RedisSection configures the key-value store connection.
type RedisSection struct {
	Connect  string `toml:"connect"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// AMQPSection configures the broker connection.
type AMQPSection struct {
	URI string `toml:"uri"`
}

// HandlerDefinition is one [handlers.NAME] config table (§4.3).
type HandlerDefinition struct {
	Type            string            `toml:"type"`
	Command         string            `toml:"command"`
	Handlers        []string          `toml:"handlers"`
	Severities      []string          `toml:"severities"`
	Filters         []string          `toml:"filters"`
	Filter          string            `toml:"filter"`
	Mutator         string            `toml:"mutator"`
	HandleFlapping  bool              `toml:"handle_flapping"`
	Socket          SocketSpec        `toml:"socket"`
	Exchange        ExchangeSpec      `toml:"exchange"`
}

// SocketSpec configures tcp/udp handler targets (§4.5).
type SocketSpec struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Timeout int    `toml:"timeout"`
}

// ExchangeSpec configures amqp handler targets (§4.5). Options carries
// the keys of the exchange's `options` sub-table (e.g. `x-message-ttl`,
// `alternate-exchange`) through to ExchangeDeclare's declaration
// arguments unmodified. Keys placed directly in the exchange table
// other than `name` and `type` are not decoded and are not passed on.
type ExchangeSpec struct {
	Name    string                 `toml:"name"`
	Type    string                 `toml:"type"`
	Options map[string]interface{} `toml:"options"`
}

// MutatorDefinition is one [mutators.NAME] config table (§4.4).
type MutatorDefinition struct {
	Command string `toml:"command"`
}

// FilterDefinition is one [filters.NAME] config table (§4.2).
type FilterDefinition struct {
	Negate     bool                   `toml:"negate"`
	Attributes map[string]interface{} `toml:"attributes"`
}

// ResolvedHandler is a handler after §4.3 expansion: either a config
// handler (subprocess/socket/amqp) tagged with its name, or an
// in-process extension callable.
type ResolvedHandler struct {
	Name      string
	Def       *HandlerDefinition
	Extension extension.Handler
}

// Registry is the read-only config + extension view (§6).
type Registry struct {
	file              File
	extensionHandlers map[string]extension.Handler
	extensionMutators map[string]extension.Mutator
}

// Load parses a TOML file into a Registry.
func Load(path string) (*Registry, error) {
	f := File{}
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf(`config: decoding %s: %w`, path, err)
	}
	return &Registry{
		file:              f,
		extensionHandlers: map[string]extension.Handler{},
		extensionMutators: map[string]extension.Mutator{},
	}, nil
}

// RegisterExtensionHandler adds an in-process extension handler.
func (r *Registry) RegisterExtensionHandler(h extension.Handler) {
	r.extensionHandlers[h.Name()] = h
}

// RegisterExtensionMutator adds an in-process extension mutator.
func (r *Registry) RegisterExtensionMutator(m extension.Mutator) {
	r.extensionMutators[m.Name()] = m
}

// Testing reports the single boolean test hook of §6.
func (r *Registry) Testing() bool { return r.file.Overseer.Testing }

// Redis returns the key-value store connection settings.
func (r *Registry) Redis() RedisSection { return r.file.Redis }

// AMQP returns the broker connection settings.
func (r *Registry) AMQP() AMQPSection { return r.file.AMQP }

// Check looks up a config check definition by name.
func (r *Registry) Check(name string) (*model.CheckDefinition, bool) {
	c, ok := r.file.Checks[name]
	if !ok {
		return nil, false
	}
	c.Name = name
	return &c, true
}

// Checks returns every configured check definition.
func (r *Registry) Checks() map[string]model.CheckDefinition {
	return r.file.Checks
}

// Handler looks up a config handler definition by name.
func (r *Registry) Handler(name string) (*HandlerDefinition, bool) {
	h, ok := r.file.Handlers[name]
	if !ok {
		return nil, false
	}
	return &h, true
}

// ExtensionHandler looks up an in-process extension handler by name.
func (r *Registry) ExtensionHandler(name string) (extension.Handler, bool) {
	h, ok := r.extensionHandlers[name]
	return h, ok
}

// Mutator looks up a config mutator definition by name.
func (r *Registry) Mutator(name string) (*MutatorDefinition, bool) {
	m, ok := r.file.Mutators[name]
	return &m, ok
}

// ExtensionMutator looks up an in-process extension mutator by name.
func (r *Registry) ExtensionMutator(name string) (extension.Mutator, bool) {
	m, ok := r.extensionMutators[name]
	return m, ok
}

// Filter looks up a config filter definition by name.
func (r *Registry) Filter(name string) (*FilterDefinition, bool) {
	f, ok := r.file.Filters[name]
	return &f, ok
}

// ToHash snapshots process-wide settings for extension handlers/mutators
// (§6 "flat to_hash snapshot").
func (r *Registry) ToHash() map[string]interface{} {
	return map[string]interface{}{
		`testing`: r.file.Overseer.Testing,
	}
}
