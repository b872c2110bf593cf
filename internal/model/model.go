/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package model defines the wire and storage data types of the
// event-processing pipeline: clients, check definitions, results,
// history, event occurrences and aggregation rollups.
package model

import "encoding/json"

// Status is the numeric severity encoded on a check result.
type Status int

// Fixed severity table (§3).
const (
	StatusOK Status = iota
	StatusWarning
	StatusCritical
	StatusUnknown = -1
)

// String renders the severity the way handlers/filters expect to see it.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return `ok`
	case StatusWarning:
		return `warning`
	case StatusCritical:
		return `critical`
	default:
		return `unknown`
	}
}

// Client is a liveness-announcing agent, persisted at client:<name>.
type Client struct {
	Name      string          `json:"name"`
	Timestamp int64           `json:"timestamp"`
	Extra     json.RawMessage `json:"-"`
}

// MarshalJSON preserves arbitrary agent-supplied fields alongside the
// fields the core cares about.
func (c Client) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{}
	if len(c.Extra) > 0 {
		if err := json.Unmarshal(c.Extra, &m); err != nil {
			return nil, err
		}
	}
	m[`name`] = c.Name
	m[`timestamp`] = c.Timestamp
	return json.Marshal(m)
}

// UnmarshalJSON keeps unknown keys in Extra so a round trip is lossless.
func (c *Client) UnmarshalJSON(data []byte) error {
	type alias Client
	aux := struct{ *alias }{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.Extra = data
	return nil
}

// CheckDefinition is the configuration-side description of a check (§3).
type CheckDefinition struct {
	Name              string   `toml:"name" json:"name"`
	Command           string   `toml:"command" json:"command"`
	Interval          int      `toml:"interval" json:"interval"`
	Subscribers       []string `toml:"subscribers" json:"subscribers"`
	Publish           *bool    `toml:"publish" json:"publish,omitempty"`
	Standalone        bool     `toml:"standalone" json:"standalone,omitempty"`
	Aggregate         bool     `toml:"aggregate" json:"aggregate,omitempty"`
	Handle            *bool    `toml:"handle" json:"handle,omitempty"`
	Handlers          []string `toml:"handlers" json:"handlers,omitempty"`
	Handler           string   `toml:"handler" json:"handler,omitempty"`
	Type              string   `toml:"type" json:"type,omitempty"`
	AutoResolve       *bool    `toml:"auto_resolve" json:"auto_resolve,omitempty"`
	ForceResolve      bool     `toml:"force_resolve" json:"force_resolve,omitempty"`
	LowFlapThreshold  int      `toml:"low_flap_threshold" json:"low_flap_threshold,omitempty"`
	HighFlapThreshold int      `toml:"high_flap_threshold" json:"high_flap_threshold,omitempty"`
	Subdue            *Subdue  `toml:"subdue" json:"subdue,omitempty"`
}

// ShouldPublish reports whether the publisher scheduler should
// periodically emit requests for this check (§4.8).
func (c *CheckDefinition) ShouldPublish() bool {
	if c.Standalone {
		return false
	}
	return c.Publish == nil || *c.Publish
}

// HandlesEvents reports whether the result processor should dispatch
// events for this check at all (`check.handle == false` gate, §4.6).
func (c *CheckDefinition) HandlesEvents() bool {
	return c.Handle == nil || *c.Handle
}

// AutoResolves reports the auto_resolve gate used on the resolve path
// of §4.6.
func (c *CheckDefinition) AutoResolves() bool {
	return c.AutoResolve == nil || *c.AutoResolve
}

// HasFlapThresholds reports whether both hysteresis thresholds are set.
func (c *CheckDefinition) HasFlapThresholds() bool {
	return c.LowFlapThreshold > 0 && c.HighFlapThreshold > 0
}

// Subdue describes a time/weekday suppression window (§4.3).
type Subdue struct {
	Begin      string           `toml:"begin" json:"begin,omitempty"`
	End        string           `toml:"end" json:"end,omitempty"`
	Days       []string         `toml:"days" json:"days,omitempty"`
	At         string           `toml:"at" json:"at,omitempty"`
	Exceptions []SubdueWindow   `toml:"exceptions" json:"exceptions,omitempty"`
}

// SubdueWindow is one exception window within a Subdue.
type SubdueWindow struct {
	Begin string `toml:"begin" json:"begin"`
	End   string `toml:"end" json:"end"`
}

// GateName defaults to "handler" per §4.3.
func (s *Subdue) GateName() string {
	if s == nil || s.At == `` {
		return `handler`
	}
	return s.At
}

// Check is the transient, per-result check payload (§3).
type Check struct {
	Name     string   `json:"name"`
	Status   Status   `json:"status"`
	Output   string   `json:"output"`
	Issued   int64    `json:"issued"`
	Handlers []string `json:"handlers,omitempty"`
	Handler  string   `json:"handler,omitempty"`
}

// EffectiveCheck is the check.Definition merged over a result's Check
// payload (§4.6 step 2): the result wins on conflicts except for
// check-definition-only keys (interval, subscribers, aggregate, ...).
type EffectiveCheck struct {
	Check
	Definition *CheckDefinition
}

// HandlerNames resolves the source list §4.3's event_handlers uses:
// event.check.handlers, else event.check.handler, else ["default"].
func (e *EffectiveCheck) HandlerNames() []string {
	if len(e.Handlers) > 0 {
		return e.Handlers
	}
	if e.Handler != `` {
		return []string{e.Handler}
	}
	if e.Definition != nil {
		if len(e.Definition.Handlers) > 0 {
			return e.Definition.Handlers
		}
		if e.Definition.Handler != `` {
			return []string{e.Definition.Handler}
		}
	}
	return []string{`default`}
}

// Result is one check-execution outcome reported by a client (§3).
type Result struct {
	Client string `json:"client"`
	Check  Check  `json:"check"`
}

// Action tags an event's derived outcome (§4.6).
type Action string

const (
	ActionCreate   Action = `create`
	ActionFlapping Action = `flapping`
	ActionResolve  Action = `resolve`
	ActionNone     Action = ``
)

// Event is the mapping at events:<client>[<check>] (§3).
type Event struct {
	Client      string   `json:"-"`
	Output      string   `json:"output"`
	Status      Status   `json:"status"`
	Issued      int64    `json:"issued"`
	Handlers    []string `json:"handlers,omitempty"`
	Flapping    bool     `json:"flapping"`
	Occurrences int      `json:"occurrences"`
	Action      Action   `json:"-"`
	CheckName   string   `json:"-"`
}

// AggregateCounters is the per-(check,issued) severity tally (§3).
type AggregateCounters struct {
	OK       int `json:"ok"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Unknown  int `json:"unknown"`
	Total    int `json:"total"`
}

// AggregationEntry is one client's contribution to an aggregate (§3).
type AggregationEntry struct {
	Output string `json:"output"`
	Status Status `json:"status"`
}
