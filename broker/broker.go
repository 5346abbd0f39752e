// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxcb/broker/events"
	"github.com/absmach/fluxcb/broker/router"
	"github.com/absmach/fluxcb/config"
	"github.com/absmach/fluxcb/queue"
	"github.com/absmach/fluxcb/ratelimit"
	"github.com/absmach/fluxcb/session"
	"github.com/absmach/fluxcb/storage"
	"github.com/absmach/fluxcb/topics"
	"github.com/google/uuid"
)

// Message is a publication to the key space.
type Message struct {
	ID         string            `json:"id,omitempty"`
	Key        string            `json:"key"`
	Publisher  string            `json:"publisher,omitempty"`
	Content    []byte            `json:"content"`
	QoS        byte              `json:"qos,omitempty"`
	Priority   int               `json:"priority,omitempty"`
	Volatile   bool              `json:"volatile,omitempty"`
	Persistent bool              `json:"persistent,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Timestamp  time.Time         `json:"timestamp,omitempty"`
}

// Rejection reports a session that did not accept a published message.
type Rejection struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// PublishResult summarizes the fan-out of one message.
type PublishResult struct {
	ID           string      `json:"id"`
	Matched      int         `json:"matched"`
	Queued       int         `json:"queued"`
	DeadLettered int         `json:"dead_lettered"`
	Rejected     []Rejection `json:"rejected,omitempty"`
}

// Options configures the broker.
type Options struct {
	Sessions *session.Manager

	// DeadLetters receives messages a full session queue could not take
	// under the dead_letter overflow policy.
	DeadLetters    storage.DeadLetterStore
	OverflowPolicy string

	RateLimiter *ratelimit.Manager
	Events      events.Emitter
	Logger      *slog.Logger
}

// Broker matches published messages against session subscriptions and
// queues a copy of each message on every matching session.
type Broker struct {
	sessions    *session.Manager
	router      *router.TrieRouter
	deadLetters storage.DeadLetterStore
	overflow    string
	limiter     *ratelimit.Manager
	events      events.Emitter
	logger      *slog.Logger

	mu     sync.Mutex
	groups map[groupKey]*topics.ShareGroup
}

type groupKey struct {
	name   string
	filter string
}

// New creates a broker on top of a session manager.
func New(opts Options) (*Broker, error) {
	if opts.Sessions == nil {
		return nil, errors.New("broker requires a session manager")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	em := opts.Events
	if em == nil {
		em = events.Nop
	}
	overflow := opts.OverflowPolicy
	if overflow == "" {
		overflow = config.OverflowDeadLetter
	}
	if overflow != config.OverflowDeadLetter && overflow != config.OverflowReject {
		return nil, fmt.Errorf("unknown overflow policy %q", overflow)
	}

	b := &Broker{
		sessions:    opts.Sessions,
		router:      router.NewRouter(),
		deadLetters: opts.DeadLetters,
		overflow:    overflow,
		limiter:     opts.RateLimiter,
		events:      em,
		logger:      logger,
		groups:      make(map[groupKey]*topics.ShareGroup),
	}
	opts.Sessions.OnTeardown(b.sessionTornDown)
	return b, nil
}

// Establish establishes a session and indexes its subscriptions.
func (b *Broker) Establish(ctx context.Context, opts session.Options) (*session.Session, error) {
	for _, f := range opts.Subscriptions {
		if err := topics.ValidateFilter(f); err != nil {
			return nil, fmt.Errorf("%w %q", ErrInvalidFilter, f)
		}
	}
	s, err := b.sessions.Establish(ctx, opts)
	if err != nil {
		return nil, err
	}
	b.index(s)
	return s, nil
}

// Restore re-establishes persisted sessions and indexes their subscriptions.
func (b *Broker) Restore(ctx context.Context) (int, error) {
	n, err := b.sessions.Restore(ctx)
	for _, s := range b.sessions.List() {
		b.index(s)
	}
	return n, err
}

func (b *Broker) index(s *session.Session) {
	for _, f := range s.Subscriptions() {
		b.route(s.ID(), f)
	}
}

// Subscribe adds a key filter to a session. Filters of the form
// $share/{group}/{filter} deliver each match to one member of the group.
func (b *Broker) Subscribe(sessionID, filter string) error {
	if err := topics.ValidateFilter(filter); err != nil {
		return fmt.Errorf("%w %q", ErrInvalidFilter, filter)
	}
	if err := b.sessions.AddSubscription(sessionID, filter); err != nil {
		return err
	}
	b.route(sessionID, filter)
	return nil
}

// Unsubscribe removes a key filter from a session.
func (b *Broker) Unsubscribe(sessionID, filter string) error {
	if err := b.sessions.RemoveSubscription(sessionID, filter); err != nil {
		return err
	}
	b.unroute(sessionID, filter)
	return nil
}

func (b *Broker) route(sessionID, filter string) {
	group, f, shared := topics.ParseShared(filter)
	if !b.router.Subscribe(router.Subscription{SessionID: sessionID, Filter: f, Group: group}) || !shared {
		return
	}

	b.mu.Lock()
	k := groupKey{name: group, filter: f}
	g, ok := b.groups[k]
	if !ok {
		g = &topics.ShareGroup{Name: group, Filter: f}
		b.groups[k] = g
	}
	g.Add(sessionID)
	b.mu.Unlock()
}

func (b *Broker) unroute(sessionID, filter string) {
	group, f, shared := topics.ParseShared(filter)
	if !b.router.Unsubscribe(sessionID, f, group) || !shared {
		return
	}

	b.mu.Lock()
	k := groupKey{name: group, filter: f}
	if g, ok := b.groups[k]; ok {
		g.Remove(sessionID)
		if g.Empty() {
			delete(b.groups, k)
		}
	}
	b.mu.Unlock()
}

func (b *Broker) sessionTornDown(s *session.Session) {
	for _, f := range s.Subscriptions() {
		b.unroute(s.ID(), f)
	}
}

// Publish queues a copy of msg on every session with a matching filter.
// A full session queue never drops the message silently: it is either
// dead-lettered or reported in the result, depending on the overflow policy.
func (b *Broker) Publish(ctx context.Context, msg Message) (*PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := topics.ValidateKey(msg.Key); err != nil {
		return nil, fmt.Errorf("%w %q", ErrInvalidKey, msg.Key)
	}
	if msg.Publisher != "" && !b.limiter.AllowPublish(msg.Publisher) {
		return nil, ErrRateLimited
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	base := &storage.Entry{
		ID:         msg.ID,
		Key:        msg.Key,
		Content:    msg.Content,
		QoS:        msg.QoS,
		Priority:   storage.NormalizePriority(msg.Priority),
		Timestamp:  msg.Timestamp,
		Volatile:   msg.Volatile,
		Persistent: msg.Persistent && !msg.Volatile,
		Properties: maps.Clone(msg.Properties),
	}

	targets := b.targets(msg.Key)
	res := &PublishResult{ID: msg.ID, Matched: len(targets)}
	for _, id := range targets {
		b.deliver(id, base, res)
	}

	if len(res.Rejected) > 0 || res.DeadLettered > 0 {
		b.logger.Warn("publish_partially_queued",
			slog.String("entry_id", msg.ID),
			slog.String("key", msg.Key),
			slog.Int("matched", res.Matched),
			slog.Int("dead_lettered", res.DeadLettered),
			slog.Int("rejected", len(res.Rejected)))
	}
	return res, nil
}

// targets returns the sessions a key fans out to: every direct subscriber
// once, plus one member per matching share group.
func (b *Broker) targets(key string) []string {
	subs := b.router.Match(key)

	seen := make(map[string]bool, len(subs))
	var out []string
	var shared []groupKey
	for _, s := range subs {
		if s.Group != "" {
			k := groupKey{name: s.Group, filter: s.Filter}
			if !slices.Contains(shared, k) {
				shared = append(shared, k)
			}
			continue
		}
		if !seen[s.SessionID] {
			seen[s.SessionID] = true
			out = append(out, s.SessionID)
		}
	}

	b.mu.Lock()
	for _, k := range shared {
		g, ok := b.groups[k]
		if !ok {
			continue
		}
		if id := g.Next(); id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	b.mu.Unlock()

	sort.Strings(out)
	return out
}

func (b *Broker) deliver(sessionID string, base *storage.Entry, res *PublishResult) {
	s, err := b.sessions.Get(sessionID)
	if err != nil {
		res.Rejected = append(res.Rejected, Rejection{SessionID: sessionID, Reason: err.Error()})
		return
	}

	e := storage.CopyEntry(base)
	err = s.Queue().Enqueue(e)
	switch {
	case err == nil:
		res.Queued++
	case errors.Is(err, queue.ErrQueueFull) && b.overflow == config.OverflowDeadLetter && b.deadLetters != nil:
		if derr := b.deadLetter(sessionID, e, "session queue full"); derr != nil {
			res.Rejected = append(res.Rejected, Rejection{SessionID: sessionID, Reason: derr.Error()})
			return
		}
		res.DeadLettered++
	default:
		res.Rejected = append(res.Rejected, Rejection{SessionID: sessionID, Reason: err.Error()})
	}
}

func (b *Broker) deadLetter(sessionID string, e *storage.Entry, reason string) error {
	d := &storage.DeadLetter{
		At:        time.Now(),
		Entry:     e,
		SessionID: sessionID,
		Reason:    reason,
	}
	if err := b.deadLetters.Add(d); err != nil {
		return fmt.Errorf("failed to dead-letter entry %s: %w", e.ID, err)
	}
	b.events.Emit(events.MessageDeadLettered{
		SessionID: sessionID,
		EntryID:   e.ID,
		Key:       e.Key,
		Reason:    reason,
	})
	return nil
}

// Subscriptions returns the number of indexed subscriptions.
func (b *Broker) Subscriptions() int {
	return b.router.Len()
}
