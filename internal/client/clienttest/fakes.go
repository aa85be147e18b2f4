// Package clienttest provides in-memory Dialer, Channel and TokenProvider
// implementations for exercising the client without a network.
package clienttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/protocol"
)

// Channel is a scripted core.Channel. Frames handed to Deliver appear on
// Inbound; frames passed to Send are recorded and handed to OnSend.
type Channel struct {
	id          string
	participant domain.ParticipantID

	// OnSend, when set, runs after a frame is recorded. It may call
	// Deliver to answer.
	OnSend func(env protocol.Envelope)

	mu      sync.Mutex
	sent    []protocol.Envelope
	sendErr error
	closed  bool
	err     error
	in      chan protocol.Envelope
	done    chan struct{}
}

var _ core.Channel = (*Channel)(nil)

func NewChannel(id string, participant domain.ParticipantID) *Channel {
	return &Channel{
		id:          id,
		participant: participant,
		in:          make(chan protocol.Envelope, 64),
		done:        make(chan struct{}),
	}
}

func (c *Channel) ID() string                        { return c.id }
func (c *Channel) Participant() domain.ParticipantID { return c.participant }
func (c *Channel) Inbound() <-chan protocol.Envelope { return c.in }
func (c *Channel) Done() <-chan struct{}             { return c.done }

func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// FailSends makes every later Send return err; nil restores sending.
func (c *Channel) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *Channel) Send(env protocol.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.ErrChannelClosed
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, env)
	hook := c.OnSend
	c.mu.Unlock()
	if hook != nil {
		hook(env)
	}
	return nil
}

// Sent returns the recorded frames, optionally filtered by type.
func (c *Channel) Sent(types ...string) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, e := range c.sent {
		if len(types) == 0 || contains(types, e.Type) {
			out = append(out, e)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Deliver queues env as if the server had sent it. It reports false once
// the channel is closed.
func (c *Channel) Deliver(env protocol.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.in <- env:
		return true
	default:
		return false
	}
}

// Ack answers the command id with a positive ack.
func (c *Channel) Ack(id string) bool {
	env, _ := protocol.New(protocol.TypeAck, id, "", protocol.AckPayload{OK: true})
	return c.Deliver(env)
}

// Drop ends the channel as a network failure would.
func (c *Channel) Drop(err error) { c.end(err) }

func (c *Channel) Close() error {
	c.end(core.ErrChannelClosed)
	return nil
}

func (c *Channel) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.in)
	close(c.done)
}

// Dialer returns channels from Script, one call at a time.
type Dialer struct {
	// Script produces the result of the n-th dial (1-based). A nil Script
	// dials fresh channels for participant "p1".
	Script func(ctx context.Context, n int) (core.Channel, error)

	mu       sync.Mutex
	calls    int
	tokens   []string
	channels []*Channel
}

var _ core.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, token string) (core.Channel, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.tokens = append(d.tokens, token)
	d.mu.Unlock()

	var (
		ch  core.Channel
		err error
	)
	if d.Script != nil {
		ch, err = d.Script(ctx, n)
	} else {
		ch = NewChannel(fmt.Sprintf("conn-%d", n), "p1")
	}
	if fc, ok := ch.(*Channel); ok && err == nil {
		d.mu.Lock()
		d.channels = append(d.channels, fc)
		d.mu.Unlock()
	}
	return ch, err
}

func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Last returns the most recently dialed fake channel.
func (d *Dialer) Last() *Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

// Tokens is a fixed TokenProvider.
type Tokens struct {
	Cred core.Credential
	Err  error
}

var _ core.TokenProvider = Tokens{}

func NewTokens(subject domain.ParticipantID) Tokens {
	return Tokens{Cred: core.Credential{Value: "token-" + string(subject), Subject: subject}}
}

func (t Tokens) Credential(ctx context.Context) (core.Credential, error) {
	if err := ctx.Err(); err != nil {
		return core.Credential{}, err
	}
	return t.Cred, t.Err
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}
