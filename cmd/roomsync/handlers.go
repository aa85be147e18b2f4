package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dkeye/roomsync/internal/adapters/cache"
	"github.com/dkeye/roomsync/internal/adapters/httpclient"
	"github.com/dkeye/roomsync/internal/adapters/token"
	"github.com/dkeye/roomsync/internal/adapters/wsclient"
	"github.com/dkeye/roomsync/internal/client/connection"
	"github.com/dkeye/roomsync/internal/client/delivery"
	"github.com/dkeye/roomsync/internal/client/reconcile"
	"github.com/dkeye/roomsync/internal/client/session"
	"github.com/dkeye/roomsync/internal/config"
	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/metrics"
)

// client bundles a session worker with what it was built from.
type client struct {
	cfg     *config.Client
	tokens  *token.Static
	http    *httpclient.Client
	sess    *session.Session
	cache   *cache.SQLite
	self    domain.ParticipantInfo
	results <-chan delivery.Result
	stop    func()
}

func (c *client) Close() {
	if c.stop != nil {
		c.stop()
	}
	_ = c.sess.Close()
	if c.cache != nil {
		_ = c.cache.Close()
	}
}

func sessionOptions(cfg *config.Client) session.Options {
	opts := session.DefaultOptions()
	opts.Connection = connection.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxAttempts:       cfg.MaxReconnectAttempts,
		Backoff: connection.Backoff{
			Initial: cfg.ReconnectBaseDelay,
			Max:     cfg.ReconnectMaxDelay,
			Factor:  2,
			Jitter:  0.2,
		},
		InboundBuffer: opts.Connection.InboundBuffer,
	}
	opts.Delivery.MaxRetryAttempts = cfg.MaxRetryAttempts
	opts.Delivery.AckTimeout = cfg.AckTimeout
	opts.Delivery.SweepInterval = cfg.SweepInterval
	opts.Reconcile.MessageLogLimit = cfg.MessageLogLimit
	opts.JoinGrace = cfg.JoinGrace
	opts.JoinTimeout = cfg.JoinTimeout
	return opts
}

func newClient(ctx context.Context, g *globalFlags) (*client, error) {
	if g.verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	cfg, err := config.LoadClient(g.configPath)
	if err != nil {
		return nil, err
	}
	if !g.verbose {
		zerolog.SetGlobalLevel(max(config.Level(cfg.LogLevel), zerolog.WarnLevel))
	}

	tokens := token.NewStatic(cfg.Token)
	cred, err := tokens.Credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("token: %w (set token in config or ROOMSYNC_TOKEN)", err)
	}
	alias := g.alias
	if alias == "" {
		alias = string(cred.Subject)
	}
	self, err := domain.NewParticipantInfo(cred.Subject, alias)
	if err != nil {
		return nil, fmt.Errorf("identity from token: %w", err)
	}

	c := &client{cfg: cfg, tokens: tokens, self: self}
	c.http = httpclient.New(cfg.HTTPURL, tokens, nil)
	deps := session.Deps{
		Dialer:   wsclient.NewDialer(cfg.ServerURL, wsclient.Options{HandshakeTimeout: cfg.HandshakeTimeout}),
		Tokens:   tokens,
		Fallback: c.http,
		Metrics:  metrics.NewClient(nil),
	}
	if cfg.CachePath != "" {
		mc, err := cache.Open(ctx, cfg.CachePath, cfg.CacheTTL)
		if err != nil {
			return nil, err
		}
		c.cache = mc
		deps.Cache = mc
	}
	c.sess = session.New(deps, sessionOptions(cfg))
	c.results, c.stop = c.sess.DeliveryResults(64)
	return c, nil
}

// await blocks until the queued message id is delivered or fails for
// good. Ids not in the queue went over the fallback and are done.
func (c *client) await(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	pending := false
	for _, m := range c.sess.Pending() {
		if m.ID == id {
			pending = true
			break
		}
	}
	if !pending {
		return nil
	}
	limit := c.cfg.AckTimeout*time.Duration(max(c.cfg.MaxRetryAttempts, 1)) + c.cfg.SweepInterval
	timer := time.NewTimer(limit)
	defer timer.Stop()
	for {
		select {
		case r, ok := <-c.results:
			if !ok {
				return core.ErrChannelClosed
			}
			if r.Message.ID != id {
				continue
			}
			if r.Delivered() {
				return nil
			}
			return r.Err
		case <-timer.C:
			return fmt.Errorf("message %s not acknowledged in %s", id, limit)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// oneShot joins sid, runs op, waits for its delivery and leaves the
// process without a leave so presence goes offline rather than away.
func oneShot(cmd *cobra.Command, g *globalFlags, sid domain.SessionID, op func(ctx context.Context, c *client) (string, error)) error {
	ctx := cmd.Context()
	c, err := newClient(ctx, g)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.sess.JoinSession(ctx, sid, c.self); err != nil {
		return fmt.Errorf("join %s: %w", sid, err)
	}
	id, err := op(ctx, c)
	if err != nil {
		return err
	}
	if err := c.await(ctx, id); err != nil {
		return err
	}
	if id != "" {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func runToken(cmd *cobra.Command, secret, participant, alias, role string, expiry time.Duration) error {
	if secret == "" {
		secret = os.Getenv("ROOMSYNC_SECRET")
	}
	raw, err := token.NewService(secret, expiry).Issue(domain.ParticipantID(participant), alias, token.ParseRole(role))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), raw)
	return nil
}

func runSessions(cmd *cobra.Command, g *globalFlags) error {
	ctx := cmd.Context()
	cfg, err := config.LoadClient(g.configPath)
	if err != nil {
		return err
	}
	list, err := httpclient.New(cfg.HTTPURL, token.NewStatic(cfg.Token), nil).Sessions(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "no live sessions")
		return nil
	}
	for _, s := range list {
		fmt.Fprintf(out, "%-24s participants=%d version=%d\n", s.ID, s.Participants, s.Version)
	}
	return nil
}

func runSay(cmd *cobra.Command, g *globalFlags, sid domain.SessionID, text, replyTo string) error {
	return oneShot(cmd, g, sid, func(ctx context.Context, c *client) (string, error) {
		return c.sess.SendMessage(ctx, domain.ChatMessage{Content: text, Type: domain.MessageText, ReplyTo: replyTo})
	})
}

func runRoomCreate(cmd *cobra.Command, g *globalFlags, sid domain.SessionID, name string, capacity int) error {
	return oneShot(cmd, g, sid, func(ctx context.Context, c *client) (string, error) {
		id, err := c.sess.CreateBreakoutRoom(ctx, domain.RoomConfig{Name: name, Capacity: capacity})
		return string(id), err
	})
}

func runRoomJoin(cmd *cobra.Command, g *globalFlags, sid domain.SessionID, room domain.RoomID, target domain.ParticipantID) error {
	return oneShot(cmd, g, sid, func(ctx context.Context, c *client) (string, error) {
		info := domain.ParticipantInfo{}
		if target != "" {
			snap, _ := c.sess.Snapshot()
			p, ok := snap.Participants[target]
			if !ok {
				return "", domain.ErrParticipantNotFound
			}
			info = domain.ParticipantInfo{ID: p.ID, Alias: p.Alias}
		}
		return c.sess.JoinBreakoutRoom(ctx, room, info)
	})
}

func runRoomLeave(cmd *cobra.Command, g *globalFlags, sid domain.SessionID, room domain.RoomID) error {
	return oneShot(cmd, g, sid, func(ctx context.Context, c *client) (string, error) {
		return c.sess.LeaveBreakoutRoom(ctx, room)
	})
}

func moderate(ctx context.Context, s *session.Session, verb string, target domain.ParticipantID) (string, error) {
	switch verb {
	case "mute":
		return s.MuteParticipant(ctx, target)
	case "unmute":
		return s.UnmuteParticipant(ctx, target)
	case "kick":
		return s.KickParticipant(ctx, target)
	}
	return "", fmt.Errorf("unknown action %q", verb)
}

func runModerate(cmd *cobra.Command, g *globalFlags, verb string, sid domain.SessionID, target domain.ParticipantID) error {
	return oneShot(cmd, g, sid, func(ctx context.Context, c *client) (string, error) {
		return moderate(ctx, c.sess, verb, target)
	})
}

func setHand(ctx context.Context, s *session.Session, arg string) (string, error) {
	switch arg {
	case "up":
		return s.RaiseHand(ctx)
	case "down":
		return s.LowerHand(ctx)
	}
	return "", fmt.Errorf("want up or down, got %q", arg)
}

func setMic(ctx context.Context, s *session.Session, arg string) (string, error) {
	switch arg {
	case "on":
		return s.UnmuteSelf(ctx)
	case "off":
		return s.MuteSelf(ctx)
	}
	return "", fmt.Errorf("want on or off, got %q", arg)
}

func runHand(cmd *cobra.Command, g *globalFlags, sid domain.SessionID, arg string) error {
	return oneShot(cmd, g, sid, func(ctx context.Context, c *client) (string, error) {
		return setHand(ctx, c.sess, arg)
	})
}

func runMic(cmd *cobra.Command, g *globalFlags, sid domain.SessionID, arg string) error {
	return oneShot(cmd, g, sid, func(ctx context.Context, c *client) (string, error) {
		return setMic(ctx, c.sess, arg)
	})
}

// printer renders snapshot updates as terminal lines.
type printer struct {
	out          io.Writer
	lastMessage  string
	participants map[domain.ParticipantID]domain.Participant
	rooms        int
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, participants: map[domain.ParticipantID]domain.Participant{}}
}

func (p *printer) history(msgs []domain.ChatMessage) {
	for _, m := range msgs {
		p.message(m, "")
	}
}

func (p *printer) message(m domain.ChatMessage, alias string) {
	if alias == "" {
		alias = string(m.From)
	}
	content := m.Content
	if m.Attachment != nil {
		content = strings.TrimSpace(content + " [" + m.Attachment.Name + " " + m.Attachment.URL + "]")
	}
	fmt.Fprintf(p.out, "%s <%s> %s\n", m.SentAt.Local().Format("15:04:05"), alias, content)
	p.lastMessage = m.ID
}

func (p *printer) update(u reconcile.Update) {
	if u.Ended {
		fmt.Fprintf(p.out, "* session %s ended: %s\n", u.Snapshot.SessionID, u.Reason)
		return
	}
	snap := u.Snapshot
	if u.Full {
		fmt.Fprintf(p.out, "* session %s v%d: %d participants, %d rooms\n", snap.SessionID, snap.Version, len(snap.Participants), len(snap.Rooms))
	}

	start := 0
	for i, m := range snap.Messages {
		if m.ID == p.lastMessage {
			start = i + 1
		}
	}
	for _, m := range snap.Messages[start:] {
		p.message(m, snap.Participants[m.From].Alias)
	}

	for id, cur := range snap.Participants {
		prev, ok := p.participants[id]
		switch {
		case !ok && !u.Full:
			fmt.Fprintf(p.out, "* %s joined\n", cur.Alias)
		case !ok:
		case prev.IsMuted != cur.IsMuted:
			fmt.Fprintf(p.out, "* %s %s\n", cur.Alias, map[bool]string{true: "muted", false: "unmuted"}[cur.IsMuted])
		case prev.HandRaised != cur.HandRaised:
			fmt.Fprintf(p.out, "* %s %s their hand\n", cur.Alias, map[bool]string{true: "raised", false: "lowered"}[cur.HandRaised])
		case prev.Status != cur.Status:
			fmt.Fprintf(p.out, "* %s is %s\n", cur.Alias, cur.Status)
		}
	}
	for id, prev := range p.participants {
		if _, ok := snap.Participants[id]; !ok {
			fmt.Fprintf(p.out, "* %s left\n", prev.Alias)
		}
	}
	if !u.Full && len(snap.Rooms) != p.rooms {
		fmt.Fprintf(p.out, "* %d breakout rooms\n", len(snap.Rooms))
	}
	p.participants = snap.Participants
	p.rooms = len(snap.Rooms)
}

func (p *printer) who(snap domain.SessionSnapshot) {
	ids := make([]string, 0, len(snap.Participants))
	for id := range snap.Participants {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		pt := snap.Participants[domain.ParticipantID(id)]
		room, _ := snap.RoomOf(pt.ID)
		fmt.Fprintf(p.out, "  %-20s %-10s role=%s muted=%t hand=%t room=%s\n", pt.Alias, pt.Status, pt.Role, pt.IsMuted, pt.HandRaised, room)
	}
}

// attach joins sid and prints updates until ctx ends. lines, when non-nil,
// feeds interactive input.
func attach(cmd *cobra.Command, g *globalFlags, sid domain.SessionID, lines <-chan string) error {
	ctx := cmd.Context()
	c, err := newClient(ctx, g)
	if err != nil {
		return err
	}
	defer c.Close()

	pr := newPrinter(cmd.OutOrStdout())
	updates, stop := c.sess.Subscribe(64)
	defer stop()
	states, stopStates := c.sess.ConnectionEvents(8)
	defer stopStates()

	if _, err := c.sess.JoinSession(ctx, sid, c.self); err != nil {
		return fmt.Errorf("join %s: %w", sid, err)
	}
	if hist, err := c.sess.History(ctx, 50); err == nil {
		pr.history(hist)
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.sess.LeaveSession(leaveCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			pr.update(u)
			if u.Ended && u.Reason == "kicked" {
				return errors.New("removed from session")
			}
		case tr := <-states:
			fmt.Fprintf(pr.out, "* connection %s\n", tr.To)
		case r := <-c.results:
			if !r.Delivered() {
				fmt.Fprintf(pr.out, "* %s %s failed: %v\n", r.Message.Event, r.Message.ID, r.Err)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := c.command(ctx, pr, line)
			if err != nil {
				fmt.Fprintf(pr.out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// command runs one interactive input line.
func (c *client) command(ctx context.Context, pr *printer, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := c.sess.SendMessage(ctx, domain.ChatMessage{Content: line, Type: domain.MessageText})
		return false, err
	}
	f := strings.Fields(line[1:])
	if len(f) == 0 {
		return false, nil
	}
	arg := func(i int) string {
		if i < len(f) {
			return f[i]
		}
		return ""
	}
	var err error
	switch f[0] {
	case "quit", "q":
		return true, nil
	case "who":
		snap, ok := c.sess.Snapshot()
		if !ok {
			return false, domain.ErrNotJoined
		}
		pr.who(snap)
	case "hand":
		_, err = setHand(ctx, c.sess, arg(1))
	case "mic":
		_, err = setMic(ctx, c.sess, arg(1))
	case "mute", "unmute", "kick":
		_, err = moderate(ctx, c.sess, f[0], domain.ParticipantID(arg(1)))
	case "room":
		switch arg(1) {
		case "create":
			capacity, _ := strconv.Atoi(arg(3))
			var id domain.RoomID
			id, err = c.sess.CreateBreakoutRoom(ctx, domain.RoomConfig{Name: arg(2), Capacity: capacity})
			if err == nil {
				fmt.Fprintf(pr.out, "* room %s\n", id)
			}
		case "join":
			_, err = c.sess.JoinBreakoutRoom(ctx, domain.RoomID(arg(2)), domain.ParticipantInfo{})
		case "leave":
			_, err = c.sess.LeaveBreakoutRoom(ctx, domain.RoomID(arg(2)))
		default:
			err = fmt.Errorf("room create|join|leave")
		}
	default:
		err = fmt.Errorf("unknown command /%s", f[0])
	}
	return false, err
}

func runWatch(cmd *cobra.Command, g *globalFlags, sid domain.SessionID) error {
	return attach(cmd, g, sid, nil)
}

func runJoin(cmd *cobra.Command, g *globalFlags, sid domain.SessionID) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-cmd.Context().Done():
				return
			}
		}
	}()
	return attach(cmd, g, sid, lines)
}
