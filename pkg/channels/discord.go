package channels

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/k2angel/watcher/pkg/bus"
	"github.com/k2angel/watcher/pkg/capture"
	"github.com/k2angel/watcher/pkg/config"
	"github.com/k2angel/watcher/pkg/logger"
)

const discordMediaSize = "4096"

// Capturer is the archive pipeline the gateway feeds.
type Capturer interface {
	CaptureMessage(ctx context.Context, ev bus.MessageEvent) capture.Report
	CaptureProfile(ctx context.Context, ev bus.ProfileEvent) capture.Report
}

type DiscordChannel struct {
	session  *discordgo.Session
	config   *config.Config
	capturer Capturer
	ctx      context.Context
	running  atomic.Bool
	inflight sync.WaitGroup

	mu       sync.Mutex
	profiles map[string]profileSnapshot // user id -> last seen profile
	icons    map[string]string          // guild id -> icon hash
}

func NewDiscordChannel(cfg *config.Config, capturer Capturer) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	session.State.TrackMembers = true

	return &DiscordChannel{
		session:  session,
		config:   cfg,
		capturer: capturer,
		ctx:      context.Background(),
		profiles: make(map[string]profileSnapshot),
		icons:    make(map[string]string),
	}, nil
}

func (c *DiscordChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot (gateway mode)...")
	c.bind(ctx)

	c.session.AddHandler(c.onReady)
	c.session.AddHandler(c.onMessageCreate)
	c.session.AddHandler(c.onGuildMemberUpdate)
	c.session.AddHandler(c.onGuildCreate)
	c.session.AddHandler(c.onGuildUpdate)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	c.running.Store(true)
	return nil
}

// Stop closes the gateway and then waits, up to ctx, for captures that were
// already dispatched.
func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot...")
	c.running.Store(false)
	closeErr := c.session.Close()
	if err := c.drain(ctx); err != nil {
		return err
	}
	return closeErr
}

// bind keeps ctx values for captures but drops its cancellation: a capture
// that has started runs to completion or failure.
func (c *DiscordChannel) bind(ctx context.Context) {
	c.ctx = context.WithoutCancel(ctx)
}

func (c *DiscordChannel) captureMessage(ev bus.MessageEvent) {
	c.inflight.Add(1)
	defer c.inflight.Done()
	c.capturer.CaptureMessage(c.ctx, ev)
}

func (c *DiscordChannel) captureProfile(ev bus.ProfileEvent) {
	c.inflight.Add(1)
	defer c.inflight.Done()
	c.capturer.CaptureProfile(c.ctx, ev)
}

func (c *DiscordChannel) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		logger.WarnC("discord", "Shutdown timed out with captures still running")
		return ctx.Err()
	}
}

func (c *DiscordChannel) onReady(s *discordgo.Session, r *discordgo.Ready) {
	logger.InfoCF("discord", "Discord bot connected", map[string]interface{}{
		"user":       r.User.String(),
		"user_id":    r.User.ID,
		"guilds":     len(r.Guilds),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		"go":         runtime.Version(),
		"discordgo":  discordgo.VERSION,
		"apiVersion": discordgo.APIVersion,
	})

	for _, id := range c.config.Profile.Users {
		user, err := s.User(id)
		if err != nil {
			logger.WarnCF("discord", "Failed to fetch watched user", map[string]interface{}{
				"user_id": id,
				"error":   err.Error(),
			})
			continue
		}
		c.rememberProfile(snapshotOf(user))
		logger.InfoCF("discord", "Watching user profile", map[string]interface{}{
			"user":    user.Username,
			"user_id": user.ID,
		})
	}
}

func (c *DiscordChannel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || !c.shouldCapture(m.Message) {
		return
	}

	ev := messageEvent(m.Message)
	logger.InfoCF("discord", "Message received", map[string]interface{}{
		"channel_id": ev.ChannelID,
		"author":     ev.AuthorName,
		"author_id":  ev.AuthorID,
		"content":    ev.Content,
	})
	if c.config.Debug {
		logger.DebugCF("discord", "Raw message", map[string]interface{}{"message": fmt.Sprintf("%+v", m.Message)})
	}

	c.captureMessage(ev)
}

// shouldCapture applies the bot-author and guild/channel allow-list gates.
func (c *DiscordChannel) shouldCapture(m *discordgo.Message) bool {
	if m.Author == nil || m.Author.Bot {
		return false
	}
	if !c.config.IsAllowed(m.GuildID, m.ChannelID) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]interface{}{
			"guild_id":   m.GuildID,
			"channel_id": m.ChannelID,
		})
		return false
	}
	return true
}

func messageEvent(m *discordgo.Message) bus.MessageEvent {
	ev := bus.MessageEvent{
		Channel:       "discord",
		GuildID:       m.GuildID,
		ChannelID:     m.ChannelID,
		EventID:       m.ID,
		CreatedAt:     m.Timestamp,
		Content:       m.Content,
		Attachments:   attachmentsOf(m.Attachments),
		CorrelationID: uuid.NewString(),
	}
	if m.Author != nil {
		ev.AuthorID = m.Author.ID
		ev.AuthorName = m.Author.Username
		ev.AuthorIsBot = m.Author.Bot
	}
	for _, snap := range m.MessageSnapshots {
		if snap.Message == nil || len(snap.Message.Attachments) == 0 {
			continue
		}
		ev.Snapshots = append(ev.Snapshots, attachmentsOf(snap.Message.Attachments))
	}
	return ev
}

func attachmentsOf(in []*discordgo.MessageAttachment) []bus.Attachment {
	out := make([]bus.Attachment, 0, len(in))
	for _, a := range in {
		if a == nil || a.URL == "" {
			continue
		}
		out = append(out, bus.Attachment{Name: a.Filename, URL: a.URL})
	}
	return out
}

type profileSnapshot struct {
	UserID      string
	Username    string
	DisplayName string
	Avatar      string
	AvatarURL   string
}

func snapshotOf(u *discordgo.User) profileSnapshot {
	snap := profileSnapshot{
		UserID:      u.ID,
		Username:    u.Username,
		DisplayName: u.GlobalName,
		Avatar:      u.Avatar,
	}
	if u.Avatar != "" {
		snap.AvatarURL = u.AvatarURL(discordMediaSize)
	}
	return snap
}

type profileChange struct {
	Username    bool
	DisplayName bool
	Avatar      bool
}

func diffProfile(before, after profileSnapshot) profileChange {
	return profileChange{
		Username:    before.Username != after.Username,
		DisplayName: before.DisplayName != after.DisplayName,
		Avatar:      before.Avatar != after.Avatar,
	}
}

// rememberProfile stores snap and returns the previous snapshot, if any.
func (c *DiscordChannel) rememberProfile(snap profileSnapshot) (profileSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.profiles[snap.UserID]
	c.profiles[snap.UserID] = snap
	return prev, ok
}

func (c *DiscordChannel) onGuildMemberUpdate(s *discordgo.Session, u *discordgo.GuildMemberUpdate) {
	if u.Member == nil || u.Member.User == nil {
		return
	}
	c.handleProfile(u.Member.User, u.BeforeUpdate)
}

// handleProfile compares user against the last known profile and archives a
// changed avatar. Membership in several guilds yields one update per guild;
// the snapshot cache makes the later ones no-ops.
func (c *DiscordChannel) handleProfile(user *discordgo.User, before *discordgo.Member) {
	if !c.config.WatchesUser(user.ID) {
		return
	}

	after := snapshotOf(user)
	prev, known := c.rememberProfile(after)
	if !known {
		if before == nil || before.User == nil {
			return
		}
		prev = snapshotOf(before.User)
	}

	change := diffProfile(prev, after)
	profile := c.config.Profile

	if profile.Username && change.Username {
		logger.InfoCF("discord", "Username changed", map[string]interface{}{
			"user_id": user.ID,
			"from":    prev.Username,
			"to":      after.Username,
		})
	}
	if profile.DisplayName && change.DisplayName {
		logger.InfoCF("discord", "Display name changed", map[string]interface{}{
			"user_id": user.ID,
			"from":    prev.DisplayName,
			"to":      after.DisplayName,
		})
	}
	if profile.Avatar && change.Avatar {
		logger.InfoCF("discord", "Avatar changed", map[string]interface{}{
			"user_id": user.ID,
			"from":    prev.Avatar,
			"to":      after.Avatar,
		})
		if after.AvatarURL != "" {
			c.captureProfile(bus.ProfileEvent{
				Kind:          bus.ProfileAvatar,
				SubjectID:     user.ID,
				SubjectName:   user.Username,
				URL:           after.AvatarURL,
				ObservedAt:    timeNow(),
				CorrelationID: uuid.NewString(),
			})
		}
	}
}

func (c *DiscordChannel) onGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Guild == nil {
		return
	}
	c.mu.Lock()
	c.icons[g.ID] = g.Icon
	c.mu.Unlock()
}

func (c *DiscordChannel) onGuildUpdate(s *discordgo.Session, g *discordgo.GuildUpdate) {
	if g.Guild == nil {
		return
	}
	c.handleGuildIcon(g.Guild)
}

func (c *DiscordChannel) handleGuildIcon(g *discordgo.Guild) {
	c.mu.Lock()
	prev, known := c.icons[g.ID]
	c.icons[g.ID] = g.Icon
	c.mu.Unlock()

	if !known || prev == g.Icon || g.Icon == "" {
		return
	}
	if !c.config.Profile.GuildIcons || !c.config.IsAllowed(g.ID, "") {
		return
	}

	logger.InfoCF("discord", "Guild icon changed", map[string]interface{}{
		"guild_id": g.ID,
		"from":     prev,
		"to":       g.Icon,
	})
	c.captureProfile(bus.ProfileEvent{
		Kind:          bus.ProfileIcon,
		SubjectID:     g.ID,
		SubjectName:   g.Name,
		URL:           g.IconURL(discordMediaSize),
		ObservedAt:    timeNow(),
		CorrelationID: uuid.NewString(),
	})
}
