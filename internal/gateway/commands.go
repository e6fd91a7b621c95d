package gateway

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/stellarlinkco/yuno/internal/bus"
	"github.com/stellarlinkco/yuno/internal/classifier"
	"github.com/stellarlinkco/yuno/internal/config"
	"github.com/stellarlinkco/yuno/internal/memory"
	"github.com/stellarlinkco/yuno/internal/personality"
)

const (
	// Discord caps a message at 2000 characters.
	messageLimit    = 2000
	defaultPingTest = "Who are your parents?"
)

var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

type commandFunc func(ctx context.Context, msg bus.InboundMessage) []string

// command is a registered handler. A non-empty parentOnly is the reply
// sent to anyone who is not a parent.
type command struct {
	run        commandFunc
	parentOnly string
}

func (g *Gateway) registerCommands() map[string]command {
	return map[string]command{
		"clear_memory":       {run: g.cmdClearMemory},
		"memory_status":      {run: g.cmdMemoryStatus},
		"reload_config":      {run: g.cmdReloadConfig},
		"view_summaries":     {run: g.cmdViewSummaries},
		"test_ping":          {run: g.cmdTestPing},
		"toggle_ping":        {run: g.cmdTogglePing, parentOnly: "❌ Only my parents can toggle this feature!"},
		"add_birthday":       {run: g.cmdAddBirthday, parentOnly: "❌ Only my parents can manage important dates!"},
		"personality_status": {run: g.cmdPersonalityStatus},
		"family_highlights":  {run: g.cmdFamilyHighlights},
		"add_family":         {run: g.cmdAddFamily, parentOnly: "❌ Only my parents can manage the family tree!"},
		"mood_report":        {run: g.cmdMoodReport},
		"check_celebrations": {run: g.cmdCheckCelebrations},
		"yuno_interests":     {run: g.cmdInterests},
	}
}

// CommandNames lists the registered commands, sorted.
func (g *Gateway) CommandNames() []string {
	names := make([]string, 0, len(g.commands))
	for name := range g.commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// HandleCommand runs msg.Command and returns the messages to post. Unknown
// commands are ignored.
func (g *Gateway) HandleCommand(ctx context.Context, msg bus.InboundMessage) []string {
	name := strings.ToLower(msg.Command)
	cmd, ok := g.commands[name]
	if !ok {
		g.logger.Debug("unknown command", "command", name, "sender", msg.SenderID)
		return nil
	}
	if cmd.parentOnly != "" && !g.config().IsParent(msg.SenderID) {
		return []string{cmd.parentOnly}
	}
	g.logger.Info("command", "command", name, "channel", msg.Channel, "sender", msg.SenderID)
	return cmd.run(ctx, msg)
}

func (g *Gateway) cmdClearMemory(ctx context.Context, msg bus.InboundMessage) []string {
	res := g.store.Clear(ctx, memoryKey(msg))

	var items []string
	if res.ClearedActive {
		items = append(items, "recent messages")
	}
	if res.ClearedCompressed {
		items = append(items, "compressed summaries")
	}
	if len(items) == 0 {
		return []string{"You don't have any conversation memory to clear."}
	}
	return []string{fmt.Sprintf("Your conversation memory has been cleared! (%s)", strings.Join(items, " and "))}
}

func (g *Gateway) cmdMemoryStatus(ctx context.Context, msg bus.InboundMessage) []string {
	st := g.store.Status(ctx, memoryKey(msg))
	if st.ActiveCount == 0 && st.CompressedCount == 0 {
		return []string{"You don't have any conversation memory yet."}
	}

	userType := "User"
	if st.IsPrivileged {
		userType = "Parent 👑"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Memory Status for %s**\n", userType)
	fmt.Fprintf(&b, "Recent messages: %d/%d\n", st.ActiveCount, st.CapacityLimit)
	if st.CompressedCount > 0 {
		fmt.Fprintf(&b, "Compressed summaries: %d\n", st.CompressedCount)
	}
	fmt.Fprintf(&b, "Total memory capacity: %d messages\n", st.CapacityLimit)
	if st.IsPrivileged {
		b.WriteString("✨ You have extended memory as a parent!")
	}
	return []string{b.String()}
}

func (g *Gateway) cmdReloadConfig(ctx context.Context, msg bus.InboundMessage) []string {
	cfg, err := config.LoadConfig(g.configPath)
	if err != nil {
		logError(g.logger, "config reload failed", err, "path", g.configPath)
		return []string{fmt.Sprintf("❌ Error reloading configuration: %v", err)}
	}
	g.setConfig(cfg)

	s := cfg.Settings
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Configuration reloaded! %s is ready:\n", cfg.Personality.Name)
	fmt.Fprintf(&b, "• Base memory: %d messages\n", s.MemoryLimit)
	fmt.Fprintf(&b, "• Parent memory: %d messages\n", s.ParentMemoryLimit)
	fmt.Fprintf(&b, "• Compression at: %d messages\n", s.CompressionThreshold)
	fmt.Fprintf(&b, "• Mood system: %t\n", s.MoodSystemEnabled)
	fmt.Fprintf(&b, "• Emotional intelligence: %t\n", s.EmotionalIntelligenceEnabled)
	fmt.Fprintf(&b, "• Current mood: %s", g.keeper.CurrentMood())
	return []string{b.String()}
}

func (g *Gateway) cmdViewSummaries(ctx context.Context, msg bus.InboundMessage) []string {
	summaries := g.store.Summaries(ctx, memoryKey(msg))
	if len(summaries) == 0 {
		return []string{"You don't have any compressed conversation summaries yet."}
	}

	lines := make([]string, len(summaries))
	for i, s := range summaries {
		lines[i] = fmt.Sprintf("**Summary %d:** %s", i+1, strings.TrimPrefix(s.Content, memory.SummaryPrefix))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Your Compressed Memories (%d summaries):**\n\n", len(summaries))
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n\n")
	}
	if utf8.RuneCountInString(b.String()) <= messageLimit {
		return []string{b.String()}
	}
	return append([]string{"**Your Compressed Memories:**"}, lines...)
}

func (g *Gateway) cmdTestPing(ctx context.Context, msg bus.InboundMessage) []string {
	text := strings.TrimSpace(msg.Args)
	if text == "" {
		text = defaultPingTest
	}

	ping, ok := classifier.DetectParentPing(text, g.family(g.config()))
	if !ok {
		return []string{fmt.Sprintf("❌ **Parent Ping Test Result:**\n• Message: \"%s\"\n• Would ping: None\n• Detection: No parent reference found", text)}
	}
	return []string{fmt.Sprintf("✅ **Parent Ping Test Result:**\n• Message: \"%s\"\n• Would ping: %s (<@%s>)\n• Detection: ACTIVE", text, ping.Role, ping.UserID)}
}

func (g *Gateway) cmdTogglePing(ctx context.Context, msg bus.InboundMessage) []string {
	enabled := g.keeper.ToggleParentPing()
	if err := g.keeper.Save(); err != nil {
		logError(g.logger, "save personality state failed", err)
		return []string{fmt.Sprintf("❌ Error saving configuration: %v", err)}
	}
	status := "DISABLED"
	if enabled {
		status = "ENABLED"
	}
	return []string{fmt.Sprintf("✅ Parent ping feature is now **%s**!", status)}
}

func (g *Gateway) cmdAddBirthday(ctx context.Context, msg bus.InboundMessage) []string {
	name, date, ok := strings.Cut(strings.TrimSpace(msg.Args), " ")
	date = strings.TrimSpace(date)
	if !ok || name == "" || date == "" {
		return []string{"❌ Usage: " + g.config().Settings.CommandPrefix + "add_birthday <name> <MM-DD>"}
	}

	if err := g.keeper.AddBirthday(name, date); err != nil {
		if errors.Is(err, personality.ErrInvalidDate) {
			return []string{"❌ Please use MM-DD format (e.g., 03-15 for March 15th)"}
		}
		return []string{fmt.Sprintf("❌ Error saving birthday: %v", err)}
	}
	if err := g.keeper.Save(); err != nil {
		logError(g.logger, "save personality state failed", err)
		return []string{fmt.Sprintf("❌ Error saving birthday: %v", err)}
	}
	return []string{fmt.Sprintf("🎂 Added %s's birthday on %s! I'll celebrate with them!", name, date)}
}

func (g *Gateway) cmdPersonalityStatus(ctx context.Context, msg bus.InboundMessage) []string {
	st := g.keeper.Snapshot()
	name := g.config().Personality.Name

	var b strings.Builder
	fmt.Fprintf(&b, "**🎭 %s's Personality Status**\n", name)
	fmt.Fprintf(&b, "Current mood: %s\n\n", st.CurrentMood)
	fmt.Fprintf(&b, "**Base traits:** %s\n", strings.Join(st.BaseTraits, ", "))
	if len(st.LearnedTraits) > 0 {
		fmt.Fprintf(&b, "**Learned traits:** %s\n", strings.Join(lastN(st.LearnedTraits, 5), ", "))
	} else {
		b.WriteString("**Learned traits:** Still developing!\n")
	}
	if len(st.Interests) > 0 {
		fmt.Fprintf(&b, "**Current interests:** %s\n", strings.Join(lastN(st.Interests, 5), ", "))
	} else {
		b.WriteString("**Current interests:** Learning what the family enjoys!\n")
	}
	fmt.Fprintf(&b, "\n**Emotional intelligence:** Learned from %d conversations", g.keeper.TotalInteractions())
	return []string{b.String()}
}

func (g *Gateway) cmdFamilyHighlights(ctx context.Context, msg bus.InboundMessage) []string {
	highlights := g.keeper.Highlights(msg.SenderID, 5)
	if len(highlights) == 0 {
		return []string{"✨ We haven't created any special memories together yet! Chat with me more to build our highlights!"}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**💖 Your Special Memories with %s**\n\n", g.config().Personality.Name)
	for i, h := range highlights {
		emoji := "💕"
		if h.Type == string(classifier.ToneAchievement) {
			emoji = "🏆"
		}
		fmt.Fprintf(&b, "%s **Memory %d:** %s\n", emoji, i+1, truncate(h.Content, 100))
	}
	return []string{b.String()}
}

func (g *Gateway) cmdAddFamily(ctx context.Context, msg bus.InboundMessage) []string {
	fields := strings.Fields(msg.Args)
	if len(fields) < 2 {
		return []string{"❌ Usage: " + g.config().Settings.CommandPrefix + "add_family @user <relationship>"}
	}
	mention, relationship := fields[0], fields[1]

	m := mentionPattern.FindStringSubmatch(mention)
	if m == nil {
		return []string{"❌ Please mention a user (e.g., @username)"}
	}

	if err := g.keeper.AddFamily(m[1], strings.ToLower(relationship), msg.SenderID); err != nil {
		if errors.Is(err, personality.ErrInvalidRelationship) {
			return []string{"❌ Please use one of these relationships: " + strings.Join(personality.ValidRelationships, ", ")}
		}
		return []string{fmt.Sprintf("❌ Error updating family tree: %v", err)}
	}
	if err := g.keeper.Save(); err != nil {
		logError(g.logger, "save personality state failed", err)
		return []string{fmt.Sprintf("❌ Error updating family tree: %v", err)}
	}
	return []string{fmt.Sprintf("👨‍👩‍👧‍👦 Added %s as my %s! Nice to meet you, family! 💕", mention, relationship)}
}

func (g *Gateway) cmdMoodReport(ctx context.Context, msg bus.InboundMessage) []string {
	r := g.keeper.MoodReport()

	var b strings.Builder
	fmt.Fprintf(&b, "**🧠 %s's Emotional Intelligence Report**\n", g.config().Personality.Name)
	fmt.Fprintf(&b, "Current mood: **%s**\n\n", r.CurrentMood)

	if c := r.Counts; c.Total > 0 {
		pct := func(n int) float64 { return float64(n) / float64(c.Total) * 100 }
		b.WriteString("**Recent emotional analysis:**\n")
		fmt.Fprintf(&b, "• Positive interactions: %d/%d (%.1f%%)\n", c.Positive, c.Total, pct(c.Positive))
		fmt.Fprintf(&b, "• Negative interactions: %d/%d (%.1f%%)\n", c.Negative, c.Total, pct(c.Negative))
		fmt.Fprintf(&b, "• Neutral interactions: %d/%d (%.1f%%)\n\n", c.Neutral, c.Total, pct(c.Neutral))
		b.WriteString(r.Explanation())
		b.WriteString("\n")
	}
	return []string{b.String()}
}

func (g *Gateway) cmdCheckCelebrations(ctx context.Context, msg bus.InboundMessage) []string {
	celebrations := g.keeper.Celebrations(g.now())
	if len(celebrations) == 0 {
		return []string{"📅 No special celebrations today, but every day with family is special! ✨"}
	}
	return []string{"🎉 **Today's Celebrations:**\n\n" + strings.Join(celebrations, "\n")}
}

func (g *Gateway) cmdInterests(ctx context.Context, msg bus.InboundMessage) []string {
	interests := g.keeper.Snapshot().Interests
	if len(interests) == 0 {
		return []string{"🌱 I'm still learning what interests me from our conversations! Talk to me about your hobbies and passions!"}
	}

	var b strings.Builder
	b.WriteString("**🎨 Things I've Learned to Love:**\n\n")
	for _, interest := range lastN(interests, 15) {
		fmt.Fprintf(&b, "• %s\n", interest)
	}
	b.WriteString("\n💡 I discovered these through our family conversations! The more we chat, the more I learn about what makes life interesting!")
	return []string{b.String()}
}

func lastN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
