package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/stellarlinkco/yuno/internal/bus"
	"github.com/stellarlinkco/yuno/internal/classifier"
	"github.com/stellarlinkco/yuno/internal/config"
	"github.com/stellarlinkco/yuno/internal/llm"
	"github.com/stellarlinkco/yuno/internal/memory"
	"github.com/stellarlinkco/yuno/internal/personality"
)

const (
	apologyRemote  = "Sorry, I'm having trouble connecting to my AI service right now. Please try again later."
	apologyTimeout = "Sorry, my response timed out. Please try again."
	apologyGeneric = "Sorry, I encountered an error while processing your request. Please try again."

	checkInHug = "*gives a gentle virtual hug* I've noticed you've been having a tough time lately. I'm here for you! 💙"

	// positive messages longer than this become favorite highlights
	favoriteMinRunes = 50
)

// HandleMessage produces the reply to one chat message: it classifies the
// text, updates the persona state, asks the model with the user's memory
// and decorates the answer. Model failures become an apology and leave
// nothing in memory but the user's message.
func (g *Gateway) HandleMessage(ctx context.Context, msg bus.InboundMessage) string {
	cfg := g.config()
	settings := cfg.Settings
	userID := msg.SenderID
	text := msg.Content

	family := g.family(cfg)
	relationship := classifier.ClassifyRelationship(userID, family)
	tone := classifier.ClassifyTone(text)

	if settings.EmotionalIntelligenceEnabled {
		g.keeper.RecordInteraction(userID, text, tone)
		switch {
		case tone == classifier.ToneAchievement:
			g.keeper.SaveHighlight(userID, text, "achievement")
		case tone == classifier.TonePositive && utf8.RuneCountInString(text) > favoriteMinRunes:
			g.keeper.SaveHighlight(userID, text, "favorite")
		}
	}

	var celebrations []string
	if settings.CelebrationEnabled {
		celebrations = g.keeper.Celebrations(g.now())
	}

	var ping classifier.Ping
	pingOK := false
	if g.keeper.ParentPingEnabled() {
		ping, pingOK = classifier.DetectParentPing(text, family)
	}

	if settings.MoodSystemEnabled {
		g.keeper.RefreshMood(g.pick)
	}

	reply := g.respond(ctx, cfg, memoryKey(msg), personality.PromptInput{
		UserID:       userID,
		Relationship: relationship,
		Tone:         tone,
	}, text)

	var b strings.Builder
	b.WriteString(reply)
	if len(celebrations) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(celebrations, "\n"))
	}
	if pingOK {
		b.WriteString("\n\n")
		b.WriteString(parentWave(ping))
	}
	if tone == classifier.ToneNegative && relationship == classifier.RelationshipParent && g.keeper.ShouldCheckIn(userID) {
		b.WriteString("\n\n")
		b.WriteString(checkInHug)
	}
	return b.String()
}

// respond appends the user's text to memory, asks the model and stores the
// answer.
func (g *Gateway) respond(ctx context.Context, cfg *config.Config, key string, in personality.PromptInput, text string) string {
	g.store.Append(ctx, key, memory.Entry{Role: memory.RoleUser, Content: text})

	prompt := personality.BuildSystemPrompt(cfg, g.keeper.Snapshot(), in)
	entries := g.store.BuildContext(ctx, key, prompt)

	reply, err := g.gen.Generate(ctx, entries, settingsFrom(cfg))
	if err != nil {
		logError(g.logger, "completion failed", err, "user_id", in.UserID)
		return apologyFor(err)
	}

	g.store.Append(ctx, key, memory.Entry{Role: memory.RoleAssistant, Content: reply})
	return reply
}

func settingsFrom(cfg *config.Config) llm.Settings {
	return llm.Settings{
		Model:       cfg.Settings.Model,
		MaxTokens:   cfg.Settings.MaxResponseTokens,
		Temperature: float32(cfg.Settings.Temperature),
	}
}

func apologyFor(err error) string {
	switch {
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return apologyTimeout
	case errors.Is(err, llm.ErrRemote):
		return apologyRemote
	default:
		return apologyGeneric
	}
}

func parentWave(p classifier.Ping) string {
	return fmt.Sprintf("*waves at <@%s>* Hi %s! Someone's asking about you! 💕", p.UserID, p.Role)
}

func (g *Gateway) family(cfg *config.Config) classifier.Family {
	parents := cfg.Parents()
	return classifier.Family{
		MotherID: parents.Mother,
		FatherID: parents.Father,
		Extended: g.keeper.ExtendedFamily(),
	}
}
