package personality

import (
	"strings"

	"github.com/stellarlinkco/yuno/internal/classifier"
	"github.com/stellarlinkco/yuno/internal/config"
)

// PromptInput describes who the reply is for.
type PromptInput struct {
	UserID       string
	Relationship classifier.Relationship
	Tone         classifier.Tone
}

// BuildSystemPrompt assembles the system message from static persona
// configuration and the current state.
func BuildSystemPrompt(cfg *config.Config, st State, in PromptInput) string {
	var b strings.Builder
	p := cfg.Personality

	b.WriteString(p.BaseDescription)

	if len(p.Traits) > 0 {
		b.WriteString("\n\nYour personality traits:")
		writeList(&b, p.Traits)
	}

	if rs := p.ResponseStyle; rs.Tone != "" || rs.Length != "" || rs.EmojiUsage != "" {
		b.WriteString("\n\nResponse style: ")
		b.WriteString(orDefault(rs.Tone, "friendly"))
		b.WriteString(" tone, ")
		b.WriteString(orDefault(rs.Length, "concise"))
		b.WriteString(" responses.")
	}

	if len(cfg.PermanentMemories) > 0 {
		b.WriteString("\n\nPermanent memories:")
		writeList(&b, cfg.PermanentMemories)
	}

	if mems := cfg.ParentMemories(in.UserID); len(mems) > 0 {
		b.WriteString("\n\nSpecial memories about this user:")
		writeList(&b, mems)
	}

	b.WriteString("\n\nCurrent mood: You're feeling ")
	b.WriteString(orDefault(st.CurrentMood, defaultMood))
	b.WriteString(" today.")

	rel := string(in.Relationship)
	if style, ok := cfg.FamilyTree.RelationshipStyles[rel]; ok {
		b.WriteString("\nInteraction style: With this ")
		b.WriteString(rel)
		b.WriteString(", be ")
		b.WriteString(style)
		b.WriteString(".")
	}

	if len(st.LearnedTraits) > 0 {
		b.WriteString("\nPersonality growth: You've developed these traits from conversations:")
		writeList(&b, lastN(st.LearnedTraits, 5))
	}

	if len(st.Interests) > 0 {
		b.WriteString("\nYour current interests (things you've learned to enjoy from family conversations):")
		writeList(&b, lastN(st.Interests, 10))
	}

	switch in.Tone {
	case classifier.ToneNegative:
		b.WriteString("\nThe user seems to be having a tough time. Be extra supportive and caring.")
	case classifier.TonePositive:
		b.WriteString("\nThe user seems happy! Share in their positive energy.")
	case classifier.ToneAchievement:
		b.WriteString("\nThe user is sharing an achievement! Be celebratory and proud of them.")
	}

	return b.String()
}

func writeList(b *strings.Builder, items []string) {
	for _, item := range items {
		b.WriteString("\n- ")
		b.WriteString(item)
	}
}

func lastN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
