// Package classifier holds the keyword heuristics run on every inbound
// message: emotional tone, relationship to the bot, questions about its
// parents and newly mentioned interests.
package classifier

import (
	"regexp"
	"strings"
)

type Tone string

const (
	ToneAchievement Tone = "achievement"
	TonePositive    Tone = "positive"
	ToneNegative    Tone = "negative"
	ToneNeutral     Tone = "neutral"
)

// Relationship is "parent", "friend" or an extended-family role such as
// "cousin".
type Relationship string

const (
	RelationshipParent Relationship = "parent"
	RelationshipFriend Relationship = "friend"
)

type ParentRole string

const (
	Mother ParentRole = "mother"
	Father ParentRole = "father"
)

// Family is the slice of configuration and state the classifier reads.
type Family struct {
	MotherID string
	FatherID string
	// Extended maps user ids to their relationship.
	Extended map[string]string
}

var (
	positiveWords = []string{
		"happy", "excited", "great", "awesome", "love", "wonderful",
		"amazing", "fantastic", "good", "nice", "perfect", "😊", "😄",
		"❤️", "💕", "🎉", "✨",
	}
	negativeWords = []string{
		"sad", "upset", "angry", "frustrated", "tired", "stressed",
		"worried", "anxious", "bad", "terrible", "awful", "hate",
		"😢", "😞", "😭", "😤", "😰", "😔",
	}
	achievementWords = []string{
		"won", "passed", "finished", "completed", "achieved",
		"success", "accomplished", "graduated", "promoted",
	}

	parentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:who\s+(?:is|are|were|was)|tell\s+me\s+about)\s+your\s+(?:parent|parents|creator|creators|mom|mother|dad|father|family)\b`),
		regexp.MustCompile(`\b(?:your\s+)?(?:parent|parents|creator|creators|mom|mother|dad|father|family)(?:\s+(?:is|are|were|was))?\b`),
		regexp.MustCompile(`\bwho\s+(?:created|made|built|coded|programmed)\s+you\b`),
		regexp.MustCompile(`\bwho\s+(?:is|are)\s+your\s+(?:maker|builder|developer)\b`),
		regexp.MustCompile(`\btell\s+me\s+about\s+your\s+(?:origin|background|creation)\b`),
	}
	motherKeywords = []string{"mom", "mother", "mama", "mommy", "her", "she"}
	fatherKeywords = []string{"dad", "father", "papa", "daddy", "him", "he"}

	interestKeywords = []string{
		"love", "enjoy", "like", "interested in", "fascinated by",
		"hobby", "passion", "favorite",
	}
)

// ClassifyTone classifies text by substring counts: any achievement word wins,
// otherwise the majority of positive vs negative words, otherwise neutral.
func ClassifyTone(text string) Tone {
	lower := strings.ToLower(text)
	positive := countContained(lower, positiveWords)
	negative := countContained(lower, negativeWords)

	switch {
	case countContained(lower, achievementWords) > 0:
		return ToneAchievement
	case positive > negative && positive > 0:
		return TonePositive
	case negative > positive && negative > 0:
		return ToneNegative
	default:
		return ToneNeutral
	}
}

// ClassifyRelationship returns parent for either parent id, the registered
// extended-family role, or friend.
func ClassifyRelationship(userID string, family Family) Relationship {
	if userID == "" {
		return RelationshipFriend
	}
	if userID == family.MotherID || userID == family.FatherID {
		return RelationshipParent
	}
	if rel, ok := family.Extended[userID]; ok && rel != "" {
		return Relationship(rel)
	}
	return RelationshipFriend
}

// Ping is the parent a message should wave at.
type Ping struct {
	Role   ParentRole
	UserID string
}

// DetectParentPing reports whether text asks about the bot's parents and
// which one to ping. Mother is picked unless only father keywords appear.
// ok is false when no pattern matches or the chosen parent has no id.
func DetectParentPing(text string, family Family) (Ping, bool) {
	lower := strings.ToLower(text)
	if !AsksAboutParents(lower) {
		return Ping{}, false
	}

	mentionsMother := countContained(lower, motherKeywords) > 0
	mentionsFather := countContained(lower, fatherKeywords) > 0

	p := Ping{Role: Mother, UserID: family.MotherID}
	if mentionsFather && !mentionsMother {
		p = Ping{Role: Father, UserID: family.FatherID}
	}
	return p, p.UserID != ""
}

// AsksAboutParents reports whether any parent question pattern matches.
func AsksAboutParents(text string) bool {
	lower := strings.ToLower(text)
	for _, re := range parentPatterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

// ExtractInterests returns, for every interest keyword found, the first
// three words following its first occurrence when that phrase is longer
// than two characters.
func ExtractInterests(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, kw := range interestKeywords {
		_, after, found := strings.Cut(lower, kw)
		if !found {
			continue
		}
		words := strings.Fields(after)
		if len(words) > 3 {
			words = words[:3]
		}
		phrase := strings.Join(words, " ")
		if len(phrase) > 2 && !contains(out, phrase) {
			out = append(out, phrase)
		}
	}
	return out
}

func countContained(text string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			n++
		}
	}
	return n
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
