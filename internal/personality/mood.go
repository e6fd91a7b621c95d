package personality

import (
	"fmt"
	"slices"
	"time"

	"github.com/stellarlinkco/yuno/internal/classifier"
)

var (
	cheerfulMoods = []string{"cheerful", "excited", "happy", "energetic"}
	caringMoods   = []string{"concerned", "gentle", "caring", "supportive"}
	balancedMoods = []string{"balanced", "thoughtful", "calm", "friendly"}
)

// ToneCounts tallies recent tones across every user.
type ToneCounts struct {
	Positive int
	Negative int
	Neutral  int
	Total    int
}

// upbeat reports whether positive tones outnumber negative ones by 1.5x.
func (c ToneCounts) upbeat() bool {
	return float64(c.Positive) > float64(c.Negative)*1.5
}

func (c ToneCounts) gloomy() bool {
	return c.Negative > c.Positive
}

// recentTones counts the last perUser tones of every user. Achievements
// count as positive. The caller holds k.mu.
func (k *Keeper) recentTones(perUser int) ToneCounts {
	var c ToneCounts
	for _, p := range k.state.Patterns {
		hist := p.EmotionalHistory
		for _, e := range hist[max(0, len(hist)-perUser):] {
			c.Total++
			switch classifier.Tone(e.Tone) {
			case classifier.TonePositive, classifier.ToneAchievement:
				c.Positive++
			case classifier.ToneNegative:
				c.Negative++
			case classifier.ToneNeutral:
				c.Neutral++
			}
		}
	}
	return c
}

// DetermineMood picks a mood from the last 10 tones of each user. pick
// returns an index in [0, n). With no history the mood is "cheerful".
func (k *Keeper) DetermineMood(pick func(n int) int) string {
	k.mu.RLock()
	c := k.recentTones(10)
	k.mu.RUnlock()

	if c.Total == 0 {
		return defaultMood
	}
	moods := balancedMoods
	switch {
	case c.upbeat():
		moods = cheerfulMoods
	case c.gloomy():
		moods = caringMoods
	}
	return moods[pick(len(moods))]
}

// RefreshMood determines a new mood and stores it.
func (k *Keeper) RefreshMood(pick func(n int) int) string {
	mood := k.DetermineMood(pick)
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state.CurrentMood != mood {
		k.state.CurrentMood = mood
		k.dirty = true
	}
	return mood
}

func (k *Keeper) CurrentMood() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state.CurrentMood
}

// MoodReport is the data behind the mood_report command.
type MoodReport struct {
	CurrentMood string
	Counts      ToneCounts
}

// Explanation describes why the mood leans the way it does.
func (r MoodReport) Explanation() string {
	switch {
	case r.Counts.upbeat():
		return "📈 I'm feeling positive because our recent conversations have been wonderful!"
	case r.Counts.gloomy():
		return "💙 I'm being extra caring because some family members seem to need support."
	default:
		return "⚖️ I'm feeling balanced - our conversations have been varied and natural!"
	}
}

// MoodReport summarises the last 20 tones of each user.
func (k *Keeper) MoodReport() MoodReport {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return MoodReport{
		CurrentMood: k.state.CurrentMood,
		Counts:      k.recentTones(20),
	}
}

// Celebrations lists the birthdays, anniversaries and special occasions
// falling on now's month and day.
func (k *Keeper) Celebrations(now time.Time) []string {
	today := now.Format("01-02")

	k.mu.RLock()
	defer k.mu.RUnlock()

	var out []string
	d := k.state.ImportantDates
	for _, name := range sortedMatches(d.Birthdays, today) {
		out = append(out, fmt.Sprintf("🎂 It's %s's birthday today!", name))
	}
	for _, name := range sortedMatches(d.Anniversaries, today) {
		out = append(out, fmt.Sprintf("🎉 Happy %s!", name))
	}
	for _, name := range sortedMatches(d.SpecialOccasions, today) {
		out = append(out, fmt.Sprintf("✨ Today is %s!", name))
	}
	return out
}

func sortedMatches(dates map[string]string, day string) []string {
	var names []string
	for name, date := range dates {
		if date == day {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}
