// Package personality owns Yuno's mutable persona state: mood, learned
// interests, per-user emotional history, highlights, extended family and
// important dates. Static settings stay in config; everything that changes
// at runtime lives here and is written out by Keeper.Save.
package personality

import (
	"encoding/json"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/stellarlinkco/yuno/internal/classifier"
	"github.com/stellarlinkco/yuno/internal/config"
)

const (
	maxEmotionHistory   = 50
	maxHighlightsPerKey = 100
	defaultMood         = "cheerful"

	// fixed width so timestamps sort as strings
	highlightTimeFormat = "2006-01-02T15:04:05.000000Z07:00"
)

var (
	ErrInvalidDate         = goerr.New("date must use MM-DD format")
	ErrInvalidRelationship = goerr.New("unsupported relationship")
	ErrInvalidState        = goerr.New("invalid personality state file")
)

// ValidRelationships lists the roles AddFamily accepts.
var ValidRelationships = []string{"sibling", "grandparent", "aunt", "uncle", "cousin", "friend"}

// State is the serialisable personality state.
type State struct {
	CurrentMood       string                                 `json:"current_mood"`
	BaseTraits        []string                               `json:"base_traits,omitempty"`
	LearnedTraits     []string                               `json:"learned_traits,omitempty"`
	Interests         []string                               `json:"interests,omitempty"`
	Patterns          map[string]*config.ConversationPattern `json:"conversation_patterns,omitempty"`
	Highlights        map[string][]config.Highlight          `json:"memory_highlights,omitempty"`
	ExtendedFamily    map[string]config.FamilyMember         `json:"extended_family,omitempty"`
	ImportantDates    config.ImportantDates                  `json:"important_dates"`
	ParentPingEnabled bool                                   `json:"parent_ping_enabled"`
	UpdatedAt         time.Time                              `json:"updated_at"`
}

// Seed builds the initial state from the personality sections of cfg.
func Seed(cfg *config.Config) State {
	ps := cfg.PersonalitySystem
	st := State{
		CurrentMood:       ps.CurrentMood,
		BaseTraits:        slices.Clone(ps.BaseTraits),
		LearnedTraits:     slices.Clone(ps.LearnedTraits),
		Interests:         slices.Clone(ps.Interests),
		Patterns:          make(map[string]*config.ConversationPattern, len(ps.ConversationPatterns)),
		Highlights:        make(map[string][]config.Highlight, len(cfg.MemoryHighlights)),
		ExtendedFamily:    maps.Clone(cfg.FamilyTree.ExtendedFamily),
		ImportantDates:    cloneDates(cfg.ImportantDates),
		ParentPingEnabled: cfg.Settings.ParentPingEnabled,
	}
	if st.CurrentMood == "" {
		st.CurrentMood = defaultMood
	}
	for id, p := range ps.ConversationPatterns {
		st.Patterns[id] = clonePattern(p)
	}
	for k, v := range cfg.MemoryHighlights {
		st.Highlights[k] = slices.Clone(v)
	}
	if st.ExtendedFamily == nil {
		st.ExtendedFamily = make(map[string]config.FamilyMember)
	}
	return st
}

// Keeper guards a State and persists it to a JSON file.
type Keeper struct {
	mu     sync.RWMutex
	path   string
	state  State
	dirty  bool
	now    func() time.Time
	logger *slog.Logger
}

// Open loads the state stored at path, or starts from seed when the file
// does not exist. An empty path keeps the state in memory only.
func Open(path string, seed State, logger *slog.Logger) (*Keeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	k := &Keeper{
		path:   path,
		state:  seed,
		now:    time.Now,
		logger: logger,
	}
	normalize(&k.state)
	if path == "" {
		return k, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			k.dirty = true
			return k, nil
		}
		return nil, goerr.Wrap(err, "read personality state", goerr.V("path", path))
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, goerr.Wrap(ErrInvalidState, "parse personality state",
			goerr.V("path", path), goerr.V("cause", err.Error()))
	}
	normalize(&st)
	k.state = st
	return k, nil
}

// SetClock overrides the time source. Used by tests.
func (k *Keeper) SetClock(now func() time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.now = now
}

// Save writes the state when it changed since the last save. The file is
// replaced atomically.
func (k *Keeper) Save() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.dirty || k.path == "" {
		return nil
	}
	k.state.UpdatedAt = k.now().UTC()

	data, err := json.MarshalIndent(k.state, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "marshal personality state")
	}

	dir := filepath.Dir(k.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return goerr.Wrap(err, "create state dir", goerr.V("dir", dir))
	}
	tmp, err := os.CreateTemp(dir, ".personality-*.json")
	if err != nil {
		return goerr.Wrap(err, "create temp state file", goerr.V("dir", dir))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return goerr.Wrap(err, "write temp state file", goerr.V("path", tmpName))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return goerr.Wrap(err, "close temp state file", goerr.V("path", tmpName))
	}
	if err := os.Rename(tmpName, k.path); err != nil {
		os.Remove(tmpName)
		return goerr.Wrap(err, "replace state file", goerr.V("path", k.path))
	}

	k.dirty = false
	k.logger.Debug("saved personality state", "component", "personality", "path", k.path)
	return nil
}

// Dirty reports whether there are unsaved changes.
func (k *Keeper) Dirty() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.dirty
}

// Snapshot returns a deep copy of the current state.
func (k *Keeper) Snapshot() State {
	k.mu.RLock()
	defer k.mu.RUnlock()

	st := k.state
	st.BaseTraits = slices.Clone(st.BaseTraits)
	st.LearnedTraits = slices.Clone(st.LearnedTraits)
	st.Interests = slices.Clone(st.Interests)
	st.Patterns = make(map[string]*config.ConversationPattern, len(k.state.Patterns))
	for id, p := range k.state.Patterns {
		st.Patterns[id] = clonePattern(p)
	}
	st.Highlights = make(map[string][]config.Highlight, len(k.state.Highlights))
	for cat, hs := range k.state.Highlights {
		st.Highlights[cat] = slices.Clone(hs)
	}
	st.ExtendedFamily = maps.Clone(k.state.ExtendedFamily)
	st.ImportantDates = cloneDates(k.state.ImportantDates)
	return st
}

// RecordInteraction appends tone to the user's emotional history, keeping
// the last 50, and learns interests mentioned in text.
func (k *Keeper) RecordInteraction(userID, text string, tone classifier.Tone) {
	k.mu.Lock()
	defer k.mu.Unlock()

	p := k.state.Patterns[userID]
	if p == nil {
		p = &config.ConversationPattern{Topics: map[string]int{}}
		k.state.Patterns[userID] = p
	}
	if p.Topics == nil {
		p.Topics = map[string]int{}
	}
	p.EmotionalHistory = append(p.EmotionalHistory, config.EmotionRecord{
		Tone:      string(tone),
		Timestamp: k.now().Format(time.RFC3339),
	})
	if n := len(p.EmotionalHistory); n > maxEmotionHistory {
		p.EmotionalHistory = slices.Clone(p.EmotionalHistory[n-maxEmotionHistory:])
	}

	for _, interest := range classifier.ExtractInterests(text) {
		p.Topics[interest]++
		if !slices.Contains(k.state.Interests, interest) {
			k.state.Interests = append(k.state.Interests, interest)
		}
	}
	k.dirty = true
}

// SaveHighlight stores a memorable message. Achievements go to
// "achievement_moments", any other kind to "<kind>_memories"; each category
// keeps its last 100 entries.
func (k *Keeper) SaveHighlight(userID, text, kind string) config.Highlight {
	k.mu.Lock()
	defer k.mu.Unlock()

	h := config.Highlight{
		ID:        uuid.NewString(),
		UserID:    userID,
		Content:   text,
		Timestamp: k.now().Format(highlightTimeFormat),
		Type:      kind,
	}
	key := kind + "_memories"
	if kind == string(classifier.ToneAchievement) {
		key = kind + "_moments"
	}
	list := append(k.state.Highlights[key], h)
	if n := len(list); n > maxHighlightsPerKey {
		list = slices.Clone(list[n-maxHighlightsPerKey:])
	}
	k.state.Highlights[key] = list
	k.dirty = true
	return h
}

// Highlights returns the user's most recent highlights, newest first.
func (k *Keeper) Highlights(userID string, limit int) []config.Highlight {
	k.mu.RLock()
	defer k.mu.RUnlock()

	var out []config.Highlight
	for _, cat := range []string{"favorite_memories", "achievement_moments", "emotional_peaks"} {
		for _, h := range k.state.Highlights[cat] {
			if h.UserID == userID {
				out = append(out, h)
			}
		}
	}
	slices.SortStableFunc(out, func(a, b config.Highlight) int {
		switch {
		case a.Timestamp > b.Timestamp:
			return -1
		case a.Timestamp < b.Timestamp:
			return 1
		}
		return 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ShouldCheckIn reports whether at least 3 of the user's last 5
// interactions were negative.
func (k *Keeper) ShouldCheckIn(userID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()

	p := k.state.Patterns[userID]
	if p == nil || len(p.EmotionalHistory) == 0 {
		return false
	}
	recent := p.EmotionalHistory[max(0, len(p.EmotionalHistory)-5):]
	negative := 0
	for _, e := range recent {
		if e.Tone == string(classifier.ToneNegative) {
			negative++
		}
	}
	return negative >= 3
}

// AddBirthday records a birthday. date must be MM-DD.
func (k *Keeper) AddBirthday(name, date string) error {
	if _, err := time.Parse("01-02", date); err != nil {
		return goerr.Wrap(ErrInvalidDate, "add birthday", goerr.V("date", date))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state.ImportantDates.Birthdays == nil {
		k.state.ImportantDates.Birthdays = make(map[string]string)
	}
	k.state.ImportantDates.Birthdays[name] = date
	k.dirty = true
	return nil
}

// AddFamily registers userID as an extended-family member.
func (k *Keeper) AddFamily(userID, relationship, addedBy string) error {
	if !slices.Contains(ValidRelationships, relationship) {
		return goerr.Wrap(ErrInvalidRelationship, "add family member",
			goerr.V("relationship", relationship))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.state.ExtendedFamily[userID] = config.FamilyMember{
		Relationship: relationship,
		AddedBy:      addedBy,
	}
	k.dirty = true
	return nil
}

// ExtendedFamily returns user id to relationship for every registered member.
func (k *Keeper) ExtendedFamily() map[string]string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]string, len(k.state.ExtendedFamily))
	for id, m := range k.state.ExtendedFamily {
		out[id] = m.Relationship
	}
	return out
}

// ToggleParentPing flips the parent-ping switch and returns the new value.
func (k *Keeper) ToggleParentPing() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.state.ParentPingEnabled = !k.state.ParentPingEnabled
	k.dirty = true
	return k.state.ParentPingEnabled
}

func (k *Keeper) ParentPingEnabled() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state.ParentPingEnabled
}

// TotalInteractions counts emotional records across all users.
func (k *Keeper) TotalInteractions() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	n := 0
	for _, p := range k.state.Patterns {
		n += len(p.EmotionalHistory)
	}
	return n
}

func normalize(st *State) {
	if st.CurrentMood == "" {
		st.CurrentMood = defaultMood
	}
	if st.Patterns == nil {
		st.Patterns = make(map[string]*config.ConversationPattern)
	}
	if st.Highlights == nil {
		st.Highlights = make(map[string][]config.Highlight)
	}
	if st.ExtendedFamily == nil {
		st.ExtendedFamily = make(map[string]config.FamilyMember)
	}
}

func clonePattern(p *config.ConversationPattern) *config.ConversationPattern {
	if p == nil {
		return &config.ConversationPattern{Topics: map[string]int{}}
	}
	return &config.ConversationPattern{
		Topics:           maps.Clone(p.Topics),
		EmotionalHistory: slices.Clone(p.EmotionalHistory),
	}
}

func cloneDates(d config.ImportantDates) config.ImportantDates {
	return config.ImportantDates{
		Birthdays:        maps.Clone(d.Birthdays),
		Anniversaries:    maps.Clone(d.Anniversaries),
		SpecialOccasions: maps.Clone(d.SpecialOccasions),
	}
}
