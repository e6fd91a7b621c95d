package config

import (
	"bytes"
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"
)

// FlexID is a platform user id that may be written as a JSON string or a
// bare number. Numbers are kept digit for digit; Discord snowflakes do not
// fit a float64.
type FlexID string

func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = FlexID(n.String())
	return nil
}

func (id FlexID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

func (id *FlexID) UnmarshalYAML(node *yaml.Node) error {
	*id = FlexID(strings.TrimSpace(node.Value))
	return nil
}

func (id FlexID) String() string { return string(id) }

// Parents holds the resolved mother and father ids; either may be empty.
type Parents struct {
	Mother string
	Father string
}

// Parents resolves the parent ids. family_tree wins; user_specific_memories
// fills whatever it leaves empty.
func (c *Config) Parents() Parents {
	p := Parents{
		Mother: c.FamilyTree.MotherUserID.String(),
		Father: c.FamilyTree.FatherUserID.String(),
	}
	if p.Mother == "" {
		p.Mother = c.UserSpecificMemories.MotherUserID.String()
	}
	if p.Father == "" {
		p.Father = c.UserSpecificMemories.FatherUserID.String()
	}
	return p
}

// ParentIDs returns every id recognised as a parent under either section.
func (c *Config) ParentIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, id := range []FlexID{
		c.FamilyTree.MotherUserID,
		c.FamilyTree.FatherUserID,
		c.UserSpecificMemories.MotherUserID,
		c.UserSpecificMemories.FatherUserID,
	} {
		s := id.String()
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		ids = append(ids, s)
	}
	return ids
}

// IsParent reports whether userID is one of ParentIDs.
func (c *Config) IsParent(userID string) bool {
	if userID == "" {
		return false
	}
	for _, id := range c.ParentIDs() {
		if id == userID {
			return true
		}
	}
	return false
}

// ParentMemories returns the user-specific memories for a parent id.
func (c *Config) ParentMemories(userID string) []string {
	if userID == "" {
		return nil
	}
	um := c.UserSpecificMemories
	switch userID {
	case um.MotherUserID.String(), c.FamilyTree.MotherUserID.String():
		return um.MotherMemories
	case um.FatherUserID.String(), c.FamilyTree.FatherUserID.String():
		return um.FatherMemories
	}
	return nil
}
