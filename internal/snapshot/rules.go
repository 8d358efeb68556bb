package snapshot

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultListCap is the maximum number of items a mergeable list
// retains after a merge. Survivors beyond the cap (sorted by recency)
// are dropped.
const DefaultListCap = 120

// ListRule describes one mergeable list: its storage key and item cap.
type ListRule struct {
	Key string `yaml:"key"`
	Cap int    `yaml:"cap"`
}

// Rules is the registry of mergeable list keys. Keys not listed here
// are merged whole-value newest-wins.
type Rules struct {
	Lists []ListRule `yaml:"lists"`
}

// DefaultRules returns the built-in registry covering the four Bilm
// user lists.
func DefaultRules() Rules {
	return Rules{
		Lists: []ListRule{
			{Key: "bilm-favorites", Cap: DefaultListCap},
			{Key: "bilm-watch-later", Cap: DefaultListCap},
			{Key: "bilm-continue-watching", Cap: DefaultListCap},
			{Key: "bilm-history", Cap: DefaultListCap},
		},
	}
}

// LoadRules reads a YAML rules file. Rules without an explicit cap get
// DefaultListCap; rules without a key are rejected.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("reading list rules: %w", err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("parsing list rules: %w", err)
	}

	for i := range rules.Lists {
		if rules.Lists[i].Key == "" {
			return Rules{}, fmt.Errorf("list rule %d has no key", i+1)
		}

		if rules.Lists[i].Cap <= 0 {
			rules.Lists[i].Cap = DefaultListCap
		}
	}

	return rules, nil
}

// IsListKey reports whether key is a registered mergeable list key.
func (r Rules) IsListKey(key string) bool {
	for _, l := range r.Lists {
		if l.Key == key {
			return true
		}
	}

	return false
}

// CapFor returns the item cap for a list key, or DefaultListCap when
// the key is not registered.
func (r Rules) CapFor(key string) int {
	for _, l := range r.Lists {
		if l.Key == key {
			return l.Cap
		}
	}

	return DefaultListCap
}
