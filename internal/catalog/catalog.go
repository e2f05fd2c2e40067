// Package catalog holds the static list of discussion topics, filter values
// and roles that match requests are validated against.
package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/parley/store"
)

// Topic is a discussion topic.
type Topic struct {
	ID   string `koanf:"id" json:"id"`
	Name string `koanf:"name" json:"name"`
	Icon string `koanf:"icon" json:"icon"`
}

// Option is a selectable filter or role value.
type Option struct {
	Code string `koanf:"code" json:"code"`
	Name string `koanf:"name" json:"name"`
}

// Catalog is the loaded catalog.
type Catalog struct {
	Topics    []Topic             `koanf:"topics" json:"topics"`
	Languages []Option            `koanf:"languages" json:"languages"`
	Regions   []Option            `koanf:"regions" json:"regions"`
	Roles     []Option            `koanf:"roles" json:"roles"`
	Starters  map[string][]string `koanf:"starters" json:"-"`

	topics    map[string]Topic
	languages map[string]bool
	regions   map[string]bool
	roles     map[string]bool
}

var (
	// ErrInvalid is matched by every validation error.
	ErrInvalid = errors.New("invalid request")

	errUnknownTopic    = fmt.Errorf("%w: unknown topic", ErrInvalid)
	errUnknownLanguage = fmt.Errorf("%w: unknown language", ErrInvalid)
	errUnknownRegion   = fmt.Errorf("%w: unknown region", ErrInvalid)
	errUnknownRole     = fmt.Errorf("%w: unknown role", ErrInvalid)
)

// Load parses a TOML catalog.
func Load(b []byte) (*Catalog, error) {
	ko := koanf.New(".")
	if err := ko.Load(rawbytes.Provider(b), toml.Parser()); err != nil {
		return nil, fmt.Errorf("error parsing catalog: %v", err)
	}

	var c Catalog
	if err := ko.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("error unmarshalling catalog: %v", err)
	}
	if len(c.Topics) == 0 {
		return nil, errors.New("catalog has no topics")
	}

	c.topics = make(map[string]Topic, len(c.Topics))
	for _, t := range c.Topics {
		if t.ID == "" {
			return nil, errors.New("catalog topic without an id")
		}
		if _, ok := c.topics[t.ID]; ok {
			return nil, fmt.Errorf("duplicate topic in catalog: %s", t.ID)
		}
		c.topics[t.ID] = t
	}
	for id := range c.Starters {
		if _, ok := c.topics[id]; !ok {
			return nil, fmt.Errorf("starters for unknown topic: %s", id)
		}
	}

	c.languages = codes(c.Languages)
	c.regions = codes(c.Regions)
	c.roles = codes(c.Roles)
	for r := range c.roles {
		if r != string(store.RoleParticipant) && r != string(store.RoleObserver) {
			return nil, fmt.Errorf("unsupported role in catalog: %s", r)
		}
	}

	// The wildcard is always a valid filter value.
	c.languages[store.Any] = true
	c.regions[store.Any] = true

	return &c, nil
}

// TopicIDs returns the topic ids in catalog order.
func (c *Catalog) TopicIDs() []string {
	out := make([]string, len(c.Topics))
	for i, t := range c.Topics {
		out[i] = t.ID
	}
	return out
}

// Topic returns a topic by id.
func (c *Catalog) Topic(id string) (Topic, bool) {
	t, ok := c.topics[id]
	return t, ok
}

// Search returns the topics whose name contains q, case insensitively.
func (c *Catalog) Search(q string) []Topic {
	q = strings.ToLower(strings.TrimSpace(q))
	out := make([]Topic, 0)
	for _, t := range c.Topics {
		if q == "" || strings.Contains(strings.ToLower(t.Name), q) {
			out = append(out, t)
		}
	}
	return out
}

// StartersFor returns the conversation starters for a topic.
func (c *Catalog) StartersFor(topic string) []string {
	s := c.Starters[topic]
	if s == nil {
		return []string{}
	}
	return s
}

// Validate checks a match request's topic, filters and role.
func (c *Catalog) Validate(topic string, f store.Filters, role store.Role) error {
	f = f.Normalize()
	if _, ok := c.topics[topic]; !ok {
		return fmt.Errorf("%w: %q", errUnknownTopic, topic)
	}
	if !c.languages[f.Language] {
		return fmt.Errorf("%w: %q", errUnknownLanguage, f.Language)
	}
	if !c.regions[f.Region] {
		return fmt.Errorf("%w: %q", errUnknownRegion, f.Region)
	}
	if !c.roles[string(role)] {
		return fmt.Errorf("%w: %q", errUnknownRole, role)
	}
	return nil
}

func codes(opts []Option) map[string]bool {
	out := make(map[string]bool, len(opts))
	for _, o := range opts {
		out[o.Code] = true
	}
	return out
}
