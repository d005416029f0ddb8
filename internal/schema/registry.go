package schema

import (
	"sort"
	"strings"
	"sync"

	"github.com/basekick-labs/pprzlog/pkg/models"
	"github.com/rs/zerolog"
)

// Registry maps message names to their message types.
// Registering a name again replaces its previous type.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]*models.MessageType
	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		types:  make(map[string]*models.MessageType),
		logger: logger.With().Str("component", "schema-registry").Logger(),
	}
}

// Register parses a msg_class fragment and registers every message it
// declares. An empty fragment is a no-op. A message without a NAME attribute
// fails the whole fragment with a RegistrationError and nothing is registered.
// Field declarations without a NAME are skipped with a warning.
// It returns the number of message types registered.
func (r *Registry) Register(source string, fragment []byte) (int, error) {
	if len(strings.TrimSpace(string(fragment))) == 0 {
		return 0, nil
	}

	root, repairs, err := parseTree(fragment, false)
	if err != nil {
		return 0, &RegistrationError{Source: source, Reason: "unreadable fragment", Err: err}
	}
	for _, rp := range repairs {
		r.logger.Warn().Str("source", source).Str("repair", rp).Msg("Recovered malformed schema fragment")
	}

	messages := root.SelectElements("message")
	pending := make([]*models.MessageType, 0, len(messages))

	for i, msg := range messages {
		name := msg.SelectAttrValue("NAME", "")
		if name == "" {
			return 0, &RegistrationError{Source: source, Position: i, Reason: "message without NAME attribute"}
		}

		fieldEls := msg.SelectElements("field")
		declared := make([]string, 0, len(fieldEls))
		seen := make(map[string]struct{}, len(fieldEls))
		for j, f := range fieldEls {
			fname := f.SelectAttrValue("NAME", "")
			if fname == "" {
				r.logger.Warn().
					Str("source", source).
					Str("message", name).
					Int("field_position", j).
					Msg("Skipping field without NAME attribute")
				continue
			}
			if _, dup := seen[fname]; dup {
				r.logger.Warn().
					Str("source", source).
					Str("message", name).
					Str("field", fname).
					Msg("Skipping repeated field declaration")
				continue
			}
			seen[fname] = struct{}{}
			declared = append(declared, fname)
		}

		pending = append(pending, models.NewMessageType(name, declared))
	}

	r.mu.Lock()
	for _, mt := range pending {
		if prev, ok := r.types[mt.Name()]; ok && !prev.Equal(mt) {
			r.logger.Debug().Str("message", mt.Name()).Msg("Replacing message type")
		}
		r.types[mt.Name()] = mt
	}
	r.mu.Unlock()

	r.logger.Debug().Str("source", source).Int("messages", len(pending)).Msg("Registered schema fragment")
	return len(pending), nil
}

// Lookup returns the message type registered under name.
func (r *Registry) Lookup(name string) (*models.MessageType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mt, ok := r.types[name]
	return mt, ok
}

// Len returns the number of registered message types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// Messages returns every registered message type sorted by name.
func (r *Registry) Messages() []*models.MessageType {
	r.mu.RLock()
	out := make([]*models.MessageType, 0, len(r.types))
	for _, mt := range r.types {
		out = append(out, mt)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Search returns the sorted names of registered messages containing query,
// compared case-insensitively. An empty query matches every message.
func (r *Registry) Search(query string) []string {
	q := strings.ToLower(query)

	r.mu.RLock()
	var out []string
	for name := range r.types {
		if strings.Contains(strings.ToLower(name), q) {
			out = append(out, name)
		}
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}
