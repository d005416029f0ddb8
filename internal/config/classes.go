package config

import (
	"fmt"
	"strings"

	"github.com/basekick-labs/pprzlog/internal/schema"
)

// ParseMessageClasses parses message-class selectors from SchemaConfig.
// Format: ["telemetry:1", "datalink:2", ...]
// Each class is persisted as <name>_messages.xml in the work directory.
// An empty list means schema.DefaultClasses.
func ParseMessageClasses(entries []string) ([]schema.MessageClass, error) {
	if len(entries) == 0 {
		return schema.DefaultClasses, nil
	}

	classes := make([]schema.MessageClass, 0, len(entries))
	seen := make(map[string]bool, len(entries))

	for _, entry := range entries {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid message class format: %s (expected 'name:id')", entry)
		}

		name := strings.TrimSpace(parts[0])
		id := strings.TrimSpace(parts[1])
		if name == "" {
			return nil, fmt.Errorf("empty class name in: %s", entry)
		}
		if id == "" {
			return nil, fmt.Errorf("empty class id in: %s", entry)
		}
		if strings.ContainsAny(name, `/\`) {
			return nil, fmt.Errorf("class name must not contain path separators: %s", entry)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate message class %s", name)
		}
		seen[name] = true

		classes = append(classes, schema.MessageClass{
			Name: name,
			ID:   id,
			File: name + "_messages.xml",
		})
	}

	return classes, nil
}
