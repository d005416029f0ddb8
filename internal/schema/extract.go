package schema

import (
	"github.com/beevik/etree"
	"github.com/rs/zerolog"
)

const (
	messageClassPath = "protocol/msg_class"
	messageClassTag  = "msg_class"
	protocolTag      = "protocol"
)

// MessageClass selects one msg_class block of a log header by NAME and ID.
type MessageClass struct {
	Name string
	ID   string
	File string
}

// DefaultClasses are the message classes a Paparazzi log header carries.
var DefaultClasses = []MessageClass{
	{Name: "telemetry", ID: "1", File: "telemetry_messages.xml"},
	{Name: "datalink", ID: "2", File: "datalink_messages.xml"},
}

// Fragment is the serialized msg_class element of one class.
type Fragment struct {
	Class MessageClass
	XML   string
}

// ExtractorOptions configures an Extractor.
type ExtractorOptions struct {
	Classes []MessageClass
	Strict  bool
}

// Extractor pulls message-class fragments out of a log header document.
type Extractor struct {
	classes []MessageClass
	strict  bool
	logger  zerolog.Logger
}

// NewExtractor creates an extractor. DefaultClasses are used when none are given.
func NewExtractor(opts ExtractorOptions, logger zerolog.Logger) *Extractor {
	classes := opts.Classes
	if len(classes) == 0 {
		classes = DefaultClasses
	}
	return &Extractor{
		classes: classes,
		strict:  opts.Strict,
		logger:  logger.With().Str("component", "schema-extractor").Logger(),
	}
}

// Classes returns the configured message classes.
func (e *Extractor) Classes() []MessageClass {
	out := make([]MessageClass, len(e.classes))
	copy(out, e.classes)
	return out
}

// Extract returns one fragment per configured class present in the header,
// in configuration order. Classes missing from the header are skipped with a
// warning; a header holding none of them is an ExtractionError. When a class
// appears more than once the last occurrence wins.
func (e *Extractor) Extract(source string, raw []byte) ([]Fragment, error) {
	root, repairs, err := parseTree(raw, e.strict)
	if err != nil {
		return nil, &ExtractionError{Source: source, Reason: "unreadable header", Err: err}
	}
	for _, r := range repairs {
		e.logger.Warn().Str("source", source).Str("repair", r).Msg("Recovered malformed schema header")
	}

	var blocks []*etree.Element
	if root.Tag == protocolTag {
		blocks = root.SelectElements(messageClassTag)
	} else {
		blocks = root.FindElements(messageClassPath)
	}

	found := make(map[int]*etree.Element, len(e.classes))
	for _, b := range blocks {
		name := b.SelectAttrValue("NAME", "")
		id := b.SelectAttrValue("ID", "")
		for i, c := range e.classes {
			if c.Name == name && c.ID == id {
				found[i] = b
			}
		}
	}

	if len(found) == 0 {
		return nil, &ExtractionError{Source: source, Reason: "no configured message class found in header"}
	}

	fragments := make([]Fragment, 0, len(found))
	for i, c := range e.classes {
		b, ok := found[i]
		if !ok {
			e.logger.Warn().
				Str("source", source).
				Str("class", c.Name).
				Str("id", c.ID).
				Msg("Message class absent from header")
			continue
		}
		text, err := serialize(b)
		if err != nil {
			return nil, &ExtractionError{Source: source, Class: c.Name, Reason: "serialize fragment", Err: err}
		}
		fragments = append(fragments, Fragment{Class: c, XML: text})
	}

	e.logger.Debug().
		Str("source", source).
		Int("fragments", len(fragments)).
		Int("repairs", len(repairs)).
		Msg("Extracted schema fragments")

	return fragments, nil
}
