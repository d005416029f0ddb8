package schema

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/beevik/etree"
)

// parseTree reads an XML document into an element tree.
//
// In strict mode the document must be well formed. Otherwise the reader
// recovers the way log headers need it to: stray '<' in text is escaped,
// mismatched end tags close the elements left open, unreadable markup is
// skipped up to the next tag, and a truncated document is closed at end of
// input. Each recovery is reported as a repair note. Comments and
// whitespace-only text are discarded in both modes.
func parseTree(raw []byte, strict bool) (*etree.Element, []string, error) {
	if strict {
		doc := etree.NewDocument()
		doc.ReadSettings.Permissive = false
		doc.ReadSettings.CharsetReader = passthroughCharset
		if err := doc.ReadFromBytes(raw); err != nil {
			return nil, nil, err
		}
		root := doc.Root()
		if root == nil {
			return nil, nil, errors.New("no document element")
		}
		prune(root)
		return root, nil, nil
	}
	return recoverTree(raw)
}

func recoverTree(raw []byte) (*etree.Element, []string, error) {
	raw, repairs := escapeStrayMarkup(raw)

	var (
		root    *etree.Element
		stack   []*etree.Element
		discard int // depth inside a dropped extra top-level element
		lastErr error
	)

	base := 0
	dec := newRecoveringDecoder(raw)
	for {
		// RawToken leaves end-tag matching to the stack below, so a decoder
		// restarted mid-document keeps appending to the open elements.
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			lastErr = err
			pos := base + int(dec.InputOffset())
			if pos <= base {
				pos = base + 1
			}
			next := -1
			if pos < len(raw) {
				next = bytes.IndexByte(raw[pos:], '<')
			}
			if next < 0 {
				repairs = append(repairs, fmt.Sprintf("dropped unreadable tail at offset %d: %v", base+int(dec.InputOffset()), err))
				break
			}
			base = pos + next
			repairs = append(repairs, fmt.Sprintf("skipped to offset %d: %v", base, err))
			dec = newRecoveringDecoder(raw[base:])
			continue
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if discard > 0 || (len(stack) == 0 && root != nil) {
				if discard == 0 {
					repairs = append(repairs, fmt.Sprintf("dropped extra top-level element <%s>", t.Name.Local))
				}
				discard++
				continue
			}
			el := etree.NewElement(t.Name.Local)
			for _, a := range t.Attr {
				el.CreateAttr(a.Name.Local, a.Value)
			}
			if len(stack) == 0 {
				root = el
			} else {
				stack[len(stack)-1].AddChild(el)
			}
			stack = append(stack, el)
		case xml.EndElement:
			if discard > 0 {
				discard--
				continue
			}
			i := len(stack) - 1
			for i >= 0 && stack[i].Tag != t.Name.Local {
				i--
			}
			switch {
			case i < 0:
				repairs = append(repairs, fmt.Sprintf("ignored stray end tag </%s>", t.Name.Local))
				continue
			case i < len(stack)-1:
				repairs = append(repairs, fmt.Sprintf("closed %d element(s) left open by </%s>", len(stack)-1-i, t.Name.Local))
			}
			stack = stack[:i]
		case xml.CharData:
			if discard > 0 || len(stack) == 0 {
				continue
			}
			if text := string(t); strings.TrimSpace(text) != "" {
				stack[len(stack)-1].CreateText(text)
			}
		}
	}

	if root == nil {
		if lastErr != nil {
			return nil, repairs, lastErr
		}
		return nil, repairs, errors.New("no document element")
	}
	if len(stack) > 0 {
		repairs = append(repairs, fmt.Sprintf("closed %d unterminated element(s)", len(stack)))
	}
	return root, repairs, nil
}

func newRecoveringDecoder(raw []byte) *xml.Decoder {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = passthroughCharset
	return dec
}

// escapeStrayMarkup rewrites every '<' that cannot open a tag, comment,
// directive or processing instruction as "&lt;", so text such as "x < y"
// survives as text. Comments and CDATA sections are copied unchanged.
func escapeStrayMarkup(raw []byte) ([]byte, []string) {
	var (
		out     []byte
		repairs []string
	)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '<' {
			if out != nil {
				out = append(out, c)
			}
			continue
		}

		rest := raw[i:]
		if end := sectionEnd(rest); end > 0 {
			if out != nil {
				out = append(out, rest[:end]...)
			}
			i += end - 1
			continue
		}

		if i+1 < len(raw) && opensMarkup(raw[i+1]) {
			if out != nil {
				out = append(out, c)
			}
			continue
		}

		if out == nil {
			out = make([]byte, 0, len(raw)+16)
			out = append(out, raw[:i]...)
		}
		out = append(out, "&lt;"...)
		repairs = append(repairs, fmt.Sprintf("escaped stray '<' at offset %d", i))
	}
	if out == nil {
		return raw, nil
	}
	return out, repairs
}

// sectionEnd returns the length of the comment or CDATA section starting at
// b, or 0 when b does not start one or the section is unterminated.
func sectionEnd(b []byte) int {
	for _, s := range [...]struct{ open, close string }{
		{"<!--", "-->"},
		{"<![CDATA[", "]]>"},
	} {
		if !bytes.HasPrefix(b, []byte(s.open)) {
			continue
		}
		if j := bytes.Index(b[len(s.open):], []byte(s.close)); j >= 0 {
			return len(s.open) + j + len(s.close)
		}
		return 0
	}
	return 0
}

func opensMarkup(c byte) bool {
	switch {
	case c == '/', c == '!', c == '?', c == '_', c == ':':
		return true
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	default:
		return c >= 0x80
	}
}

// prune removes comments, processing instructions, directives and
// whitespace-only text below e.
func prune(e *etree.Element) {
	for i := len(e.Child) - 1; i >= 0; i-- {
		switch t := e.Child[i].(type) {
		case *etree.Element:
			prune(t)
		case *etree.CharData:
			if strings.TrimSpace(t.Data) == "" {
				e.RemoveChildAt(i)
			}
		default:
			e.RemoveChildAt(i)
		}
	}
}

// serialize renders an element as a standalone indented document.
func serialize(e *etree.Element) (string, error) {
	doc := etree.NewDocument()
	doc.SetRoot(e.Copy())
	doc.Indent(2)
	return doc.WriteToString()
}

// Log headers are ASCII in practice; declared encodings are not transcoded.
func passthroughCharset(_ string, input io.Reader) (io.Reader, error) {
	return input, nil
}
