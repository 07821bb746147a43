package queuesconf

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Document is an ordered INI document. Sections and keys keep insertion
// order so the same input always renders the same text.
type Document struct {
	sections []*Section
	index    map[string]*Section
}

// Section is one [name] block
type Section struct {
	Name string
	keys []string
	vals map[string]string
}

// New creates an empty document
func New() *Document {
	return &Document{index: make(map[string]*Section)}
}

// Section returns the named section, creating it at the end if needed
func (d *Document) Section(name string) *Section {
	if s, ok := d.index[name]; ok {
		return s
	}
	s := &Section{Name: name, vals: make(map[string]string)}
	d.sections = append(d.sections, s)
	d.index[name] = s
	return s
}

// Lookup returns the named section if present
func (d *Document) Lookup(name string) (*Section, bool) {
	s, ok := d.index[name]
	return s, ok
}

// Sections returns the section names in order
func (d *Document) Sections() []string {
	names := make([]string, 0, len(d.sections))
	for _, s := range d.sections {
		names = append(names, s.Name)
	}
	return names
}

// Len returns the number of sections
func (d *Document) Len() int {
	return len(d.sections)
}

// Set assigns key. Re-setting a key keeps its original position.
func (s *Section) Set(key, value string) *Section {
	if _, ok := s.vals[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.vals[key] = value
	return s
}

// SetInt assigns an integer value
func (s *Section) SetInt(key string, value int) *Section {
	return s.Set(key, strconv.Itoa(value))
}

// Get returns the value of key
func (s *Section) Get(key string) (string, bool) {
	v, ok := s.vals[key]
	return v, ok
}

// Keys returns the keys in order
func (s *Section) Keys() []string {
	return append([]string(nil), s.keys...)
}

// String renders the document as INI text
func (d *Document) String() string {
	var buf bytes.Buffer
	for i, s := range d.sections {
		if i > 0 {
			buf.WriteByte('\n')
		}
		fmt.Fprintf(&buf, "[%s]\n", s.Name)
		for _, k := range s.keys {
			fmt.Fprintf(&buf, "%s = %s\n", k, escapeValue(s.vals[k]))
		}
	}
	return buf.String()
}

// Encode renders the document and base64 encodes it
func (d *Document) Encode() string {
	return base64.StdEncoding.EncodeToString([]byte(d.String()))
}

// Multi-line values are continued on indented lines
func escapeValue(v string) string {
	if !strings.Contains(v, "\n") {
		return v
	}
	return strings.ReplaceAll(strings.TrimRight(v, "\n"), "\n", "\n\t")
}

// Parse reads text produced by String back into a document
func Parse(text string) (*Document, error) {
	d := New()
	var cur *Section
	var lastKey string
	for n, line := range strings.Split(text, "\n") {
		switch {
		case strings.TrimSpace(line) == "", strings.HasPrefix(line, "#"), strings.HasPrefix(line, ";"):
			continue
		case strings.HasPrefix(line, "\t") || strings.HasPrefix(line, " "):
			if cur == nil || lastKey == "" {
				return nil, fmt.Errorf("line %d: continuation outside of a key", n+1)
			}
			prev, _ := cur.Get(lastKey)
			cur.Set(lastKey, prev+"\n"+strings.TrimSpace(line))
		case strings.HasPrefix(line, "["):
			if !strings.HasSuffix(line, "]") {
				return nil, fmt.Errorf("line %d: malformed section header", n+1)
			}
			cur = d.Section(line[1 : len(line)-1])
			lastKey = ""
		default:
			if cur == nil {
				return nil, fmt.Errorf("line %d: key outside of a section", n+1)
			}
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				return nil, fmt.Errorf("line %d: expected key = value", n+1)
			}
			lastKey = strings.TrimSpace(k)
			cur.Set(lastKey, strings.TrimSpace(v))
		}
	}
	return d, nil
}

// Decode reverses Encode
func Decode(blob string) (*Document, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return Parse(string(data))
}
