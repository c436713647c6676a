// Package clientstable reads and writes the tunnel daemon's client registry,
// a JSON array mapping client names to peer public keys.
//
// Fields the codec does not know about are carried through unchanged.
package clientstable

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// CreationDateLayout is the date format the daemon's own tooling writes.
const CreationDateLayout = "Mon Jan 02 15:04:05 2006"

// CreationDate renders t for the creationDate field.
func CreationDate(t time.Time) string {
	return t.Format(CreationDateLayout)
}

// ParseError reports a registry that is not valid JSON of the expected shape.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "clientstable: parse: " + e.Err.Error() }

func (e *ParseError) Unwrap() error { return e.Err }

// Entry is one registry record.
type Entry struct {
	ClientID     string
	Name         string
	CreationDate string

	extra     map[string]json.RawMessage
	userExtra map[string]json.RawMessage
}

type entryJSON struct {
	ClientID string          `json:"clientId"`
	UserData json.RawMessage `json:"userData"`
}

type userDataJSON struct {
	ClientName   string `json:"clientName"`
	CreationDate string `json:"creationDate"`
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var known entryJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &e.extra); err != nil {
		return err
	}
	delete(e.extra, "clientId")
	delete(e.extra, "userData")
	e.ClientID = known.ClientID

	if len(known.UserData) == 0 || string(known.UserData) == "null" {
		return nil
	}
	var user userDataJSON
	if err := json.Unmarshal(known.UserData, &user); err != nil {
		return err
	}
	if err := json.Unmarshal(known.UserData, &e.userExtra); err != nil {
		return err
	}
	delete(e.userExtra, "clientName")
	delete(e.userExtra, "creationDate")
	e.Name = user.ClientName
	e.CreationDate = user.CreationDate
	return nil
}

func (e Entry) MarshalJSON() ([]byte, error) {
	user := make(map[string]any, len(e.userExtra)+2)
	for k, v := range e.userExtra {
		user[k] = v
	}
	user["clientName"] = e.Name
	user["creationDate"] = e.CreationDate

	top := make(map[string]any, len(e.extra)+2)
	for k, v := range e.extra {
		top[k] = v
	}
	top["clientId"] = e.ClientID
	top["userData"] = user
	return marshal(top, "")
}

// Table is the parsed registry.
type Table struct {
	entries []Entry
}

// Parse decodes registry content. Empty content is an empty registry.
func Parse(data []byte) (*Table, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return &Table{}, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &ParseError{Err: err}
	}
	return &Table{entries: entries}, nil
}

// Marshal encodes the registry as a 4-space indented JSON array.
func (t *Table) Marshal() ([]byte, error) {
	entries := t.entries
	if entries == nil {
		entries = []Entry{}
	}
	out, err := marshal(entries, "    ")
	if err != nil {
		return nil, fmt.Errorf("clientstable: marshal: %w", err)
	}
	return out, nil
}

// Entries returns a copy of the records.
func (t *Table) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Len returns the number of records.
func (t *Table) Len() int { return len(t.entries) }

// Find returns the first record for the client name.
func (t *Table) Find(name string) (Entry, bool) {
	for _, e := range t.entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Names returns every client name in file order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		names = append(names, e.Name)
	}
	return names
}

// Ensure makes the record for name point at clientID, adding it with
// creationDate when absent. It returns whether the table changed.
func (t *Table) Ensure(name, clientID, creationDate string) bool {
	for i := range t.entries {
		if t.entries[i].Name != name {
			continue
		}
		if t.entries[i].ClientID == clientID {
			return false
		}
		t.entries[i].ClientID = clientID
		return true
	}
	t.entries = append(t.entries, Entry{ClientID: clientID, Name: name, CreationDate: creationDate})
	return true
}

// Add appends a record for name unless one exists. An existing record
// keeps its client id. It returns whether the table changed.
func (t *Table) Add(name, clientID, creationDate string) bool {
	if _, ok := t.Find(name); ok {
		return false
	}
	t.entries = append(t.entries, Entry{ClientID: clientID, Name: name, CreationDate: creationDate})
	return true
}

// Remove deletes every record for name.
func (t *Table) Remove(name string) bool {
	return len(t.RemoveUnknown(func(n string) bool { return n != name })) > 0
}

// RemoveUnknown deletes records whose name does not satisfy known and
// returns the removed names.
func (t *Table) RemoveUnknown(known func(name string) bool) []string {
	var removed []string
	kept := t.entries[:0]
	for _, e := range t.entries {
		if known(e.Name) {
			kept = append(kept, e)
			continue
		}
		removed = append(removed, e.Name)
	}
	t.entries = kept
	return removed
}

func marshal(v any, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", indent)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
