package clientstable

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestCreationDate(t *testing.T) {
	ts := time.Date(2024, time.March, 5, 14, 3, 11, 0, time.UTC)
	if got, want := CreationDate(ts), "Tue Mar 05 14:03:11 2024"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseEmpty(t *testing.T) {
	for _, in := range []string{"", "  \n", "null", "[]"} {
		tbl, err := Parse([]byte(in))
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if tbl.Len() != 0 {
			t.Fatalf("Parse(%q) has %d entries", in, tbl.Len())
		}
	}
}

func TestParseError(t *testing.T) {
	for _, in := range []string{"{", `{"clientId": "a"}`, `[{"userData": "oops"}]`} {
		_, err := Parse([]byte(in))
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("Parse(%q) = %v, want *ParseError", in, err)
		}
	}
}

func TestMarshalFormat(t *testing.T) {
	tbl := &Table{}
	tbl.Ensure("alice", "alice=", "Tue Mar 05 14:03:11 2024")
	out, err := tbl.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	want := `[
    {
        "clientId": "alice=",
        "userData": {
            "clientName": "alice",
            "creationDate": "Tue Mar 05 14:03:11 2024"
        }
    }
]`
	if diff := cmp.Diff(want, string(out)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	empty, err := (&Table{}).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if string(empty) != "[]" {
		t.Fatalf("empty table marshals to %q", empty)
	}
}

func TestUnknownFieldsPreserved(t *testing.T) {
	in := `[{"clientId":"k=","extra":{"a":1},"userData":{"clientName":"bob","creationDate":"x","dataReceived":"1 MiB"}}]`
	tbl, err := Parse([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	tbl.Ensure("bob", "k2=", "ignored")
	out, err := tbl.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	var got []map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	want := []map[string]any{{
		"clientId": "k2=",
		"extra":    map[string]any{"a": float64(1)},
		"userData": map[string]any{
			"clientName":   "bob",
			"creationDate": "x",
			"dataReceived": "1 MiB",
		},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestEnsure(t *testing.T) {
	tbl := &Table{}
	if !tbl.Ensure("alice", "a=", "d1") {
		t.Fatal("adding reported no change")
	}
	if tbl.Ensure("alice", "a=", "d2") {
		t.Fatal("no-op ensure reported a change")
	}
	if !tbl.Ensure("alice", "a2=", "d2") {
		t.Fatal("key correction reported no change")
	}
	e, _ := tbl.Find("alice")
	if e.ClientID != "a2=" || e.CreationDate != "d1" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestAdd(t *testing.T) {
	tbl := &Table{}
	if !tbl.Add("alice", "a=", "d1") {
		t.Fatal("adding reported no change")
	}
	if tbl.Add("alice", "a2=", "d2") {
		t.Fatal("adding over an existing record reported a change")
	}
	e, _ := tbl.Find("alice")
	if e.ClientID != "a=" || e.CreationDate != "d1" || tbl.Len() != 1 {
		t.Fatalf("unexpected entry: %+v (len %d)", e, tbl.Len())
	}
}

func TestRemoveUnknown(t *testing.T) {
	tbl := &Table{}
	for _, n := range []string{"alice", "ghost", "bob", "ghost2"} {
		tbl.Ensure(n, n+"=", "d")
	}
	known := map[string]bool{"alice": true, "bob": true}
	removed := tbl.RemoveUnknown(func(n string) bool { return known[n] })
	if diff := cmp.Diff([]string{"ghost", "ghost2"}, removed); diff != "" {
		t.Fatalf("removed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"alice", "bob"}, tbl.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	if !tbl.Remove("alice") || tbl.Remove("alice") {
		t.Fatal("Remove did not report exactly one change")
	}
}
