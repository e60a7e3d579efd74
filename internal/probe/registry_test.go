package probe

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type nopProbe struct{ name string }

func (p *nopProbe) Name() string                       { return p.name }
func (p *nopProbe) Init(context.Context, Deps) error   { return nil }
func (p *nopProbe) Step(context.Context, uint32) error { return nil }
func (p *nopProbe) Stop(context.Context) error         { return nil }

func TestRegisterAndNew(t *testing.T) {
	Register("test-nop", func() Probe { return &nopProbe{name: "test-nop"} })

	p, err := New("test-nop")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "test-nop" {
		t.Fatalf("name = %q", p.Name())
	}

	// each New returns a fresh instance
	p2, _ := New("test-nop")
	if p == p2 {
		t.Fatal("New returned a shared instance")
	}
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New("no-such-probe")
	if err == nil {
		t.Fatal("New accepted unknown kind")
	}
	if !strings.Contains(err.Error(), "no-such-probe") {
		t.Fatalf("error %q does not name the kind", err)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("test-dup", func() Probe { return &nopProbe{name: "test-dup"} })
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate registration did not panic")
		}
	}()
	Register("test-dup", func() Probe { return &nopProbe{name: "test-dup"} })
}

func TestDecodeSettings(t *testing.T) {
	t.Parallel()

	type settings struct {
		Pattern string `json:"pattern"`
		Limit   int    `json:"limit"`
	}

	var s settings
	if err := DecodeSettings(json.RawMessage(`{"pattern": "nginx", "limit": 3}`), &s); err != nil {
		t.Fatalf("DecodeSettings: %v", err)
	}
	if s.Pattern != "nginx" || s.Limit != 3 {
		t.Fatalf("decoded %+v", s)
	}

	if err := DecodeSettings(json.RawMessage(`{"patern": "typo"}`), &s); err == nil {
		t.Fatal("unknown field accepted")
	}

	s = settings{Pattern: "keep"}
	if err := DecodeSettings(nil, &s); err != nil || s.Pattern != "keep" {
		t.Fatalf("empty block changed dst: %+v err=%v", s, err)
	}
}
