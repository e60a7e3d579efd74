// Package probe defines the contract between control loops and the
// checks they drive.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"paced/internal/alert"
	"paced/internal/eventbus"
	"paced/internal/storage"
	logx "paced/pkg/logx"
)

// Deps is what a loop hands each probe at Init time.
type Deps struct {
	Log    logx.Logger
	Bus    eventbus.Bus
	Alerts *alert.Service
	Store  storage.Store
}

// Probe is one periodic check hosted by a control loop.
//
// Step runs on the loop goroutine: it must not block for long and must
// honor ctx cancellation. elapsedMS is the gate-observed time since the
// previous firing (0 on a forced run).
type Probe interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
	Step(ctx context.Context, elapsedMS uint32) error
	Stop(ctx context.Context) error
}

// ConfigWatcher is implemented by probes that accept live settings
// updates on config reload. Settings is the probe's raw "settings"
// block; implementations should decode with DecodeSettings.
type ConfigWatcher interface {
	ApplySettings(raw json.RawMessage) error
}

// DecodeSettings strictly decodes a probe settings block into dst.
// A nil/empty block leaves dst untouched.
func DecodeSettings(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("probe settings: %w", err)
	}
	return nil
}
