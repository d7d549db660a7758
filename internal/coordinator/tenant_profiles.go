package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// TenantProfile is the rate configuration applied to one tenant's outbound
// traffic. Unknown tenants get the default entry, replacing per-tenant
// conditional chains with a lookup table.
type TenantProfile struct {
	MinuteLimit     int           `json:"minuteLimit"`
	DayLimit        int           `json:"dayLimit"`
	SafetyBuffer    int           `json:"safetyBuffer"`
	LowWater        int           `json:"lowWater"`
	BaselineDelay   time.Duration `json:"-"`
	BaselineDelayMS int           `json:"baselineDelayMs"`
}

func DefaultTenantProfile() TenantProfile {
	return TenantProfile{
		MinuteLimit:     60,
		DayLimit:        5000,
		SafetyBuffer:    2,
		LowWater:        5,
		BaselineDelay:   200 * time.Millisecond,
		BaselineDelayMS: 200,
	}
}

const tenantProfileSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"default": {"$ref": "#/$defs/profile"},
		"tenants": {
			"type": "object",
			"additionalProperties": {"$ref": "#/$defs/profile"}
		}
	},
	"additionalProperties": false,
	"$defs": {
		"profile": {
			"type": "object",
			"properties": {
				"minuteLimit": {"type": "integer", "minimum": 1},
				"dayLimit": {"type": "integer", "minimum": 1},
				"safetyBuffer": {"type": "integer", "minimum": 0},
				"lowWater": {"type": "integer", "minimum": 0},
				"baselineDelayMs": {"type": "integer", "minimum": 0}
			},
			"additionalProperties": false
		}
	}
}`

type profileDocument struct {
	Default *TenantProfile           `json:"default"`
	Tenants map[string]TenantProfile `json:"tenants"`
}

// ProfileTable maps tenant ids to rate profiles. It satisfies ProfileSource
// and may be reloaded at runtime from a watched JSON file.
type ProfileTable struct {
	mu       sync.RWMutex
	def      TenantProfile
	profiles map[string]TenantProfile
	logger   Logger

	schemaOnce sync.Once
	schemaErr  error
	schema     *jsonschema.Schema
}

func NewProfileTable(logger Logger) *ProfileTable {
	return &ProfileTable{
		def:      DefaultTenantProfile(),
		profiles: map[string]TenantProfile{},
		logger:   logger,
	}
}

func (t *ProfileTable) ProfileFor(tenantID string) TenantProfile {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if profile, ok := t.profiles[tenantID]; ok {
		return profile
	}
	return t.def
}

// LoadFile replaces the table from a JSON document, validating it against the
// profile schema first. A document that fails validation leaves the current
// table untouched.
func (t *ProfileTable) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return t.load(data)
}

func (t *ProfileTable) load(data []byte) error {
	schema, err := t.compiledSchema()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("tenant profile document is not valid JSON: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("tenant profile document rejected: %w", err)
	}

	var doc profileDocument
	if err := unmarshalStrict(data, &doc); err != nil {
		return err
	}

	def := DefaultTenantProfile()
	if doc.Default != nil {
		def = normalizeProfile(*doc.Default)
	}
	profiles := make(map[string]TenantProfile, len(doc.Tenants))
	for tenantID, profile := range doc.Tenants {
		profiles[strings.TrimSpace(tenantID)] = normalizeProfile(profile)
	}

	t.mu.Lock()
	t.def = def
	t.profiles = profiles
	t.mu.Unlock()
	return nil
}

// Watch reloads the table whenever the file changes, until ctx is canceled.
func (t *ProfileTable) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				if err := t.LoadFile(path); err != nil {
					t.logf("tenant profile reload failed for %s: %v", path, err)
					continue
				}
				t.logf("tenant profiles reloaded from %s", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				t.logf("tenant profile watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (t *ProfileTable) compiledSchema() (*jsonschema.Schema, error) {
	t.schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(tenantProfileSchema))
		if err != nil {
			t.schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("tenant_profiles.schema.json", doc); err != nil {
			t.schemaErr = err
			return
		}
		t.schema, t.schemaErr = compiler.Compile("tenant_profiles.schema.json")
	})
	return t.schema, t.schemaErr
}

func (t *ProfileTable) logf(format string, args ...any) {
	if t.logger == nil {
		return
	}
	t.logger.Printf(format, args...)
}

func unmarshalStrict(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// normalizeProfile fills unset fields from the baseline entry so sparse
// per-tenant overrides stay safe, and keeps the limiter out of the
// unsatisfiable state where the buffer swallows the whole window.
func normalizeProfile(p TenantProfile) TenantProfile {
	def := DefaultTenantProfile()
	if p.MinuteLimit <= 0 {
		p.MinuteLimit = def.MinuteLimit
	}
	if p.DayLimit <= 0 {
		p.DayLimit = def.DayLimit
	}
	if p.SafetyBuffer < 0 {
		p.SafetyBuffer = def.SafetyBuffer
	}
	if p.SafetyBuffer >= p.MinuteLimit {
		p.SafetyBuffer = p.MinuteLimit - 1
	}
	if p.LowWater < 0 {
		p.LowWater = def.LowWater
	}
	if p.BaselineDelayMS < 0 {
		p.BaselineDelayMS = def.BaselineDelayMS
	}
	p.BaselineDelay = time.Duration(p.BaselineDelayMS) * time.Millisecond
	return p
}
