package common

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bioimage-lab/omero-ingest/constants"
)

// BuildConfigJSONSchema returns the JSON-Schema (draft 2020-12 subset) for the
// optional config file, as a generic map.
func BuildConfigJSONSchema() map[string]any {
	durationProp := map[string]any{
		"type":    "string",
		"pattern": `^\d+(\.\d+)?(ns|us|µs|ms|s|m|h)$`,
	}
	watchProps := map[string]any{
		"dir":             map[string]any{"type": "string", "minLength": 1},
		"failed_dir":      map[string]any{"type": "string"},
		"archive_dir":     map[string]any{"type": "string"},
		"cleanup":         map[string]any{"type": "string", "enum": []string{CleanupDelete, CleanupArchive, CleanupKeep}},
		"suffixes":        map[string]any{"type": "array", "items": map[string]any{"type": "string", "minLength": 2}},
		"poll_interval":   durationProp,
		"settle_interval": durationProp,
		"import_timeout":  durationProp,
		"notify":          map[string]any{"type": "boolean"},
	}
	omeroProps := map[string]any{
		"username":    map[string]any{"type": "string", "minLength": 1},
		"password":    map[string]any{"type": "string", "minLength": 1},
		"target_user": map[string]any{"type": "string"},
		"project":     map[string]any{"type": "string"},
		"dataset":     map[string]any{"type": "string"},
		"container":   map[string]any{"type": "string"},
		"omero_bin":   map[string]any{"type": "string"},
		"host":        map[string]any{"type": "string"},
		"web_url":     map[string]any{"type": "string"},
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"watch": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties":           watchProps,
			},
			"omero": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties":           omeroProps,
			},
			"ledger": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "minLength": 1},
				},
			},
		},
	}
}

// ValidateJSONAgainstSchema validates "data" against "schemaMap".
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}

// fileConfig mirrors Config with JSON-friendly field types.
type fileConfig struct {
	Watch struct {
		Dir            string   `json:"dir"`
		FailedDir      string   `json:"failed_dir"`
		ArchiveDir     string   `json:"archive_dir"`
		Cleanup        string   `json:"cleanup"`
		Suffixes       []string `json:"suffixes"`
		PollInterval   string   `json:"poll_interval"`
		SettleInterval string   `json:"settle_interval"`
		ImportTimeout  string   `json:"import_timeout"`
		Notify         *bool    `json:"notify"`
	} `json:"watch"`
	Omero struct {
		Username   string `json:"username"`
		Password   string `json:"password"`
		TargetUser string `json:"target_user"`
		Project    string `json:"project"`
		Dataset    string `json:"dataset"`
		Container  string `json:"container"`
		OmeroBin   string `json:"omero_bin"`
		Host       string `json:"host"`
		WebURL     string `json:"web_url"`
	} `json:"omero"`
	Ledger struct {
		Path string `json:"path"`
	} `json:"ledger"`
}

// ApplyFile overlays the JSON config file at path onto c. The file is
// schema-validated first so a typo fails loudly instead of being ignored.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("read config file %s", path), err)
	}
	if err := ValidateJSONAgainstSchema(BuildConfigJSONSchema(), data); err != nil {
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("config file %s", path), err)
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("parse config file %s", path), err)
	}

	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setDur := func(dst *time.Duration, v string) error {
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return NewAppError("CONFIG_ERROR", fmt.Sprintf("invalid duration %q", v), err)
		}
		*dst = d
		return nil
	}

	setStr(&c.Watch.Dir, fc.Watch.Dir)
	setStr(&c.Watch.QuarantineDir, fc.Watch.FailedDir)
	setStr(&c.Watch.ArchiveDir, fc.Watch.ArchiveDir)
	setStr(&c.Watch.Cleanup, fc.Watch.Cleanup)
	if len(fc.Watch.Suffixes) > 0 {
		var out []string
		for _, s := range fc.Watch.Suffixes {
			if n := constants.NormalizeSuffix(s); n != "" {
				out = append(out, n)
			}
		}
		c.Watch.Suffixes = out
	}
	if err := setDur(&c.Watch.PollInterval, fc.Watch.PollInterval); err != nil {
		return err
	}
	if err := setDur(&c.Watch.SettleInterval, fc.Watch.SettleInterval); err != nil {
		return err
	}
	if err := setDur(&c.Watch.ImportTimeout, fc.Watch.ImportTimeout); err != nil {
		return err
	}
	if fc.Watch.Notify != nil {
		c.Watch.Notify = *fc.Watch.Notify
	}

	setStr(&c.Omero.Username, fc.Omero.Username)
	setStr(&c.Omero.Password, fc.Omero.Password)
	setStr(&c.Omero.TargetUser, fc.Omero.TargetUser)
	setStr(&c.Omero.Project, fc.Omero.Project)
	setStr(&c.Omero.Dataset, fc.Omero.Dataset)
	setStr(&c.Omero.Container, fc.Omero.Container)
	setStr(&c.Omero.OmeroBin, fc.Omero.OmeroBin)
	setStr(&c.Omero.Host, fc.Omero.Host)
	setStr(&c.Omero.WebURL, fc.Omero.WebURL)

	setStr(&c.Ledger.Path, fc.Ledger.Path)
	return nil
}
