// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package config loads splat session settings from TOML or YAML files and
// keeps a renderer's session configuration in sync with them.
//
// A session file lists only the settings it changes:
//
//	near = 0.2
//	far = 500
//	wireframe = true
//	background = "#202830"
//
// Settings missing from the file keep their current values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/splat"
)

// Format is a session file encoding.
type Format uint8

const (
	// FormatTOML is the default encoding.
	FormatTOML Format = iota
	FormatYAML
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatTOML:
		return "toml"
	case FormatYAML:
		return "yaml"
	default:
		return "unknown"
	}
}

// ErrUnknownFormat is returned for files whose extension names no
// supported encoding.
var ErrUnknownFormat = errors.New("config: unknown file format")

// FormatOf returns the format for a file name by its extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Base(path))
	}
}

// SessionFile is the on-disk form of a session configuration. Nil fields
// are absent from the file.
type SessionFile struct {
	Near          *float32 `toml:"near,omitempty" yaml:"near,omitempty"`
	Far           *float32 `toml:"far,omitempty" yaml:"far,omitempty"`
	Culling       *bool    `toml:"culling,omitempty" yaml:"culling,omitempty"`
	ScaleModifier *float32 `toml:"scale_modifier,omitempty" yaml:"scale_modifier,omitempty"`
	Wireframe     *bool    `toml:"wireframe,omitempty" yaml:"wireframe,omitempty"`
	Downscale     *uint32  `toml:"downscale,omitempty" yaml:"downscale,omitempty"`
	SHDegree      *uint32  `toml:"sh_degree,omitempty" yaml:"sh_degree,omitempty"`

	// Background is a hex color, "#rgb", "#rrggbb" or "#rrggbbaa", in sRGB.
	Background string `toml:"background,omitempty" yaml:"background,omitempty"`
}

// Parse decodes a session file. Unknown keys are rejected.
func Parse(data []byte, format Format) (*SessionFile, error) {
	var f SessionFile
	switch format {
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("config: parse toml: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty document decodes to io.EOF.
		if err := dec.Decode(&f); err != nil && len(bytes.TrimSpace(data)) > 0 {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, format)
	}
	if f.Background != "" {
		if _, err := ParseColor(f.Background); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

// Load reads and decodes a session file, choosing the format by extension.
func Load(path string) (*SessionFile, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	f, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}
	return f, nil
}

// Save encodes a session file, choosing the format by extension.
func Save(path string, f *SessionFile) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}
	var data []byte
	switch format {
	case FormatTOML:
		data, err = toml.Marshal(f)
	case FormatYAML:
		data, err = yaml.Marshal(f)
	}
	if err != nil {
		return fmt.Errorf("config: encode %s: %w", format, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// FromFrameConfig returns a session file holding every setting of cfg.
func FromFrameConfig(cfg splat.FrameConfig) *SessionFile {
	return &SessionFile{
		Near:          &cfg.Near,
		Far:           &cfg.Far,
		Culling:       &cfg.Culling,
		ScaleModifier: &cfg.ScaleModifier,
		Wireframe:     &cfg.Wireframe,
		Downscale:     &cfg.Downscale,
		SHDegree:      &cfg.SHDegree,
		Background:    FormatColor(cfg.Background),
	}
}

// Apply returns cfg with the settings present in the file replaced. The
// result is validated.
func (f *SessionFile) Apply(cfg splat.FrameConfig) (splat.FrameConfig, error) {
	if f.Near != nil {
		cfg.Near = *f.Near
	}
	if f.Far != nil {
		cfg.Far = *f.Far
	}
	if f.Culling != nil {
		cfg.Culling = *f.Culling
	}
	if f.ScaleModifier != nil {
		cfg.ScaleModifier = *f.ScaleModifier
	}
	if f.Wireframe != nil {
		cfg.Wireframe = *f.Wireframe
	}
	if f.Downscale != nil {
		cfg.Downscale = *f.Downscale
	}
	if f.SHDegree != nil {
		cfg.SHDegree = *f.SHDegree
	}
	if f.Background != "" {
		bg, err := ParseColor(f.Background)
		if err != nil {
			return cfg, err
		}
		cfg.Background = bg
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyTo updates a session with the file's settings. An invalid result
// leaves the session unchanged.
func (f *SessionFile) ApplyTo(s *splat.SessionConfig) error {
	var applyErr error
	err := s.Update(func(cfg *splat.FrameConfig) {
		next, err := f.Apply(*cfg)
		if err != nil {
			applyErr = err
			return
		}
		*cfg = next
	})
	if applyErr != nil {
		return applyErr
	}
	return err
}

// ParseColor parses an sRGB hex color into linear RGBA. A missing alpha
// is opaque.
func ParseColor(s string) ([4]float32, error) {
	s = strings.TrimSpace(s)
	alpha := 1.0
	if len(s) == 9 && s[0] == '#' {
		a, err := strconv.ParseUint(s[7:], 16, 8)
		if err != nil {
			return [4]float32{}, fmt.Errorf("config: color %q: bad alpha", s)
		}
		alpha = float64(a) / 255
		s = s[:7]
	}
	c, err := colorful.Hex(s)
	if err != nil {
		return [4]float32{}, fmt.Errorf("config: %w", err)
	}
	r, g, b := c.LinearRgb()
	return [4]float32{float32(r), float32(g), float32(b), float32(alpha)}, nil
}

// FormatColor formats linear RGBA as "#rrggbbaa" in sRGB.
func FormatColor(c [4]float32) string {
	col := colorful.LinearRgb(float64(c[0]), float64(c[1]), float64(c[2])).Clamped()
	a := uint8(min(max(c[3], 0), 1)*255 + 0.5)
	return fmt.Sprintf("%s%02x", col.Hex(), a)
}
