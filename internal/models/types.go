// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package models

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// JSONMap is a free-form key-value document stored as JSON text.
// Used for event payloads and automation conditions.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, fmt.Errorf("marshal json map: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	out := JSONMap{}
	if err := scanJSON(src, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// Variants maps a two-letter language code to message text.
type Variants map[string]string

// Value implements driver.Valuer.
func (v Variants) Value() (driver.Value, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(v))
	if err != nil {
		return nil, fmt.Errorf("marshal variants: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (v *Variants) Scan(src any) error {
	out := Variants{}
	if err := scanJSON(src, &out); err != nil {
		return err
	}
	*v = out
	return nil
}

// Pick returns the text for lang, falling back to fallback and then to the
// alphabetically first variant. ok is false when there are no variants.
func (v Variants) Pick(lang, fallback string) (text, chosen string, ok bool) {
	if t, found := v[strings.ToLower(lang)]; found && t != "" {
		return t, strings.ToLower(lang), true
	}
	if t, found := v[fallback]; found && t != "" {
		return t, fallback, true
	}
	keys := make([]string, 0, len(v))
	for k, t := range v {
		if t != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "", "", false
	}
	sort.Strings(keys)
	return v[keys[0]], keys[0], true
}

// StringList is a list of strings stored as a JSON array.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	var out []string
	if err := scanJSON(src, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

// Contains reports whether the list is empty (matches anything) or holds s.
func (l StringList) Contains(s string) bool {
	if len(l) == 0 {
		return true
	}
	for _, v := range l {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func scanJSON(src, dst any) error {
	var data []byte
	switch s := src.(type) {
	case nil:
		return nil
	case []byte:
		data = s
	case string:
		data = []byte(s)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal json column: %w", err)
	}
	return nil
}
