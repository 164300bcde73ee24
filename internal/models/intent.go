package models

import (
	"fmt"
	"strings"
)

// Intent is the resolved interpretation of one query. City is nil when no
// location could be found; at most one city is ever carried.
type Intent struct {
	City           *string `json:"city"`
	Label          string  `json:"intent"`
	NeedsFreshData bool    `json:"needs_fresh_data"`
}

// CityName returns the resolved city or "" when none was found.
func (i Intent) CityName() string {
	if i.City == nil {
		return ""
	}
	return *i.City
}

// Mode governs when the generative backend may be called.
type Mode string

const (
	ModeAlways Mode = "always"
	ModeSmart  Mode = "smart"
	ModeNever  Mode = "never"
)

// ParseMode parses a mode name case-insensitively. Empty input yields ModeSmart.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeSmart:
		return ModeSmart, nil
	case ModeAlways:
		return ModeAlways, nil
	case ModeNever:
		return ModeNever, nil
	}
	return "", fmt.Errorf("unknown llm mode %q (want always, smart or never)", s)
}
