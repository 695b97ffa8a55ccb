// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/zwiebel"
)

// List is a TOML loadable set of relay descriptors, in hop order for
// tooling that builds a circuit straight down the list.
type List struct {
	Relays []*Descriptor
}

// LoadList parses and validates a TOML relay list.
func LoadList(b []byte) (*List, error) {
	l := new(List)
	if err := toml.Unmarshal(b, l); err != nil {
		return nil, zwiebel.NewMalformedError("relay list: %v", err)
	}
	if len(l.Relays) == 0 {
		return nil, zwiebel.NewMalformedError("relay list: no relays")
	}
	for _, d := range l.Relays {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// LoadListFile loads a relay list from the filesystem.
func LoadListFile(path string) (*List, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadList(b)
}
