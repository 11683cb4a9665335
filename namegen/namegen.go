// Package namegen hands out short human-readable identifiers. The build
// daemon spawns many hooks at once; tagging each process with a name makes
// their interleaved stderr attributable.
package namegen

import (
	vendor "github.com/anandvarma/namegen"
)

var gen = vendor.New()

type ID string

func Get() ID {
	return ID(gen.Get())
}

func (id ID) String() string {
	return string(id)
}
