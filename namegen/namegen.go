package namegen

import (
	"fmt"
	"strings"

	vendor "github.com/anandvarma/namegen"
	"github.com/google/uuid"
)

var gen = vendor.New()

// ID is a human readable name telling scheduler instances and lock holders apart in logs.
type ID string

func Get() ID {
	return ID(gen.Get())
}

// Unique returns a readable name with a random suffix, safe to use as an owner
// identity shared between processes.
func Unique() ID {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return ID(fmt.Sprintf("%s-%s", gen.Get(), suffix))
}

func (id ID) String() string {
	return string(id)
}
