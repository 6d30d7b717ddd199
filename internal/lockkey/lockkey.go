// Package lockkey derives the advisory lock key that serializes exposure changes
// of one organization within one risk bucket.
package lockkey

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const saltPrefix = "klear.exposure."

// Key is a composite advisory lock key.
type Key struct {
	Hi int32
	Lo int32
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.Hi, k.Lo)
}

// Derive maps an organization and risk bucket (delivery profile) to a lock key.
// The mapping is pure and stable across processes; collisions only cause extra serialization.
func Derive(organizationID, bucket string) Key {
	d := xxhash.New()
	_, _ = d.WriteString(saltPrefix + strings.ToUpper(strings.TrimSpace(bucket)))
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(organizationID)
	sum := d.Sum64()

	return Key{
		Hi: int32(uint32(sum >> 32)),
		Lo: int32(uint32(sum)),
	}
}
