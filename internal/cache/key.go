package cache

import (
	"fmt"
	"strings"
	"time"
)

// monthLayout renders a UTC instant as the year-month component of a key.
const monthLayout = "200601"

// Key identifies one cache slot. Keys embed the calendar month so entries
// roll over monthly without any explicit expiry bookkeeping.
type Key struct {
	OS       string
	Artifact string
	Branch   string
	Period   string
}

// NewKey derives the key for an artifact built from branch at the given
// instant. The instant is normalised to UTC before the month is taken, so
// runs near midnight local time agree on the same slot.
func NewKey(osName, artifact, branch string, at time.Time) Key {
	return Key{
		OS:       osName,
		Artifact: artifact,
		Branch:   branch,
		Period:   at.UTC().Format(monthLayout),
	}
}

// String renders the key in its canonical "{os}-{artifact}-{branch}-{yyyymm}"
// form.
func (k Key) String() string {
	return strings.Join([]string{k.OS, k.Artifact, k.Branch, k.Period}, "-")
}

// Validate reports whether every component of the key is usable.
func (k Key) Validate() error {
	switch {
	case k.OS == "":
		return fmt.Errorf("cache key is missing an operating system component")
	case k.Artifact == "":
		return fmt.Errorf("cache key is missing an artifact name")
	case k.Branch == "":
		return fmt.Errorf("cache key is missing a branch")
	}
	if _, err := time.Parse(monthLayout, k.Period); err != nil {
		return fmt.Errorf("cache key period %q is not a yyyymm month", k.Period)
	}
	return nil
}

// Stale reports whether the key belongs to an earlier month than now.
func (k Key) Stale(now time.Time) bool {
	return k.Period != now.UTC().Format(monthLayout)
}
