package clock

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrUnknownTimezone is returned when a timezone identifier cannot be loaded.
var ErrUnknownTimezone = errors.New("unknown timezone")

// Local is an instant seen on a user's wall clock.
type Local struct {
	Time   time.Time // instant in the resolved location
	Date   Date
	Minute int // minutes since local midnight, 0..1439
}

// Resolver loads IANA locations and caches them. Safe for concurrent use.
type Resolver struct {
	mu    sync.RWMutex
	cache map[string]*time.Location
}

func NewResolver() *Resolver {
	return &Resolver{cache: map[string]*time.Location{}}
}

// Location resolves tz. Empty and "Local" identifiers are rejected so a
// user's schedule never silently depends on the host zone.
func (r *Resolver) Location(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || tz == "Local" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTimezone, tz)
	}

	r.mu.RLock()
	loc, ok := r.cache[tz]
	r.mu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnknownTimezone, tz, err)
	}
	r.mu.Lock()
	r.cache[tz] = loc
	r.mu.Unlock()
	return loc, nil
}

// LocalTime converts instant into tz, applying the zone's offset rules
// (including DST) for that instant.
func (r *Resolver) LocalTime(instant time.Time, tz string) (Local, error) {
	loc, err := r.Location(tz)
	if err != nil {
		return Local{}, err
	}
	t := instant.In(loc)
	return Local{Time: t, Date: DateOf(t), Minute: t.Hour()*60 + t.Minute()}, nil
}

// ValidTimezone reports whether tz resolves.
func ValidTimezone(tz string) error {
	_, err := NewResolver().Location(tz)
	return err
}
