package types

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

var ErrInvalidLevel = errors.New("invalid access level")

// AccessLevel is the ordered privilege a key holds per door.
// Comparisons are always numeric, never by name.
type AccessLevel int

const (
	LevelNone AccessLevel = iota
	LevelUser
	LevelAdmin
	LevelRoot
)

var levelNames = map[AccessLevel]string{
	LevelNone:  "none",
	LevelUser:  "user",
	LevelAdmin: "admin",
	LevelRoot:  "root",
}

func (l AccessLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return strconv.Itoa(int(l))
}

func (l AccessLevel) Valid() bool {
	return l >= LevelNone && l <= LevelRoot
}

// ParseAccessLevel accepts both numeric tokens ("0".."3") and the level
// names ("none".."root"), case-insensitively.
func ParseAccessLevel(tok string) (AccessLevel, error) {
	tok = strings.ToLower(strings.TrimSpace(tok))
	if tok == "" {
		return LevelNone, ErrInvalidLevel
	}
	if n, err := strconv.Atoi(tok); err == nil {
		l := AccessLevel(n)
		if !l.Valid() {
			return LevelNone, ErrInvalidLevel
		}
		return l, nil
	}
	for l, name := range levelNames {
		if name == tok {
			return l, nil
		}
	}
	return LevelNone, ErrInvalidLevel
}

// keyIDPattern matches the 16 hex digit serial of a DS1961S-class device.
var keyIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{16}$`)

// IsKeyID reports whether s has the shape of a raw device serial.
func IsKeyID(s string) bool {
	return keyIDPattern.MatchString(s)
}

// Key is one credential device: an immutable serial-derived id, an
// optional unique name, and the shared challenge-response secret
// (empty until the key has been initialised on a reader).
type Key struct {
	ID     string
	Name   string
	Secret string
}

// Label is the human-facing identifier for messages: the name when one
// is set, else the raw id.
func (k Key) Label() string {
	if k.Name != "" {
		return k.Name
	}
	return k.ID
}

// Door is the persisted record of one door: mutable unique name and the
// per-key access map. Absence of a key in Access means LevelNone.
type Door struct {
	ID     string
	Name   string
	Access map[string]AccessLevel
}

func (d Door) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Level returns the access level held by keyID on this door.
func (d Door) Level(keyID string) AccessLevel {
	if d.Access == nil {
		return LevelNone
	}
	return d.Access[keyID]
}

const (
	// MaxKeyNameLen bounds key names in the store and on the wire.
	MaxKeyNameLen = 16
	// MaxDoorNameLen bounds door names.
	MaxDoorNameLen = 8
)
