package command

import (
	"errors"
	"fmt"

	"github.com/redismux/redismux/internal"
)

var ErrDisabled = errors.New("redismux: command disabled")

// Map disables or renames commands, e.g. for servers where CONFIG was
// renamed or FLUSHALL removed. The zero Map passes every command through.
type Map struct {
	disabled map[string]struct{}
	renamed  map[string]string
}

// NewMap builds a Map. Renaming a command to "" disables it.
func NewMap(disabled []string, renamed map[string]string) *Map {
	m := &Map{
		disabled: make(map[string]struct{}, len(disabled)),
		renamed:  make(map[string]string, len(renamed)),
	}
	for _, name := range disabled {
		m.disabled[internal.ToUpper(name)] = struct{}{}
	}
	for from, to := range renamed {
		if to == "" {
			m.disabled[internal.ToUpper(from)] = struct{}{}
			continue
		}
		m.renamed[internal.ToUpper(from)] = to
	}
	return m
}

// Resolve returns the name to put on the wire for command name.
func (m *Map) Resolve(name string) (string, error) {
	if m == nil {
		return name, nil
	}
	upper := internal.ToUpper(name)
	if _, ok := m.disabled[upper]; ok {
		return "", fmt.Errorf("%w: %s", ErrDisabled, upper)
	}
	if to, ok := m.renamed[upper]; ok {
		return to, nil
	}
	return name, nil
}

// Enabled reports whether name may be sent.
func (m *Map) Enabled(name string) bool {
	_, err := m.Resolve(name)
	return err == nil
}
