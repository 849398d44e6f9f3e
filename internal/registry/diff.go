package registry

import (
	"reflect"
	"sort"
)

// Diff describes how the agent set changed between two discoveries.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d *Diff) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0 || len(d.Changed) > 0
}

// Compare returns the difference from old to new. Names are sorted.
func Compare(old, new *Registry) Diff {
	var d Diff

	for name, cfg := range new.agents {
		prev, ok := old.agents[name]
		switch {
		case !ok:
			d.Added = append(d.Added, name)
		case !reflect.DeepEqual(prev, cfg):
			d.Changed = append(d.Changed, name)
		}
	}
	for name := range old.agents {
		if _, ok := new.agents[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}
