package runtime

import (
	"fmt"

	"github.com/aretw0/espalier/pkg/domain"
)

// Route resolves the target of an edge group against the merged state.
// Cases are evaluated in declared order and the first true predicate wins;
// the default is used when none matches.
func Route(state domain.View, group domain.EdgeGroup) string {
	to, _, _ := Match(state, group)
	return to
}

// Match is Route that also reports which case matched (-1 for the default).
// A panicking predicate counts as false; the first panic is returned as err.
func Match(state domain.View, group domain.EdgeGroup) (to string, index int, err error) {
	for i, c := range group.Cases {
		ok, perr := evaluate(c.When, state)
		if perr != nil && err == nil {
			err = fmt.Errorf("case %d (%s) from %q: %w", i, c.Name, group.From, perr)
		}
		if ok {
			return c.To, i, err
		}
	}
	return group.Default, -1, err
}

func evaluate(p domain.Predicate, state domain.View) (ok bool, err error) {
	if p == nil {
		return false, nil
	}
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("predicate panicked: %v", r)
		}
	}()
	return p(state), nil
}
