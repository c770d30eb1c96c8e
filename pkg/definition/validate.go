package definition

import (
	"fmt"

	"github.com/dukex/caseflow/pkg/timer"
)

type builder struct {
	process *Process
}

// scope builds the activities and transitions of one scope level and returns
// its start activity and event triggers.
func (b *builder) scope(parent string, activities []RawActivity, transitions []RawTransition) (string, []string, error) {
	var (
		starts []string
		events []string
		local  []*Activity
	)

	for _, raw := range activities {
		if _, exists := b.process.Activities[raw.ID]; exists {
			return "", nil, fmt.Errorf("duplicate activity %q", raw.ID)
		}

		activity := &Activity{
			ID:          raw.ID,
			Name:        raw.Name,
			Type:        raw.Type,
			Parent:      parent,
			AsyncBefore: raw.AsyncBefore,
			AsyncAfter:  raw.AsyncAfter,
			Exclusive:   raw.Exclusive == nil || *raw.Exclusive,
			AttachedTo:  raw.AttachedTo,
			Signal:      raw.Signal,
			Timer:       raw.Timer,
		}
		b.process.Activities[raw.ID] = activity
		local = append(local, activity)

		switch raw.Type {
		case TypeSubprocess:
			activity.Scope = true

			initial, nested, err := b.scope(raw.ID, raw.Activities, raw.Transitions)
			if err != nil {
				return "", nil, fmt.Errorf("subprocess %q: %w", raw.ID, err)
			}

			activity.Initial = initial
			activity.Events = nested
		case TypeStart:
			starts = append(starts, raw.ID)
		case TypeEvent:
			// An event trigger runs in a fresh child of the scope it interrupts.
			activity.Scope = true
			events = append(events, raw.ID)
		}

		if raw.Type != TypeSubprocess && (len(raw.Activities) > 0 || len(raw.Transitions) > 0) {
			return "", nil, fmt.Errorf("activity %q of type %s cannot contain activities", raw.ID, raw.Type)
		}
	}

	if len(starts) != 1 {
		return "", nil, fmt.Errorf("scope %q must declare exactly one start activity, found %d", parent, len(starts))
	}

	for n, raw := range transitions {
		if err := b.transition(parent, n, raw); err != nil {
			return "", nil, err
		}
	}

	for _, activity := range local {
		if err := b.check(activity); err != nil {
			return "", nil, err
		}
	}

	return starts[0], events, nil
}

func (b *builder) transition(parent string, n int, raw RawTransition) error {
	source, ok := b.process.Activities[raw.From]
	if !ok || source.Parent != parent {
		return fmt.Errorf("transition %d: unknown source %q in scope %q", n, raw.From, parent)
	}

	target, ok := b.process.Activities[raw.To]
	if !ok || target.Parent != parent {
		return fmt.Errorf("transition %d: unknown target %q in scope %q", n, raw.To, parent)
	}

	id := raw.ID
	if id == "" {
		id = fmt.Sprintf("%s-%s", raw.From, raw.To)
	}

	t := &Transition{ID: id, Source: raw.From, Target: raw.To}
	source.Outgoing = append(source.Outgoing, t)
	target.Incoming = append(target.Incoming, t)

	return nil
}

func (b *builder) check(a *Activity) error {
	switch a.Type {
	case TypeStart, TypeEvent:
		if len(a.Incoming) > 0 {
			return fmt.Errorf("%s activity %q cannot have incoming transitions", a.Type, a.ID)
		}

		if a.Type == TypeEvent && a.Signal == "" {
			return fmt.Errorf("event activity %q requires a signal", a.ID)
		}
	case TypeEnd:
		if len(a.Outgoing) > 0 {
			return fmt.Errorf("end activity %q cannot have outgoing transitions", a.ID)
		}
	case TypeTimer:
		if a.Timer == "" {
			return fmt.Errorf("timer activity %q requires a timer expression", a.ID)
		}
	case TypeBoundary:
		if err := b.attach(a); err != nil {
			return err
		}
	}

	if a.Timer != "" {
		if err := timer.Validate(a.Timer); err != nil {
			return fmt.Errorf("activity %q: %w", a.ID, err)
		}
	}

	return nil
}

func (b *builder) attach(a *Activity) error {
	if (a.Signal == "") == (a.Timer == "") {
		return fmt.Errorf("boundary activity %q requires exactly one of signal or timer", a.ID)
	}

	if len(a.Incoming) > 0 {
		return fmt.Errorf("boundary activity %q cannot have incoming transitions", a.ID)
	}

	host, ok := b.process.Activities[a.AttachedTo]
	if !ok || host.Parent != a.Parent {
		return fmt.Errorf("boundary activity %q attached to unknown activity %q", a.ID, a.AttachedTo)
	}

	switch host.Type {
	case TypeStart, TypeEnd, TypeBoundary, TypeEvent, TypeParallel:
		return fmt.Errorf("boundary activity %q cannot attach to %s activity %q", a.ID, host.Type, host.ID)
	}

	host.Scope = true
	host.Boundaries = append(host.Boundaries, a.ID)

	return nil
}
