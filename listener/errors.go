package listener

import (
	"fmt"
	"strings"

	"github.com/aneshas/eventsourcing"
)

type (
	// InvalidListenerError reports a listener whose handlers can not be bound
	InvalidListenerError struct {
		Listener string
		Method   string
		Reason   string
	}

	// Binding is a store / preset pattern pair a listener was matched by
	Binding struct {
		Store   string
		Pattern string
	}

	// AmbiguousListenerBindingError reports a listener matched by two presets
	AmbiguousListenerBindingError struct {
		ListenerID string
		First      Binding
		Second     Binding
	}

	// UnmatchedPatternError reports an enabled preset which matches no listener
	UnmatchedPatternError struct {
		Binding
	}

	// UnmatchedListenerError reports listeners not matched by any preset
	UnmatchedListenerError struct {
		ListenerIDs []string
	}
)

func (e *InvalidListenerError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("invalid listener %s: %s", e.Listener, e.Reason)
	}

	return fmt.Sprintf("invalid listener %s.%s: %s", e.Listener, e.Method, e.Reason)
}

func (e *InvalidListenerError) Is(target error) bool {
	return target == eventsourcing.ErrInvalidConfiguration
}

func (e *AmbiguousListenerBindingError) Error() string {
	if e.First.Store == e.Second.Store {
		return fmt.Sprintf(
			"listener %q matches presets %q and %q of event store %q, one of the presets needs to be adjusted or removed",
			e.ListenerID, e.First.Pattern, e.Second.Pattern, e.Second.Store,
		)
	}

	return fmt.Sprintf(
		"listener %q matches preset %q of event store %q and preset %q of event store %q, one of the presets needs to be adjusted or removed",
		e.ListenerID, e.First.Pattern, e.First.Store, e.Second.Pattern, e.Second.Store,
	)
}

func (e *AmbiguousListenerBindingError) Is(target error) bool {
	return target == eventsourcing.ErrInvalidConfiguration
}

func (e *UnmatchedPatternError) Error() string {
	return fmt.Sprintf("the pattern %s.%s does not match any listeners", e.Store, e.Pattern)
}

func (e *UnmatchedPatternError) Is(target error) bool {
	return target == eventsourcing.ErrInvalidConfiguration
}

func (e *UnmatchedListenerError) Error() string {
	return `unmatched listener(s): "` + strings.Join(e.ListenerIDs, `", "`) + `"`
}

func (e *UnmatchedListenerError) Is(target error) bool {
	return target == eventsourcing.ErrInvalidConfiguration
}
