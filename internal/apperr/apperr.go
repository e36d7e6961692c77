// Package apperr defines the fixed error taxonomy of spec.md §7: every
// failure that crosses a package boundary into the dispatcher or the API
// layer is mapped to one of these Kinds so user-facing responses never
// leak a language-specific stack trace. Packages that originate a
// failure wrap it with apperr.New; internal/api's error middleware is the
// one place that turns a Kind into the fixed Russian-language template.
package apperr

import "fmt"

// Kind enumerates the recoverable failure classes from spec.md §7. Kinds
// not listed here (arbitrary Go errors bubbling up from a bug) are
// treated as StoreTransient-equivalent "try again" failures by the API
// layer's default case.
type Kind string

const (
	KindIntentTimeout             Kind = "intent_timeout"
	KindIntentParseError          Kind = "intent_parse_error"
	KindIntentInvalid             Kind = "intent_invalid"
	KindReferencesUnknownEntity   Kind = "references_unknown_entity"
	KindStoreTransient            Kind = "store_transient"
	KindStoreConstraint           Kind = "store_constraint"
	KindSchedulerPlacementFailure Kind = "scheduler_placement_failure"
	KindTransportSendFailure      Kind = "transport_send_failure"
	KindConfigError               Kind = "config_error"
	KindStartupStoreUnreachable   Kind = "startup_store_unreachable"
)

// Error wraps an underlying cause with the Kind that decides how it is
// surfaced. Reason is a short machine-readable detail (e.g. which field
// failed validation); it is never the user-facing text itself.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given Kind wrapping err, with an
// optional reason string for logging/diagnostics.
func New(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// As returns the first *Error found by following err's Unwrap chain, so
// callers can branch on its Kind; it reports false when the chain holds
// no *Error.
func As(err error) (*Error, bool) {
	ae, ok := err.(*Error)
	if ok {
		return ae, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if ae, ok := err.(*Error); ok {
			return ae, true
		}
	}
	return nil, false
}

// UserMessage returns the fixed Russian-language template for a Kind,
// the one place spec.md §7's propagation policy is implemented.
func UserMessage(kind Kind) string {
	switch kind {
	case KindIntentTimeout:
		return "Не успел обработать запрос, попробуйте ещё раз."
	case KindIntentParseError:
		return "Не понял, что вы имеете в виду. Попробуйте переформулировать."
	case KindIntentInvalid:
		return "Не получилось разобрать запрос полностью. Уточните, пожалуйста."
	case KindReferencesUnknownEntity:
		return "Не нашёл то, что вы имеете в виду. Уточните номер из списка."
	case KindStoreTransient:
		return "Возникла временная проблема, попробуйте ещё раз."
	case KindStoreConstraint:
		return "Такая запись уже существует."
	case KindSchedulerPlacementFailure:
		return "Цель сохранена, но не удалось расставить шаги по календарю автоматически."
	case KindTransportSendFailure:
		return "Не удалось отправить сообщение, попробуйте ещё раз."
	default:
		return "Возникла ошибка, попробуйте ещё раз."
	}
}
