// Package errors provides standardized error handling patterns for semlayer components.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, a caller may retry), Invalid
// (bad input, do not retry) and Fatal (unrecoverable, stop processing). The layer
// itself never retries anything; classification only tells the caller what kind of
// failure it is looking at.
//
// Within the indexing core the taxonomy maps as follows:
//
//   - paths that do not belong to an entity kind are ErrParsingFailed and are
//     ignored by the indexer, never surfaced
//   - writes rejected by the store are wrapped around ErrWriteRejected and returned
//     to the caller of the layer facade
//   - an incomplete entity is not an error at all
//
// # Error Wrapping Pattern
//
// All wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions add a classification:
//
//	errors.WrapTransient(err, "natskv", "Query", "list keys")
//	errors.WrapInvalid(err, "Layer", "SetState", "validate id")
//	errors.WrapFatal(err, "MetricsRegistry", "RegisterCounter", "register")
//
// The generic Wrap() keeps the classification of the wrapped error.
//
// # Integration with errors.As/Is
//
//	var ce *errors.ClassifiedError
//	if errors.As(err, &ce) {
//	    logger.Warn("store failure", "component", ce.Component, "class", ce.Class)
//	}
//
//	if errors.Is(err, errors.ErrWriteRejected) {
//	    // surface to the user
//	}
package errors
