// Package retry runs an operation with exponential backoff.
//
// It is used where a failure is expected to clear on its own, such as dialing
// NATS while the server is still starting. Errors wrapped with NonRetryable, and
// errors classified invalid or fatal by the errors package, end the loop at
// once.
//
//	conn, err := retry.DoWithResult(ctx, retry.Quick(), func() (*nats.Conn, error) {
//	    return nats.Connect(url)
//	})
//
// Document writes are never retried; a rejected write is reported to the
// caller instead.
package retry
