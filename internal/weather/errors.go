package weather

import "errors"

// Error taxonomy shared by the fetcher, walker, store and orchestrator.
var (
	// ErrTransportExhausted reports that every attempt of a request failed.
	ErrTransportExhausted = errors.New("transport exhausted")
	// ErrMalformedPayload reports a response body that is not a usable envelope.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrMalformedItem reports an item that cannot be mapped onto the schema.
	ErrMalformedItem = errors.New("malformed item")
	// ErrPaginationCycle reports a next-page reference that was already visited.
	ErrPaginationCycle = errors.New("pagination cycle")
	// ErrPageLimit reports a walk that exceeded its configured page budget.
	ErrPageLimit = errors.New("page limit exceeded")
	// ErrForeignKeyViolation reports a measurement that references an unknown station.
	ErrForeignKeyViolation = errors.New("foreign key violation")
)
