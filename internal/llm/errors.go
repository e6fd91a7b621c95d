package llm

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrRemote covers non-2xx responses and transport failures.
	ErrRemote = goerr.New("remote completion failed")
	// ErrTimeout is reported when a request exceeds its deadline.
	ErrTimeout = goerr.New("completion timed out")
	// ErrMalformed is reported when a 2xx response carries no usable content.
	ErrMalformed = goerr.New("malformed completion response")

	ErrMissingAPIKey = goerr.New("missing api key")
	ErrEmptyBatch    = goerr.New("no entries to summarize")
)
