package federation

import "net/http"

type options struct {
	httpClient *http.Client
}

// Option customizes a provider at construction.
type Option func(*options)

// WithHTTPClient sets the client used for token and profile requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

func collectOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
