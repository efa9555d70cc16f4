package alpaca

import (
	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/domain"
)

// Factory builds broker clients per account during an execution
type Factory struct {
	log zerolog.Logger
}

// NewFactory creates a broker client factory
func NewFactory(log zerolog.Logger) *Factory {
	return &Factory{log: log}
}

// ClientFor returns a client bound to the given credentials
func (f *Factory) ClientFor(creds domain.BrokerCredentials) domain.BrokerClient {
	return NewClient(creds, f.log)
}

var _ domain.BrokerFactory = (*Factory)(nil)
