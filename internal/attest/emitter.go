package attest

import (
	"context"

	"github.com/withObsrvr/flood-impact-runner/internal/logging"
)

// Config selects where attestations go.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// Endpoint receives events by HTTP POST. Empty keeps events local.
	Endpoint string `yaml:"endpoint"`
	// Dir holds the chain heads and a copy of every event.
	Dir string `yaml:"dir"`
}

// Emitter publishes run attestations.
type Emitter interface {
	Emit(ctx context.Context, evt *Event) error
	Close() error
}

// NewEmitter returns the emitter cfg asks for. It falls back to a file
// emitter when the HTTP emitter cannot be built and to a no-op emitter when
// neither can.
func NewEmitter(cfg Config) Emitter {
	log := logging.Component("attest")
	if !cfg.Enabled {
		log.Debug("attestation disabled")
		return noopEmitter{}
	}
	if cfg.Dir == "" {
		cfg.Dir = "./state/attestations"
	}

	if cfg.Endpoint != "" {
		e, err := NewHTTPEmitter(cfg)
		if err == nil {
			log.Info("using HTTP attestation emitter", "endpoint", cfg.Endpoint)
			return e
		}
		log.Warn("failed to create HTTP emitter, falling back to files", "error", err)
	}

	e, err := NewFileEmitter(cfg.Dir)
	if err != nil {
		log.Warn("failed to create file emitter, attestation disabled", "error", err)
		return noopEmitter{}
	}
	log.Info("using file attestation emitter", "dir", cfg.Dir)
	return e
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *Event) error { return nil }
func (noopEmitter) Close() error                       { return nil }
