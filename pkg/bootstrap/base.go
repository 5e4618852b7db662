package bootstrap

import (
	"context"
	"fmt"

	"kapestr/internal/broker"
	"kapestr/internal/config"
	"kapestr/internal/logger"
)

type Base struct {
	Config *config.Config
	Logger logger.Logger
	Sink   broker.Sink
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

func (b *Base) InitSink() error {
	sink, err := broker.NewSink(b.Config.Sink, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	b.Sink = sink
	return nil
}

func (b *Base) ShutdownSink() []error {
	var errs []error

	if b.Sink != nil {
		if err := b.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sink close error: %w", err))
		}
	}

	return errs
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Info("Shutting down application...")

	var errs []error

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	errs = append(errs, b.ShutdownSink()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.Info("Application exited successfully")
	return nil
}
