package broker

import (
	"fmt"
	"os"
	"strings"

	"kapestr/internal/config"
	"kapestr/internal/constants"
	"kapestr/internal/logger"
)

func NewSink(cfg config.SinkConfig, log logger.Logger) (Sink, error) {
	switch strings.ToLower(cfg.Type) {
	case "", constants.SinkTypeLog:
		return NewLogSink(os.Stdout, log), nil
	case constants.SinkTypeKafka:
		return NewKafkaSink(cfg.Kafka, log), nil
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Type)
	}
}
