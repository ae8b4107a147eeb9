package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// New builds the process-wide zap logger. Production environments use the
// JSON encoder at info level; everything else gets the development console
// encoder at debug level.
func New(env string) (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(env) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
