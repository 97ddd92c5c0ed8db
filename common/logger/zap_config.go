// common/logger/zap_config.go
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// buildZapConfig: dev → консоль, prod → JSON с семплингом; ключи одинаковые.
// Непустой encoding перекрывает выбор по dev.
func buildZapConfig(dev bool, encoding string) zap.Config {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}

	ec := &cfg.EncoderConfig
	ec.TimeKey = "ts"
	ec.NameKey = "component"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.CallerKey = "caller"
	ec.EncodeCaller = zapcore.ShortCallerEncoder
	if !dev {
		ec.StacktraceKey = "stacktrace"
	}
	if encoding != "" {
		cfg.Encoding = encoding
		if encoding == "console" {
			ec.EncodeLevel = zapcore.CapitalLevelEncoder
		} else {
			ec.EncodeLevel = zapcore.LowercaseLevelEncoder
		}
	}
	// stdout занят выводом consume
	cfg.OutputPaths = []string{"stderr"}
	return cfg
}

func setZapLevel(cfg *zap.Config, level string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return nil
}
