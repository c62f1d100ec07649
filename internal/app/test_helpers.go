package app

import (
	"io"

	log "github.com/sirupsen/logrus"
)

// testConfig: конфигурация с эфемерными портами и тихим логгером.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.StorageDriver = StorageDriverMemory
	cfg.KafkaBrokers = ""
	cfg.RedisAddr = ""
	cfg.OTLPEndpoint = ""
	return cfg
}

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}
