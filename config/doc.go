// Package config loads the semlayer daemon configuration.
//
// A Loader starts from Default, merges each file layer over it (JSON, or YAML
// for .yaml/.yml files), applies SEMLAYER_* environment variables and then
// validates the result:
//
//	loader := config.NewLoader()
//	loader.AddLayer("semlayer.yaml")
//	loader.AddLayer("semlayer.local.json")
//	cfg, err := loader.Load()
//
// Layers only override the keys they contain. Duration fields accept Go
// duration strings ("2s") and a day suffix ("7d").
//
// Environment overrides:
//
//	SEMLAYER_STORE_TYPE, SEMLAYER_STORE_SQLITE_PATH, SEMLAYER_STORE_AUTHOR
//	SEMLAYER_NATS_URL, SEMLAYER_NATS_BUCKET, SEMLAYER_NATS_TIMEOUT
//	SEMLAYER_NATS_USERNAME, SEMLAYER_NATS_PASSWORD, SEMLAYER_NATS_TOKEN
//	SEMLAYER_METRICS_ENABLED, SEMLAYER_METRICS_ADDR
//	SEMLAYER_STREAM_ENABLED, SEMLAYER_STREAM_ADDR, SEMLAYER_STREAM_API
//	SEMLAYER_LOG_LEVEL, SEMLAYER_LOG_FORMAT
package config
