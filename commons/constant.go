package commons

import "time"

const (
	ServiceEndpointDefault string = "tcp://localhost:12030"

	ProfileServicePortDefault     int = 12031
	PrometheusExporterPortDefault int = 12032

	EngineIdleTimeoutDefault time.Duration = 30 * time.Minute

	DefaultDepth   int = 20
	DefaultLines   int = 1
	DefaultHashMB  int = 16
	DefaultThreads int = 0 // engine default

	EvalCacheSizeMaxDefault  int64   = 500 * 1024 * 1024 // 500MB
	CloudCacheSizeMaxDefault int64   = 100 * 1024 * 1024 // 100MB
	EvictionFractionDefault  float64 = 0.2
	VolatileEntriesDefault   int     = 4096

	CloudBaseURLDefault           string        = "https://www.chessdb.cn/cdb.php"
	CloudTimeoutDefault           time.Duration = 10 * time.Second
	CloudQueueDedupeWindowDefault time.Duration = 10 * time.Minute

	CacheReportScheduleDefault string = "@every 1m"

	EnvPrefix string = "ENGINEPOOL"
)
