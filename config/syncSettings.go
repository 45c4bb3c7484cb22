package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// SyncSettings holds the tunables of the ERP sync controller.
//
// Set via env:
// - SYNC_BUDGET_SECONDS (default 280): wall-clock budget of one invocation
// - SYNC_PAGE_SIZE (default 500)
// - SYNC_SMALL_TABLE_THRESHOLD (default 1000): tables at or below this are fetched in one call
// - SYNC_DELETE_BATCH_SIZE (default 1000): full-resync delete batch
// - SYNC_MIN_PAGE_RESERVE_SECONDS (default 20): minimum budget left before starting a page
// - ERP_SESSION_TTL_MINUTES (default 20): how long a cached ERP session is reused
type SyncSettings struct {
	Budget              time.Duration
	PageSize            int
	SmallTableThreshold int
	DeleteBatchSize     int
	MinPageReserve      time.Duration
	SessionTTL          time.Duration
}

func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		Budget:              280 * time.Second,
		PageSize:            500,
		SmallTableThreshold: 1000,
		DeleteBatchSize:     1000,
		MinPageReserve:      20 * time.Second,
		SessionTTL:          20 * time.Minute,
	}
}

func GetSyncSettings() SyncSettings {
	s := DefaultSyncSettings()
	if n := intFromEnv("SYNC_BUDGET_SECONDS", 0); n > 0 {
		s.Budget = time.Duration(n) * time.Second
	}
	if n := intFromEnv("SYNC_PAGE_SIZE", 0); n > 0 {
		s.PageSize = n
	}
	if n := intFromEnv("SYNC_SMALL_TABLE_THRESHOLD", 0); n > 0 {
		s.SmallTableThreshold = n
	}
	if n := intFromEnv("SYNC_DELETE_BATCH_SIZE", 0); n > 0 {
		s.DeleteBatchSize = n
	}
	if n := intFromEnv("SYNC_MIN_PAGE_RESERVE_SECONDS", 0); n > 0 {
		s.MinPageReserve = time.Duration(n) * time.Second
	}
	if n := intFromEnv("ERP_SESSION_TTL_MINUTES", 0); n > 0 {
		s.SessionTTL = time.Duration(n) * time.Minute
	}
	return s
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func EnvBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
