package config

import (
	"strings"

	"go.uber.org/zap"
)

// ProductionWarnings lists configuration choices that are acceptable in
// development but weaken a production deployment
func (c *Config) ProductionWarnings() []string {
	var warnings []string

	if c.StoreBackend == "memory" {
		warnings = append(warnings, "store_backend=memory: reputation history is lost on restart and not shared between replicas")
	}
	if strings.Contains(c.DatabaseURL, "antifraud_secret") {
		warnings = append(warnings, "database_url uses the default password")
	}
	if strings.Contains(c.DatabaseURL, "sslmode=disable") {
		warnings = append(warnings, "database_url disables TLS")
	}
	if c.IPProvider.Kind == "ipapi" && strings.HasPrefix(c.IPProvider.IPAPIURL, "http://") {
		warnings = append(warnings, "ip_provider.ipapi_url is not HTTPS")
	}
	if !c.Tracing.Enabled {
		warnings = append(warnings, "tracing is disabled: analyzer fallbacks cannot be correlated with requests")
	}

	return warnings
}

// LogSecurityWarnings logs actionable warnings when running in production
// with insecure defaults. Call this at service startup after configuration
// is loaded.
func (c *Config) LogSecurityWarnings(log *zap.Logger) {
	if !c.IsProduction() {
		return
	}

	warnings := c.ProductionWarnings()
	for _, w := range warnings {
		log.Warn("SECURITY", zap.String("warning", w))
	}

	if len(warnings) > 0 {
		log.Warn("SECURITY: production deployment has insecure configuration",
			zap.Int("warning_count", len(warnings)))
	}
}
