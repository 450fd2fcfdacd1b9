package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// validate checks every configuration group against its struct tags and
// the handful of cross-field rules tags cannot express.
func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return err
	}

	if cfg.Quota.BucketEmergencyGB >= cfg.Quota.BucketTotalGB {
		return fmt.Errorf("quota.bucket_emergency_gb (%v) must be below quota.bucket_total_gb (%v)",
			cfg.Quota.BucketEmergencyGB, cfg.Quota.BucketTotalGB)
	}
	if cfg.Quota.PerTenantGB > cfg.Quota.BucketTotalGB {
		return fmt.Errorf("quota.per_tenant_gb (%v) must not exceed quota.bucket_total_gb (%v)",
			cfg.Quota.PerTenantGB, cfg.Quota.BucketTotalGB)
	}
	if cfg.Supervisor.InitialBackoffS > cfg.Supervisor.MaxBackoffS {
		return fmt.Errorf("supervisor.initial_backoff_s (%d) must not exceed supervisor.max_backoff_s (%d)",
			cfg.Supervisor.InitialBackoffS, cfg.Supervisor.MaxBackoffS)
	}
	if cfg.Media.MaxBytesPhoto > cfg.Media.MaxBytesDoc {
		return fmt.Errorf("media.max_bytes_photo (%d) must not exceed media.max_bytes_doc (%d)",
			cfg.Media.MaxBytesPhoto, cfg.Media.MaxBytesDoc)
	}

	return nil
}
