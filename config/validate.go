package config

import (
	"errors"
	"fmt"
)

// Purpose selects which settings a command needs.
type Purpose int

const (
	// PurposePrepare needs the directory, metadata source and registrar.
	PurposePrepare Purpose = iota
	// PurposeList needs the directory and metadata source.
	PurposeList
	// PurposeRegistrar only talks to the registrar.
	PurposeRegistrar
	// PurposeServe only needs the video directory.
	PurposeServe
)

// ConfigurationError reports a missing or unusable setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Field, e.Reason)
}

func missing(field, env string) error {
	return &ConfigurationError{Field: field, Reason: "is required, set " + env}
}

// Validate checks the settings a purpose depends on. All problems are joined
// into one error.
func (c Config) Validate(p Purpose) error {
	var errs []error

	needsAuth := p == PurposePrepare || p == PurposeList || p == PurposeRegistrar
	if needsAuth {
		if c.Auth.ClientID == "" {
			errs = append(errs, missing("auth.client_id", "HONEYCOMB_CLIENT_ID or AUTH0_CLIENT_ID"))
		}
		if c.Auth.ClientSecret == "" {
			errs = append(errs, missing("auth.client_secret", "HONEYCOMB_CLIENT_SECRET or AUTH0_CLIENT_SECRET"))
		}
		if c.Auth.Domain == "" && c.Auth.TokenURI == "" {
			errs = append(errs, missing("auth.domain", "AUTH0_DOMAIN"))
		}
	}

	if p == PurposePrepare || p == PurposeList {
		if c.HoneycombURI == "" {
			errs = append(errs, missing("honeycomb_uri", "HONEYCOMB_URI"))
		}
		if c.VideoStorageURL == "" {
			errs = append(errs, missing("video_storage_url", "VIDEO_STORAGE_URL"))
		}
	}

	if p == PurposePrepare || p == PurposeRegistrar {
		if c.StreamServiceURL == "" {
			errs = append(errs, missing("stream_service_url", "VIDEO_STREAM_SERVICE_URI"))
		}
		if c.StreamServiceAudience == "" {
			errs = append(errs, missing("stream_service_audience", "VIDEO_STREAM_SERVICE_AUDIENCE"))
		}
	}

	if p == PurposePrepare || p == PurposeServe {
		if c.VideoDirectory == "" {
			errs = append(errs, missing("video_directory", "VIDEO_DIRECTORY or --video_directory"))
		}
	}

	if p == PurposePrepare && c.S3.Enabled() && (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
		errs = append(errs, &ConfigurationError{Field: "s3", Reason: "needs both access key and secret key"})
	}

	return errors.Join(errs...)
}
