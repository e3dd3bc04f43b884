package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// LicenseChecker validates the MergeChat license key against the licensing
// API. Startup validation is fail-closed: any failure, including an
// unreachable server, aborts the bridge. Once running, a failed check starts
// a grace period during which the check is retried more often; only when the
// grace period expires with the license still invalid does onExpired fire.
type LicenseChecker struct {
	log        *slog.Logger
	httpClient *http.Client
	apiURL     string
	licenseKey string
	serverID   string

	CheckInterval time.Duration
	GraceRetry    time.Duration
	GracePeriod   time.Duration

	// now is replaceable for tests.
	now func() time.Time

	// onExpired is called when the grace period runs out.
	onExpired func()
}

// NewLicenseChecker creates a checker with production intervals.
func NewLicenseChecker(log *slog.Logger, apiURL, licenseKey, serverID string, onExpired func()) *LicenseChecker {
	return &LicenseChecker{
		log:           log.With("component", "license"),
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		apiURL:        apiURL,
		licenseKey:    licenseKey,
		serverID:      serverID,
		CheckInterval: 24 * time.Hour,
		GraceRetry:    12 * time.Hour,
		GracePeriod:   72 * time.Hour,
		now:           time.Now,
		onExpired:     onExpired,
	}
}

type licenseRequest struct {
	LicenseKey string `json:"license_key"`
	ServerID   string `json:"server_id"`
}

type licenseResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// check performs one validation round trip. Network errors are returned
// distinctly from an invalid verdict so the caller can treat outages
// leniently.
func (lc *LicenseChecker) check(ctx context.Context) (bool, error) {
	body, err := json.Marshal(licenseRequest{LicenseKey: lc.licenseKey, ServerID: lc.serverID})
	if err != nil {
		return false, fmt.Errorf("encode license request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		lc.apiURL+"/v1/license/validate", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build license request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := lc.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("license check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return false, fmt.Errorf("license check: HTTP %d", resp.StatusCode)
	}

	var result licenseResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decode license response: %w", err)
	}
	if !result.Valid {
		lc.log.Error("license rejected", "message", result.Message)
	}
	return result.Valid, nil
}

// CheckStartup runs the blocking startup validation. Any failure is fatal:
// an unreachable licensing server counts as an invalid license.
func (lc *LicenseChecker) CheckStartup(ctx context.Context) error {
	valid, err := lc.check(ctx)
	if err != nil {
		return fmt.Errorf("startup license validation: %w", err)
	}
	if !valid {
		return fmt.Errorf("license key is not valid")
	}
	lc.log.Info("license validated")
	return nil
}

// Run drives the periodic re-validation loop until ctx is cancelled.
func (lc *LicenseChecker) Run(ctx context.Context) {
	var graceStart time.Time
	timer := time.NewTimer(lc.CheckInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		valid, err := lc.check(ctx)
		if err != nil {
			// An unreachable server is treated like an invalid license:
			// the grace clock runs either way.
			lc.log.Warn("license check failed", "error", err)
		}
		switch {
		case valid:
			if !graceStart.IsZero() {
				lc.log.Info("license restored")
				graceStart = time.Time{}
			}
			timer.Reset(lc.CheckInterval)
		default:
			if graceStart.IsZero() {
				graceStart = lc.now()
				lc.log.Error("license invalid, entering grace period",
					"grace_period", lc.GracePeriod)
			}
			if lc.now().Sub(graceStart) >= lc.GracePeriod {
				lc.log.Error("license grace period expired, shutting down")
				if lc.onExpired != nil {
					lc.onExpired()
				}
				return
			}
			timer.Reset(lc.GraceRetry)
		}
	}
}
