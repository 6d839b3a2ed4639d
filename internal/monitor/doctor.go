package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/olliecrow/quota_monitor/internal/usage"
)

// Doctor probes credentials and the usage endpoint with a forced fetch. An
// empty notifyCommand skips the notifier lookup.
func (s *Service) Doctor(ctx context.Context, configPath, notifyCommand string, timeout time.Duration) usage.DoctorReport {
	return usage.RunDoctor(ctx, usage.DoctorEnv{
		ConfigPath:    configPath,
		Credentials:   s.describeCredentials,
		Fetcher:       s.fetcher,
		FetchTimeout:  timeout,
		NotifyCommand: notifyCommand,
	})
}

func (s *Service) describeCredentials(ctx context.Context) (string, error) {
	info, err := s.auth.UserInfo(ctx)
	if err != nil {
		return "", err
	}
	parts := []string{"source=" + string(info.Source)}
	if info.Email != "" {
		parts = append(parts, "account="+info.Email)
	}
	if info.PlanTier != "" {
		parts = append(parts, "plan="+info.PlanTier)
	}
	switch {
	case info.ExpiresAt.IsZero():
		parts = append(parts, "expiry=unknown")
	case info.Expired:
		parts = append(parts, "expired (refresh on next fetch)")
	default:
		parts = append(parts, fmt.Sprintf("expires=%s", info.ExpiresAt.UTC().Format(time.RFC3339)))
	}
	if !info.HasRefreshToken {
		parts = append(parts, "no refresh token")
	}
	return strings.Join(parts, " "), nil
}
