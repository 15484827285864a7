package targets

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// minPollInterval is the floor for device-flow polling regardless of what the
// authorization server advertises.
const minPollInterval = 5

// BeginAuth starts the device-code flow for a pending_auth target. It returns
// the verification URL and user code to surface to the operator and polls for
// completion in the background; once a token is granted the target is
// redialed with a bearer credential.
func (m *Manager) BeginAuth(ctx context.Context, name string) (*AuthPrompt, error) {
	m.mu.RLock()
	st, ok := m.states[name]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}
	authCfg := st.cfg.Auth
	m.mu.RUnlock()
	if authCfg == nil {
		return nil, fmt.Errorf("targets: %q has no device auth configuration", name)
	}

	oc := &oauth2.Config{
		ClientID: authCfg.ClientID,
		Scopes:   authCfg.Scopes,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: authCfg.DeviceAuthURL,
			TokenURL:      authCfg.TokenURL,
		},
	}
	resp, err := oc.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("targets: device auth for %q: %w", name, err)
	}
	if resp.Interval < minPollInterval {
		resp.Interval = minPollInterval
	}

	go m.pollDeviceToken(name, oc, resp)

	return &AuthPrompt{
		VerificationURI:         resp.VerificationURI,
		VerificationURIComplete: resp.VerificationURIComplete,
		UserCode:                resp.UserCode,
		ExpiresAt:               resp.Expiry,
	}, nil
}

// pollDeviceToken waits for the out-of-band authorization to complete,
// bounded by the device code's expiry so a never-approved flow cannot hang
// forever.
func (m *Manager) pollDeviceToken(name string, oc *oauth2.Config, resp *oauth2.DeviceAuthResponse) {
	deadline := resp.Expiry
	if deadline.IsZero() {
		deadline = time.Now().Add(10 * time.Minute)
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	token, err := oc.DeviceAccessToken(ctx, resp)
	if err != nil {
		m.mu.Lock()
		if st, ok := m.states[name]; ok && st.session == nil {
			st.status = StatusConnectionFailed
			st.lastErr = fmt.Sprintf("device auth: %v", err)
			st.lastErrAt = time.Now()
			m.scheduleRetryLocked(st)
		}
		m.mu.Unlock()
		m.logger.Warn("device auth failed", zap.String("target", name), zap.Error(err))
		return
	}

	m.mu.Lock()
	if st, ok := m.states[name]; ok {
		st.token = token.AccessToken
		st.status = StatusConnecting
		st.lastErr = ""
	}
	m.mu.Unlock()
	m.logger.Info("device auth completed", zap.String("target", name))
	m.connectBackground(name)
}
