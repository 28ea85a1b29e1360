// internal/authprobe/authprobe.go

// Package authprobe decides whether a session is authenticated against a
// domain. It checks cheap signals first (live cookies, then the stored
// record) and only falls back to a rate-limited vision classification of a
// screenshot when both are silent.
package authprobe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/browser"
	"github.com/xkilldash9x/marionette-cli/internal/config"
	"github.com/xkilldash9x/marionette-cli/internal/llmclient"
)

const visionPrompt = `You are looking at a screenshot of a web page. Decide whether the page shows a LOGGED-IN user experience (account menus, avatars, personalized content, a visible inbox or feed) or a LOGGED-OUT one (login forms, sign-up prompts, marketing landing content). Respond with ONLY this JSON object and nothing else: {"logged_in": true} or {"logged_in": false}`

// CredentialStore is the slice of the credential store the probe needs.
type CredentialStore interface {
	Save(ctx context.Context, sessionID, domain string, creds []schemas.Credential) error
	Load(ctx context.Context, sessionID, domain string) (*schemas.CredentialRecord, error)
}

// Probe answers authentication questions about live sessions.
type Probe struct {
	store  CredentialStore
	vision llmclient.VisionClient
	marker string
	// limiter spaces out vision probes; screenshots are the expensive path.
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New builds a Probe. vision may be nil, in which case the fallback tier is
// simply absent.
func New(store CredentialStore, vision llmclient.VisionClient, cfg config.VisionConfig, marker string, logger *zap.Logger) *Probe {
	interval := cfg.MinProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if !cfg.Enabled {
		vision = nil
	}
	return &Probe{
		store:   store,
		vision:  vision,
		marker:  marker,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		logger:  logger.Named("authprobe"),
	}
}

// IsAuthenticated reports whether the session appears authenticated for
// domain. An inconclusive vision verdict degrades to false rather than error;
// callers get a definitive answer either way.
func (p *Probe) IsAuthenticated(ctx context.Context, sessionID, domain string, handle browser.Handle) (bool, error) {
	log := p.logger.With(zap.String("session_id", sessionID), zap.String("domain", domain))

	live, err := p.checkLiveCookies(ctx, sessionID, domain, handle)
	if err != nil {
		log.Warn("Live cookie check failed; falling through.", zap.Error(err))
	} else if live {
		log.Debug("Authenticated per live cookies.")
		return true, nil
	}

	if p.store != nil {
		record, err := p.store.Load(ctx, sessionID, domain)
		if err != nil {
			log.Warn("Stored record check failed; falling through.", zap.Error(err))
		} else if p.recordAuthenticates(record) {
			log.Debug("Authenticated per stored record.")
			return true, nil
		}
	}

	if p.vision == nil || handle == nil {
		return false, nil
	}

	loggedIn, err := p.classifyScreenshot(ctx, handle)
	if err != nil {
		log.Warn("Vision verdict inconclusive; treating as not authenticated.", zap.Error(err))
		return false, nil
	}
	log.Debug("Vision verdict.", zap.Bool("logged_in", loggedIn))
	return loggedIn, nil
}

// checkLiveCookies inspects the context's current cookies for domain. A hit
// also triggers an opportunistic save so the signal survives context loss.
func (p *Probe) checkLiveCookies(ctx context.Context, sessionID, domain string, handle browser.Handle) (bool, error) {
	if handle == nil {
		return false, nil
	}
	cookies, err := handle.Cookies(ctx)
	if err != nil {
		return false, err
	}

	matched := make([]schemas.Credential, 0, len(cookies))
	hasAuth := false
	for _, c := range cookies {
		if !cookieMatchesDomain(c.Domain, domain) || cookieExpired(c) {
			continue
		}
		matched = append(matched, c)
		if p.marker == "" || c.Name == p.marker {
			hasAuth = true
		}
	}
	if !hasAuth {
		return false, nil
	}

	if p.store != nil {
		if err := p.store.Save(ctx, sessionID, domain, matched); err != nil {
			p.logger.Warn("Opportunistic credential save failed.",
				zap.String("session_id", sessionID), zap.String("domain", domain), zap.Error(err))
		}
	}
	return true, nil
}

func (p *Probe) recordAuthenticates(record *schemas.CredentialRecord) bool {
	if record == nil || len(record.Credentials) == 0 {
		return false
	}
	if p.marker != "" {
		return record.HasCredential(p.marker)
	}
	return true
}

// classifyScreenshot runs the vision tier. Every failure mode surfaces as
// ErrVisionInconclusive so the caller has a single degradation path.
func (p *Probe) classifyScreenshot(ctx context.Context, handle browser.Handle) (bool, error) {
	if !p.limiter.Allow() {
		return false, fmt.Errorf("%w: probe rate limit active", schemas.ErrVisionInconclusive)
	}

	image, err := handle.Screenshot(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: screenshot failed: %v", schemas.ErrVisionInconclusive, err)
	}

	text, err := p.vision.DescribeImage(ctx, image, visionPrompt)
	if err != nil {
		return false, fmt.Errorf("%w: %v", schemas.ErrVisionInconclusive, err)
	}

	verdict, err := parseVerdict(text)
	if err != nil {
		return false, fmt.Errorf("%w: %v", schemas.ErrVisionInconclusive, err)
	}
	return verdict, nil
}

// parseVerdict accepts exactly one JSON object with a boolean logged_in
// field. Anything else, including prose around the object, is rejected.
func parseVerdict(text string) (bool, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var verdict struct {
		LoggedIn *bool `json:"logged_in"`
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&verdict); err != nil {
		return false, fmt.Errorf("unparseable verdict %q: %v", text, err)
	}
	if dec.More() {
		return false, fmt.Errorf("trailing content after verdict %q", text)
	}
	if verdict.LoggedIn == nil {
		return false, fmt.Errorf("verdict %q missing logged_in field", text)
	}
	return *verdict.LoggedIn, nil
}

// cookieMatchesDomain implements cookie domain-match: an exact host match, or
// a dot-prefixed cookie domain covering the host and its subdomains.
func cookieMatchesDomain(cookieDomain, domain string) bool {
	cd := strings.ToLower(strings.TrimSpace(cookieDomain))
	d := strings.ToLower(strings.TrimSpace(domain))
	if cd == "" || d == "" {
		return false
	}
	if trimmed := strings.TrimPrefix(cd, "."); trimmed == d {
		return true
	}
	if strings.HasPrefix(cd, ".") && strings.HasSuffix(d, cd) {
		return true
	}
	return cd == d
}

func cookieExpired(c schemas.Credential) bool {
	// Expires <= 0 means a session cookie, which is live by definition.
	return c.Expires > 0 && time.Unix(int64(c.Expires), 0).Before(time.Now())
}
