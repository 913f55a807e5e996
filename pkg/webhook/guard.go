package webhook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/policy"
)

// RejectionError reports a destination refused before any network attempt.
type RejectionError struct {
	URL    string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("webhook destination %s rejected: %s", e.URL, e.Reason)
}

// IsRejection returns true if err is a destination rejection.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// Checker decides whether a destination may be contacted.
type Checker interface {
	Check(ctx context.Context, rawURL, event string) error
}

// Resolver resolves host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// EgressEvaluator evaluates egress policies. *policy.Engine satisfies it.
type EgressEvaluator interface {
	EvaluateEgress(ctx context.Context, input policy.EgressInput) (*policy.Decision, error)
}

// Guard rejects destinations that resolve to internal addresses. The URL is
// parsed and resolved here; the allow/deny decision belongs to the egress policy.
type Guard struct {
	policies       EgressEvaluator
	resolver       Resolver
	options        policy.EgressOptions
	resolveTimeout time.Duration
}

// NewGuard creates a guard. A nil resolver uses net.DefaultResolver.
func NewGuard(policies EgressEvaluator, resolver Resolver, options policy.EgressOptions) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Guard{
		policies:       policies,
		resolver:       resolver,
		options:        options,
		resolveTimeout: 5 * time.Second,
	}
}

// Check returns a *RejectionError if the destination is not allowed.
func (g *Guard) Check(ctx context.Context, rawURL, event string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &RejectionError{URL: rawURL, Reason: "invalid url"}
	}
	if u.User != nil {
		return &RejectionError{URL: rawURL, Reason: "credentials in url are not allowed"}
	}

	input := policy.EgressInput{
		URL:       rawURL,
		Scheme:    strings.ToLower(u.Scheme),
		Host:      strings.ToLower(u.Hostname()),
		Port:      u.Port(),
		Addresses: g.resolve(ctx, u.Hostname()),
		Event:     event,
		Options:   g.options,
	}

	decision, err := g.policies.EvaluateEgress(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to evaluate egress policy: %w", err)
	}
	if !decision.Allowed {
		return &RejectionError{URL: rawURL, Reason: decision.Reason()}
	}
	return nil
}

// resolve returns the addresses of host. Resolution failures yield an empty
// list, which the policy rejects.
func (g *Guard) resolve(ctx context.Context, host string) []string {
	addresses := []string{}
	if host == "" {
		return addresses
	}
	if ip := net.ParseIP(host); ip != nil {
		return append(addresses, ip.String())
	}

	ctx, cancel := context.WithTimeout(ctx, g.resolveTimeout)
	defer cancel()

	ips, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return addresses
	}
	for _, ip := range ips {
		addresses = append(addresses, ip.IP.String())
	}
	return addresses
}
