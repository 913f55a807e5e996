// Package webhook delivers signed notifications to external HTTP endpoints.
//
// A Sender performs one delivery: the destination is checked by a Guard
// (URL parsing, DNS resolution and the webhook-egress OPA policy) before any
// network call, then the JSON envelope is POSTed with two HMAC-SHA256
// signatures:
//
//	X-Webhook-Signature:    sha256=<hex hmac(body)>
//	X-Webhook-Signature-V2: t=<unix>,v1=<hex hmac("<unix>." + body)>
//
// Non-2xx responses and network errors are retried up to MaxAttempts with a
// delay of min(BaseDelay * 2^attempt, MaxDelay). Every attempt updates the
// persisted Delivery so the delivery history can be reconstructed later.
//
// A Dispatcher routes events to configured subscriptions through a bounded
// worker pool. It implements the engine notifier: callers never block on, or
// fail because of, webhook delivery.
//
// Receivers validate requests with Verify:
//
//	if err := webhook.Verify(secret, body, r.Header.Get(webhook.SignatureV2Header), 5*time.Minute); err != nil {
//	    http.Error(w, "bad signature", http.StatusUnauthorized)
//	    return
//	}
package webhook
