// Package notifier delivers broadcast text to a tenant's destination.
//
// Each platform (Discord, Telegram, Slack) implements Notifier. A Registry
// routes by Destination.Platform, and RateLimited throttles a notifier so a
// tick that fires for many tenants at once stays under platform limits.
//
// # Errors
//
// Every delivery failure is a *DeliveryError carrying a Kind:
// PermissionDenied (bot lacks rights), DestinationNotFound (channel or chat
// gone) or Transient (network, rate limit, 5xx). The caller never retries
// inside a tick; the next tick re-evaluates.
package notifier
