// Package api exposes the AgentPay REST interface: synchronous workflow runs,
// audit trails, asynchronous payment tasks and the Prometheus scrape endpoint.
// When an auth service is configured every /api route requires an API key that
// is bound to the agent identities it may pay for.
package api
