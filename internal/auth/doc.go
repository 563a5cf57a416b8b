// Package auth implements authentication and token lifecycle management for
// graphmcp against the Microsoft identity platform.
//
// # Architecture
//
// The package is organized around a single Manager per process:
//
//   - Scope resolution (scopes.go) derives the minimal delegated-permission
//     scope set from the operation catalog at construction time, collapsing
//     baseline scopes that are subsumed by a broader scope.
//   - CredentialStore (credstore.go) persists the provider's opaque
//     credential cache and the selected-account pointer in the platform
//     keyring, with a plaintext-file fallback when the keyring is
//     unavailable.
//   - ProviderClient (provider.go) is the identity-provider surface: silent
//     (refresh-token) acquisition, the device-code grant, and account cache
//     enumeration. MicrosoftProvider is the production implementation on
//     golang.org/x/oauth2.
//   - Manager (manager.go) brokers tokens: passthrough mode for externally
//     supplied tokens, in-memory expiry tracking, silent acquisition with
//     single-flight collapsing, the interactive device-code flow, and
//     account selection/removal with persistence after every mutation.
//   - Work-account scope expansion (workaccount.go) probes for and upgrades
//     to the organizational scope tier on demand.
//
// # Token lifecycle
//
//	Unauthenticated --(device-code flow)--> Authenticated(account, token)
//	Authenticated --(expiry or forceRefresh)--> silent refresh
//	silent refresh failure --> caller re-runs the device-code flow
//
// Passthrough mode, entered when an access token is injected via the
// GRAPHMCP_ACCESS_TOKEN environment variable, preempts this machine
// entirely for the lifetime of the process.
//
// # Persistence contract
//
// Mutations persist the affected record before returning success. Saves
// after a successful in-memory mutation are best-effort: a failed save is
// logged under the CredentialStore subsystem and not surfaced to the caller
// whose mutation triggered it. Tests cover this contract explicitly.
//
// # Security
//
//   - Token values are never logged; only account ids, usernames, scope
//     names, and backend names appear in log output.
//   - The fallback file is written with 0600 permissions in a 0700
//     directory.
package auth
