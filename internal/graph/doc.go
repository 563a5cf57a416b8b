// Package graph dispatches MCP tool calls to the Microsoft Graph v1.0 API.
//
// The operation catalog drives everything: RegisterTools turns each catalog
// entry into an MCP tool whose input schema mirrors the entry's declared
// parameters, and the shared Client executes the resulting HTTP requests
// with a bearer token from the authentication manager. Operations whose
// scopes are not covered by the current working scope set answer with an
// elevation hint instead of calling Graph.
//
// The package also registers the authentication tools (login, verify-login,
// logout, list-accounts, select-account). A device-code sign-in started via
// the login tool runs detached from the tool call; verify-login reports its
// outcome.
package graph
