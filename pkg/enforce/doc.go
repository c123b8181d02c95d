// Package enforce is the client-side enforcement library. Host applications
// embed a Manager to gate features, meter daily usage and keep a license
// validated against the authority.
//
// The Manager keeps all state in a private config directory: the resolved
// tier, feature list and limits, local usage counters, and the license key
// encrypted under a per-machine seed. Feature checks never wait on the
// network; revalidation happens in the background once the last validation
// is older than five minutes, and a successful validation is trusted for 24
// hours. When the authority is unreachable past that window the client fails
// closed to the FREE tier rather than guessing.
//
// A license key can arrive three ways: an explicit ApplyLicenseKey call, the
// KEYGATE_LICENSE_KEY environment variable, or a license.key file dropped
// into the config directory (consumed and removed once applied). A key is
// only accepted while none is configured.
package enforce
