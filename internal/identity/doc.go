// Package identity provides the two isolated network identities the pipeline
// uses: a tunneled transport with a fixed fingerprint for tracker traffic and
// a direct transport with a rotating fingerprint for open-web metadata. The
// two never share a transport or connection pool, and the tunneled route is
// disabled outright when its egress cannot be verified.
package identity
