// Package stage holds the readiness probe types shared by the workflow's
// diagnostic surfaces.
package stage

// Health is the probe result for one pipeline surface.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy reports a passing probe.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy reports a failing probe and the reason it failed.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}
