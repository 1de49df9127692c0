// Package service defines the descriptor each engine component advertises so
// the status surface can enumerate modules consistently.
package service

// Layer describes the service placement. The engine treats every capability
// uniformly, so all descriptors advertise the same consolidated layer.
type Layer string

const (
	LayerEngine Layer = "engine"
)

// Descriptor advertises a service's placement and capabilities. It is optional
// and does not change runtime behavior, but allows the status surface and
// documentation to reason about modules consistently.
type Descriptor struct {
	Name         string
	Domain       string
	Layer        Layer
	Capabilities []string
}

// WithCapabilities returns a copy of the descriptor with additional
// capabilities appended.
func (d Descriptor) WithCapabilities(caps ...string) Descriptor {
	if len(caps) == 0 {
		return d
	}
	combined := make([]string, 0, len(d.Capabilities)+len(caps))
	combined = append(combined, d.Capabilities...)
	combined = append(combined, caps...)
	d.Capabilities = combined
	return d
}
