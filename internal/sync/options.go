package sync

// Options configure one binding.
type Options struct {
	// Enabled suppresses all activity while false; the binding stays Idle.
	Enabled bool

	// Subscribe opens the push-stream step; when false the binding is
	// point-in-time only and refreshes must be driven by the consumer.
	Subscribe bool

	// Select is the projection spec, comma-separated column names or "*".
	Select string

	// Revalidate controls whether a cache hit still triggers a silent
	// background refetch.
	Revalidate bool

	// TenantScoped marks the collection as partitioned by tenant. Scoped
	// bindings filter reads by tenant and stamp writes with tenant_id.
	TenantScoped bool
}

// DefaultOptions returns the options used by a plain binding: enabled,
// subscribed, wildcard projection, revalidating, tenant-scoped.
func DefaultOptions() Options {
	return Options{
		Enabled:      true,
		Subscribe:    true,
		Select:       "*",
		Revalidate:   true,
		TenantScoped: true,
	}
}

func (o Options) projection() string {
	if o.Select == "" {
		return "*"
	}
	return o.Select
}
