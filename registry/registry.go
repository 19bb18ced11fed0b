package registry

// ServiceInstance is one published endpoint for a method name.
type ServiceInstance struct {
	Addr string
}

// Registry is a shared directory of reactor endpoints, keyed by the
// method names they serve. Entries are leased: a reactor that dies
// without deregistering ages out on its own.
type Registry interface {
	Register(name string, instance ServiceInstance, ttl int64) error
	Deregister(name string, addr string) error
	Discover(name string) ([]ServiceInstance, error)
	Close() error
}
