package registry

import (
	"context"
	"testing"
	"time"
)

// dialEtcd connects to a local etcd or skips the test when none is
// reachable.
func dialEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"})
	if err != nil {
		t.Skipf("etcd not reachable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := reg.client.Status(ctx, "localhost:2379"); err != nil {
		reg.Close()
		t.Skipf("etcd not reachable: %v", err)
	}
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := dialEtcd(t)
	defer reg.Close()

	inst1 := ServiceInstance{Addr: "tcp:127.0.0.1:8001"}
	inst2 := ServiceInstance{Addr: "tcp:127.0.0.1:8002"}

	if err := reg.Register("echo", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("echo", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover("echo")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister("echo", inst1.Addr); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	instances, err = reg.Discover("echo")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0].Addr != inst2.Addr {
		t.Fatalf("expect %s, got %s", inst2.Addr, instances[0].Addr)
	}

	reg.Deregister("echo", inst2.Addr)
}
