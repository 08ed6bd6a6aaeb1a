package upstream

import (
	"errors"
	"testing"

	relay "github.com/eugener/palantir/internal"
)

func TestClients_Direct(t *testing.T) {
	t.Parallel()
	clients, err := NewClients("")
	if err != nil {
		t.Fatalf("NewClients: %v", err)
	}

	c1, err := clients.For("")
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	c2, err := clients.For("")
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if c1 != c2 {
		t.Error("For should return the shared client")
	}
}

func TestClients_ProxyMismatch(t *testing.T) {
	t.Parallel()
	clients, err := NewClients("")
	if err != nil {
		t.Fatalf("NewClients: %v", err)
	}

	if _, err := clients.For("http://proxy.internal:8080"); !errors.Is(err, relay.ErrProxyMismatch) {
		t.Errorf("err = %v, want ErrProxyMismatch", err)
	}
}

func TestClients_ConfiguredProxy(t *testing.T) {
	t.Parallel()
	clients, err := NewClients("http://proxy.internal:8080")
	if err != nil {
		t.Fatalf("NewClients: %v", err)
	}

	if _, err := clients.For("http://proxy.internal:8080"); err != nil {
		t.Errorf("For(configured proxy): %v", err)
	}
	if _, err := clients.For(""); !errors.Is(err, relay.ErrProxyMismatch) {
		t.Errorf("For(direct) with proxy configured: err = %v, want ErrProxyMismatch", err)
	}
}
