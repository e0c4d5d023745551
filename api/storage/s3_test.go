package storage

import "testing"

func TestNewClient(t *testing.T) {
	c, err := NewClient(Config{Endpoint: "localhost:9000", AccessKey: "ak", SecretKey: "sk"}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.Endpoint() != "localhost:9000" {
		t.Errorf("Endpoint = %q", c.Endpoint())
	}
}

func TestNewClientBadEndpoint(t *testing.T) {
	if _, err := NewClient(Config{Endpoint: "http://bad endpoint/"}, nil); err == nil {
		t.Error("expected error for malformed endpoint")
	}
}

var _ Uploader = (*Client)(nil)
