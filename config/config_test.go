package config

import (
	"os"
	"testing"
)

func clearFAMEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		envCISServer, envMemserverList, envLibfabricProvider, envThreadModel,
		envContextModel, envOpenFAMModel, envInterleaveSize, envRPCFramework,
		envEnableResRelease, envNumConsumer, envLogLevel,
	} {
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearFAMEnv(t)
	os.Setenv(envMemserverList, "node1,node2")
	defer os.Unsetenv(envMemserverList)

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Verify(); err != nil {
		t.Fatal(err)
	}
	if c.ThreadModel != string(ThreadModelSerialize) {
		t.Fatalf("unexpected default thread model: %s", c.ThreadModel)
	}
	if c.OpenFAMModel != string(OpenFAMModelMemoryServer) {
		t.Fatalf("unexpected default openfam model: %s", c.OpenFAMModel)
	}
	if c.InterleaveSize != defaultInterleaveSize {
		t.Fatalf("unexpected default interleave size: %d", c.InterleaveSize)
	}
	if len(c.MemserverList) != 2 {
		t.Fatalf("expected 2 memservers, got %d", len(c.MemserverList))
	}
}

func TestVerifyBadInterleave(t *testing.T) {
	clearFAMEnv(t)
	os.Setenv(envMemserverList, "node1")
	os.Setenv(envInterleaveSize, "100")
	defer clearFAMEnv(t)

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Verify(); err != ErrInvalidInterleaveSize {
		t.Fatalf("expected ErrInvalidInterleaveSize, got %v", err)
	}
}

func TestVerifyNoMemservers(t *testing.T) {
	clearFAMEnv(t)
	defer clearFAMEnv(t)

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Verify(); err != ErrNoMemservers {
		t.Fatalf("expected ErrNoMemservers, got %v", err)
	}
}

func TestVerifySharedMemoryNoMemserversOK(t *testing.T) {
	clearFAMEnv(t)
	os.Setenv(envOpenFAMModel, string(OpenFAMModelSharedMemory))
	defer clearFAMEnv(t)

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestMemserversDefaultPort(t *testing.T) {
	clearFAMEnv(t)
	os.Setenv(envMemserverList, "10.0.0.1,10.0.0.2:9000")
	defer clearFAMEnv(t)

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	srvs := c.Memservers()
	if srvs[0] != "10.0.0.1:8789" {
		t.Fatalf("expected default port appended, got %s", srvs[0])
	}
	if srvs[1] != "10.0.0.2:9000" {
		t.Fatalf("expected explicit port kept, got %s", srvs[1])
	}
}

func TestParseRate(t *testing.T) {
	bps, err := ParseRate("8mbit")
	if err != nil {
		t.Fatal(err)
	}
	if bps != 1024*1024 {
		t.Fatalf("unexpected bps: %d", bps)
	}
}
