package capability

import "testing"

func TestGrantAndVerifyRoundTrip(t *testing.T) {
	m, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	token, err := m.Grant("app1", []Cap{CapNetwork})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := m.Verify(token, "app1", CapNetwork); err != nil {
		t.Fatalf("expected token to verify, got: %v", err)
	}
}

func TestVerifyRejectsWrongApp(t *testing.T) {
	m, _ := NewManager()
	token, _ := m.Grant("app1", []Cap{CapNetwork})
	if err := m.Verify(token, "app2", CapNetwork); err == nil {
		t.Fatalf("expected verification to fail for a different app")
	}
}

func TestVerifyRejectsUngrantedCapability(t *testing.T) {
	m, _ := NewManager()
	token, _ := m.Grant("app1", []Cap{CapNetwork})
	if err := m.Verify(token, "app1", CapVolume); err == nil {
		t.Fatalf("expected verification to fail for an ungranted capability")
	}
}

func TestVerifyRejectsMutatedSignature(t *testing.T) {
	m, _ := NewManager()
	token, _ := m.Grant("app1", []Cap{CapNetwork})
	mutated := token[:len(token)-1] + flipChar(token[len(token)-1])
	if err := m.Verify(mutated, "app1", CapNetwork); err == nil {
		t.Fatalf("expected a bit-flipped token to fail verification")
	}
}

func flipChar(b byte) string {
	if b == 'A' {
		return "B"
	}
	return "A"
}

func TestRevokeTokenInvalidatesIt(t *testing.T) {
	m, _ := NewManager()
	token, _ := m.Grant("app1", []Cap{CapNetwork})
	if err := m.RevokeToken(token); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if err := m.Verify(token, "app1", CapNetwork); err == nil {
		t.Fatalf("expected revoked token to fail verification")
	}
}

func TestRevokeAllClearsGrants(t *testing.T) {
	m, _ := NewManager()
	m.Grant("app1", []Cap{CapNetwork})
	if !m.Check("app1", CapNetwork) {
		t.Fatalf("expected capability to be granted")
	}
	m.RevokeAll("app1")
	if m.Check("app1", CapNetwork) {
		t.Fatalf("expected RevokeAll to clear granted capabilities")
	}
}

func TestProposeCapabilitiesByAppType(t *testing.T) {
	caps := ProposeCapabilities("build me a docker server that hosts a database")
	found := false
	for _, c := range caps {
		if c == CapNetwork {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected process-type app to propose network capability, got %v", caps)
	}
}
