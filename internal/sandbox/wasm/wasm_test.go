package wasm

import "testing"

func wasmHeader() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
}

func TestParseSectionsRejectsBadMagic(t *testing.T) {
	if _, err := parseSections([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatalf("expected error for invalid wasm magic")
	}
}

func TestParseSectionsFindsMemorySection(t *testing.T) {
	// memory section: count=1, flag=1 (has max), min=1, max=2
	body := append(wasmHeader(), 0x05, 0x04, 0x01, 0x01, 0x01, 0x02)
	sections, err := parseSections(body)
	if err != nil {
		t.Fatalf("parseSections: %v", err)
	}
	mem, ok := sections[5]
	if !ok {
		t.Fatalf("expected a memory section")
	}
	limits, err := parseMemoryLimits(mem)
	if err != nil {
		t.Fatalf("parseMemoryLimits: %v", err)
	}
	if len(limits) != 1 || !limits[0].hasMax || limits[0].max != 2 {
		t.Fatalf("got %+v", limits)
	}
}

func TestValidateMemoryRejectsUnbounded(t *testing.T) {
	// memory section: count=1, flag=0 (no max), min=1
	body := append(wasmHeader(), 0x05, 0x03, 0x01, 0x00, 0x01)
	if err := validateMemory(body, DefaultMaxMemoryPages); err == nil {
		t.Fatalf("expected unbounded memory to be rejected")
	}
}

func TestValidateMemoryRejectsExceedingLimit(t *testing.T) {
	// memory section: count=1, flag=1, min=1, max=200
	body := append(wasmHeader(), 0x05, 0x05, 0x01, 0x01, 0x01, 0xC8, 0x01)
	if err := validateMemory(body, 16); err == nil {
		t.Fatalf("expected memory max exceeding limit to be rejected")
	}
}

func TestValidateMemoryAcceptsBoundedWithinLimit(t *testing.T) {
	// memory section: count=1, flag=1, min=1, max=2
	body := append(wasmHeader(), 0x05, 0x04, 0x01, 0x01, 0x01, 0x02)
	if err := validateMemory(body, DefaultMaxMemoryPages); err != nil {
		t.Fatalf("expected bounded memory within limit to pass, got: %v", err)
	}
}

func TestRequiredCapabilityMapping(t *testing.T) {
	requiredCap, gated := requiredCapability("storage_get")
	if !gated {
		t.Fatalf("expected storage_get to be gated")
	}
	if string(requiredCap) != "storage:access" {
		t.Fatalf("got %v", requiredCap)
	}
}

func TestRequiredCapabilityAlwaysAllowedImports(t *testing.T) {
	if _, gated := requiredCapability("notify"); gated {
		t.Fatalf("expected notify to always be allowed")
	}
	if _, gated := requiredCapability("cap_request"); gated {
		t.Fatalf("expected cap_request to always be allowed")
	}
}
