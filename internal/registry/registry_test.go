package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwatt/contrail-healer-go/internal/healer"
)

type stubHealer struct {
	desc healer.Descriptor
}

func (s stubHealer) Descriptor() healer.Descriptor { return s.desc }
func (s stubHealer) Check(ctx context.Context, op healer.Operation, ref healer.Reference) (healer.Verdict, error) {
	return healer.Verdict{Kind: healer.OK}, nil
}
func (s stubHealer) Fix(ctx context.Context, args ...any) error { return nil }

func TestBuildIndexesByResourceAndOperation(t *testing.T) {
	Register("registry-test-fip", func() (healer.Healer, error) {
		return stubHealer{desc: healer.Descriptor{
			ResourceType: "floating-ip",
			Operations:   map[healer.Operation]bool{healer.Create: true},
		}}, nil
	})

	table, err := Build([]string{"registry-test-fip"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	healers := table.Lookup("floating-ip", healer.Create)
	if len(healers) != 1 {
		t.Fatalf("expected one healer, got %d", len(healers))
	}
	if len(table.Lookup("floating-ip", healer.Delete)) != 0 {
		t.Fatal("should not subscribe to unregistered operation")
	}
	if len(table.Healers()) != 1 {
		t.Fatalf("expected Healers() to report 1, got %d", len(table.Healers()))
	}
}

func TestBuildUnknownNameIsConfigurationError(t *testing.T) {
	_, err := Build([]string{"does-not-exist"})
	if err == nil {
		t.Fatal("expected an error for an unregistered healer name")
	}
}

func TestBuildRejectsInvalidDescriptor(t *testing.T) {
	Register("registry-test-invalid", func() (healer.Healer, error) {
		return stubHealer{desc: healer.Descriptor{}}, nil
	})
	_, err := Build([]string{"registry-test-invalid"})
	if err == nil {
		t.Fatal("expected descriptor validation to fail for an empty descriptor")
	}
}

func TestBuildPropagatesFactoryError(t *testing.T) {
	wantErr := errors.New("boom")
	Register("registry-test-factory-error", func() (healer.Healer, error) {
		return nil, wantErr
	})
	_, err := Build([]string{"registry-test-factory-error"})
	if err == nil {
		t.Fatal("expected factory error to propagate")
	}
}
