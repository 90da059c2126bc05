package cloud

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

type fakeVMProvider struct {
	startFn  func(ctx context.Context, name, region string) (VM, error)
	stopFn   func(ctx context.Context, name string) error
	rebootFn func(ctx context.Context, name string) error
	oauthFn  func(ctx context.Context) (bool, error)
	closed   atomic.Int32
}

func (f *fakeVMProvider) Start(ctx context.Context, name, region string) (VM, error) {
	if f.startFn != nil {
		return f.startFn(ctx, name, region)
	}
	return VM{ID: "vm-1", Name: name, PublicIP: "127.0.0.1"}, nil
}

func (f *fakeVMProvider) Stop(ctx context.Context, name string) error {
	if f.stopFn != nil {
		return f.stopFn(ctx, name)
	}
	return nil
}

func (f *fakeVMProvider) Reboot(ctx context.Context, name string) error {
	if f.rebootFn != nil {
		return f.rebootFn(ctx, name)
	}
	return nil
}

func (f *fakeVMProvider) HasOAuth(ctx context.Context) (bool, error) {
	if f.oauthFn != nil {
		return f.oauthFn(ctx)
	}
	return false, nil
}

func (f *fakeVMProvider) Close() error {
	f.closed.Add(1)
	return nil
}

func TestAcquireUnknownProvider(t *testing.T) {
	m := NewModules()
	_, _, err := m.Acquire("nope")
	if !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation, got %v", err)
	}
}

func TestAcquireBuilderFailure(t *testing.T) {
	m := NewModules()
	buildErr := errors.New("daemon unreachable")
	m.Register("flaky", func() (VMProvider, error) { return nil, buildErr })

	provider, release, err := m.Acquire("flaky")
	if !errors.Is(err, buildErr) {
		t.Fatalf("expected builder error, got %v", err)
	}
	if provider != nil || release != nil {
		t.Fatalf("failed acquisition must hand back nothing to release")
	}
}

func TestReleaseRunsExactlyOnce(t *testing.T) {
	m := NewModules()
	prov := &fakeVMProvider{}
	m.Register("fake", func() (VMProvider, error) { return prov, nil })

	_, release, err := m.Acquire("fake")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release()
	release()
	if got := prov.closed.Load(); got != 1 {
		t.Fatalf("expected one close, got %d", got)
	}
}

func TestAcquireBuildsFreshHandles(t *testing.T) {
	m := NewModules()
	var builds atomic.Int32
	m.Register("fake", func() (VMProvider, error) {
		builds.Add(1)
		return &fakeVMProvider{}, nil
	})

	for i := 0; i < 3; i++ {
		_, release, err := m.Acquire("fake")
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		release()
	}
	if got := builds.Load(); got != 3 {
		t.Fatalf("expected a fresh build per acquisition, got %d", got)
	}
}
