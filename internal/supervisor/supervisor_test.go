package supervisor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamilc/campers/internal/config"
	"github.com/kamilc/campers/internal/provider"
	"github.com/kamilc/campers/internal/registry"
)

// mockProvider is a minimal in-memory Provider recording call order so
// tests can assert the cleanup ordering invariant without touching AWS.
type mockProvider struct {
	mu    sync.Mutex
	calls []string

	launchErr    error
	stopErr      error
	terminateErr error
	stopDelay    time.Duration
}

func (m *mockProvider) record(name string) {
	m.mu.Lock()
	m.calls = append(m.calls, name)
	m.mu.Unlock()
}

func (m *mockProvider) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockProvider) ResolveImage(ctx context.Context, selector config.ImageSelector) (string, error) {
	return "ami-0123456789abcdef0", nil
}

func (m *mockProvider) CreateKeyPair(ctx context.Context, uniqueID string) (string, string, error) {
	return fmt.Sprintf("campers-%s", uniqueID), "/tmp/campers-test-key.pem", nil
}

func (m *mockProvider) CreateSecurityGroup(ctx context.Context, uniqueID string, allowedSSHCIDR string, tags *provider.Tags) (string, error) {
	return fmt.Sprintf("sg-%s", uniqueID), nil
}

func (m *mockProvider) LaunchInstance(ctx context.Context, cfg *config.MachineConfig, tagName string) (*provider.InstanceHandle, error) {
	m.record("launch")
	if m.launchErr != nil {
		return nil, m.launchErr
	}
	return &provider.InstanceHandle{
		InstanceID:      "i-0123456789abcdef0",
		PublicIP:        "203.0.113.10",
		State:           provider.StateRunning,
		InstanceType:    cfg.InstanceType,
		UniqueID:        "test-unique-id",
		KeyFilePath:     "/tmp/campers-test-key.pem",
		SecurityGroupID: "sg-1",
		Region:          cfg.Region,
		CampName:        cfg.CampName,
	}, nil
}

func (m *mockProvider) StopInstance(ctx context.Context, instanceID string) (*provider.InstanceHandle, error) {
	m.record("stop")
	if m.stopDelay > 0 {
		time.Sleep(m.stopDelay)
	}
	return &provider.InstanceHandle{InstanceID: instanceID, State: provider.StateStopped}, m.stopErr
}

func (m *mockProvider) StartInstance(ctx context.Context, instanceID string) (*provider.InstanceHandle, error) {
	m.record("start")
	return &provider.InstanceHandle{InstanceID: instanceID, State: provider.StateRunning}, nil
}

func (m *mockProvider) TerminateInstance(ctx context.Context, instanceID string) error {
	m.record("terminate")
	return m.terminateErr
}

func (m *mockProvider) GetVolumeSize(ctx context.Context, instanceID string) (int, bool, error) {
	return 30, true, nil
}

func (m *mockProvider) ListInstances(ctx context.Context, regionFilter string) ([]provider.InstanceSummary, error) {
	return nil, nil
}

func (m *mockProvider) FindInstances(ctx context.Context, nameOrID string, regionFilter string) ([]provider.InstanceSummary, error) {
	return nil, nil
}

func testConfig(t *testing.T) *config.MachineConfig {
	t.Helper()
	cfg := config.BuiltInDefaults()
	cfg.CampName = "test-camp"
	cfg.Region = "us-east-1"
	cfg.Command = "true" // non-empty so runUserCommandOrIdle returns immediately (ssh is skipped)
	return &cfg
}

func TestRunHappyPathStopsInstanceByDefault(t *testing.T) {
	prov := &mockProvider{}
	env := &config.Env{SkipSSHConnection: true, DisableMutagen: true}
	sup := New(Deps{
		Env:      env,
		Config:   testConfig(t),
		Provider: prov,
		Registry: registry.New(t.TempDir()),
	})

	result, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)

	calls := prov.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "launch", calls[0])
	assert.Equal(t, "stop", calls[1], "default on_exit policy is stop")
}

func TestRunDestroyPolicyTerminates(t *testing.T) {
	prov := &mockProvider{}
	env := &config.Env{SkipSSHConnection: true, DisableMutagen: true}
	cfg := testConfig(t)
	cfg.OnExit = config.OnExitDestroy

	sup := New(Deps{
		Env:      env,
		Config:   cfg,
		Provider: prov,
		Registry: registry.New(t.TempDir()),
	})

	_, err := sup.Run(context.Background())
	require.NoError(t, err)

	calls := prov.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "terminate", calls[1])
}

func TestRunDetachPolicyLeavesInstanceRunning(t *testing.T) {
	prov := &mockProvider{}
	env := &config.Env{SkipSSHConnection: true, DisableMutagen: true}
	cfg := testConfig(t)
	cfg.OnExit = config.OnExitDetach

	sup := New(Deps{
		Env:      env,
		Config:   cfg,
		Provider: prov,
		Registry: registry.New(t.TempDir()),
	})

	_, err := sup.Run(context.Background())
	require.NoError(t, err)

	calls := prov.Calls()
	assert.Equal(t, []string{"launch"}, calls, "detach must not stop or terminate the instance")
}

func TestPreflightRejectsInvalidRegion(t *testing.T) {
	prov := &mockProvider{}
	env := &config.Env{SkipSSHConnection: true, DisableMutagen: true}
	cfg := testConfig(t)
	cfg.Region = "not-a-region"

	sup := New(Deps{Env: env, Config: cfg, Provider: prov, Registry: registry.New(t.TempDir())})

	_, err := sup.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, prov.Calls(), "preflight must reject before any resource is acquired")
}

func TestBeginCleanupIsReentrant(t *testing.T) {
	// stopDelay keeps the first cleanup call in flight long enough that
	// later-arriving calls (modeling a signal handler racing the normal
	// exit path) reliably observe cleanupInProgress still set, matching the
	// "second signal while cleanup is already running is a no-op" rule.
	prov := &mockProvider{stopDelay: 50 * time.Millisecond}
	env := &config.Env{SkipSSHConnection: true, DisableMutagen: true}
	cfg := testConfig(t)
	cfg.Command = ""

	sup := New(Deps{Env: env, Config: cfg, Provider: prov, Registry: registry.New(t.TempDir())})

	sup.mu.Lock()
	sup.ledger.instance = &provider.InstanceHandle{InstanceID: "i-0123456789abcdef0"}
	sup.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.beginCleanup(config.OnExitStop, "concurrent test call")
		}()
	}
	wg.Wait()

	calls := prov.Calls()
	assert.Len(t, calls, 1, "concurrent beginCleanup calls must release the instance exactly once")
	assert.Equal(t, "stop", calls[0])
}

func TestHandleSignalFirstRepeatDuringCleanupDoesNotEscalate(t *testing.T) {
	prov := &mockProvider{}
	env := &config.Env{SkipSSHConnection: true, DisableMutagen: true}
	cfg := testConfig(t)
	cfg.Command = ""

	sup := New(Deps{Env: env, Config: cfg, Provider: prov, Registry: registry.New(t.TempDir())})

	sup.mu.Lock()
	sup.ledger.instance = &provider.InstanceHandle{InstanceID: "i-0123456789abcdef0"}
	sup.cleanupInProgress = true // simulate cleanup already under way
	sup.mu.Unlock()

	sup.handleSignal(fakeSignal{})
	time.Sleep(10 * time.Millisecond) // first signal seen during cleanup: streak starts at 1, not yet escalated
	sup.mu.Lock()
	streak := sup.rapidSignalStreak
	sup.mu.Unlock()
	assert.Equal(t, 1, streak)
}

type fakeSignal struct{}

func (fakeSignal) String() string { return "fake" }
func (fakeSignal) Signal()        {}

func TestTestModeSkipsRealProviderCalls(t *testing.T) {
	prov := &mockProvider{}
	env := &config.Env{SkipSSHConnection: true, DisableMutagen: true, TestMode: true}
	sup := New(Deps{
		Env:      env,
		Config:   testConfig(t),
		Provider: prov,
		Registry: registry.New(t.TempDir()),
	})

	result, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Empty(t, prov.Calls(), "CAMPERS_TEST_MODE must not call the real provider")
}

func TestForceSignalExitProducesSignalExitCode(t *testing.T) {
	prov := &mockProvider{}
	env := &config.Env{SkipSSHConnection: true, DisableMutagen: true, ForceSignalExit: true}
	sup := New(Deps{
		Env:      env,
		Config:   testConfig(t),
		Provider: prov,
		Registry: registry.New(t.TempDir()),
	})

	result, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 128+15, result.ExitCode, "SIGTERM forced exit code is 128+15")
}
