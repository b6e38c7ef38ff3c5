// Package supervisor implements the Lifecycle Supervisor, the Resource
// Ledger, and the Cleanup Coordinator: the top-level orchestrator that runs
// the provision pipeline, installs signal handlers, drives the ordered
// teardown state machine, and feeds the UI update channel.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kamilc/campers/internal/cerrors"
	"github.com/kamilc/campers/internal/config"
	"github.com/kamilc/campers/internal/log"
	"github.com/kamilc/campers/internal/metrics"
	"github.com/kamilc/campers/internal/portforward"
	"github.com/kamilc/campers/internal/pricing"
	"github.com/kamilc/campers/internal/provider"
	"github.com/kamilc/campers/internal/registry"
	"github.com/kamilc/campers/internal/sshconn"
	"github.com/kamilc/campers/internal/syncmgr"
)

// ledger is the Resource Ledger: the exclusive record of what
// has actually been acquired so far. Every field is optional; presence
// means "acquired, must be cleaned". Only code holding Supervisor.mu may
// read or write it — the mutex guarding "the ledger and the
// cleanup_in_progress flag" is literally this one.
type ledger struct {
	instance         *provider.InstanceHandle
	keyFilePath      string
	securityGroupID  string
	ssh              *sshconn.Conn
	syncSessionNames []string
	tunnels          *portforward.Manager
}

// Deps wires a Supervisor to its collaborators. Provider is required.
// Registry may be nil, in which case no session record is written or
// deleted; SyncMgr may be nil, in which case no sync session is created;
// Pricing may be nil, in which case every cost field reads "Pricing
// unavailable" instead of a dollar figure.
type Deps struct {
	Env      *config.Env
	Config   *config.MachineConfig
	Provider provider.Provider
	Registry *registry.Registry
	SyncMgr  *syncmgr.Manager
	Pricing  *pricing.Cache
}

// Supervisor is the owner of the ledger for one `run` invocation's lifetime
// (GLOSSARY). The "singleton" shape in the source becomes a value owned by
// the run command's scope, captured by the signal handler through a
// closure.
type Supervisor struct {
	env      *config.Env
	cfg      *config.MachineConfig
	provider provider.Provider
	registry *registry.Registry
	syncMgr  *syncmgr.Manager
	pricing  *pricing.Cache

	logger zerolog.Logger
	ui     chan Event

	mu                sync.Mutex
	ledger            ledger
	activePorts       []config.PortSpec
	cleanupInProgress bool
	cleanupErrors     int
	exitPolicy        config.OnExitPolicy
	exitSignal        os.Signal
	lastSignalAt      time.Time
	rapidSignalStreak int

	cleanupDone   chan struct{}
	cleanupClosed bool
}

// Result is what Run returns: the process exit code and, in
// CommandExitCode, the remote command's exit status, or the startup
// script's when that exited non-zero.
type Result struct {
	ExitCode        int
	CommandExitCode int
}

var regionPattern = regexp.MustCompile(`^[a-z]{2}-[a-z]+-\d$`)

// New constructs a Supervisor, not yet running.
func New(d Deps) *Supervisor {
	return &Supervisor{
		env:         d.Env,
		cfg:         d.Config,
		provider:    d.Provider,
		registry:    d.Registry,
		syncMgr:     d.SyncMgr,
		pricing:     d.Pricing,
		logger:      log.WithCamp(d.Config.CampName),
		ui:          make(chan Event, uiChannelCapacity),
		exitPolicy:  d.Config.OnExit,
		cleanupDone: make(chan struct{}),
	}
}

// RequestExit overrides the on-exit policy normal-path cleanup will use —
// the hook the (out-of-core) TUI exit modal calls when the user picks
// stop/detach/destroy at runtime.
func (s *Supervisor) RequestExit(policy config.OnExitPolicy) {
	s.mu.Lock()
	s.exitPolicy = policy
	s.mu.Unlock()
}

func (s *Supervisor) currentPolicy() config.OnExitPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitPolicy
}

// Run drives the full provision → connect → sync → forward → exec →
// cleanup pipeline. Every step that acquires a resource records
// it in the ledger before the next step begins; a failure at any point
// unwinds through the Cleanup Coordinator exactly once.
func (s *Supervisor) Run(ctx context.Context) (*Result, error) {
	metrics.LiveSessions.Inc()
	defer metrics.LiveSessions.Dec()

	s.installSignalHandlers()

	if err := s.preflight(ctx); err != nil {
		return &Result{ExitCode: 1}, err
	}

	type step struct {
		name string
		fn   func(context.Context) error
	}
	steps := []step{
		{"provision", s.provision},
		{"connect_ssh", s.connectSSH},
		{"setup_script", s.runSetupScript},
		{"sync", s.startSync},
		{"port_forward", func(context.Context) error { return s.startPortForwarding() }},
	}

	for _, st := range steps {
		timer := metrics.NewTimer()
		err := st.fn(ctx)
		timer.ObserveStage(st.name)
		if err != nil {
			s.beginCleanup(config.OnExitStop, "pipeline failure: "+st.name)
			return s.resultFromError(err)
		}
	}

	startupTimer := metrics.NewTimer()
	startupExit, err := s.runStartupScript(ctx)
	startupTimer.ObserveStage("startup_script")
	if err != nil {
		s.beginCleanup(config.OnExitStop, "startup script failure")
		return s.resultFromError(err)
	}
	if startupExit != 0 {
		// A non-zero startup script exit becomes the overall session's
		// exit status; the user command never runs.
		s.beginCleanup(config.OnExitStop, "startup script nonzero exit")
		return &Result{ExitCode: startupExit, CommandExitCode: startupExit}, nil
	}

	cmdExit, cmdErr := s.runUserCommandOrIdle(ctx)
	if cmdErr != nil {
		s.logger.Warn().Err(cmdErr).Msg("command execution error")
	}

	// Step 11: normal exit releases via the declared policy.
	s.beginCleanup(s.currentPolicy(), "normal completion")

	s.mu.Lock()
	sig := s.exitSignal
	s.mu.Unlock()
	if sig != nil {
		// A signal arrived while idling or mid-exec: the exit code still
		// reflects it even though cleanup ran under the normal path.
		return &Result{ExitCode: signalExitCode(sig), CommandExitCode: cmdExit}, nil
	}
	if s.env != nil && s.env.ForceSignalExit {
		// CAMPERS_FORCE_SIGNAL_EXIT: exercise the 128+signum exit
		// code path deterministically, without sending a real OS signal.
		return &Result{ExitCode: signalExitCode(syscall.SIGTERM), CommandExitCode: cmdExit}, nil
	}
	return &Result{ExitCode: 0, CommandExitCode: cmdExit}, nil
}

func (s *Supervisor) resultFromError(err error) (*Result, error) {
	s.mu.Lock()
	sig := s.exitSignal
	s.mu.Unlock()
	if sig != nil {
		return &Result{ExitCode: signalExitCode(sig)}, err
	}
	return &Result{ExitCode: exitCodeFor(err)}, err
}

// preflight rejects bad region formats before any resource is acquired.
// The cross-region-conflict check itself lives in
// Provider.LaunchInstance, which runs before even image
// resolution, satisfying "never during cleanup" and "before any resource
// acquired" for that check too.
func (s *Supervisor) preflight(ctx context.Context) error {
	if !regionPattern.MatchString(s.cfg.Region) {
		return &cerrors.InvalidConfigError{Message: fmt.Sprintf("region %q is not a valid region identifier", s.cfg.Region)}
	}
	return nil
}

// --- Pipeline steps -------------------------------------------------------

func (s *Supervisor) provision(ctx context.Context) error {
	var handle *provider.InstanceHandle
	if s.env != nil && s.env.TestMode {
		// CAMPERS_TEST_MODE: no cloud side effects. Synthesize a
		// handle so the rest of the pipeline and the cleanup coordinator
		// exercise their normal bookkeeping against an instance that was
		// never actually launched.
		handle = &provider.InstanceHandle{
			InstanceID:   fmt.Sprintf("i-test-%s", s.cfg.CampName),
			PublicIP:     "127.0.0.1",
			State:        provider.StateRunning,
			InstanceType: s.cfg.InstanceType,
			Region:       s.cfg.Region,
			CampName:     s.cfg.CampName,
		}
	} else {
		tagName := fmt.Sprintf("campers-%s", s.cfg.CampName)
		var err error
		handle, err = s.provider.LaunchInstance(ctx, s.cfg, tagName)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.ledger.instance = handle
	s.ledger.keyFilePath = handle.KeyFilePath
	s.ledger.securityGroupID = handle.SecurityGroupID
	s.mu.Unlock()

	s.publish(Event{Type: EventInstanceDetails, Data: map[string]any{
		"instance_id": handle.InstanceID,
		"public_ip":   handle.PublicIP,
		"state":       string(handle.State),
	}})

	metrics.InstancesLaunchedTotal.Inc()

	if s.registry == nil {
		return nil
	}
	// Session record is written now, before SSH is established: consumers
	// treat "cannot connect yet" as transient.
	rec := &registry.Record{
		CampName:   s.cfg.CampName,
		PID:        os.Getpid(),
		InstanceID: handle.InstanceID,
		Region:     handle.Region,
		SSHHost:    handle.PublicIP,
		SSHPort:    22,
		SSHUser:    s.cfg.SSHUsername,
		KeyFile:    handle.KeyFilePath,
	}
	if err := s.registry.Create(rec); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write session record (non-fatal)")
	}
	return nil
}

func (s *Supervisor) connectSSH(ctx context.Context) error {
	if s.env != nil && s.env.SkipSSHConnection {
		s.logger.Info().Msg("CAMPERS_SKIP_SSH_CONNECTION set, skipping SSH connection establishment")
		return nil
	}

	s.mu.Lock()
	handle := s.ledger.instance
	s.mu.Unlock()
	if handle == nil {
		return fmt.Errorf("connectSSH called before an instance was provisioned")
	}

	conn := sshconn.New(handle.PublicIP, 22, s.cfg.SSHUsername, handle.KeyFilePath)
	if err := conn.Connect(12, 10*time.Second); err != nil {
		return err
	}

	s.mu.Lock()
	s.ledger.ssh = conn
	s.mu.Unlock()

	s.publish(Event{Type: EventStatusUpdate, Message: "ssh connection established"})
	return nil
}

// runSetupScript runs the configured setup_script once, on first launch
// only, over the already-connected SSH channel. A
// non-zero exit is fatal to the pipeline.
func (s *Supervisor) runSetupScript(ctx context.Context) error {
	if s.cfg.SetupScript == "" {
		return nil
	}
	s.mu.Lock()
	conn := s.ledger.ssh
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	result, err := conn.RunStartupScript(s.cfg.SetupScript, s.defaultWorkingDir(), s.streamLine)
	if err != nil {
		return err
	}
	if result.ExitStatus != 0 {
		return fmt.Errorf("setup script exited with status %d", result.ExitStatus)
	}
	return nil
}

// startSync creates one sync session per sync_paths entry, cleaning any
// orphan left by a prior crashed run first and waiting for each to reach
// the watching state before proceeding.
func (s *Supervisor) startSync(ctx context.Context) error {
	if len(s.cfg.SyncPaths) == 0 {
		return nil
	}
	if s.env != nil && s.env.DisableMutagen {
		s.logger.Info().Msg("CAMPERS_DISABLE_MUTAGEN set, skipping sync subsystem")
		return nil
	}
	if s.syncMgr == nil {
		return nil
	}
	if err := s.syncMgr.RequireInstalled(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	handle := s.ledger.instance
	s.mu.Unlock()
	if handle == nil {
		return fmt.Errorf("startSync called before an instance was provisioned")
	}

	timeout := 300 * time.Second
	if s.env != nil && s.env.SyncTimeoutSeconds > 0 {
		timeout = time.Duration(s.env.SyncTimeoutSeconds) * time.Second
	}

	for i, sp := range s.cfg.SyncPaths {
		name := fmt.Sprintf("campers-%s-%d", handle.UniqueID, i)
		s.syncMgr.CleanupOrphan(name)

		if err := s.syncMgr.Create(name, sp.Local, sp.Remote, handle.PublicIP, handle.KeyFilePath,
			s.cfg.SSHUsername, s.cfg.Ignore, s.cfg.IncludeVCS); err != nil {
			return err
		}

		s.mu.Lock()
		s.ledger.syncSessionNames = append(s.ledger.syncSessionNames, name)
		s.mu.Unlock()

		if err := s.syncMgr.WaitForInitial(name, timeout); err != nil {
			// Spec §5: on timeout the session is left running, not
			// terminated — it stays in the ledger so cleanup still
			// releases it under the normal policy.
			return err
		}
		s.publish(Event{Type: EventSyncStatus, Message: fmt.Sprintf("sync session %s watching", name)})
	}
	return nil
}

// startPortForwarding parses ports and creates the tunnel set all-or-nothing.
func (s *Supervisor) startPortForwarding() error {
	if len(s.cfg.Ports) == 0 {
		return nil
	}
	s.mu.Lock()
	conn := s.ledger.ssh
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	mgr := portforward.New(conn)
	specs := make([]portforward.Spec, 0, len(s.cfg.Ports))
	for _, p := range s.cfg.Ports {
		specs = append(specs, portforward.Spec{LocalPort: p.Local, RemotePort: p.Remote})
	}
	if err := mgr.CreateAll(specs); err != nil {
		return err
	}

	s.mu.Lock()
	s.ledger.tunnels = mgr
	s.activePorts = s.cfg.Ports
	s.mu.Unlock()

	for _, p := range s.cfg.Ports {
		s.publish(Event{Type: EventTunnelUp, Data: map[string]any{"local": p.Local, "remote": p.Remote}})
	}
	return nil
}

// runStartupScript runs on every attach, not just first launch. A non-zero exit is fatal and becomes the session's exit status.
func (s *Supervisor) runStartupScript(ctx context.Context) (int, error) {
	if s.cfg.StartupScript == "" {
		return 0, nil
	}
	s.mu.Lock()
	conn := s.ledger.ssh
	s.mu.Unlock()
	if conn == nil {
		return 0, nil
	}

	result, err := conn.RunStartupScript(s.cfg.StartupScript, s.defaultWorkingDir(), s.streamLine)
	if err != nil {
		return 0, err
	}
	return result.ExitStatus, nil
}

// runUserCommandOrIdle execs the configured command to completion, or idles
// streaming events until cleanup is triggered from elsewhere.
func (s *Supervisor) runUserCommandOrIdle(ctx context.Context) (int, error) {
	s.mu.Lock()
	conn := s.ledger.ssh
	s.mu.Unlock()

	if s.cfg.Command == "" {
		s.logger.Info().Msg("no command configured, idling until exit is requested")
		select {
		case <-ctx.Done():
		case <-s.cleanupDone:
		}
		return 0, nil
	}

	if conn == nil {
		return 0, nil
	}
	result, err := conn.Exec(s.cfg.Command, 3600*time.Second, s.streamLine)
	if err != nil {
		return -1, err
	}
	return result.ExitStatus, nil
}

func (s *Supervisor) defaultWorkingDir() string {
	if len(s.cfg.SyncPaths) > 0 && s.cfg.SyncPaths[0].Remote != "" {
		return s.cfg.SyncPaths[0].Remote
	}
	return fmt.Sprintf("/home/%s", s.cfg.SSHUsername)
}

func (s *Supervisor) streamLine(line string) {
	s.logger.Info().Msg(line)
	s.publish(Event{Type: EventLogLine, Message: line})
}

// --- Cleanup Coordinator ---------------------------------------------

// beginCleanup is the single entry point into the Cleanup Coordinator.
// Re-entrant calls observe cleanup_in_progress and return immediately after
// logging; the flag is cleared only on
// normal (non-signal-driven) completion.
func (s *Supervisor) beginCleanup(policy config.OnExitPolicy, reason string) {
	s.mu.Lock()
	if s.cleanupInProgress {
		s.mu.Unlock()
		s.logger.Info().Str("reason", reason).Msg("cleanup already in progress, this entry is a no-op")
		return
	}
	s.cleanupInProgress = true
	signalDriven := s.exitSignal != nil
	s.mu.Unlock()

	s.doCleanup(policy, reason)

	if !signalDriven {
		s.mu.Lock()
		s.cleanupInProgress = false
		s.mu.Unlock()
	}

	s.mu.Lock()
	if !s.cleanupClosed {
		close(s.cleanupDone)
		s.cleanupClosed = true
	}
	s.mu.Unlock()
}

// doCleanup releases the ledger in the fixed order: port
// tunnels → sync session(s) → SSH connection → instance (per policy). Each
// slot has its own error boundary; an absent slot is skipped with a debug
// message; the session record is always removed last.
func (s *Supervisor) doCleanup(policy config.OnExitPolicy, reason string) {
	logger := log.WithComponent("cleanup")
	logger.Info().Str("reason", reason).Str("policy", string(policy)).Msg("starting cleanup")
	errCount := 0

	s.mu.Lock()
	tunnels := s.ledger.tunnels
	s.ledger.tunnels = nil
	s.mu.Unlock()
	if tunnels != nil {
		tunnels.StopAll()
	} else {
		logger.Debug().Msg("no port tunnels acquired, skipping")
	}

	s.mu.Lock()
	syncNames := s.ledger.syncSessionNames
	s.ledger.syncSessionNames = nil
	s.mu.Unlock()
	if len(syncNames) > 0 && s.syncMgr != nil {
		for _, name := range syncNames {
			s.syncMgr.Terminate(name)
		}
	} else {
		logger.Debug().Msg("no sync sessions acquired, skipping")
	}

	s.mu.Lock()
	conn := s.ledger.ssh
	s.ledger.ssh = nil
	s.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing ssh connection")
			errCount++
		}
	} else {
		logger.Debug().Msg("no ssh connection acquired, skipping")
	}

	s.mu.Lock()
	handle := s.ledger.instance
	s.ledger.instance = nil
	s.mu.Unlock()
	if handle != nil {
		if err := s.cleanupInstance(handle, policy); err != nil {
			logger.Warn().Err(err).Msg("error releasing instance")
			errCount++
		}
	} else {
		logger.Debug().Msg("no instance acquired, skipping")
	}

	if s.registry != nil {
		if err := s.registry.Delete(s.cfg.CampName); err != nil {
			logger.Warn().Err(err).Msg("error deleting session record")
			errCount++
		}
	}

	if errCount == 0 {
		logger.Info().Msg("Cleanup completed successfully")
	} else {
		logger.Info().Int("errors", errCount).Msgf("Cleanup completed with %d errors", errCount)
	}

	s.mu.Lock()
	s.cleanupErrors = errCount
	s.mu.Unlock()
	metrics.CleanupErrorsTotal.Add(float64(errCount))
}

// cleanupInstance applies the chosen exit policy to the acquired instance.
// stop/destroy delegate to the provider;
// detach leaves the instance running and reports reconnection coordinates.
func (s *Supervisor) cleanupInstance(handle *provider.InstanceHandle, policy config.OnExitPolicy) error {
	if s.env != nil && s.env.TestMode {
		s.logger.Info().Str("policy", string(policy)).Msg("CAMPERS_TEST_MODE set, skipping real cloud teardown")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch policy {
	case config.OnExitDestroy:
		return s.provider.TerminateInstance(ctx, handle.InstanceID)

	case config.OnExitDetach:
		s.mu.Lock()
		ports := s.activePorts
		s.mu.Unlock()
		s.logger.Info().Str("public_ip", handle.PublicIP).Msg("detaching: instance left running")
		for _, p := range ports {
			s.logger.Info().Int("local_port", p.Local).Msg("reconnect on this forwarded port")
		}
		s.publish(Event{Type: EventStatusUpdate, Message: fmt.Sprintf(
			"detached: instance %s left running at %s", handle.InstanceID, handle.PublicIP)})
		return nil

	default: // config.OnExitStop
		rate, ok := s.monthlyCost(ctx, handle)
		before := pricing.FormatMonthlyCost(rate, ok)
		if _, err := s.provider.StopInstance(ctx, handle.InstanceID); err != nil {
			return err
		}
		after := pricing.FormatMonthlyCost(0, ok)
		s.logger.Info().Str("before", before).Str("after", after).Msg("instance stopped")
		return nil
	}
}

func (s *Supervisor) monthlyCost(ctx context.Context, handle *provider.InstanceHandle) (float64, bool) {
	if s.pricing == nil {
		return 0, false
	}
	return s.pricing.HourlyRate(ctx, handle.Region, handle.InstanceType)
}

// --- Signal handling -------------------------------------------------------

// installSignalHandlers routes the platform's interrupt and terminate
// signals to the Cleanup Coordinator. Installed before the
// first resource is acquired.
func (s *Supervisor) installSignalHandlers() {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			s.handleSignal(sig)
		}
	}()
}

// handleSignal implements the double/triple-Ctrl-C escalation ladder (spec
// §5, §8 Scenario C): the first signal begins cleanup; a second while
// cleanup is already running is a no-op; a third arriving within 1.5s of
// the second escalates to an immediate best-effort terminate-and-exit,
// skipping the remaining ordered release.
func (s *Supervisor) handleSignal(sig os.Signal) {
	s.mu.Lock()
	now := time.Now()
	gap := now.Sub(s.lastSignalAt)
	s.lastSignalAt = now
	alreadyInProgress := s.cleanupInProgress
	if !alreadyInProgress {
		s.exitSignal = sig
	}
	var streak int
	if alreadyInProgress {
		if gap <= 1500*time.Millisecond {
			s.rapidSignalStreak++
		} else {
			s.rapidSignalStreak = 1
		}
		streak = s.rapidSignalStreak
	}
	s.mu.Unlock()

	if !alreadyInProgress {
		s.logger.Warn().Str("signal", sig.String()).Msg("received signal, beginning cleanup")
		go s.beginCleanup(config.OnExitStop, "signal: "+sig.String())
		return
	}

	if streak >= 2 {
		s.logger.Warn().Str("signal", sig.String()).Msg("repeated signal during cleanup, escalating to immediate exit")
		s.escalate(sig)
		return
	}
	s.logger.Info().Str("signal", sig.String()).Msg("signal received while cleanup already in progress, no-op")
}

// escalate best-effort terminates the acquired instance, skipping the
// remaining ordered release, then exits the process immediately.
func (s *Supervisor) escalate(sig os.Signal) {
	s.mu.Lock()
	handle := s.ledger.instance
	s.mu.Unlock()

	if handle != nil && s.provider != nil && !(s.env != nil && s.env.TestMode) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := s.provider.TerminateInstance(ctx, handle.InstanceID); err != nil {
			s.logger.Warn().Err(err).Msg("escalated terminate failed")
		}
		cancel()
	}
	os.Exit(signalExitCode(sig))
}

func exitCodeFor(err error) int {
	switch err.(type) {
	case *cerrors.InvalidConfigError, *cerrors.NotFoundError:
		return 1
	case *cerrors.CredentialsError, *cerrors.AuthzError, *cerrors.APIError, *cerrors.ConnectionError:
		return 2
	default:
		return 1
	}
}

func signalExitCode(sig os.Signal) int {
	if unixSig, ok := sig.(syscall.Signal); ok {
		return 128 + int(unixSig)
	}
	return 128
}
