package config

// CLIOverrides holds the subset of `run`'s flags that participate in the
// merge fold: any non-nil/non-empty field takes highest
// precedence.
type CLIOverrides struct {
	InstanceType *string
	Region       *string
	DiskSizeGB   *int
	Command      *string
	Ports        []string // replaces, never merges with, the config's ports
	Ignore       []string
	IncludeVCS   *bool
}

// Resolve folds, highest precedence first: CLIOverrides → raw.Camps[campName]
// → raw.Defaults → BuiltInDefaults. This is the Lifecycle Supervisor's
// step 1 merge.
func Resolve(raw *RawConfig, campName string, cli CLIOverrides) (*MachineConfig, error) {
	if campName == "" {
		campName = "ad-hoc"
	}

	merged := BuiltInDefaults()
	merged.CampName = campName

	applyRaw(&merged, raw.Defaults)
	if camp, ok := raw.Camps[campName]; ok {
		applyRaw(&merged, camp)
	} else if campName != "ad-hoc" {
		return nil, &unknownCampError{CampName: campName}
	}

	if err := applyCLI(&merged, cli); err != nil {
		return nil, err
	}

	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}

func applyRaw(m *MachineConfig, r RawMachineConfig) {
	if r.Region != "" {
		m.Region = r.Region
	}
	if r.InstanceType != "" {
		m.InstanceType = r.InstanceType
	}
	if r.DiskSizeGB != 0 {
		m.DiskSizeGB = r.DiskSizeGB
	}
	if r.Image != nil {
		m.Image = *r.Image
	}
	if r.AllowedSSHCIDR != "" {
		m.AllowedSSHCIDR = r.AllowedSSHCIDR
	}
	if r.Command != "" {
		m.Command = r.Command
	}
	if len(r.Ports) > 0 {
		if ps, err := ParsePortSpecs(r.Ports); err == nil {
			m.Ports = ps
		}
	}
	if len(r.SyncPaths) > 0 {
		m.SyncPaths = r.SyncPaths
	}
	if len(r.Ignore) > 0 {
		m.Ignore = r.Ignore
	}
	if r.IncludeVCS != nil {
		m.IncludeVCS = *r.IncludeVCS
	}
	if r.SetupScript != "" {
		m.SetupScript = r.SetupScript
	}
	if r.StartupScript != "" {
		m.StartupScript = r.StartupScript
	}
	if r.OnExit != "" {
		m.OnExit = OnExitPolicy(r.OnExit)
	}
	if r.SSHUsername != "" {
		m.SSHUsername = r.SSHUsername
	}
}

func applyCLI(m *MachineConfig, cli CLIOverrides) error {
	if cli.InstanceType != nil {
		m.InstanceType = *cli.InstanceType
	}
	if cli.Region != nil {
		m.Region = *cli.Region
	}
	if cli.DiskSizeGB != nil {
		m.DiskSizeGB = *cli.DiskSizeGB
	}
	if cli.Command != nil {
		m.Command = *cli.Command
	}
	if len(cli.Ports) > 0 {
		ps, err := ParsePortSpecs(cli.Ports)
		if err != nil {
			return err
		}
		m.Ports = ps
	}
	if len(cli.Ignore) > 0 {
		m.Ignore = cli.Ignore
	}
	if cli.IncludeVCS != nil {
		m.IncludeVCS = *cli.IncludeVCS
	}
	return nil
}

type unknownCampError struct {
	CampName string
}

func (e *unknownCampError) Error() string {
	return "unknown camp_name: " + e.CampName
}
