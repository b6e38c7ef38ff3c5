// Package registry implements the on-disk record of a live supervisor
// process, one JSON file per camp, liveness-checked by sending a null
// signal to the recorded pid.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/kamilc/campers/internal/log"
)

// Record is one camp's persisted session. All fields are
// required; a decoded record missing any of them is treated as absent.
type Record struct {
	CampName   string `json:"camp_name"`
	PID        int    `json:"pid"`
	InstanceID string `json:"instance_id"`
	Region     string `json:"region"`
	SSHHost    string `json:"ssh_host"`
	SSHPort    int    `json:"ssh_port"`
	SSHUser    string `json:"ssh_user"`
	KeyFile    string `json:"key_file"`
}

func (r *Record) valid() bool {
	return r.CampName != "" && r.PID != 0 && r.InstanceID != "" && r.Region != "" &&
		r.SSHHost != "" && r.SSHPort != 0 && r.SSHUser != "" && r.KeyFile != ""
}

// Registry is rooted at a sessions directory ($CAMPERS_DIR/sessions).
type Registry struct {
	dir string
}

// New returns a Registry rooted at dir. The directory is created lazily, on
// first Create call, not here.
func New(dir string) *Registry {
	return &Registry{dir: dir}
}

func (r *Registry) path(campName string) string {
	return filepath.Join(r.dir, campName+".session.json")
}

// Create atomically persists record: write a sibling temp file, fsync, then
// rename over the target.
func (r *Registry) Create(record *Record) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("creating sessions directory: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session record: %w", err)
	}

	target := r.path(record.CampName)
	tmp, err := os.CreateTemp(r.dir, record.CampName+".session.*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp session file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fsyncing temp session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp session file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming session file into place: %w", err)
	}
	return nil
}

// Read returns the record for campName, or (nil, nil) if absent: missing
// file, malformed JSON, or missing required fields (the malformed case is
// warn-logged).
func (r *Registry) Read(campName string) (*Record, error) {
	data, err := os.ReadFile(r.path(campName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session record for %s: %w", campName, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		log.WithComponent("registry").Warn().Str("camp", campName).Err(err).Msg("malformed session record, treating as absent")
		return nil, nil
	}
	if !rec.valid() {
		log.WithComponent("registry").Warn().Str("camp", campName).Msg("session record missing required fields, treating as absent")
		return nil, nil
	}
	return &rec, nil
}

// Delete removes campName's record. Idempotent: a racing unlink that
// observes "not found" is success.
func (r *Registry) Delete(campName string) error {
	err := os.Remove(r.path(campName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting session record for %s: %w", campName, err)
	}
	return nil
}

// IsAlive reads campName's record, then probes its pid. A dead record is
// self-healed: deleted from disk on this call.
func (r *Registry) IsAlive(campName string) (bool, error) {
	rec, err := r.Read(campName)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	alive, err := ProcessAlive(rec.PID)
	if err != nil {
		return false, err
	}
	if !alive {
		if derr := r.Delete(campName); derr != nil {
			log.WithComponent("registry").Warn().Str("camp", campName).Err(derr).Msg("failed to self-heal stale session record")
		}
	}
	return alive, nil
}

// GetAlive composes Read + IsAlive: returns the record only if its process
// is still alive.
func (r *Registry) GetAlive(campName string) (*Record, error) {
	rec, err := r.Read(campName)
	if err != nil || rec == nil {
		return nil, err
	}
	alive, err := r.IsAlive(campName)
	if err != nil || !alive {
		return nil, err
	}
	return rec, nil
}

// ProcessAlive sends the null signal to pid to check whether it is still
// running, without actually delivering a signal. A "no such process" result
// means dead; "permission denied" means another uid owns it and therefore
// it is alive; anything else is re-raised.
func ProcessAlive(pid int) (bool, error) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return false, nil
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM) {
		return true, nil
	}
	return false, fmt.Errorf("probing pid %d: %w", pid, err)
}
