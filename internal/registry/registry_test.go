package registry

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(camp string, pid int) *Record {
	return &Record{
		CampName:   camp,
		PID:        pid,
		InstanceID: "i-0123456789abcdef0",
		Region:     "us-east-1",
		SSHHost:    "203.0.113.10",
		SSHPort:    22,
		SSHUser:    "ubuntu",
		KeyFile:    "/tmp/key.pem",
	}
}

func TestCreateReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir)

	rec := testRecord("jupyter", os.Getpid())
	require.NoError(t, reg.Create(rec))

	got, err := reg.Read("jupyter")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, got)
}

func TestReadAbsentWhenMissing(t *testing.T) {
	reg := New(t.TempDir())
	got, err := reg.Read("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReadAbsentWhenMalformed(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(reg.path("broken"), []byte("{not json"), 0o644))

	got, err := reg.Read("broken")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteIsIdempotent(t *testing.T) {
	reg := New(t.TempDir())
	require.NoError(t, reg.Delete("never-existed"))
	require.NoError(t, reg.Delete("never-existed"))
}

func TestIsAliveSelfHealsDeadRecord(t *testing.T) {
	reg := New(t.TempDir())
	// A pid essentially guaranteed not to exist.
	rec := testRecord("stale", 1<<30)
	require.NoError(t, reg.Create(rec))

	alive, err := reg.IsAlive("stale")
	require.NoError(t, err)
	assert.False(t, alive)

	got, err := reg.Read("stale")
	require.NoError(t, err)
	assert.Nil(t, got, "dead record should have been self-healed (deleted)")
}

func TestIsAliveTrueForOwnProcess(t *testing.T) {
	reg := New(t.TempDir())
	rec := testRecord("live", os.Getpid())
	require.NoError(t, reg.Create(rec))

	alive, err := reg.IsAlive("live")
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestGetAliveReturnsNilForDead(t *testing.T) {
	reg := New(t.TempDir())
	rec := testRecord("dead", 1<<30)
	require.NoError(t, reg.Create(rec))

	got, err := reg.GetAlive("dead")
	require.NoError(t, err)
	assert.Nil(t, got)
}
