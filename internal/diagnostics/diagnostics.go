// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package diagnostics implements PostMortem + Hibernate (C11) and the
// HostInfo reader the Controller plugin's version/threads/callstack
// surface is backed by.
package diagnostics

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/tomtom215/pluginhost/internal/config"
	"github.com/tomtom215/pluginhost/internal/errorkind"
	"github.com/tomtom215/pluginhost/internal/logging"
)

// SelfDumper is the narrow half of communicator.Session PostMortem needs:
// asking a dying worker to write its own dump before the host-side read.
type SelfDumper interface {
	RequestSelfDump() error
}

// Dump is the document a PostMortem capture writes to disk.
type Dump struct {
	Callsign   string    `json:"callsign"`
	Reason     string    `json:"reason"`
	Pid        int       `json:"pid"`
	Remote     bool      `json:"remote"`
	CapturedAt time.Time `json:"capturedAt"`
	ProcStatus string    `json:"procStatus,omitempty"`
	Note       string    `json:"note,omitempty"`
}

// Recorder is PostMortem (C11): advisory diagnostic capture gated by a
// configured reason allow list. The host calls CaptureInProcess once a
// service has reached Deactivated, after its Deinitialize has run.
type Recorder struct {
	path    string
	allowed map[string]bool
}

// NewRecorder constructs a Recorder writing under path, advisory only for
// reasons named in allowedReasons.
func NewRecorder(path string, allowedReasons []string) *Recorder {
	allowed := make(map[string]bool, len(allowedReasons))
	for _, r := range allowedReasons {
		allowed[r] = true
	}
	return &Recorder{path: path, allowed: allowed}
}

// Allowed reports whether reason is in the configured allow list.
func (r *Recorder) Allowed(reason string) bool {
	return r.allowed[reason]
}

// CaptureInProcess dumps /proc/self for an in-process plugin. Killing an
// in-process plugin to inspect it would take the host down with it, so
// only the host's own process state is recorded.
func (r *Recorder) CaptureInProcess(callsign, reason string) error {
	return r.capture(Dump{
		Callsign:   callsign,
		Reason:     reason,
		Pid:        os.Getpid(),
		Remote:     false,
		CapturedAt: time.Now(),
		ProcStatus: readProcStatus(os.Getpid()),
		Note:       "in-process plugin: dump reflects host state, not the plugin in isolation",
	})
}

// CaptureRemote dumps /proc/<pid> for an out-of-process worker and, if
// dumper is non-nil, asks the worker to write its own dump first so both
// sides of the crash are on disk before the session is torn down.
func (r *Recorder) CaptureRemote(callsign, reason string, pid int, dumper SelfDumper) error {
	if dumper != nil {
		if err := dumper.RequestSelfDump(); err != nil {
			logging.Warn().Str("callsign", callsign).Err(err).Msg("worker self-dump request failed")
		}
	}

	status := readProcStatus(pid)
	return r.capture(Dump{
		Callsign:   callsign,
		Reason:     reason,
		Pid:        pid,
		Remote:     true,
		CapturedAt: time.Now(),
		ProcStatus: status,
	})
}

func readProcStatus(pid int) string {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "status"))
	if err != nil {
		return ""
	}
	return string(data)
}

func (r *Recorder) capture(d Dump) error {
	if err := os.MkdirAll(r.path, 0o755); err != nil {
		return errorkind.Wrap(errorkind.General, "failed to create postmortem directory", err)
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return errorkind.Wrap(errorkind.General, "failed to encode postmortem dump", err)
	}

	filename := fmt.Sprintf("%s-%d.json", d.Callsign, d.CapturedAt.UnixNano())
	if err := os.WriteFile(filepath.Join(r.path, filename), payload, 0o644); err != nil {
		return errorkind.Wrap(errorkind.General, "failed to write postmortem dump", err)
	}
	return nil
}

// HostInfo is the process/host snapshot backing the Controller's
// version{}/threads[]/callstack[] surface.
type HostInfo struct {
	Pid           int    `json:"pid"`
	GoVersion     string `json:"goVersion"`
	Goroutines    int    `json:"goroutines"`
	UptimeSeconds uint64 `json:"uptimeSeconds"`
	ProcessUptime int64  `json:"processUptimeSeconds"`
}

// ReadHostInfo gathers the current process/host snapshot. Failures
// reading optional fields (e.g. no /proc on a restricted container) are
// tolerated: the corresponding field is left at its zero value rather
// than failing the whole read.
func ReadHostInfo() HostInfo {
	info := HostInfo{
		Pid:        os.Getpid(),
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
	}

	if uptime, err := host.Uptime(); err == nil {
		info.UptimeSeconds = uptime
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if createdMs, err := proc.CreateTime(); err == nil {
			info.ProcessUptime = int64(time.Since(time.UnixMilli(createdMs)).Seconds())
		}
	}

	return info
}

// Store is the Hibernate checkpoint store (C11): a small embedded KV
// holding each hibernated session's opaque checkpoint blob, keyed by
// session id, kept on disk so it survives a host restart. Service.Wakeup
// does not read it.
type Store struct {
	db *badger.DB
}

// OpenStore opens (creating if absent) a badger database rooted at dir.
func OpenStore(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errorkind.Wrap(errorkind.OpeningFailed, "failed to open hibernate checkpoint store", err)
	}
	return &Store{db: db}, nil
}

func checkpointKey(sessionID uint32) []byte {
	return []byte("hibernate:" + strconv.FormatUint(uint64(sessionID), 10))
}

// Put persists checkpoint under sessionID, overwriting any prior entry.
func (s *Store) Put(sessionID uint32, checkpoint []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(sessionID), checkpoint)
	})
	if err != nil {
		return errorkind.Wrap(errorkind.General, "failed to persist hibernate checkpoint", err)
	}
	return nil
}

// Get retrieves the checkpoint for sessionID. UnknownKey if none exists.
func (s *Store) Get(sessionID uint32) ([]byte, error) {
	var checkpoint []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			checkpoint = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, errorkind.Wrap(errorkind.UnknownKey, "no hibernate checkpoint for session", err)
	}
	return checkpoint, nil
}

// Delete removes sessionID's checkpoint, if any. Missing keys are not an
// error.
func (s *Store) Delete(sessionID uint32) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(checkpointKey(sessionID))
	})
	if err != nil {
		return errorkind.Wrap(errorkind.General, "failed to delete hibernate checkpoint", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// StorePathFor builds the configured hibernate checkpoint directory from
// the fabric's volatile path.
func StorePathFor(paths config.PathsConfig) string {
	return filepath.Join(paths.VolatilePath, "hibernate.badger")
}
