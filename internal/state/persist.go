package state

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"github.com/tmuxmon/tmo/internal/tmux"
	"github.com/tmuxmon/tmo/internal/util"
)

// Snapshot file framing. All integers are big-endian.
const (
	snapshotMagic   = "TMO1"
	snapshotVersion = uint16(1)
)

// ErrCorruptSnapshot wraps any magic, version, length, or CRC mismatch
// found while reading a snapshot file.
var ErrCorruptSnapshot = errors.New("corrupt state snapshot")

// Save writes a compact snapshot of agents and PM records to path via
// write-temp-then-rename.
func (t *Tracker) Save(path string) error {
	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	data, err := encodeSnapshot(t.Agents(), t.PmRecords(), t.now())
	if err != nil {
		return err
	}
	if err := util.AtomicWriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot at path into the tracker. A missing file leaves
// the tracker empty. A corrupt file is renamed aside with a
// .corrupt-<timestamp> suffix and the tracker continues empty; the returned
// error wraps ErrCorruptSnapshot so callers can log it.
func (t *Tracker) Load(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}

	agents, pmRecords, err := decodeSnapshot(data)
	if err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, t.now().Unix())
		if renameErr := os.Rename(path, aside); renameErr != nil {
			trackerLogger.Warn("could not rename corrupt snapshot", "path", path, "error", renameErr)
		} else {
			trackerLogger.Warn("renamed corrupt snapshot", "path", path, "aside", aside)
		}
		return err
	}

	t.restore(agents, pmRecords)
	return nil
}

// SnapshotCreatedAt reads only the header timestamp of a snapshot file, for
// staleness reporting.
func SnapshotCreatedAt(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	if len(data) < 14 || string(data[:4]) != snapshotMagic {
		return time.Time{}, ErrCorruptSnapshot
	}
	sec := binary.BigEndian.Uint64(data[6:14])
	return time.Unix(int64(sec), 0), nil
}

func encodeSnapshot(agents []Agent, pmRecords []PmRecoveryRecord, createdAt time.Time) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	writeU16(&buf, snapshotVersion)
	writeU64(&buf, uint64(createdAt.Unix()))

	writeU32(&buf, uint32(len(agents)))
	for i := range agents {
		a := &agents[i]
		if err := writeString(&buf, a.Target.String()); err != nil {
			return nil, err
		}
		buf.WriteByte(byte(a.Role))
		buf.WriteByte(byte(a.State))
		writeU64(&buf, unixOrZero(a.DiscoveredAt))
		writeU64(&buf, unixOrZero(a.LastSeenActiveAt))
		writeU16(&buf, clampU16(a.ConsecutiveIdleSamples))
		writeU16(&buf, clampU16(a.ConsecutiveMissingSamples))
		buf.Write(a.BriefingDigest[:])
	}

	writeU32(&buf, uint32(len(pmRecords)))
	for i := range pmRecords {
		r := &pmRecords[i]
		if err := writeString(&buf, r.Session); err != nil {
			return nil, err
		}
		buf.WriteByte(clampU8(r.AttemptCount))
		writeU64(&buf, unixOrZero(r.LastAttemptAt))
		writeU64(&buf, unixOrZero(r.GraceUntil))
		writeU64(&buf, unixOrZero(r.CooldownUntil))
		buf.WriteByte(byte(r.LastOutcome))
	}

	writeU32(&buf, crc32.ChecksumIEEE(buf.Bytes()))
	return buf.Bytes(), nil
}

func decodeSnapshot(data []byte) ([]Agent, []PmRecoveryRecord, error) {
	if len(data) < 4+2+8+4+4+4 {
		return nil, nil, fmt.Errorf("%w: truncated (%d bytes)", ErrCorruptSnapshot, len(data))
	}

	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(trailer) {
		return nil, nil, fmt.Errorf("%w: crc mismatch", ErrCorruptSnapshot)
	}

	r := bytes.NewReader(body)
	magic := make([]byte, 4)
	if _, err := r.Read(magic); err != nil || string(magic) != snapshotMagic {
		return nil, nil, fmt.Errorf("%w: bad magic %q", ErrCorruptSnapshot, magic)
	}
	version, err := readU16(r)
	if err != nil || version != snapshotVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, version)
	}
	if _, err := readU64(r); err != nil { // created_at; informational
		return nil, nil, fmt.Errorf("%w: missing header timestamp", ErrCorruptSnapshot)
	}

	agentCount, err := readU32(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: missing agent count", ErrCorruptSnapshot)
	}
	agents := make([]Agent, 0, agentCount)
	for i := uint32(0); i < agentCount; i++ {
		var a Agent
		targetStr, err := readString(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: agent %d target: %v", ErrCorruptSnapshot, i, err)
		}
		target, err := tmux.ParseTarget(targetStr)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: agent %d target: %v", ErrCorruptSnapshot, i, err)
		}
		a.Target = target

		role, err := r.ReadByte()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: agent %d role", ErrCorruptSnapshot, i)
		}
		a.Role = AgentRole(role)
		st, err := r.ReadByte()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: agent %d state", ErrCorruptSnapshot, i)
		}
		a.State = AgentState(st)

		disc, err := readU64(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: agent %d discovered_at", ErrCorruptSnapshot, i)
		}
		a.DiscoveredAt = zeroOrUnix(disc)
		active, err := readU64(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: agent %d last_seen_active_at", ErrCorruptSnapshot, i)
		}
		a.LastSeenActiveAt = zeroOrUnix(active)

		idle, err := readU16(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: agent %d idle samples", ErrCorruptSnapshot, i)
		}
		a.ConsecutiveIdleSamples = int(idle)
		missing, err := readU16(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: agent %d missing samples", ErrCorruptSnapshot, i)
		}
		a.ConsecutiveMissingSamples = int(missing)

		if _, err := r.Read(a.BriefingDigest[:]); err != nil {
			return nil, nil, fmt.Errorf("%w: agent %d briefing digest", ErrCorruptSnapshot, i)
		}
		agents = append(agents, a)
	}

	pmCount, err := readU32(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: missing pm record count", ErrCorruptSnapshot)
	}
	pmRecords := make([]PmRecoveryRecord, 0, pmCount)
	for i := uint32(0); i < pmCount; i++ {
		var rec PmRecoveryRecord
		session, err := readString(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: pm record %d session: %v", ErrCorruptSnapshot, i, err)
		}
		rec.Session = session

		attempts, err := r.ReadByte()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: pm record %d attempts", ErrCorruptSnapshot, i)
		}
		rec.AttemptCount = int(attempts)

		last, err := readU64(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: pm record %d last_attempt_at", ErrCorruptSnapshot, i)
		}
		rec.LastAttemptAt = zeroOrUnix(last)
		grace, err := readU64(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: pm record %d grace_until", ErrCorruptSnapshot, i)
		}
		rec.GraceUntil = zeroOrUnix(grace)
		cooldown, err := readU64(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: pm record %d cooldown_until", ErrCorruptSnapshot, i)
		}
		rec.CooldownUntil = zeroOrUnix(cooldown)

		outcome, err := r.ReadByte()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: pm record %d outcome", ErrCorruptSnapshot, i)
		}
		rec.LastOutcome = RecoveryOutcome(outcome)
		pmRecords = append(pmRecords, rec)
	}

	if r.Len() != 0 {
		return nil, nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptSnapshot, r.Len())
	}
	return agents, pmRecords, nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > int(^uint16(0)) {
		return fmt.Errorf("string too long for snapshot: %d bytes", len(s))
	}
	writeU16(buf, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readU16(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}

func unixOrZero(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix())
}

func zeroOrUnix(sec uint64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0)
}

func clampU16(n int) uint16 {
	if n < 0 {
		return 0
	}
	if n > int(^uint16(0)) {
		return ^uint16(0)
	}
	return uint16(n)
}

func clampU8(n int) byte {
	if n < 0 {
		return 0
	}
	if n > 255 {
		return 255
	}
	return byte(n)
}
