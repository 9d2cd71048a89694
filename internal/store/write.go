package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/eluent/eluent/internal/lockfile"
	"github.com/eluent/eluent/internal/types"
)

// Bounded wait for the data file lock. Contention past the deadline
// surfaces as ErrLockContention rather than blocking the caller forever.
const (
	lockRetryInterval = 50 * time.Millisecond
	lockWait          = 5 * time.Second
)

func exclusiveLock(f *os.File) error {
	deadline := time.Now().Add(lockWait)
	for {
		err := lockfile.FlockExclusiveNonBlock(f)
		if err == nil {
			return nil
		}
		if !errors.Is(err, lockfile.ErrLockBusy) {
			return err
		}
		if time.Now().After(deadline) {
			return ErrLockContention
		}
		time.Sleep(lockRetryInterval)
	}
}

func sharedLock(f *os.File) error {
	deadline := time.Now().Add(lockWait)
	for {
		err := lockfile.FlockSharedNonBlock(f)
		if err == nil {
			return nil
		}
		if !errors.Is(err, lockfile.ErrLockBusy) {
			return err
		}
		if time.Now().After(deadline) {
			return ErrLockContention
		}
		time.Sleep(lockRetryInterval)
	}
}

func unlock(f *os.File) { _ = lockfile.FlockUnlock(f) }

func marshalHeader(h *Header) ([]byte, error) {
	line, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}
	return line, nil
}

// appendLines appends record lines to path under an exclusive lock and
// fsyncs before releasing. Used for new records only; modified records go
// through the atomic rewrite.
func appendLines(path string, lines [][]byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if err := exclusiveLock(f); err != nil {
		return err
	}
	defer unlock(f)

	for _, line := range lines {
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("appending to %s: %w", path, err)
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	return nil
}

// rewriteLocked rewrites both data files from the in-memory state. Caller
// holds the write lock. Record order is deterministic: header, atoms by
// id, bonds by key, comments by parent and sequence — so two stores with
// the same records produce byte-identical files and clean git diffs.
func (s *Store) rewriteLocked() error {
	synced, ephemeral := s.partitionLocked()
	if err := s.rewriteFile(s.DataPath(), &s.header, synced); err != nil {
		return err
	}
	if len(ephemeral.Atoms) == 0 && len(ephemeral.Bonds) == 0 && len(ephemeral.Comments) == 0 {
		// Drop the file entirely once the last ephemeral record goes.
		if err := os.Remove(s.EphemeralPath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", s.EphemeralPath(), err)
		}
		return nil
	}
	return s.rewriteFile(s.EphemeralPath(), nil, ephemeral)
}

func (s *Store) partitionLocked() (synced, ephemeral *types.Snapshot) {
	synced = types.NewSnapshot()
	ephemeral = types.NewSnapshot()
	for id, a := range s.atoms {
		if a.Ephemeral {
			ephemeral.Atoms[id] = a
		} else {
			synced.Atoms[id] = a
		}
	}
	for key, b := range s.bonds {
		if s.bondEphemeralLocked(b) {
			ephemeral.Bonds[key] = b
		} else {
			synced.Bonds[key] = b
		}
	}
	for parent, list := range s.comments {
		dst := synced
		if a, ok := s.atoms[parent]; ok && a.Ephemeral {
			dst = ephemeral
		}
		dst.Comments = append(dst.Comments, list...)
	}
	return synced, ephemeral
}

// rewriteFile writes a full snapshot to path via temp + fsync + rename,
// holding an exclusive lock on the live file for the duration so appenders
// in other processes cannot interleave.
func (s *Store) rewriteFile(path string, header *Header, snap *types.Snapshot) (err error) {
	live, openErr := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if openErr != nil {
		return fmt.Errorf("opening %s: %w", path, openErr)
	}
	defer live.Close()
	if err := exclusiveLock(live); err != nil {
		return err
	}
	defer unlock(live)

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		// The temp file survives only a successful rename.
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	write := func(line []byte) error {
		_, werr := tmp.Write(append(line, '\n'))
		return werr
	}

	if header != nil {
		line, merr := marshalHeader(header)
		if merr != nil {
			return merr
		}
		if err = write(line); err != nil {
			return fmt.Errorf("writing header: %w", err)
		}
	}

	atomIDs := make([]string, 0, len(snap.Atoms))
	for id := range snap.Atoms {
		atomIDs = append(atomIDs, id)
	}
	sort.Strings(atomIDs)
	for _, id := range atomIDs {
		line, merr := MarshalAtom(snap.Atoms[id])
		if merr != nil {
			return merr
		}
		if err = write(line); err != nil {
			return fmt.Errorf("writing atom %s: %w", id, err)
		}
	}

	keys := make([]types.BondKey, 0, len(snap.Bonds))
	for key := range snap.Bonds {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SourceID != keys[j].SourceID {
			return keys[i].SourceID < keys[j].SourceID
		}
		if keys[i].TargetID != keys[j].TargetID {
			return keys[i].TargetID < keys[j].TargetID
		}
		return keys[i].Kind < keys[j].Kind
	})
	for _, key := range keys {
		line, merr := MarshalBond(snap.Bonds[key])
		if merr != nil {
			return merr
		}
		if err = write(line); err != nil {
			return fmt.Errorf("writing bond %s: %w", key, err)
		}
	}

	comments := append([]*types.Comment(nil), snap.Comments...)
	sortComments(comments)
	for _, c := range comments {
		line, merr := MarshalComment(c)
		if merr != nil {
			return merr
		}
		if err = write(line); err != nil {
			return fmt.Errorf("writing comment %s: %w", c.ID, err)
		}
	}

	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// appendAtomLocked routes a new atom line to the right file. Caller holds
// the write lock.
func (s *Store) appendAtomLocked(a *types.Atom) error {
	line, err := MarshalAtom(a)
	if err != nil {
		return err
	}
	path := s.DataPath()
	if a.Ephemeral {
		path = s.EphemeralPath()
	}
	return appendLines(path, [][]byte{line})
}

func (s *Store) appendBondLocked(b *types.Bond) error {
	line, err := MarshalBond(b)
	if err != nil {
		return err
	}
	path := s.DataPath()
	if s.bondEphemeralLocked(b) {
		path = s.EphemeralPath()
	}
	return appendLines(path, [][]byte{line})
}

func (s *Store) appendCommentLocked(c *types.Comment) error {
	line, err := MarshalComment(c)
	if err != nil {
		return err
	}
	path := s.DataPath()
	if a, ok := s.atoms[c.ParentID]; ok && a.Ephemeral {
		path = s.EphemeralPath()
	}
	return appendLines(path, [][]byte{line})
}
